// Package callcontrol redirects live calls and serves the TwiML documents
// the call is redirected to.
package callcontrol

import (
	"context"
	"fmt"
	"strings"

	"github.com/square-key-labs/callrelay/src/logger"
	twilio "github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Destination is where a live call is sent.
type Destination string

const (
	DestinationTransfer Destination = "transfer"
	DestinationGoodbye  Destination = "goodbye"
)

// Redirector moves a live call to new call-control instructions.
type Redirector interface {
	Redirect(ctx context.Context, callSid string, dest Destination) error
}

// CallUpdater is the subset of the Twilio REST API used for redirects.
type CallUpdater interface {
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

// TwilioRedirector points a live call at this service's /transfer or
// /goodbye TwiML.
type TwilioRedirector struct {
	api     CallUpdater
	baseURL string
	log     *logger.Logger
}

// NewTwilioRedirector creates a redirector using the account credentials.
// baseURL is the public https origin of this service.
func NewTwilioRedirector(accountSid, authToken, baseURL string) *TwilioRedirector {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSid,
		Password: authToken,
	})
	return NewTwilioRedirectorWithAPI(client.Api, baseURL)
}

// NewTwilioRedirectorWithAPI creates a redirector over an existing API client.
func NewTwilioRedirectorWithAPI(api CallUpdater, baseURL string) *TwilioRedirector {
	return &TwilioRedirector{
		api:     api,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		log:     logger.WithPrefix("Redirect"),
	}
}

func (r *TwilioRedirector) Redirect(ctx context.Context, callSid string, dest Destination) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := r.baseURL + "/" + string(dest)

	params := &openapi.UpdateCallParams{}
	params.SetUrl(target)
	params.SetMethod("POST")

	if _, err := r.api.UpdateCall(callSid, params); err != nil {
		return fmt.Errorf("redirect call %s to %s: %w", callSid, dest, err)
	}
	r.log.Info("Redirected call %s to %s", callSid, target)
	return nil
}

// LogRedirector only logs. Used when no telephony credentials are configured.
type LogRedirector struct {
	log *logger.Logger
}

func NewLogRedirector() *LogRedirector {
	return &LogRedirector{log: logger.WithPrefix("Redirect")}
}

func (r *LogRedirector) Redirect(_ context.Context, callSid string, dest Destination) error {
	r.log.Warn("No telephony credentials; would redirect call %s to %s", callSid, dest)
	return nil
}
