package notify

import (
	"context"
	"errors"
	"fmt"

	twilio "github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// MessageCreator is the subset of the Twilio REST API used to send SMS.
type MessageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// SMS texts the lead to each recipient.
type SMS struct {
	api  MessageCreator
	from string
	to   []string
}

// NewSMS creates an SMS notifier from account credentials.
func NewSMS(accountSid, authToken, from string, to []string) *SMS {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSid,
		Password: authToken,
	})
	return NewSMSWithAPI(client.Api, from, to)
}

// NewSMSWithAPI creates an SMS notifier over an existing API client.
func NewSMSWithAPI(api MessageCreator, from string, to []string) *SMS {
	return &SMS{api: api, from: from, to: to}
}

func (s *SMS) Notify(ctx context.Context, lead Lead) error {
	body := Message(lead)
	var errs []error
	for _, to := range s.to {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		params := &openapi.CreateMessageParams{}
		params.SetTo(to)
		params.SetFrom(s.from)
		params.SetBody(body)
		if _, err := s.api.CreateMessage(params); err != nil {
			errs = append(errs, fmt.Errorf("sms to %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}
