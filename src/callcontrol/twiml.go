package callcontrol

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/square-key-labs/callrelay/src/logger"
	"github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"
)

// TwiMLConfig holds what the answer and redirect documents say.
type TwiMLConfig struct {
	PublicHost      string // host[:port] reachable by the telephony provider
	StreamPath      string // media websocket path, e.g. /media
	BusinessName    string
	OperatorNumber  string // transfer target; empty hangs up instead
	TransferMessage string
	GoodbyeMessage  string
	AuthToken       string // enables request signature checks when set
}

// Handlers serves the TwiML endpoints.
type Handlers struct {
	cfg TwiMLConfig
	log *logger.Logger
}

func NewHandlers(cfg TwiMLConfig) *Handlers {
	if cfg.StreamPath == "" {
		cfg.StreamPath = "/media"
	}
	if cfg.TransferMessage == "" {
		cfg.TransferMessage = "Please hold while I connect you."
	}
	if cfg.GoodbyeMessage == "" {
		cfg.GoodbyeMessage = "Thanks for calling. Goodbye."
	}
	return &Handlers{cfg: cfg, log: logger.WithPrefix("TwiML")}
}

// Routes mounts /voice, /transfer and /goodbye.
func (h *Handlers) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.cfg.AuthToken != "" {
			r.Use(h.validateSignature)
		}
		r.HandleFunc("/voice", h.Voice)
		r.HandleFunc("/transfer", h.Transfer)
		r.HandleFunc("/goodbye", h.Goodbye)
	})
}

// Voice answers an inbound call by connecting it to the media stream.
func (h *Handlers) Voice(w http.ResponseWriter, r *http.Request) {
	stream := twiml.VoiceStream{
		Url: "wss://" + h.cfg.PublicHost + h.cfg.StreamPath,
		InnerElements: []twiml.Element{
			twiml.VoiceParameter{Name: "business", Value: h.cfg.BusinessName},
		},
	}
	connect := twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	h.write(w, r, []twiml.Element{connect})
}

// Transfer hands the caller to the operator.
func (h *Handlers) Transfer(w http.ResponseWriter, r *http.Request) {
	elements := []twiml.Element{twiml.VoiceSay{Message: h.cfg.TransferMessage}}
	if h.cfg.OperatorNumber != "" {
		elements = append(elements, twiml.VoiceDial{Number: h.cfg.OperatorNumber})
	} else {
		h.log.Warn("Transfer requested but no operator number configured")
		elements = append(elements, twiml.VoiceHangup{})
	}
	h.write(w, r, elements)
}

// Goodbye ends the call politely.
func (h *Handlers) Goodbye(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, []twiml.Element{
		twiml.VoiceSay{Message: h.cfg.GoodbyeMessage},
		twiml.VoiceHangup{},
	})
}

func (h *Handlers) write(w http.ResponseWriter, r *http.Request, elements []twiml.Element) {
	doc, err := twiml.Voice(elements)
	if err != nil {
		h.log.Error("Build TwiML for %s: %v", r.URL.Path, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(doc))
}

// validateSignature rejects requests without a valid X-Twilio-Signature.
func (h *Handlers) validateSignature(next http.Handler) http.Handler {
	validator := client.NewRequestValidator(h.cfg.AuthToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if !validator.Validate(h.requestURL(r), params, r.Header.Get("X-Twilio-Signature")) {
			h.log.Warn("Rejected unsigned request to %s", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestURL rebuilds the public URL the provider signed.
func (h *Handlers) requestURL(r *http.Request) string {
	u := url.URL{Scheme: "https", Host: h.cfg.PublicHost, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	if strings.HasPrefix(h.cfg.PublicHost, "localhost") || strings.HasPrefix(h.cfg.PublicHost, "127.0.0.1") {
		u.Scheme = "http"
	}
	return u.String()
}
