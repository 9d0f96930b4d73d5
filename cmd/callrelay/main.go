package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/square-key-labs/callrelay/src/callcontrol"
	"github.com/square-key-labs/callrelay/src/config"
	"github.com/square-key-labs/callrelay/src/logger"
	"github.com/square-key-labs/callrelay/src/metrics"
	"github.com/square-key-labs/callrelay/src/notify"
	"github.com/square-key-labs/callrelay/src/services"
	"github.com/square-key-labs/callrelay/src/services/gemini"
	"github.com/square-key-labs/callrelay/src/services/openai"
	"github.com/square-key-labs/callrelay/src/session"
	"github.com/square-key-labs/callrelay/src/transports"
	"github.com/square-key-labs/callrelay/src/upstream"
)

const mediaPath = "/media"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "callrelay: %v\n", err)
		os.Exit(2)
	}

	format := logger.FormatText
	if cfg.LogFormat == "json" {
		format = logger.FormatJSON
	}
	logger.SetDefault(logger.New(logger.ParseLevel(cfg.LogLevel), os.Stdout, format, ""))
	log := logger.WithPrefix("Main")

	if err := run(cfg, log); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	instructions, err := cfg.Instructions()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewRecorder(reg)

	baseURL := ""
	if cfg.PublicHost != "" {
		baseURL = "https://" + cfg.PublicHost
	}

	var redirector callcontrol.Redirector = callcontrol.NewLogRedirector()
	if cfg.TwilioEnabled() && baseURL != "" {
		redirector = callcontrol.NewTwilioRedirector(cfg.TwilioAccountSid, cfg.TwilioAuthToken, baseURL)
	} else {
		log.Warn("Twilio credentials or public host missing; transfers and goodbyes are only logged")
	}

	mode, err := session.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}
	hub, err := session.NewHub(session.HubConfig{
		Mode: mode,
		Session: session.Config{
			KeepaliveInterval: cfg.KeepaliveInterval,
			Greeting:          cfg.Greeting(),
			GreetingTimeout:   cfg.GreetingTimeout,
			MaxPendingFrames:  session.DefaultConfig().MaxPendingFrames,
		},
		Upstream: upstream.Config{
			Session: services.SessionConfig{
				Instructions: instructions,
				Voice:        cfg.Voice,
				Temperature:  cfg.Temperature,
				TurnDetection: services.TurnDetection{
					Threshold:         cfg.VADThreshold,
					PrefixPaddingMs:   int(cfg.VADPrefixPadding / time.Millisecond),
					SilenceDurationMs: int(cfg.VADSilence / time.Millisecond),
				},
			},
			ReconnectDelay:      cfg.ReconnectDelay,
			HealthCheckInterval: cfg.HealthCheckInterval,
		},
	}, newDialer(cfg), redirector, newNotifier(cfg), rec)
	if err != nil {
		return err
	}
	reg.MustRegister(metrics.NewCollector(hub, hub, time.Now()))
	hub.Start()

	twimlHandlers := callcontrol.NewHandlers(callcontrol.TwiMLConfig{
		PublicHost:     cfg.PublicHost,
		StreamPath:     mediaPath,
		BusinessName:   cfg.BusinessName,
		OperatorNumber: cfg.OperatorNumber,
		AuthToken:      cfg.TwilioAuthToken,
	})
	media := transports.NewTwilioMediaHandler(func(out session.Outbound) (transports.Call, error) {
		s, err := hub.Open(out)
		if err != nil {
			return nil, err
		}
		return s, nil
	}, transports.TwilioMediaConfig{})

	// HTTP router with global middleware.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	twimlHandlers.Routes(r)
	r.Handle(mediaPath, media)
	r.Handle("/metrics", metrics.Handler(reg))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if !hub.Healthy() {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":   status,
			"mode":     hub.Mode(),
			"sessions": hub.ActiveSessionCount(),
		})
	})
	r.Get("/calls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.Snapshots())
	})
	r.Get("/calls/{callSid}", func(w http.ResponseWriter, r *http.Request) {
		s, ok := hub.Lookup(chi.URLParam(r, "callSid"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "call not found"})
			return
		}
		writeJSON(w, http.StatusOK, s.Snapshot())
	})

	// No read/write timeouts: media streams are long-lived WebSockets and
	// the stream writer sets its own deadlines.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Listening on %s (provider %s, mode %s)", srv.Addr, cfg.Provider, cfg.Mode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		log.Info("Received %s, shutting down", sig)
	case serveErr = <-errCh:
		log.Error("HTTP server error: %v", serveErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := hub.Shutdown(ctx); err != nil {
		log.Warn("Session shutdown: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("HTTP server shutdown: %v", err)
	}
	log.Info("Stopped")
	return serveErr
}

func newDialer(cfg *config.Config) services.Dialer {
	if cfg.Provider == "gemini" {
		return gemini.NewDialer(gemini.LiveConfig{
			APIKey:    cfg.GeminiAPIKey,
			Model:     cfg.GeminiModel,
			UseVertex: cfg.GeminiVertex,
			Project:   cfg.GoogleProject,
			Location:  cfg.GoogleLocation,
		})
	}
	return openai.NewDialer(openai.RealtimeConfig{
		APIKey: cfg.OpenAIAPIKey,
		Model:  cfg.OpenAIModel,
		URL:    cfg.OpenAIURL,
	})
}

func newNotifier(cfg *config.Config) notify.Notifier {
	targets := notify.Multi{notify.NewLogNotifier()}
	if to := cfg.SMSRecipients(); len(to) > 0 {
		targets = append(targets, notify.NewSMS(cfg.TwilioAccountSid, cfg.TwilioAuthToken, cfg.TwilioFromNumber, to))
	}
	if cfg.LeadWebhookURL != "" {
		targets = append(targets, notify.NewWebhook(cfg.LeadWebhookURL, &http.Client{Timeout: 10 * time.Second}))
	}
	return notify.NewThrottled(targets, cfg.NotifyPerMinute)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
