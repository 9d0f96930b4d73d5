// Package config loads runtime configuration for the relay.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration.
// Precedence: CLI flags > env vars > .env file > defaults.
type Config struct {
	HTTPPort       int
	PublicHost     string // host Twilio reaches us on, e.g. "relay.example.com"
	BusinessName   string
	OperatorNumber string // E.164 number transfers are dialled to
	LogLevel       string
	LogFormat      string

	Provider string // "openai" or "gemini"
	Mode     string // "per_call" or "shared"

	OpenAIAPIKey string
	OpenAIModel  string
	OpenAIURL    string
	Voice        string
	Temperature  float64

	InstructionsFile string
	VADThreshold     float64
	VADPrefixPadding time.Duration
	VADSilence       time.Duration

	GeminiAPIKey   string
	GeminiModel    string
	GoogleProject  string
	GoogleLocation string
	GeminiVertex   bool

	ReconnectDelay      time.Duration
	HealthCheckInterval time.Duration
	KeepaliveInterval   time.Duration
	GreetingTimeout     time.Duration
	ProactiveGreeting   bool

	TwilioAccountSid string
	TwilioAuthToken  string
	TwilioFromNumber string
	LeadSMSTo        string // comma-separated
	LeadWebhookURL   string
	NotifyPerMinute  int
}

// defaults
const (
	defaultHTTPPort       = 8080
	defaultBusinessName   = "our office"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultProvider       = "openai"
	defaultMode           = "per_call"
	defaultVoice          = "alloy"
	defaultTemperature    = 0.8
	defaultGoogleLocation = "us-central1"
	defaultNotifyRate     = 10
)

// envMap maps flag names to environment variable names.
var envMap = map[string]string{
	"http-port":             "HTTP_PORT",
	"public-host":           "PUBLIC_HOST",
	"business-name":         "BUSINESS_NAME",
	"operator-number":       "OPERATOR_NUMBER",
	"log-level":             "LOG_LEVEL",
	"log-format":            "LOG_FORMAT",
	"provider":              "UPSTREAM_PROVIDER",
	"mode":                  "UPSTREAM_MODE",
	"openai-api-key":        "OPENAI_API_KEY",
	"openai-model":          "OPENAI_REALTIME_MODEL",
	"openai-url":            "OPENAI_REALTIME_URL",
	"voice":                 "AI_VOICE",
	"temperature":           "AI_TEMPERATURE",
	"instructions-file":     "AI_INSTRUCTIONS_FILE",
	"vad-threshold":         "VAD_THRESHOLD",
	"vad-prefix-padding":    "VAD_PREFIX_PADDING",
	"vad-silence":           "VAD_SILENCE",
	"gemini-api-key":        "GEMINI_API_KEY",
	"gemini-model":          "GEMINI_LIVE_MODEL",
	"google-project":        "GOOGLE_CLOUD_PROJECT",
	"google-location":       "GOOGLE_CLOUD_LOCATION",
	"gemini-vertex":         "GEMINI_USE_VERTEX",
	"reconnect-delay":       "RECONNECT_DELAY",
	"health-check-interval": "HEALTH_CHECK_INTERVAL",
	"keepalive-interval":    "KEEPALIVE_INTERVAL",
	"greeting-timeout":      "GREETING_TIMEOUT",
	"proactive-greeting":    "PROACTIVE_GREETING",
	"twilio-account-sid":    "TWILIO_ACCOUNT_SID",
	"twilio-auth-token":     "TWILIO_AUTH_TOKEN",
	"twilio-from-number":    "TWILIO_FROM_NUMBER",
	"lead-sms-to":           "LEAD_SMS_TO",
	"lead-webhook-url":      "LEAD_WEBHOOK_URL",
	"notify-rate":           "NOTIFY_RATE_PER_MINUTE",
}

// Load parses configuration from args (without the program name), the
// environment and an optional .env file.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	var envFile string

	fs := flag.NewFlagSet("callrelay", flag.ContinueOnError)
	fs.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment (missing file is ignored)")

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.PublicHost, "public-host", "", "public host name used in TwiML URLs (defaults to the request Host)")
	fs.StringVar(&cfg.BusinessName, "business-name", defaultBusinessName, "business name used in greetings and AI instructions")
	fs.StringVar(&cfg.OperatorNumber, "operator-number", "", "phone number transfers are dialled to")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	fs.StringVar(&cfg.Provider, "provider", defaultProvider, "AI backend (openai, gemini)")
	fs.StringVar(&cfg.Mode, "mode", defaultMode, "AI connection mode (per_call, shared)")

	fs.StringVar(&cfg.OpenAIAPIKey, "openai-api-key", "", "OpenAI API key")
	fs.StringVar(&cfg.OpenAIModel, "openai-model", "", "OpenAI realtime model")
	fs.StringVar(&cfg.OpenAIURL, "openai-url", "", "OpenAI realtime WebSocket URL")
	fs.StringVar(&cfg.Voice, "voice", defaultVoice, "AI voice name")
	fs.Float64Var(&cfg.Temperature, "temperature", defaultTemperature, "AI sampling temperature")

	fs.StringVar(&cfg.InstructionsFile, "instructions-file", "", "file with AI instructions (built-in receptionist prompt if empty)")
	fs.Float64Var(&cfg.VADThreshold, "vad-threshold", 0.5, "server VAD activation threshold (0-1)")
	fs.DurationVar(&cfg.VADPrefixPadding, "vad-prefix-padding", 300*time.Millisecond, "audio kept before detected speech")
	fs.DurationVar(&cfg.VADSilence, "vad-silence", 500*time.Millisecond, "silence that ends a caller turn")

	fs.StringVar(&cfg.GeminiAPIKey, "gemini-api-key", "", "Gemini API key")
	fs.StringVar(&cfg.GeminiModel, "gemini-model", "", "Gemini Live model")
	fs.StringVar(&cfg.GoogleProject, "google-project", "", "Google Cloud project (Vertex AI)")
	fs.StringVar(&cfg.GoogleLocation, "google-location", defaultGoogleLocation, "Google Cloud location (Vertex AI)")
	fs.BoolVar(&cfg.GeminiVertex, "gemini-vertex", false, "use Vertex AI with application default credentials")

	fs.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", 2*time.Second, "minimum delay between AI connection attempts")
	fs.DurationVar(&cfg.HealthCheckInterval, "health-check-interval", 60*time.Second, "AI connection health check interval (0 disables)")
	fs.DurationVar(&cfg.KeepaliveInterval, "keepalive-interval", 20*time.Millisecond, "silence frame interval before the AI speaks")
	fs.DurationVar(&cfg.GreetingTimeout, "greeting-timeout", 4*time.Second, "wait for AI audio before re-requesting the greeting")
	fs.BoolVar(&cfg.ProactiveGreeting, "proactive-greeting", true, "have the AI greet the caller first")

	fs.StringVar(&cfg.TwilioAccountSid, "twilio-account-sid", "", "Twilio account SID")
	fs.StringVar(&cfg.TwilioAuthToken, "twilio-auth-token", "", "Twilio auth token (also enables webhook signature checks)")
	fs.StringVar(&cfg.TwilioFromNumber, "twilio-from-number", "", "Twilio number lead SMS are sent from")
	fs.StringVar(&cfg.LeadSMSTo, "lead-sms-to", "", "comma-separated numbers that receive lead SMS")
	fs.StringVar(&cfg.LeadWebhookURL, "lead-webhook-url", "", "URL leads are POSTed to as a form")
	fs.IntVar(&cfg.NotifyPerMinute, "notify-rate", defaultNotifyRate, "maximum lead notifications per minute (0 disables the limit)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// godotenv never overrides variables already present in the environment.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}

	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides sets every flag not given on the command line from its
// environment variable, parsed by the flag's own type.
func applyEnvOverrides(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		if err := fs.Set(flagName, val); err != nil {
			return fmt.Errorf("%s: %w", envVar, err)
		}
	}
	return nil
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	c.LogLevel = strings.ToLower(c.LogLevel)
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}

	c.Mode = strings.ToLower(c.Mode)
	if c.Mode != "per_call" && c.Mode != "shared" {
		return fmt.Errorf("mode must be one of per_call, shared; got %q", c.Mode)
	}

	c.Provider = strings.ToLower(c.Provider)
	switch c.Provider {
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("openai-api-key is required for provider openai")
		}
	case "gemini":
		if c.GeminiVertex {
			if c.GoogleProject == "" {
				return fmt.Errorf("google-project is required with gemini-vertex")
			}
		} else if c.GeminiAPIKey == "" {
			return fmt.Errorf("gemini-api-key is required for provider gemini")
		}
	default:
		return fmt.Errorf("provider must be one of openai, gemini; got %q", c.Provider)
	}

	if c.VADThreshold < 0 || c.VADThreshold > 1 {
		return fmt.Errorf("vad-threshold must be between 0 and 1, got %v", c.VADThreshold)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect-delay must be positive, got %v", c.ReconnectDelay)
	}
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("keepalive-interval must be positive, got %v", c.KeepaliveInterval)
	}
	if c.HealthCheckInterval < 0 || c.GreetingTimeout < 0 {
		return fmt.Errorf("health-check-interval and greeting-timeout must not be negative")
	}
	if c.NotifyPerMinute < 0 {
		return fmt.Errorf("notify-rate must not be negative, got %d", c.NotifyPerMinute)
	}

	// SMS needs an account and a sender.
	if c.LeadSMSTo != "" && (c.TwilioAccountSid == "" || c.TwilioAuthToken == "" || c.TwilioFromNumber == "") {
		return fmt.Errorf("lead-sms-to requires twilio-account-sid, twilio-auth-token and twilio-from-number")
	}
	return nil
}

// TwilioEnabled reports whether REST credentials are configured.
func (c *Config) TwilioEnabled() bool {
	return c.TwilioAccountSid != "" && c.TwilioAuthToken != ""
}

// SMSRecipients returns the lead SMS numbers.
func (c *Config) SMSRecipients() []string {
	var out []string
	for _, n := range strings.Split(c.LeadSMSTo, ",") {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// Instructions returns the AI instructions: the contents of
// InstructionsFile if set, otherwise the built-in receptionist prompt.
func (c *Config) Instructions() (string, error) {
	if c.InstructionsFile != "" {
		data, err := os.ReadFile(c.InstructionsFile)
		if err != nil {
			return "", fmt.Errorf("reading instructions: %w", err)
		}
		return strings.ReplaceAll(string(data), "{{business}}", c.BusinessName), nil
	}
	return fmt.Sprintf(defaultInstructions, c.BusinessName), nil
}

// Greeting returns the proactive greeting request, or "" when disabled.
func (c *Config) Greeting() string {
	if !c.ProactiveGreeting {
		return ""
	}
	return fmt.Sprintf("Greet the caller warmly on behalf of %s and ask how you can help.", c.BusinessName)
}

const defaultInstructions = `You are the phone receptionist for %s. Speak briefly and naturally.
Collect the caller's name, phone number, address, zip code, the service they need, a good time, and any details.

Alongside your speech, emit control lines in your text output, each on its own line:
LEAD key=value; key=value   whenever you learn caller details (keys: name, phone, address, zip, service, time, details; add priority=yes for emergencies)
TRANSFER                    when the caller asks for a person or the matter is urgent
DONE                        when the conversation is finished
Never speak these control lines aloud.`
