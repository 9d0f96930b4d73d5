package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/square-key-labs/callrelay/src/logger"
	"github.com/square-key-labs/callrelay/src/services"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview"

	// PCM16 at 24 kHz in both directions.
	sampleRate = 24000

	sendQueueSize = 512
)

// RealtimeConfig holds configuration for the OpenAI Realtime API
type RealtimeConfig struct {
	APIKey           string
	Model            string
	URL              string // defaults to DefaultURL
	HandshakeTimeout time.Duration
}

// Dialer opens OpenAI Realtime websocket sessions.
type Dialer struct {
	cfg RealtimeConfig
	log *logger.Logger
}

// NewDialer creates a new OpenAI Realtime dialer
func NewDialer(cfg RealtimeConfig) *Dialer {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Dialer{cfg: cfg, log: logger.WithPrefix("OpenAIRealtime")}
}

func (d *Dialer) Name() string {
	return "openai"
}

func (d *Dialer) Format() services.AudioFormat {
	return services.AudioFormat{InputSampleRate: sampleRate, OutputSampleRate: sampleRate}
}

func (d *Dialer) Dial(ctx context.Context) (services.Conn, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", d.cfg.Model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.cfg.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to OpenAI Realtime (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to OpenAI Realtime: %w", err)
	}

	c := &conn{
		ws:    ws,
		out:   make(chan []byte, sendQueueSize),
		close: make(chan struct{}),
		log:   d.log,
	}
	go c.writeLoop()

	d.log.Info("Connected to %s (model %s)", u.Host, d.cfg.Model)
	return c, nil
}

// conn is a single Realtime session. Writes go through out and a single
// writer goroutine; Receive is called by one reader.
type conn struct {
	ws  *websocket.Conn
	out chan []byte
	log *logger.Logger

	close     chan struct{}
	closeOnce sync.Once
}

func (c *conn) Configure(ctx context.Context, cfg services.SessionConfig) error {
	td := cfg.TurnDetection
	msg := sessionUpdate{
		Type:    "session.update",
		EventID: newEventID(),
		Session: sessionParams{
			Modalities:        []string{"audio", "text"},
			Instructions:      cfg.Instructions,
			Voice:             cfg.Voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			Temperature:       cfg.Temperature,
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				Threshold:         td.Threshold,
				PrefixPaddingMs:   td.PrefixPaddingMs,
				SilenceDurationMs: td.SilenceDurationMs,
			},
		},
	}
	return c.send(msg)
}

func (c *conn) AppendAudio(pcm []byte) error {
	return c.send(audioAppend{
		Type:    "input_audio_buffer.append",
		EventID: newEventID(),
		Audio:   base64.StdEncoding.EncodeToString(pcm),
	})
}

func (c *conn) CreateResponse(instructions string) error {
	msg := responseCreate{Type: "response.create", EventID: newEventID()}
	if instructions != "" {
		msg.Response = &responseParams{
			Modalities:   []string{"audio", "text"},
			Instructions: instructions,
		}
	}
	return c.send(msg)
}

func (c *conn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal realtime message: %w", err)
	}
	select {
	case <-c.close:
		return services.ErrClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.close:
		return services.ErrClosed
	default:
		return services.ErrBackpressure
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.close:
			return
		case data := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("Write failed: %v", err)
				// Unblocks the reader, which reports the close.
				c.Close()
				return
			}
		}
	}
}

func (c *conn) Receive() (services.Event, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.close:
				return services.Event{}, services.ErrClosed
			default:
			}
			return services.Event{}, fmt.Errorf("realtime read: %w", err)
		}

		ev, ok, err := decodeServerEvent(data)
		if err != nil {
			c.log.Warn("Dropping malformed message: %v", err)
			continue
		}
		if ok {
			return ev, nil
		}
	}
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.close)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// decodeServerEvent maps a server message to an Event. ok is false for
// messages the relay does not act on.
func decodeServerEvent(data []byte) (services.Event, bool, error) {
	var msg serverEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return services.Event{}, false, err
	}

	switch msg.Type {
	case "response.audio.delta", "response.output_audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			return services.Event{}, false, fmt.Errorf("decode audio delta: %w", err)
		}
		return services.Event{Type: services.EventAudio, Audio: pcm}, true, nil

	case "response.text.delta", "response.output_text.delta",
		"response.audio_transcript.delta", "response.output_audio_transcript.delta":
		return services.Event{Type: services.EventText, Text: msg.Delta}, true, nil

	case "input_audio_buffer.speech_started":
		return services.Event{Type: services.EventSpeechStarted}, true, nil

	case "response.done":
		return services.Event{Type: services.EventResponseDone}, true, nil

	case "error":
		text := "unknown error"
		if msg.Error != nil {
			text = msg.Error.Message
			if msg.Error.Code != "" {
				text = msg.Error.Code + ": " + text
			}
		}
		return services.Event{Type: services.EventError, Err: errors.New(text)}, true, nil
	}
	return services.Event{}, false, nil
}

func newEventID() string {
	return "evt_" + uuid.NewString()
}
