package services

import (
	"context"
	"errors"
)

// ErrBackpressure is returned when a connection's outbound queue is full.
// The message is dropped.
var ErrBackpressure = errors.New("outbound queue full")

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// EventType identifies a normalized realtime backend event.
type EventType string

const (
	// Manager-generated lifecycle events.
	EventOpen   EventType = "open"
	EventClosed EventType = "closed"

	// Backend events.
	EventAudio         EventType = "audio"          // Audio holds PCM16 LE at the output rate
	EventText          EventType = "text"           // Text holds a delta of model text
	EventSpeechStarted EventType = "speech_started" // caller barged in
	EventResponseDone  EventType = "response_done"
	EventError         EventType = "error"
)

// Event is one message from a realtime backend.
type Event struct {
	Type  EventType
	Audio []byte
	Text  string
	Err   error
}

// AudioFormat describes the PCM16 rates a backend expects and produces.
type AudioFormat struct {
	InputSampleRate  int
	OutputSampleRate int
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Threshold         float64
	PrefixPaddingMs   int
	SilenceDurationMs int
}

// SessionConfig is sent to the backend once per connection instance.
type SessionConfig struct {
	Instructions  string
	Voice         string
	Temperature   float64
	TurnDetection TurnDetection
}

// Conn is one realtime backend connection instance.
type Conn interface {
	// Configure sends the session configuration. Called exactly once,
	// before any audio.
	Configure(ctx context.Context, cfg SessionConfig) error

	// AppendAudio queues caller audio (PCM16 LE at the input rate). It does
	// not wait for the write to complete.
	AppendAudio(pcm []byte) error

	// CreateResponse asks the model to speak now, with optional
	// per-response instructions.
	CreateResponse(instructions string) error

	// Receive blocks for the next event. Unknown backend messages are
	// skipped. Any error ends the connection.
	Receive() (Event, error)

	Close() error
}

// Dialer opens realtime backend connections.
type Dialer interface {
	Name() string
	Format() AudioFormat
	Dial(ctx context.Context) (Conn, error)
}
