package serializers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/square-key-labs/callrelay/src/frames"
)

// TwilioFrameSerializer handles the Twilio Media Streams WebSocket protocol
type TwilioFrameSerializer struct{}

// Twilio message structures
type twilioMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
	Media          *twilioMedia `json:"media,omitempty"`
	Start          *twilioStart `json:"start,omitempty"`
	Mark           *twilioMark  `json:"mark,omitempty"`
	Stop           *twilioStop  `json:"stop,omitempty"`
}

type twilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64-encoded mulaw audio
}

type twilioStart struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      *twilioFormat     `json:"mediaFormat,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type twilioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type twilioMark struct {
	Name string `json:"name"`
}

type twilioStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// NewTwilioFrameSerializer creates a new Twilio serializer
func NewTwilioFrameSerializer() *TwilioFrameSerializer {
	return &TwilioFrameSerializer{}
}

// Type returns the serialization type (Twilio uses JSON/text)
func (s *TwilioFrameSerializer) Type() SerializerType {
	return SerializerTypeText
}

// Serialize converts a frame to Twilio WebSocket JSON format
func (s *TwilioFrameSerializer) Serialize(frame frames.Frame) ([]byte, error) {
	var msg twilioMessage

	switch f := frame.(type) {
	case *frames.TelephonyAudioFrame:
		if f.StreamSid == "" {
			return nil, ErrNoStreamSid
		}
		msg = twilioMessage{
			Event:     "media",
			StreamSid: f.StreamSid,
			Media: &twilioMedia{
				Payload: base64.StdEncoding.EncodeToString(f.Payload),
			},
		}

	case *frames.ClearAudioFrame:
		// Send clear event to stop audio playback
		if f.StreamSid == "" {
			return nil, ErrNoStreamSid
		}
		msg = twilioMessage{Event: "clear", StreamSid: f.StreamSid}

	default:
		return nil, nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Twilio %s message: %w", msg.Event, err)
	}
	return data, nil
}

// Deserialize converts Twilio WebSocket JSON data to frames
func (s *TwilioFrameSerializer) Deserialize(data []byte) (frames.Frame, error) {
	var msg twilioMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Twilio message: %w", err)
	}

	switch msg.Event {
	case "start":
		if msg.Start == nil {
			return nil, fmt.Errorf("start event missing start data")
		}
		streamSid := msg.Start.StreamSid
		if streamSid == "" {
			streamSid = msg.StreamSid
		}
		return frames.NewCallStartFrame(msg.Start.CallSid, streamSid, msg.Start.AccountSid, msg.Start.CustomParameters), nil

	case "media":
		if msg.Media == nil {
			return nil, fmt.Errorf("media event missing media data")
		}
		audioData, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode audio payload: %w", err)
		}
		return frames.NewInputAudioFrame(audioData), nil

	case "stop":
		return frames.NewCallStopFrame("stop event"), nil

	case "mark":
		if msg.Mark == nil {
			return nil, nil
		}
		return frames.NewMarkFrame(msg.Mark.Name), nil

	case "connected":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown Twilio event %q", msg.Event)
	}
}
