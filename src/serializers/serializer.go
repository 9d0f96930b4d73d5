package serializers

import (
	"errors"

	"github.com/square-key-labs/callrelay/src/frames"
)

// ErrNoStreamSid is returned when an outbound frame has no stream to address.
var ErrNoStreamSid = errors.New("stream sid not set")

// SerializerType defines the serialization format type
type SerializerType string

const (
	SerializerTypeBinary SerializerType = "binary"
	SerializerTypeText   SerializerType = "text"
)

// FrameSerializer converts frames to and from a telephony wire protocol
type FrameSerializer interface {
	// Type returns the serialization type (binary or text)
	Type() SerializerType

	// Serialize converts an outbound frame to its wire form. Frames the
	// protocol has no message for return nil data and no error.
	Serialize(frame frames.Frame) ([]byte, error)

	// Deserialize converts one inbound message to a frame. Messages that
	// carry nothing for the relay return a nil frame and no error.
	Deserialize(data []byte) (frames.Frame, error)
}
