// Package transports carries call audio between the telephony provider and
// call sessions.
package transports

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/square-key-labs/callrelay/src/frames"
	"github.com/square-key-labs/callrelay/src/logger"
	"github.com/square-key-labs/callrelay/src/serializers"
	"github.com/square-key-labs/callrelay/src/session"
)

var (
	// ErrSendQueueFull is returned when the socket writer is too far behind.
	ErrSendQueueFull = errors.New("media stream send queue full")
	// ErrStreamClosed is returned when sending on a closed stream.
	ErrStreamClosed = errors.New("media stream closed")
)

// Call is the session side of one media stream.
type Call interface {
	Deliver(frame frames.Frame)
	Stop(reason string)
}

// OpenFunc creates the call for a new media stream. Frames for the caller are
// sent through out.
type OpenFunc func(out session.Outbound) (Call, error)

// TwilioMediaConfig configures the media stream endpoint.
type TwilioMediaConfig struct {
	SendQueueSize int           // outbound messages buffered per stream
	WriteTimeout  time.Duration // per message
}

// TwilioMediaHandler accepts Twilio Media Streams WebSocket connections and
// bridges each one to a call.
type TwilioMediaHandler struct {
	open       OpenFunc
	cfg        TwilioMediaConfig
	serializer serializers.FrameSerializer
	upgrader   websocket.Upgrader
	log        *logger.Logger
}

// NewTwilioMediaHandler creates the media stream endpoint.
func NewTwilioMediaHandler(open OpenFunc, cfg TwilioMediaConfig) *TwilioMediaHandler {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &TwilioMediaHandler{
		open:       open,
		cfg:        cfg,
		serializer: serializers.NewTwilioFrameSerializer(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Twilio does not send an Origin header
			},
		},
		log: logger.WithPrefix("TwilioWS"),
	}
}

func (h *TwilioMediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade connection from %s: %v", r.RemoteAddr, err)
		return
	}
	h.log.Debug("New connection from %s", r.RemoteAddr)

	stream := newTwilioStream(conn, h.serializer, h.cfg, h.log)
	call, err := h.open(stream)
	if err != nil {
		h.log.Warn("Rejecting media stream: %v", err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	go stream.writeLoop()
	h.readLoop(stream, call)
}

func (h *TwilioMediaHandler) readLoop(stream *twilioStream, call Call) {
	defer func() {
		call.Stop("media stream closed")
		stream.Close()
	}()

	for {
		_, message, err := stream.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("Read error: %v", err)
			}
			return
		}

		frame, err := h.serializer.Deserialize(message)
		if err != nil {
			h.log.Warn("Ignoring message: %v", err)
			continue
		}
		if frame == nil {
			continue
		}
		call.Deliver(frame)
	}
}

// twilioStream is the outbound half of one media stream connection. Send
// never blocks; a single writer goroutine owns the socket.
type twilioStream struct {
	conn       *websocket.Conn
	serializer serializers.FrameSerializer
	timeout    time.Duration
	log        *logger.Logger

	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newTwilioStream(conn *websocket.Conn, s serializers.FrameSerializer, cfg TwilioMediaConfig, log *logger.Logger) *twilioStream {
	return &twilioStream{
		conn:       conn,
		serializer: s,
		timeout:    cfg.WriteTimeout,
		log:        log,
		queue:      make(chan []byte, cfg.SendQueueSize),
		done:       make(chan struct{}),
	}
}

// Send implements session.Outbound.
func (s *twilioStream) Send(frame frames.Frame) error {
	data, err := s.serializer.Serialize(frame)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}

	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	select {
	case s.queue <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close implements session.Outbound. Queued messages are flushed before the
// socket closes.
func (s *twilioStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *twilioStream) writeLoop() {
	defer s.conn.Close()

	for {
		select {
		case data := <-s.queue:
			if !s.write(data) {
				s.Close()
				return
			}
		case <-s.done:
			for {
				select {
				case data := <-s.queue:
					if !s.write(data) {
						return
					}
				default:
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
					s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
					return
				}
			}
		}
	}
}

func (s *twilioStream) write(data []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Warn("Write error: %v", err)
		return false
	}
	return true
}
