package transports

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/square-key-labs/callrelay/src/frames"
	"github.com/square-key-labs/callrelay/src/session"
)

type recordingCall struct {
	mu        sync.Mutex
	delivered []frames.Frame
	stops     int
	stopped   chan struct{}
}

func newRecordingCall() *recordingCall {
	return &recordingCall{stopped: make(chan struct{})}
}

func (c *recordingCall) Deliver(f frames.Frame) {
	c.mu.Lock()
	c.delivered = append(c.delivered, f)
	c.mu.Unlock()
}

func (c *recordingCall) Stop(string) {
	c.mu.Lock()
	c.stops++
	if c.stops == 1 {
		close(c.stopped)
	}
	c.mu.Unlock()
}

func (c *recordingCall) frames() []frames.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frames.Frame(nil), c.delivered...)
}

func dial(t *testing.T, h *TwilioMediaHandler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/media"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMediaStreamInbound(t *testing.T) {
	call := newRecordingCall()
	h := NewTwilioMediaHandler(func(session.Outbound) (Call, error) { return call, nil }, TwilioMediaConfig{})
	conn := dial(t, h)

	msgs := []string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		`{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1","accountSid":"AC1"}}`,
		`{"event":"media","streamSid":"MZ1","media":{"track":"inbound","payload":"//8A"}}`,
		`{"event":"bogus"}`,
		`{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`,
	}
	for _, m := range msgs {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
			t.Fatal(err)
		}
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	select {
	case <-call.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("call not stopped after socket close")
	}

	got := call.frames()
	if len(got) != 3 {
		t.Fatalf("delivered %d frames, want 3: %v", len(got), got)
	}
	if s, ok := got[0].(*frames.CallStartFrame); !ok || s.StreamSid != "MZ1" {
		t.Errorf("frame 0 = %v", got[0])
	}
	if a, ok := got[1].(*frames.InputAudioFrame); !ok || string(a.Payload) != "\xff\xff\x00" {
		t.Errorf("frame 1 = %v", got[1])
	}
	if _, ok := got[2].(*frames.CallStopFrame); !ok {
		t.Errorf("frame 2 = %v", got[2])
	}
}

func TestMediaStreamOutbound(t *testing.T) {
	call := newRecordingCall()
	outs := make(chan session.Outbound, 1)
	h := NewTwilioMediaHandler(func(out session.Outbound) (Call, error) {
		outs <- out
		return call, nil
	}, TwilioMediaConfig{})
	conn := dial(t, h)
	out := <-outs

	if err := out.Send(frames.NewTelephonyAudioFrame("MZ1", []byte{0xff, 0x7f})); err != nil {
		t.Fatal(err)
	}
	if err := out.Send(frames.NewClearAudioFrame("MZ1")); err != nil {
		t.Fatal(err)
	}
	out.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var events []string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		var msg struct {
			Event     string `json:"event"`
			StreamSid string `json:"streamSid"`
			Media     struct {
				Payload string `json:"payload"`
			} `json:"media"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.StreamSid != "MZ1" {
			t.Errorf("streamSid = %q", msg.StreamSid)
		}
		if msg.Event == "media" && msg.Media.Payload != "/38=" {
			t.Errorf("payload = %q", msg.Media.Payload)
		}
		events = append(events, msg.Event)
	}
	if strings.Join(events, ",") != "media,clear" {
		t.Errorf("events = %v, want [media clear]", events)
	}

	if err := out.Send(frames.NewClearAudioFrame("MZ1")); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Send after close = %v, want ErrStreamClosed", err)
	}
}

func TestMediaStreamRejected(t *testing.T) {
	h := NewTwilioMediaHandler(func(session.Outbound) (Call, error) {
		return nil, errors.New("shutting down")
	}, TwilioMediaConfig{})
	conn := dial(t, h)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("read = %v, want try-again-later close", err)
	}
}
