package session

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/square-key-labs/callrelay/src/audio"
	"github.com/square-key-labs/callrelay/src/callcontrol"
	"github.com/square-key-labs/callrelay/src/frames"
	"github.com/square-key-labs/callrelay/src/metrics"
	"github.com/square-key-labs/callrelay/src/notify"
	"github.com/square-key-labs/callrelay/src/services"
	"github.com/square-key-labs/callrelay/src/upstream"
)

type fakeUpstream struct {
	ensures   atomic.Int32
	closes    atomic.Int32
	responses atomic.Int32

	mu       sync.Mutex
	handler  upstream.Handler
	appended [][]byte
}

func (u *fakeUpstream) EnsureConnected() { u.ensures.Add(1) }

func (u *fakeUpstream) Subscribe(_ string, h upstream.Handler) bool {
	u.mu.Lock()
	u.handler = h
	u.mu.Unlock()
	return false
}

func (u *fakeUpstream) Unsubscribe(string) {
	u.mu.Lock()
	u.handler = nil
	u.mu.Unlock()
}

func (u *fakeUpstream) AppendAudio(pcm []byte) error {
	u.mu.Lock()
	u.appended = append(u.appended, pcm)
	u.mu.Unlock()
	return nil
}

func (u *fakeUpstream) CreateResponse(string) error {
	u.responses.Add(1)
	return nil
}

func (u *fakeUpstream) Close() error {
	u.closes.Add(1)
	return nil
}

func (u *fakeUpstream) emit(ev services.Event) {
	u.mu.Lock()
	h := u.handler
	u.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (u *fakeUpstream) appendedAudio() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]byte(nil), u.appended...)
}

type fakeOutbound struct {
	closes atomic.Int32

	mu   sync.Mutex
	sent []frames.Frame
}

func (o *fakeOutbound) Send(f frames.Frame) error {
	o.mu.Lock()
	o.sent = append(o.sent, f)
	o.mu.Unlock()
	return nil
}

func (o *fakeOutbound) Close() error {
	o.closes.Add(1)
	return nil
}

func (o *fakeOutbound) frames() []frames.Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]frames.Frame(nil), o.sent...)
}

type fakeRedirector struct {
	mu    sync.Mutex
	calls []callcontrol.Destination
}

func (r *fakeRedirector) Redirect(_ context.Context, _ string, dest callcontrol.Destination) error {
	r.mu.Lock()
	r.calls = append(r.calls, dest)
	r.mu.Unlock()
	return nil
}

func (r *fakeRedirector) destinations() []callcontrol.Destination {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]callcontrol.Destination(nil), r.calls...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	leads []notify.Lead
}

func (n *fakeNotifier) Notify(_ context.Context, lead notify.Lead) error {
	n.mu.Lock()
	n.leads = append(n.leads, lead)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) sent() []notify.Lead {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Lead(nil), n.leads...)
}

type harness struct {
	s    *Session
	up   *fakeUpstream
	out  *fakeOutbound
	redi *fakeRedirector
	note *fakeNotifier
	reg  *prometheus.Registry
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InputFactor = 1
	cfg.OutputFactor = 1
	cfg.KeepaliveInterval = 0
	cfg.GreetingTimeout = 0
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		up:   &fakeUpstream{},
		out:  &fakeOutbound{},
		redi: &fakeRedirector{},
		note: &fakeNotifier{},
		reg:  prometheus.NewRegistry(),
	}
	h.s = New(cfg, Deps{
		Upstream:     h.up,
		OwnsUpstream: true,
		Outbound:     h.out,
		Redirector:   h.redi,
		Notifier:     h.note,
		Metrics:      metrics.NewRecorder(h.reg),
	})
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		h.s.Stop("test done")
		h.s.Wait()
	})
	return h
}

func (h *harness) start(streamSid string) {
	h.s.Deliver(frames.NewCallStartFrame("CA1", streamSid, "AC1", map[string]string{"business": "Acme Plumbing"}))
}

// dropped reads callrelay_frames_dropped_total for reason.
func (h *harness) dropped(t *testing.T, reason string) float64 {
	t.Helper()
	mfs, err := h.reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "callrelay_frames_dropped_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "reason" && lp.GetValue() == reason {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func telephonyFrames(fs []frames.Frame) []*frames.TelephonyAudioFrame {
	var out []*frames.TelephonyAudioFrame
	for _, f := range fs {
		if a, ok := f.(*frames.TelephonyAudioFrame); ok {
			out = append(out, a)
		}
	}
	return out
}

func isSilence(payload []byte) bool {
	return bytes.Equal(payload, audio.SilenceFrame(len(payload)))
}

// aiPCM returns PCM16 LE that does not encode to μ-law silence.
func aiPCM(samples int) []byte {
	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = 4000
	}
	return audio.PCMToBytes(pcm)
}

func TestStartupAudioFlushedInOrder(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start("MZ1")

	var want [][]byte
	for i := 0; i < 5; i++ {
		payload := bytes.Repeat([]byte{byte(0x10 + i)}, audio.FrameSamples)
		want = append(want, audio.TelephonyToAI(payload, 1))
		h.s.Deliver(frames.NewInputAudioFrame(payload))
	}
	waitFor(t, "start handled", func() bool { return h.s.Snapshot().State == StateStreaming.String() })
	if n := len(h.up.appendedAudio()); n != 0 {
		t.Fatalf("forwarded %d frames before upstream open", n)
	}

	h.up.emit(services.Event{Type: services.EventOpen})
	waitFor(t, "pending flush", func() bool { return len(h.up.appendedAudio()) == len(want) })

	got := h.up.appendedAudio()
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("frame %d forwarded out of order", i)
		}
	}

	later := bytes.Repeat([]byte{0x42}, audio.FrameSamples)
	h.s.Deliver(frames.NewInputAudioFrame(later))
	waitFor(t, "live forward", func() bool { return len(h.up.appendedAudio()) == len(want)+1 })
}

func TestAudioWhileUpstreamDownIsNotReplayed(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start("MZ1")

	first := bytes.Repeat([]byte{0x11}, audio.FrameSamples)
	h.up.emit(services.Event{Type: services.EventOpen})
	h.s.Deliver(frames.NewInputAudioFrame(first))
	waitFor(t, "live forward", func() bool { return len(h.up.appendedAudio()) == 1 })

	h.up.emit(services.Event{Type: services.EventClosed})
	for i := 0; i < 3; i++ {
		h.s.Deliver(frames.NewInputAudioFrame(bytes.Repeat([]byte{0x22}, audio.FrameSamples)))
	}
	waitFor(t, "drops while down", func() bool { return h.dropped(t, "upstream_down") == 3 })

	h.up.emit(services.Event{Type: services.EventOpen})
	after := bytes.Repeat([]byte{0x33}, audio.FrameSamples)
	h.s.Deliver(frames.NewInputAudioFrame(after))
	waitFor(t, "forward after reopen", func() bool { return len(h.up.appendedAudio()) == 2 })

	time.Sleep(30 * time.Millisecond)
	got := h.up.appendedAudio()
	if len(got) != 2 {
		t.Fatalf("forwarded %d frames, want 2", len(got))
	}
	if !bytes.Equal(got[1], audio.TelephonyToAI(after, 1)) {
		t.Error("audio from the outage was forwarded after reopen")
	}
}

func TestStartupBufferOverflowDropsNewest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPendingFrames = 2
	h := newHarness(t, cfg)
	h.start("MZ1")

	var payloads [][]byte
	for i := 0; i < 4; i++ {
		p := bytes.Repeat([]byte{byte(0x50 + i)}, audio.FrameSamples)
		payloads = append(payloads, p)
		h.s.Deliver(frames.NewInputAudioFrame(p))
	}
	waitFor(t, "overflow drops", func() bool { return h.dropped(t, "pending_full") == 2 })

	h.up.emit(services.Event{Type: services.EventOpen})
	waitFor(t, "pending flush", func() bool { return len(h.up.appendedAudio()) == 2 })

	time.Sleep(30 * time.Millisecond)
	got := h.up.appendedAudio()
	if len(got) != 2 {
		t.Fatalf("forwarded %d frames, want 2", len(got))
	}
	for i := range got {
		if !bytes.Equal(got[i], audio.TelephonyToAI(payloads[i], 1)) {
			t.Errorf("frame %d is not the %d-th buffered frame", i, i)
		}
	}
}

func TestNoOutboundAudioWithoutStreamSid(t *testing.T) {
	cfg := testConfig()
	cfg.KeepaliveInterval = 5 * time.Millisecond
	h := newHarness(t, cfg)
	h.start("")

	h.up.emit(services.Event{Type: services.EventOpen})
	h.up.emit(services.Event{Type: services.EventAudio, Audio: aiPCM(160)})
	h.up.emit(services.Event{Type: services.EventSpeechStarted})
	time.Sleep(60 * time.Millisecond)

	if fs := h.out.frames(); len(fs) != 0 {
		t.Fatalf("sent %d frames without a stream sid", len(fs))
	}
}

func TestKeepaliveStopsAtFirstAIAudio(t *testing.T) {
	cfg := testConfig()
	cfg.KeepaliveInterval = 5 * time.Millisecond
	h := newHarness(t, cfg)
	h.start("MZ1")

	waitFor(t, "keepalive frames", func() bool { return len(telephonyFrames(h.out.frames())) >= 3 })
	for _, f := range telephonyFrames(h.out.frames()) {
		if !isSilence(f.Payload) || len(f.Payload) != audio.FrameSamples {
			t.Fatalf("keepalive payload is not a 20 ms silence frame")
		}
		if f.StreamSid != "MZ1" {
			t.Fatalf("keepalive stream sid = %q", f.StreamSid)
		}
	}

	h.up.emit(services.Event{Type: services.EventOpen})
	h.up.emit(services.Event{Type: services.EventAudio, Audio: aiPCM(160)})
	waitFor(t, "AI audio", func() bool { return h.s.Snapshot().State == StateAIResponding.String() })
	time.Sleep(40 * time.Millisecond)

	seenReal := false
	for _, f := range telephonyFrames(h.out.frames()) {
		if !isSilence(f.Payload) {
			seenReal = true
			continue
		}
		if seenReal {
			t.Fatal("silence frame sent after AI audio")
		}
	}
	if !seenReal {
		t.Fatal("AI audio never reached the caller")
	}
}

func TestGreetingRequestedOnceAndRetriedOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Greeting = "Greet the caller."
	cfg.GreetingTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)
	h.start("MZ1")

	h.up.emit(services.Event{Type: services.EventOpen})
	waitFor(t, "greeting", func() bool { return h.up.responses.Load() == 1 })

	// A reconnect must not re-send the greeting.
	h.up.emit(services.Event{Type: services.EventClosed})
	h.up.emit(services.Event{Type: services.EventOpen})

	waitFor(t, "greeting retry", func() bool { return h.up.responses.Load() == 2 })
	time.Sleep(150 * time.Millisecond)
	if n := h.up.responses.Load(); n != 2 {
		t.Fatalf("greeting requested %d times, want 2", n)
	}
}

func TestBargeInClearsPlayback(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start("MZ1")
	h.up.emit(services.Event{Type: services.EventOpen})
	h.up.emit(services.Event{Type: services.EventAudio, Audio: aiPCM(160)})
	h.up.emit(services.Event{Type: services.EventSpeechStarted})

	waitFor(t, "clear", func() bool {
		for _, f := range h.out.frames() {
			if c, ok := f.(*frames.ClearAudioFrame); ok && c.StreamSid == "MZ1" {
				return true
			}
		}
		return false
	})
}

func TestRepeatedTransferRedirectsOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start("MZ1")
	h.up.emit(services.Event{Type: services.EventText, Text: "Connecting you now.\nTRANS"})
	h.up.emit(services.Event{Type: services.EventText, Text: "FER\ntransfer\nDONE\n"})

	waitFor(t, "redirect", func() bool { return len(h.redi.destinations()) > 0 })
	h.s.Stop("caller hung up")
	h.s.Wait()

	got := h.redi.destinations()
	if len(got) != 1 || got[0] != callcontrol.DestinationTransfer {
		t.Fatalf("redirects = %v, want [transfer]", got)
	}
}

func TestDoneFlushedAtResponseEnd(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start("MZ1")
	h.up.emit(services.Event{Type: services.EventText, Text: "Thanks for calling.\nDONE"})
	h.up.emit(services.Event{Type: services.EventResponseDone})

	waitFor(t, "goodbye redirect", func() bool { return len(h.redi.destinations()) == 1 })
	if got := h.redi.destinations()[0]; got != callcontrol.DestinationGoodbye {
		t.Fatalf("destination = %s, want goodbye", got)
	}
}

func TestDirectiveBeforeStartIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	h.up.emit(services.Event{Type: services.EventText, Text: "TRANSFER\n"})
	time.Sleep(30 * time.Millisecond)
	if n := len(h.redi.destinations()); n != 0 {
		t.Fatalf("redirected %d times without a call sid", n)
	}
}

func TestLeadMergedAndNotifiedOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start("MZ1")
	h.up.emit(services.Event{Type: services.EventText, Text: "LEAD name=Jane; phone=555-0100\n"})
	h.up.emit(services.Event{Type: services.EventText, Text: "LEAD zip=94107; priority=yes\n"})
	h.up.emit(services.Event{Type: services.EventText, Text: "LEAD phone=555-0199\n"})

	waitFor(t, "lead merge", func() bool { return h.s.Snapshot().Lead["phone"] == "555-0199" })
	snap := h.s.Snapshot()
	if snap.Lead["name"] != "Jane" || snap.Lead["zip"] != "94107" || !snap.Priority {
		t.Fatalf("lead snapshot = %+v", snap)
	}

	h.s.Stop("caller hung up")
	h.s.Stop("socket closed")
	h.s.Wait()
	h.s.Stop("late")

	leads := h.note.sent()
	if len(leads) != 1 {
		t.Fatalf("notified %d times, want 1", len(leads))
	}
	if leads[0].CallSid != "CA1" || leads[0].Business != "Acme Plumbing" || !leads[0].Record.Priority {
		t.Errorf("lead = %+v", leads[0])
	}
	if n := h.up.closes.Load(); n != 1 {
		t.Errorf("upstream closed %d times, want 1", n)
	}
	if n := h.out.closes.Load(); n != 1 {
		t.Errorf("outbound closed %d times, want 1", n)
	}
	if got := h.s.Snapshot().State; got != StateClosed.String() {
		t.Errorf("state = %s, want closed", got)
	}
}

func TestNoLeadNoNotification(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start("MZ1")
	h.s.Stop("caller hung up")
	h.s.Wait()
	if n := len(h.note.sent()); n != 0 {
		t.Fatalf("notified %d times for an empty lead", n)
	}
}

func TestContextCancelStopsSession(t *testing.T) {
	up := &fakeUpstream{}
	out := &fakeOutbound{}
	s := New(testConfig(), Deps{Upstream: up, Outbound: out})

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop on context cancel")
	}
	if n := up.closes.Load(); n != 0 {
		t.Errorf("shared upstream closed %d times", n)
	}
}

func TestStartWithCancelledContext(t *testing.T) {
	up := &fakeUpstream{}
	s := New(testConfig(), Deps{Upstream: up, Outbound: &fakeOutbound{}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop on a cancelled context")
	}
	up.mu.Lock()
	subscribed := up.handler != nil
	up.mu.Unlock()
	if subscribed {
		t.Error("session still subscribed after stopping")
	}
}
