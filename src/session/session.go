// Package session relays one phone call between the telephony media stream
// and the AI backend.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/square-key-labs/callrelay/src/audio"
	"github.com/square-key-labs/callrelay/src/callcontrol"
	"github.com/square-key-labs/callrelay/src/control"
	"github.com/square-key-labs/callrelay/src/frames"
	"github.com/square-key-labs/callrelay/src/logger"
	"github.com/square-key-labs/callrelay/src/metrics"
	"github.com/square-key-labs/callrelay/src/notify"
	"github.com/square-key-labs/callrelay/src/processors"
	"github.com/square-key-labs/callrelay/src/services"
	"github.com/square-key-labs/callrelay/src/upstream"
)

// State is the lifecycle state of a call session.
type State int

const (
	StateConnecting State = iota
	StateStreaming
	StateAIResponding
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateAIResponding:
		return "ai_responding"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outbound sends frames to the telephony side. Send must not block.
type Outbound interface {
	Send(frame frames.Frame) error
	Close() error
}

// Upstream is the AI backend connection as seen by a session.
// *upstream.Manager implements it.
type Upstream interface {
	EnsureConnected()
	Subscribe(id string, h upstream.Handler) bool
	Unsubscribe(id string)
	AppendAudio(pcm []byte) error
	CreateResponse(instructions string) error
	Close() error
}

// Config controls per-call behaviour.
type Config struct {
	// Ratios between the AI input/output rates and 8 kHz.
	InputFactor  int
	OutputFactor int

	KeepaliveInterval time.Duration

	// Greeting is sent as response instructions once the call is streaming
	// and the AI is ready. Empty disables the proactive greeting and its
	// watchdog.
	Greeting        string
	GreetingTimeout time.Duration

	// MaxPendingFrames bounds caller audio buffered before the AI is first
	// ready.
	MaxPendingFrames int

	SideEffectTimeout time.Duration
	Queue             processors.Config
}

// DefaultConfig returns the standard timings for a 24 kHz backend.
func DefaultConfig() Config {
	return Config{
		InputFactor:       3,
		OutputFactor:      3,
		KeepaliveInterval: 20 * time.Millisecond,
		GreetingTimeout:   4 * time.Second,
		MaxPendingFrames:  1500,
		SideEffectTimeout: 15 * time.Second,
	}
}

// Deps are the collaborators of a session.
type Deps struct {
	Upstream     Upstream
	OwnsUpstream bool // close Upstream when the call ends
	Outbound     Outbound
	Redirector   callcontrol.Redirector
	Notifier     notify.Notifier
	Metrics      *metrics.Recorder

	// OnStart runs on the session goroutine once identifiers are bound.
	OnStart func(*Session)
	// OnClose runs on the session goroutine after teardown.
	OnClose func(*Session)
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID        string            `json:"id"`
	CallSid   string            `json:"call_sid,omitempty"`
	StreamSid string            `json:"stream_sid,omitempty"`
	State     string            `json:"state"`
	Business  string            `json:"business,omitempty"`
	Lead      map[string]string `json:"lead,omitempty"`
	Priority  bool              `json:"priority,omitempty"`
	StartedAt time.Time         `json:"started_at"`
}

// Session is one call. Every input becomes a frame handled on the session's
// own goroutine; fields below the marker are owned by that goroutine.
type Session struct {
	id   string
	cfg  Config
	deps Deps
	log  *logger.Logger
	proc *processors.BaseProcessor

	startedAt   time.Time
	closed      chan struct{}
	sideEffects sync.WaitGroup

	stopMu      sync.Mutex
	stopCtx     func() bool
	terminating bool

	snapMu sync.Mutex
	snap   Snapshot

	// owned by the session goroutine
	state             State
	callSid           string
	streamSid         string
	business          string
	pending           [][]byte
	pendingOverflow   bool
	upstreamReady     bool
	everReady         bool
	realAudioSent     bool
	greetingRequested bool
	greetingRetried   bool
	keepalive         *audio.Keepalive
	greetingTimer     *time.Timer
	lines             control.LineBuffer
	lead              control.LeadRecord
	callEnded         bool
}

// New creates a session. Call Start to begin processing.
func New(cfg Config, deps Deps) *Session {
	if cfg.InputFactor <= 0 {
		cfg.InputFactor = 1
	}
	if cfg.OutputFactor <= 0 {
		cfg.OutputFactor = 1
	}
	if cfg.SideEffectTimeout <= 0 {
		cfg.SideEffectTimeout = DefaultConfig().SideEffectTimeout
	}
	if deps.Redirector == nil {
		deps.Redirector = callcontrol.NewLogRedirector()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier()
	}

	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		deps:      deps,
		startedAt: time.Now(),
		closed:    make(chan struct{}),
	}
	s.log = logger.WithPrefix("Session").With("session_id", s.id)
	s.proc = processors.NewBaseProcessor("Session", s, cfg.Queue)
	s.snap = Snapshot{ID: s.id, State: StateConnecting.String(), StartedAt: s.startedAt}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Start begins processing and subscribes to the upstream. The session stops
// when ctx is cancelled.
func (s *Session) Start(ctx context.Context) error {
	if err := s.proc.Start(context.Background()); err != nil {
		return err
	}
	s.deps.Metrics.SessionStarted()
	s.deps.Upstream.Subscribe(s.id, s.onUpstreamEvent)
	s.deps.Upstream.EnsureConnected()

	// After Subscribe, so a cancelled ctx unsubscribes on Stop.
	stop := context.AfterFunc(ctx, func() { s.Stop("shutdown") })
	s.stopMu.Lock()
	if s.terminating {
		s.stopMu.Unlock()
		stop()
	} else {
		s.stopCtx = stop
		s.stopMu.Unlock()
	}
	s.log.Debug("Session opened")
	return nil
}

// Deliver queues a frame from the telephony side. System frames wait for
// queue space; audio is dropped when the queue is full.
func (s *Session) Deliver(f frames.Frame) {
	var err error
	if frames.CategoryOf(f) == frames.SystemCategory {
		err = s.proc.QueueFrame(f)
	} else {
		err = s.proc.TryQueueFrame(f)
	}
	if errors.Is(err, processors.ErrQueueFull) {
		s.deps.Metrics.FrameDropped("session_queue_full")
	}
}

// Stop ends the session. Safe to call any number of times.
func (s *Session) Stop(reason string) {
	s.Deliver(frames.NewCallStopFrame(reason))
}

// Done is closed when the session has torn down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Wait blocks until teardown finished and side effects (redirects, lead
// notification) have returned.
func (s *Session) Wait() {
	<-s.closed
	s.sideEffects.Wait()
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	snap := s.snap
	if s.snap.Lead != nil {
		snap.Lead = make(map[string]string, len(s.snap.Lead))
		for k, v := range s.snap.Lead {
			snap.Lead[k] = v
		}
	}
	return snap
}

func (s *Session) updateSnapshot() {
	lead := s.lead.Clone()
	s.snapMu.Lock()
	s.snap.CallSid = s.callSid
	s.snap.StreamSid = s.streamSid
	s.snap.State = s.state.String()
	s.snap.Business = s.business
	s.snap.Lead = lead.Fields
	s.snap.Priority = lead.Priority
	s.snapMu.Unlock()
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.log.Debug("State %s -> %s", s.state, st)
	s.state = st
	s.updateSnapshot()
}

func (s *Session) onUpstreamEvent(ev services.Event) {
	var f frames.Frame
	switch ev.Type {
	case services.EventOpen:
		f = frames.NewUpstreamOpenFrame()
	case services.EventClosed:
		f = frames.NewUpstreamClosedFrame(ev.Err)
	case services.EventAudio:
		f = frames.NewOutputAudioFrame(ev.Audio)
	case services.EventText:
		f = frames.NewOutputTextFrame(ev.Text)
	case services.EventSpeechStarted:
		f = frames.NewInterruptionFrame()
	case services.EventResponseDone:
		f = frames.NewResponseEndFrame()
	case services.EventError:
		f = frames.NewErrorFrame(ev.Err)
	default:
		return
	}
	s.Deliver(f)
}

// HandleFrame implements processors.ProcessHandler.
func (s *Session) HandleFrame(_ context.Context, frame frames.Frame) error {
	if s.state >= StateTerminating {
		return nil
	}

	switch f := frame.(type) {
	case *frames.CallStartFrame:
		s.handleStart(f)
	case *frames.InputAudioFrame:
		s.handleCallerAudio(f)
	case *frames.CallStopFrame:
		s.terminate(f.Reason)
	case *frames.MarkFrame:
		s.log.Debug("Mark %q played", f.Mark)

	case *frames.UpstreamOpenFrame:
		s.handleUpstreamOpen()
	case *frames.UpstreamClosedFrame:
		s.upstreamReady = false
		s.log.Warn("AI connection lost: %v", f.Error)
	case *frames.ErrorFrame:
		s.log.Warn("AI backend error: %v", f.Error)
	case *frames.OutputAudioFrame:
		s.handleAIAudio(f)
	case *frames.OutputTextFrame:
		for _, line := range s.lines.Write(f.Text) {
			s.applyLine(line)
		}
	case *frames.ResponseEndFrame:
		if line, ok := s.lines.Flush(); ok {
			s.applyLine(line)
		}
	case *frames.InterruptionFrame:
		if s.streamSid != "" {
			s.send(frames.NewClearAudioFrame(s.streamSid))
		}

	case *frames.KeepaliveTickFrame:
		s.handleKeepaliveTick()
	case *frames.GreetingTimeoutFrame:
		s.handleGreetingTimeout()
	}
	return nil
}

func (s *Session) handleStart(f *frames.CallStartFrame) {
	if s.state != StateConnecting {
		s.log.Warn("Ignoring repeated start event")
		return
	}
	if f.StreamSid == "" {
		s.log.Warn("Start event without stream sid; outbound audio stays muted")
	}

	s.callSid = f.CallSid
	s.streamSid = f.StreamSid
	s.business = f.CustomParameters["business"]
	s.log = s.log.With("call_sid", s.callSid, "stream_sid", s.streamSid)
	s.setState(StateStreaming)
	s.log.Info("Call started")

	if s.deps.OnStart != nil {
		s.deps.OnStart(s)
	}

	if s.cfg.KeepaliveInterval > 0 {
		s.keepalive = audio.StartKeepalive(s.cfg.KeepaliveInterval, func() {
			s.proc.TryQueueFrame(frames.NewKeepaliveTickFrame())
		})
	}

	s.deps.Upstream.EnsureConnected()
	if s.upstreamReady {
		s.requestGreeting()
	}
	if s.cfg.Greeting != "" && s.cfg.GreetingTimeout > 0 {
		s.greetingTimer = time.AfterFunc(s.cfg.GreetingTimeout, func() {
			s.proc.TryQueueFrame(frames.NewGreetingTimeoutFrame())
		})
	}
}

func (s *Session) handleCallerAudio(f *frames.InputAudioFrame) {
	pcm := audio.TelephonyToAI(f.Payload, s.cfg.InputFactor)

	switch {
	case s.upstreamReady:
		s.forward(pcm)
	case !s.everReady:
		if s.cfg.MaxPendingFrames > 0 && len(s.pending) >= s.cfg.MaxPendingFrames {
			if !s.pendingOverflow {
				s.pendingOverflow = true
				s.log.Warn("Startup audio buffer full (%d frames), dropping caller audio", len(s.pending))
			}
			s.deps.Metrics.FrameDropped("pending_full")
			return
		}
		s.pending = append(s.pending, pcm)
	default:
		s.deps.Metrics.FrameDropped("upstream_down")
	}
}

func (s *Session) forward(pcm []byte) {
	if err := s.deps.Upstream.AppendAudio(pcm); err != nil {
		s.deps.Metrics.FrameDropped("upstream_send")
		s.log.Debug("Caller audio not forwarded: %v", err)
		return
	}
	s.deps.Metrics.AudioFrame(metrics.DirectionInbound)
}

func (s *Session) handleUpstreamOpen() {
	s.upstreamReady = true
	if !s.everReady {
		s.everReady = true
		if n := len(s.pending); n > 0 {
			s.log.Debug("Flushing %d buffered caller frames", n)
			for _, pcm := range s.pending {
				s.forward(pcm)
			}
		}
		s.pending = nil
	}
	if s.state == StateStreaming && !s.realAudioSent {
		s.requestGreeting()
	}
}

func (s *Session) requestGreeting() {
	if s.cfg.Greeting == "" || s.greetingRequested {
		return
	}
	s.greetingRequested = true
	if err := s.deps.Upstream.CreateResponse(s.cfg.Greeting); err != nil {
		s.log.Warn("Greeting request failed: %v", err)
	}
}

func (s *Session) handleGreetingTimeout() {
	s.greetingTimer = nil
	if s.realAudioSent || s.greetingRetried {
		return
	}
	s.greetingRetried = true

	if !s.upstreamReady {
		s.log.Warn("No AI audio after %v and AI not ready", s.cfg.GreetingTimeout)
		s.deps.Upstream.EnsureConnected()
		return
	}
	s.log.Warn("No AI audio after %v, re-requesting greeting", s.cfg.GreetingTimeout)
	s.greetingRequested = true
	if err := s.deps.Upstream.CreateResponse(s.cfg.Greeting); err != nil {
		s.log.Warn("Greeting retry failed: %v", err)
	}
}

func (s *Session) handleAIAudio(f *frames.OutputAudioFrame) {
	if s.streamSid == "" {
		s.deps.Metrics.FrameDropped("no_stream_sid")
		s.log.Debug("Dropping AI audio: stream sid not known yet")
		return
	}
	payload := audio.AIToTelephony(f.PCM, s.cfg.OutputFactor)
	if len(payload) == 0 {
		return
	}

	if !s.realAudioSent {
		s.realAudioSent = true
		s.stopTimers()
		s.setState(StateAIResponding)
		s.log.Info("First AI audio after %v", time.Since(s.startedAt).Round(time.Millisecond))
	}
	if s.send(frames.NewTelephonyAudioFrame(s.streamSid, payload)) {
		s.deps.Metrics.AudioFrame(metrics.DirectionOutbound)
	}
}

func (s *Session) handleKeepaliveTick() {
	if s.realAudioSent || s.streamSid == "" {
		return
	}
	if s.send(frames.NewTelephonyAudioFrame(s.streamSid, audio.SilenceFrame(audio.FrameSamples))) {
		s.deps.Metrics.KeepaliveFrame()
	}
}

func (s *Session) send(f frames.Frame) bool {
	if err := s.deps.Outbound.Send(f); err != nil {
		s.deps.Metrics.FrameDropped("telephony_send")
		s.log.Debug("Dropping %s: %v", f.Name(), err)
		return false
	}
	return true
}

func (s *Session) applyLine(line string) {
	d := control.Parse(line)
	if d.Kind == control.None {
		return
	}
	if s.callEnded {
		s.log.Debug("Ignoring %s directive after call hand-off", d.Kind)
		return
	}
	s.deps.Metrics.Directive(d.Kind.String())

	switch d.Kind {
	case control.Lead:
		s.lead.Merge(d.Fields)
		s.updateSnapshot()
		s.log.Info("Lead updated (%d fields, priority=%t)", len(s.lead.Fields), s.lead.Priority)

	case control.Transfer, control.Done:
		if s.callSid == "" {
			s.log.Warn("Ignoring %s directive: call sid unknown", d.Kind)
			return
		}
		s.callEnded = true
		dest := callcontrol.DestinationGoodbye
		if d.Kind == control.Transfer {
			dest = callcontrol.DestinationTransfer
		}
		callSid := s.callSid
		s.log.Info("AI requested %s", dest)
		s.runSideEffect("redirect to "+string(dest), func(ctx context.Context) error {
			return s.deps.Redirector.Redirect(ctx, callSid, dest)
		})
	}
}

func (s *Session) runSideEffect(name string, fn func(ctx context.Context) error) {
	log := s.log
	s.sideEffects.Add(1)
	go func() {
		defer s.sideEffects.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SideEffectTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Warn("%s failed: %v", name, err)
		}
	}()
}

func (s *Session) stopTimers() {
	s.keepalive.Stop()
	s.keepalive = nil
	if s.greetingTimer != nil {
		s.greetingTimer.Stop()
		s.greetingTimer = nil
	}
}

// terminate tears the session down once; later calls are no-ops.
func (s *Session) terminate(reason string) {
	if s.state >= StateTerminating {
		return
	}
	s.setState(StateTerminating)
	s.proc.Cancel()
	s.stopMu.Lock()
	s.terminating = true
	stop := s.stopCtx
	s.stopMu.Unlock()
	if stop != nil {
		stop()
	}
	s.stopTimers()

	if line, ok := s.lines.Flush(); ok {
		s.applyLine(line)
	}

	s.deps.Upstream.Unsubscribe(s.id)
	if s.deps.OwnsUpstream {
		if err := s.deps.Upstream.Close(); err != nil {
			s.log.Warn("Closing AI connection: %v", err)
		}
	}

	s.finalizeLead()

	if err := s.deps.Outbound.Close(); err != nil {
		s.log.Debug("Closing telephony stream: %v", err)
	}

	s.setState(StateClosed)
	if s.deps.OnClose != nil {
		s.deps.OnClose(s)
	}
	close(s.closed)
	s.log.Info("Call ended (%s) after %v", reason, time.Since(s.startedAt).Round(time.Second))
}

func (s *Session) finalizeLead() {
	if s.lead.Empty() {
		return
	}
	lead := notify.Lead{
		CallSid:    s.callSid,
		Business:   s.business,
		Record:     s.lead.Clone(),
		CapturedAt: time.Now(),
	}
	s.runSideEffect("lead notification", func(ctx context.Context) error {
		err := s.deps.Notifier.Notify(ctx, lead)
		if err != nil {
			s.deps.Metrics.Notification("error")
		} else {
			s.deps.Metrics.Notification("ok")
		}
		return err
	})
}
