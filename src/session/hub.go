package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/square-key-labs/callrelay/src/audio"
	"github.com/square-key-labs/callrelay/src/callcontrol"
	"github.com/square-key-labs/callrelay/src/logger"
	"github.com/square-key-labs/callrelay/src/metrics"
	"github.com/square-key-labs/callrelay/src/notify"
	"github.com/square-key-labs/callrelay/src/services"
	"github.com/square-key-labs/callrelay/src/upstream"
)

// ErrShuttingDown is returned by Open once Shutdown has begun.
var ErrShuttingDown = errors.New("hub shutting down")

// Mode selects how calls share AI backend connections.
type Mode string

const (
	// ModePerCall opens one backend connection per call.
	ModePerCall Mode = "per_call"
	// ModeShared keeps one warm connection used by every call.
	ModeShared Mode = "shared"
)

// ParseMode maps a configuration value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModePerCall:
		return ModePerCall, nil
	case ModeShared:
		return ModeShared, nil
	}
	return "", fmt.Errorf("unknown upstream mode %q", s)
}

// HubConfig configures a Hub.
type HubConfig struct {
	Mode     Mode
	Session  Config
	Upstream upstream.Config
}

// Hub creates sessions and tracks the live ones.
type Hub struct {
	cfg        HubConfig
	dialer     services.Dialer
	redirector callcontrol.Redirector
	notifier   notify.Notifier
	metrics    *metrics.Recorder
	log        *logger.Logger

	shared *upstream.Manager

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	byCall   map[string]*Session
	perCall  map[string]*upstream.Manager
	closing  bool
}

// NewHub creates a hub. Audio rate factors are derived from the dialer's
// format unless set in cfg.Session.
func NewHub(cfg HubConfig, dialer services.Dialer, redirector callcontrol.Redirector, notifier notify.Notifier, rec *metrics.Recorder) (*Hub, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModePerCall
	}
	format := dialer.Format()
	if cfg.Session.InputFactor == 0 {
		cfg.Session.InputFactor = audio.RateFactor(format.InputSampleRate)
	}
	if cfg.Session.OutputFactor == 0 {
		cfg.Session.OutputFactor = audio.RateFactor(format.OutputSampleRate)
	}
	if cfg.Session.InputFactor <= 0 || cfg.Session.OutputFactor <= 0 {
		return nil, fmt.Errorf("%s rates %d/%d Hz are not multiples of %d Hz",
			dialer.Name(), format.InputSampleRate, format.OutputSampleRate, audio.TelephonySampleRate)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:        cfg,
		dialer:     dialer,
		redirector: redirector,
		notifier:   notifier,
		metrics:    rec,
		log:        logger.WithPrefix("Hub"),
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*Session),
		byCall:     make(map[string]*Session),
		perCall:    make(map[string]*upstream.Manager),
	}
	if cfg.Mode == ModeShared {
		h.shared = upstream.NewManager(dialer, cfg.Upstream, rec)
	}
	return h, nil
}

// Start warms the shared connection. It is a no-op in per-call mode.
func (h *Hub) Start() {
	if h.shared != nil {
		h.shared.Start()
	}
	h.log.Info("Hub started (mode %s, provider %s)", h.cfg.Mode, h.dialer.Name())
}

// Open creates and starts a session that writes to out.
func (h *Hub) Open(out Outbound) (*Session, error) {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return nil, ErrShuttingDown
	}
	h.mu.Unlock()

	var up Upstream
	var mgr *upstream.Manager
	owns := false
	if h.shared != nil {
		up = h.shared
	} else {
		mgr = upstream.NewManager(h.dialer, h.cfg.Upstream, h.metrics)
		up = mgr
		owns = true
	}

	s := New(h.cfg.Session, Deps{
		Upstream:     up,
		OwnsUpstream: owns,
		Outbound:     out,
		Redirector:   h.redirector,
		Notifier:     h.notifier,
		Metrics:      h.metrics,
		OnStart:      h.bindCall,
		OnClose:      h.remove,
	})

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return nil, ErrShuttingDown
	}
	h.sessions[s.ID()] = s
	if mgr != nil {
		h.perCall[s.ID()] = mgr
	}
	h.mu.Unlock()

	if mgr != nil {
		mgr.Start()
	}
	if err := s.Start(h.ctx); err != nil {
		h.mu.Lock()
		delete(h.sessions, s.ID())
		delete(h.perCall, s.ID())
		h.mu.Unlock()
		if mgr != nil {
			mgr.Close()
		}
		return nil, err
	}
	return s, nil
}

func (h *Hub) bindCall(s *Session) {
	callSid := s.Snapshot().CallSid
	if callSid == "" {
		return
	}
	h.mu.Lock()
	h.byCall[callSid] = s
	h.mu.Unlock()
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID())
	delete(h.perCall, s.ID())
	if callSid := s.Snapshot().CallSid; callSid != "" && h.byCall[callSid] == s {
		delete(h.byCall, callSid)
	}
	h.mu.Unlock()
}

// Lookup returns the live session for a call.
func (h *Hub) Lookup(callSid string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.byCall[callSid]
	return s, ok
}

// Snapshots lists live sessions, oldest first.
func (h *Hub) Snapshots() []Snapshot {
	h.mu.Lock()
	list := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		list = append(list, s)
	}
	h.mu.Unlock()

	snaps := make([]Snapshot, 0, len(list))
	for _, s := range list {
		snaps = append(snaps, s.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].StartedAt.Before(snaps[j].StartedAt)
	})
	return snaps
}

// ActiveSessionCount implements metrics.ActiveSessionsProvider.
func (h *Hub) ActiveSessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// UpstreamStatuses implements metrics.UpstreamStatusProvider.
func (h *Hub) UpstreamStatuses() []metrics.UpstreamStatus {
	if h.shared != nil {
		return []metrics.UpstreamStatus{h.shared.Status()}
	}
	h.mu.Lock()
	mgrs := make([]*upstream.Manager, 0, len(h.perCall))
	for _, m := range h.perCall {
		mgrs = append(mgrs, m)
	}
	h.mu.Unlock()

	ready := 0
	for _, m := range mgrs {
		if m.Ready() {
			ready++
		}
	}
	// Per-call connections report ready while every live call has one.
	return []metrics.UpstreamStatus{{Provider: h.dialer.Name(), Ready: ready == len(mgrs)}}
}

// Healthy reports whether new calls can be served. In shared mode this
// requires the warm connection to be ready.
func (h *Hub) Healthy() bool {
	h.mu.Lock()
	closing := h.closing
	h.mu.Unlock()
	if closing {
		return false
	}
	if h.shared != nil {
		return h.shared.Ready()
	}
	return true
}

// Mode returns the connection mode.
func (h *Hub) Mode() Mode {
	return h.cfg.Mode
}

// Shutdown stops every session and waits for their side effects, then
// closes the shared connection.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	list := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		list = append(list, s)
	}
	h.mu.Unlock()

	h.log.Info("Shutting down %d sessions", len(list))
	h.cancel()

	done := make(chan struct{})
	go func() {
		for _, s := range list {
			s.Wait()
		}
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if h.shared != nil {
		if cerr := h.shared.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
