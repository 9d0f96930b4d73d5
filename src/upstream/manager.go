// Package upstream keeps a realtime AI backend connection warm and fans its
// events out to call sessions.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/square-key-labs/callrelay/src/logger"
	"github.com/square-key-labs/callrelay/src/metrics"
	"github.com/square-key-labs/callrelay/src/services"
)

// ErrNotReady is returned when sending while no configured connection is open.
var ErrNotReady = errors.New("upstream not ready")

// Handler receives upstream events. It is called from the manager's
// goroutines, sometimes with the manager's lock held, and must not block or
// call back into the Manager.
type Handler func(services.Event)

// Config controls connection upkeep.
type Config struct {
	Session             services.SessionConfig
	ReconnectDelay      time.Duration
	HealthCheckInterval time.Duration
	DialTimeout         time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:      2 * time.Second,
		HealthCheckInterval: 60 * time.Second,
		DialTimeout:         10 * time.Second,
	}
}

// Manager owns at most one live backend connection. Only the manager opens
// or closes it; everything else observes readiness.
type Manager struct {
	dialer  services.Dialer
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Recorder

	mu         sync.Mutex
	conn       services.Conn
	ready      bool
	connecting bool
	retryAt    time.Time
	retryTimer *time.Timer
	subs       map[string]Handler
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager. Call Start to begin connecting.
func NewManager(dialer services.Dialer, cfg Config, rec *metrics.Recorder) *Manager {
	def := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:  dialer,
		cfg:     cfg,
		log:     logger.WithPrefix("Upstream").With("provider", dialer.Name()),
		metrics: rec,
		subs:    make(map[string]Handler),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start opens the first connection and begins the periodic health check.
func (m *Manager) Start() {
	if m.cfg.HealthCheckInterval > 0 {
		m.mu.Lock()
		if !m.closed {
			m.wg.Add(1)
			go m.healthLoop()
		}
		m.mu.Unlock()
	}
	m.EnsureConnected()
}

// Ready reports whether a configured connection is open.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// Status reports readiness for metrics.
func (m *Manager) Status() metrics.UpstreamStatus {
	return metrics.UpstreamStatus{Provider: m.dialer.Name(), Ready: m.Ready()}
}

// EnsureConnected starts a connection attempt unless one is open, one is in
// flight, or the reconnect backoff has not elapsed. Inside the backoff window
// it only makes sure a retry is scheduled for the end of the window.
func (m *Manager) EnsureConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.conn != nil || m.connecting {
		return
	}
	if wait := time.Until(m.retryAt); wait > 0 {
		m.scheduleRetryLocked(wait)
		return
	}

	m.connecting = true
	m.wg.Add(1)
	go m.connect()
}

func (m *Manager) connect() {
	defer m.wg.Done()

	dialCtx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	conn, err := m.dialer.Dial(dialCtx)
	cancel()
	if err == nil {
		if err = conn.Configure(m.ctx, m.cfg.Session); err != nil {
			conn.Close()
			err = fmt.Errorf("configure session: %w", err)
		}
	}

	if err != nil {
		m.metrics.UpstreamConnect(false)
		m.mu.Lock()
		m.connecting = false
		closed := m.closed
		if !closed {
			m.retryAt = time.Now().Add(m.cfg.ReconnectDelay)
			m.scheduleRetryLocked(m.cfg.ReconnectDelay)
		}
		m.mu.Unlock()
		if !closed {
			m.log.Warn("Connect failed, retrying in %v: %v", m.cfg.ReconnectDelay, err)
		}
		return
	}

	m.mu.Lock()
	if m.closed {
		m.connecting = false
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.ready = true
	m.connecting = false
	handlers := m.snapshotLocked()
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.UpstreamConnect(true)
	m.log.Info("Connected and configured")
	dispatch(handlers, services.Event{Type: services.EventOpen})

	go m.readLoop(conn)
}

func (m *Manager) readLoop(conn services.Conn) {
	defer m.wg.Done()
	for {
		ev, err := conn.Receive()
		if err != nil {
			m.handleClose(conn, err)
			return
		}
		if ev.Type == services.EventError {
			m.log.Warn("Backend error: %v", ev.Err)
		}
		m.broadcast(ev)
	}
}

// handleClose clears readiness in the same critical section that detaches
// the connection, then schedules the reconnect.
func (m *Manager) handleClose(conn services.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.ready = false
	handlers := m.snapshotLocked()
	m.retryAt = time.Now().Add(m.cfg.ReconnectDelay)
	m.scheduleRetryLocked(m.cfg.ReconnectDelay)
	m.mu.Unlock()

	conn.Close()
	m.log.Warn("Connection closed, reconnecting in %v: %v", m.cfg.ReconnectDelay, err)
	dispatch(handlers, services.Event{Type: services.EventClosed, Err: err})
}

func (m *Manager) scheduleRetryLocked(after time.Duration) {
	if m.retryTimer != nil || m.closed {
		return
	}
	m.retryTimer = time.AfterFunc(after, func() {
		m.mu.Lock()
		m.retryTimer = nil
		m.mu.Unlock()
		m.EnsureConnected()
	})
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.EnsureConnected()
		}
	}
}

// Subscribe registers h under id. If the connection is already ready, h
// receives an open event before any later event. Returns the readiness at
// subscription time.
func (m *Manager) Subscribe(id string, h Handler) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.subs[id] = h
	if m.ready {
		h(services.Event{Type: services.EventOpen})
	}
	return m.ready
}

// Unsubscribe removes the handler registered under id.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}

func (m *Manager) snapshotLocked() []Handler {
	handlers := make([]Handler, 0, len(m.subs))
	for _, h := range m.subs {
		handlers = append(handlers, h)
	}
	return handlers
}

func (m *Manager) broadcast(ev services.Event) {
	m.mu.Lock()
	handlers := m.snapshotLocked()
	m.mu.Unlock()
	dispatch(handlers, ev)
}

func dispatch(handlers []Handler, ev services.Event) {
	for _, h := range handlers {
		h(ev)
	}
}

func (m *Manager) current() (services.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready || m.conn == nil {
		return nil, ErrNotReady
	}
	return m.conn, nil
}

// AppendAudio forwards caller audio (PCM16 LE at the backend input rate).
func (m *Manager) AppendAudio(pcm []byte) error {
	conn, err := m.current()
	if err != nil {
		return err
	}
	return conn.AppendAudio(pcm)
}

// CreateResponse asks the backend to respond now.
func (m *Manager) CreateResponse(instructions string) error {
	conn, err := m.current()
	if err != nil {
		return err
	}
	return conn.CreateResponse(instructions)
}

// Close shuts the connection and stops retries. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.ready = false
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.mu.Unlock()

	m.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.wg.Wait()
	m.log.Debug("Closed")
	return err
}
