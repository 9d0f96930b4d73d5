package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callrelay"

// ActiveSessionsProvider exposes the number of live call sessions.
type ActiveSessionsProvider interface {
	ActiveSessionCount() int
}

// UpstreamStatus is the readiness of one upstream connection manager.
type UpstreamStatus struct {
	Provider string
	Ready    bool
}

// UpstreamStatusProvider exposes the readiness of upstream connections.
type UpstreamStatusProvider interface {
	UpstreamStatuses() []UpstreamStatus
}

// Collector is a prometheus.Collector that reads relay state at scrape time.
type Collector struct {
	sessions  ActiveSessionsProvider
	upstreams UpstreamStatusProvider
	startTime time.Time

	activeSessionsDesc *prometheus.Desc
	upstreamReadyDesc  *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(sessions ActiveSessionsProvider, upstreams UpstreamStatusProvider, startTime time.Time) *Collector {
	return &Collector{
		sessions:  sessions,
		upstreams: upstreams,
		startTime: startTime,

		activeSessionsDesc: prometheus.NewDesc(
			namespace+"_sessions_active",
			"Number of call sessions currently relaying",
			nil, nil,
		),
		upstreamReadyDesc: prometheus.NewDesc(
			namespace+"_upstream_ready",
			"AI backend connections that are configured and ready",
			[]string{"provider"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			namespace+"_uptime_seconds",
			"Seconds since the relay process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.upstreamReadyDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeSessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.ActiveSessionCount()),
		)
	}

	if c.upstreams != nil {
		ready := make(map[string]float64)
		for _, s := range c.upstreams.UpstreamStatuses() {
			if _, ok := ready[s.Provider]; !ok {
				ready[s.Provider] = 0
			}
			if s.Ready {
				ready[s.Provider]++
			}
		}
		for provider, n := range ready {
			ch <- prometheus.MustNewConstMetric(c.upstreamReadyDesc, prometheus.GaugeValue, n, provider)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// Recorder holds the event counters updated on the hot path. A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	sessionsTotal    prometheus.Counter
	upstreamConnects *prometheus.CounterVec
	audioFrames      *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	keepaliveFrames  prometheus.Counter
	directives       *prometheus.CounterVec
	notifications    *prometheus.CounterVec
}

// NewRecorder creates the counters and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Call sessions started",
		}),
		upstreamConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connects_total",
			Help:      "AI backend connection attempts by result",
		}, []string{"result"}),
		audioFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Audio frames relayed by direction",
		}, []string{"direction"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by reason",
		}, []string{"reason"}),
		keepaliveFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalive_frames_total",
			Help:      "Silence frames sent to the telephony side",
		}),
		directives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_directives_total",
			Help:      "Control directives parsed from AI text by kind",
		}, []string{"kind"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Lead notifications by result",
		}, []string{"result"}),
	}
	reg.MustRegister(
		r.sessionsTotal,
		r.upstreamConnects,
		r.audioFrames,
		r.framesDropped,
		r.keepaliveFrames,
		r.directives,
		r.notifications,
	)
	return r
}

// Direction labels for AudioFrame.
const (
	DirectionInbound  = "inbound"  // caller to AI
	DirectionOutbound = "outbound" // AI to caller
)

func (r *Recorder) SessionStarted() {
	if r == nil {
		return
	}
	r.sessionsTotal.Inc()
}

func (r *Recorder) UpstreamConnect(ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.upstreamConnects.WithLabelValues(result).Inc()
}

func (r *Recorder) AudioFrame(direction string) {
	if r == nil {
		return
	}
	r.audioFrames.WithLabelValues(direction).Inc()
}

func (r *Recorder) FrameDropped(reason string) {
	if r == nil {
		return
	}
	r.framesDropped.WithLabelValues(reason).Inc()
}

func (r *Recorder) KeepaliveFrame() {
	if r == nil {
		return
	}
	r.keepaliveFrames.Inc()
}

func (r *Recorder) Directive(kind string) {
	if r == nil {
		return
	}
	r.directives.WithLabelValues(kind).Inc()
}

func (r *Recorder) Notification(result string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
