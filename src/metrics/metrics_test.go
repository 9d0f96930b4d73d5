package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type fixedSessions int

func (f fixedSessions) ActiveSessionCount() int { return int(f) }

type fixedUpstreams []UpstreamStatus

func (f fixedUpstreams) UpstreamStatuses() []UpstreamStatus { return f }

func TestCollectorAndRecorderExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(
		fixedSessions(3),
		fixedUpstreams{{Provider: "openai", Ready: true}, {Provider: "openai", Ready: false}},
		time.Now().Add(-time.Minute),
	))
	rec := NewRecorder(reg)
	rec.SessionStarted()
	rec.AudioFrame(DirectionInbound)
	rec.AudioFrame(DirectionInbound)
	rec.FrameDropped("no_stream_sid")
	rec.UpstreamConnect(false)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	out := string(body)

	for _, want := range []string{
		"callrelay_sessions_active 3",
		`callrelay_upstream_ready{provider="openai"} 1`,
		"callrelay_sessions_total 1",
		`callrelay_audio_frames_total{direction="inbound"} 2`,
		`callrelay_frames_dropped_total{reason="no_stream_sid"} 1`,
		`callrelay_upstream_connects_total{result="error"} 1`,
		"callrelay_uptime_seconds",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.SessionStarted()
	r.UpstreamConnect(true)
	r.AudioFrame(DirectionOutbound)
	r.FrameDropped("x")
	r.KeepaliveFrame()
	r.Directive("lead")
	r.Notification("ok")
}
