// Package telemetry holds the Prometheus collectors and the OpenTelemetry
// tracer shared by the session, gate and realtime packages.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	namespace  = "chatsession"
	tracerName = "chatsession"
)

// Metrics groups every collector the client exports.
//
// A nil *Metrics is valid and records nothing, so packages can be used
// without a registry (tests, embedding).
type Metrics struct {
	RefreshAttempts *prometheus.CounterVec
	StateChanges    *prometheus.CounterVec
	GateRequests    *prometheus.CounterVec
	GateLatency     *prometheus.HistogramVec
	ChannelFrames   *prometheus.CounterVec
	ChannelsOpen    prometheus.Gauge
}

// NewMetrics builds the collectors and registers them on reg (when non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RefreshAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "refresh_attempts_total",
			Help:      "Refresh exchanges sent to the server, by result.",
		}, []string{"result"}),
		StateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Session state transitions, by target state.",
		}, []string{"to"}),
		GateRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "requests_total",
			Help:      "Gated requests, by method and outcome.",
		}, []string{"method", "outcome"}),
		GateLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "request_duration_seconds",
			Help:      "Latency of gated requests that reached the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		ChannelFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "frames_total",
			Help:      "Realtime frames, by direction and result.",
		}, []string{"direction", "result"}),
		ChannelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "open",
			Help:      "Realtime channels currently in the Open state.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RefreshAttempts,
			m.StateChanges,
			m.GateRequests,
			m.GateLatency,
			m.ChannelFrames,
			m.ChannelsOpen,
		)
	}
	return m
}

// Refresh records a refresh exchange result.
func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.RefreshAttempts.WithLabelValues(result).Inc()
}

// State records a session state transition.
func (m *Metrics) State(to string) {
	if m == nil {
		return
	}
	m.StateChanges.WithLabelValues(to).Inc()
}

// Gate records a gated request outcome.
func (m *Metrics) Gate(method, outcome string) {
	if m == nil {
		return
	}
	m.GateRequests.WithLabelValues(method, outcome).Inc()
}

// GateObserve records latency of a request that reached the server.
func (m *Metrics) GateObserve(method string, seconds float64) {
	if m == nil {
		return
	}
	m.GateLatency.WithLabelValues(method).Observe(seconds)
}

// Frame records a realtime frame.
func (m *Metrics) Frame(direction, result string) {
	if m == nil {
		return
	}
	m.ChannelFrames.WithLabelValues(direction, result).Inc()
}

// ChannelOpened / ChannelClosed track the open-channel gauge.
func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.ChannelsOpen.Inc()
}

func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.ChannelsOpen.Dec()
}

// Tracer returns the process tracer. It is a no-op until the host installs a
// global TracerProvider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
