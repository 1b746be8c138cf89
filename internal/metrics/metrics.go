// Package metrics holds the service-specific Prometheus metric set. All
// methods are nil-receiver safe so components can run without metrics in
// tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"helmsman/pkg/monitoring"
)

// Metrics is the relay's custom metric set, built through the shared
// monitoring collector in main.
type Metrics struct {
	ActiveSessions    *prometheus.GaugeVec     // stream_type
	SessionsTotal     *prometheus.CounterVec   // stream_type, reason
	RelayedBytes      *prometheus.CounterVec   // stream_type
	UpstreamErrors    *prometheus.CounterVec   // kind
	HubClients        *prometheus.GaugeVec     // channel
	EventsPublished   *prometheus.CounterVec   // event, status
	BroadcastDuration *prometheus.HistogramVec // event
}

// New registers the relay metric set on the service collector.
func New(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		ActiveSessions: mc.NewGauge("active_sessions",
			"Active playback sessions", []string{"stream_type"}),
		SessionsTotal: mc.NewCounter("sessions_total",
			"Completed playback sessions by termination reason", []string{"stream_type", "reason"}),
		RelayedBytes: mc.NewCounter("relayed_bytes_total",
			"Bytes relayed from origins to clients", []string{"stream_type"}),
		UpstreamErrors: mc.NewCounter("upstream_errors_total",
			"Origin connect and mid-stream failures", []string{"kind"}),
		HubClients: mc.NewGauge("observer_clients",
			"Connected WebSocket observers", []string{"channel"}),
		EventsPublished: mc.NewCounter("events_published_total",
			"Telemetry and pipeline events published", []string{"event", "status"}),
		BroadcastDuration: mc.NewHistogram("broadcast_duration_seconds",
			"Time to build and enqueue one broadcast payload", []string{"event"}, nil),
	}
}

// SessionStarted records a new active session.
func (m *Metrics) SessionStarted(streamType string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(streamType).Inc()
}

// SessionEnded records a terminated session and its reason.
func (m *Metrics) SessionEnded(streamType, reason string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(streamType).Dec()
	m.SessionsTotal.WithLabelValues(streamType, reason).Inc()
}

// BytesRelayed counts bytes moved from origin to client.
func (m *Metrics) BytesRelayed(streamType string, n int) {
	if m == nil {
		return
	}
	m.RelayedBytes.WithLabelValues(streamType).Add(float64(n))
}

// UpstreamError counts origin connect/stream failures by kind.
func (m *Metrics) UpstreamError(kind string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(kind).Inc()
}

// ClientConnected tracks observer hub membership.
func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.HubClients.WithLabelValues("all").Inc()
}

// ClientDisconnected tracks observer hub membership.
func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.HubClients.WithLabelValues("all").Dec()
}

// EventPublished counts pushed telemetry events.
func (m *Metrics) EventPublished(event, status string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(event, status).Inc()
}

// ObserveBroadcast records how long one payload build+broadcast took.
func (m *Metrics) ObserveBroadcast(event string, seconds float64) {
	if m == nil {
		return
	}
	m.BroadcastDuration.WithLabelValues(event).Observe(seconds)
}
