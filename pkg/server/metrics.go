package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the server's Prometheus instrumentation. Each Metrics
// carries its own registry so tests can build servers without duplicate
// registration panics.
type Metrics struct {
	registry *prometheus.Registry

	connectionsTotal  prometheus.Counter
	activeSessions    prometheus.Gauge
	handshakeFailures prometheus.Counter
	requestsTotal     *prometheus.CounterVec
	requestErrors     *prometheus.CounterVec
	requestDuration   prometheus.Histogram
}

// NewMetrics creates and registers the server metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quill_connections_total",
			Help: "Total accepted connections that completed the TLS handshake.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quill_active_sessions",
			Help: "Number of currently connected sessions.",
		}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quill_tls_handshake_failures_total",
			Help: "Total connections dropped during the TLS handshake.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_requests_total",
			Help: "Total successfully handled requests by function.",
		}, []string{"function"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_request_errors_total",
			Help: "Total failed requests by failure reason.",
		}, []string{"reason"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quill_request_duration_seconds",
			Help:    "Request handling duration from decode to encode.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.connectionsTotal,
		m.activeSessions,
		m.handshakeFailures,
		m.requestsTotal,
		m.requestErrors,
		m.requestDuration,
	)

	return m
}

// Registry returns the registry backing these metrics, for the /metrics
// HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSessionCreated counts a connection that survived its handshake.
func (m *Metrics) RecordSessionCreated() {
	m.connectionsTotal.Inc()
}

// RecordActiveSessions updates the live session gauge.
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordHandshakeFailure counts a connection dropped during the handshake.
func (m *Metrics) RecordHandshakeFailure() {
	m.handshakeFailures.Inc()
}

// RecordRequest counts a handled request and its duration.
func (m *Metrics) RecordRequest(function string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(function).Inc()
	m.requestDuration.Observe(duration.Seconds())
}

// RecordRequestError counts a failed request by reason.
func (m *Metrics) RecordRequestError(reason string) {
	m.requestErrors.WithLabelValues(reason).Inc()
}
