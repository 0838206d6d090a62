// Package metrics exposes the relay's Prometheus collectors. A nil *Metrics
// is a valid receiver whose methods do nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatrelay"

// Metrics groups every collector the relay updates.
type Metrics struct {
	ConnectedClients  prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	HandshakeFailures prometheus.Counter
	AuthResults       *prometheus.CounterVec
	RequestsTotal     *prometheus.CounterVec
	MessagesDropped   prometheus.Counter
	PresencePruned    prometheus.Counter
	RequestDuration   *prometheus.HistogramVec
	SessionsClosed    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
//
// Parameters:
//   - reg: Registerer to attach to, usually a fresh prometheus.NewRegistry()
//
// Returns:
//   - The Metrics; registration panics on duplicate names like MustRegister
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Number of authenticated clients currently in the registry",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Accepted sockets",
		}),
		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "TLS handshakes that failed or timed out",
		}),
		AuthResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_results_total",
			Help:      "CONNECT outcomes by result",
		}, []string{"result"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Decoded client requests by type",
		}, []string{"type"}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "MESSAGE frames addressed to an offline receiver",
		}),
		PresencePruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_pruned_total",
			Help:      "Closed handles removed while broadcasting presence",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time to handle one client request",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Finished sessions by termination reason",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.ConnectedClients,
		m.ConnectionsTotal,
		m.HandshakeFailures,
		m.AuthResults,
		m.RequestsTotal,
		m.MessagesDropped,
		m.PresencePruned,
		m.RequestDuration,
		m.SessionsClosed,
	)

	return m
}

// Handler serves the gatherer's metrics in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SetConnectedClients(n int) {
	if m == nil {
		return
	}
	m.ConnectedClients.Set(float64(n))
}

func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
}

func (m *Metrics) HandshakeFailed() {
	if m == nil {
		return
	}
	m.HandshakeFailures.Inc()
}

// AuthResult records a CONNECT outcome: success, rejected, duplicate or error.
func (m *Metrics) AuthResult(result string) {
	if m == nil {
		return
	}
	m.AuthResults.WithLabelValues(result).Inc()
}

// ObserveRequest counts a request and records how long it took.
func (m *Metrics) ObserveRequest(kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(kind).Inc()
	m.RequestDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	m.MessagesDropped.Inc()
}

func (m *Metrics) HandlesPruned(n int) {
	if m == nil || n == 0 {
		return
	}
	m.PresencePruned.Add(float64(n))
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.SessionsClosed.WithLabelValues(reason).Inc()
}
