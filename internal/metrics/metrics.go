// Package metrics exposes Prometheus instrumentation for connections, upgrades and
// sessions. All methods are safe on a nil *Metrics so callers never branch on
// whether metrics are enabled.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wsbridge"

// Metrics holds the collectors of one server or client instance.
type Metrics struct {
	registry *prometheus.Registry

	connections      *prometheus.CounterVec
	negotiationFails prometheus.Counter
	upgrades         *prometheus.CounterVec
	upgradeDuration  *prometheus.HistogramVec
	protocolRejects  prometheus.Counter
	sessionsOpen     prometheus.Gauge
	sessionsClosed   *prometheus.CounterVec
	relayOverflows   prometheus.Counter
	anomalies        *prometheus.CounterVec
}

// New registers a fresh set of collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		connections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connections accepted or dialed, by negotiated protocol",
		}, []string{"protocol"}),
		negotiationFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiation_failures_total",
			Help:      "Connections for which no protocol could be agreed",
		}),
		upgrades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upgrades_total",
			Help:      "WebSocket upgrade attempts, by protocol and response status",
		}, []string{"protocol", "status"}),
		upgradeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upgrade_duration_seconds",
			Help:      "Time from request to session open",
			Buckets:   prometheus.DefBuckets,
		}, []string{"protocol"}),
		protocolRejects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extended_connect_rejected_total",
			Help:      "Extended CONNECT streams reset with PROTOCOL_ERROR because the feature is disabled",
		}),
		sessionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_open",
			Help:      "Sessions currently open or closing",
		}),
		sessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Closed sessions, by close status code",
		}, []string{"code"}),
		relayOverflows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_overflows_total",
			Help:      "Streams aborted because the relay queue limit was exceeded",
		}),
		anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_anomalies_total",
			Help:      "Ignored duplicate close or error reports",
		}, []string{"kind"}),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ConnectionNegotiated(protocol string) {
	if m != nil {
		m.connections.WithLabelValues(protocol).Inc()
	}
}

func (m *Metrics) NegotiationFailed() {
	if m != nil {
		m.negotiationFails.Inc()
	}
}

// Upgrade records the outcome of one upgrade attempt.
func (m *Metrics) Upgrade(protocol string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.upgrades.WithLabelValues(protocol, strconv.Itoa(status)).Inc()
	if status < 300 {
		m.upgradeDuration.WithLabelValues(protocol).Observe(seconds)
	}
}

func (m *Metrics) ExtendedConnectRejected() {
	if m != nil {
		m.protocolRejects.Inc()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessionsOpen.Inc()
	}
}

// SessionClosed records a session that had been opened reaching CLOSED.
func (m *Metrics) SessionClosed(code uint16) {
	if m == nil {
		return
	}
	m.sessionsOpen.Dec()
	m.sessionsClosed.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

func (m *Metrics) RelayOverflow() {
	if m != nil {
		m.relayOverflows.Inc()
	}
}

// Anomaly counts an ignored duplicate report, e.g. kind "duplicate_close".
func (m *Metrics) Anomaly(kind string) {
	if m != nil {
		m.anomalies.WithLabelValues(kind).Inc()
	}
}
