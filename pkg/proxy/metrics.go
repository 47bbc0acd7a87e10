package proxy

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-tap/pkg/domain"
)

// Outcome labels.
const (
	OutcomeRelayed      = "relayed"
	OutcomeUnconfigured = "unconfigured"
	OutcomeFailed       = "failed"
)

// Upstream error reasons.
const (
	ReasonTransport = "transport"
	ReasonDecode    = "decode"
	ReasonPanic     = "panic"
)

// Metrics holds the Prometheus instruments for the proxy. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	inFlight          prometheus.Gauge
	upstreamErrors    *prometheus.CounterVec
	tokenAlerts       *prometheus.CounterVec
	undecodedBodies   *prometheus.CounterVec
	healthChecksTotal prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates the proxy metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_requests_total",
				Help: "Total number of proxied requests by method, outcome and status code",
			},
			[]string{"method", "outcome", "status_code"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_request_duration_seconds",
				Help:    "Time from receipt to the end of the relayed body",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "outcome"},
		),

		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "proxy_requests_in_flight",
				Help: "Number of requests currently being forwarded",
			},
		),

		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_errors_total",
				Help: "Total number of upstream failures answered with 502",
			},
			[]string{"reason"},
		),

		tokenAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_token_alerts_total",
				Help: "Total number of expired or malformed tokens seen",
			},
			[]string{"status"},
		),

		undecodedBodies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_undecoded_bodies_total",
				Help: "Responses relayed without decoding because of an unsupported content coding",
			},
			[]string{"coding"},
		),

		healthChecksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "proxy_health_checks_total",
				Help: "Total number of health check requests served",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.inFlight,
		m.upstreamErrors,
		m.tokenAlerts,
		m.undecodedBodies,
		m.healthChecksTotal,
	)

	return m
}

// ObserveRequest records the outcome of one proxied request.
func (m *Metrics) ObserveRequest(method string, outcome domain.ProxyOutcome, duration time.Duration) {
	if m == nil {
		return
	}
	label := OutcomeRelayed
	switch {
	case outcome.Err == nil:
	case errors.Is(outcome.Err, domain.ErrTargetNotConfigured):
		label = OutcomeUnconfigured
	default:
		label = OutcomeFailed
	}
	m.requestsTotal.WithLabelValues(method, label, strconv.Itoa(outcome.Status)).Inc()
	m.requestDuration.WithLabelValues(method, label).Observe(duration.Seconds())
}

// RequestStarted increments the in-flight gauge and returns its release.
func (m *Metrics) RequestStarted() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}

// RecordUpstreamError counts a 502 by reason.
func (m *Metrics) RecordUpstreamError(reason string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(reason).Inc()
}

// RecordTokenAlert counts an alerting token status.
func (m *Metrics) RecordTokenAlert(status domain.TokenStatus) {
	if m == nil {
		return
	}
	m.tokenAlerts.WithLabelValues(string(status)).Inc()
}

// RecordUndecodedBody counts a relayed body left in an unsupported coding.
func (m *Metrics) RecordUndecodedBody(coding string) {
	if m == nil {
		return
	}
	m.undecodedBodies.WithLabelValues(coding).Inc()
}

// RecordHealthCheck counts a served health check.
func (m *Metrics) RecordHealthCheck() {
	if m == nil {
		return
	}
	m.healthChecksTotal.Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
