// ABOUTME: Prometheus collectors for dispatch, proxy, health probes, and fleet actions
// ABOUTME: Uses a dedicated registry so each gateway instance exposes its own series

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the gateway.
type Collector struct {
	registry *prometheus.Registry

	RequestsTotal            *prometheus.CounterVec
	RequestDuration          *prometheus.HistogramVec
	UpstreamAttemptsTotal    *prometheus.CounterVec
	UpstreamInFlight         prometheus.Gauge
	BreakerState             *prometheus.GaugeVec
	ServiceHealthy           *prometheus.GaugeVec
	ProbeDuration            *prometheus.HistogramVec
	PodsByStatus             *prometheus.GaugeVec
	CorrectiveActionsTotal   *prometheus.CounterVec
	AlertsTotal              *prometheus.CounterVec
	RateLimitRejectionsTotal prometheus.Counter
}

// New creates and registers all gateway metrics on a fresh registry.
func New() *Collector {
	m := &Collector{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kilo_gateway_requests_total",
				Help: "Requests dispatched by the gateway, by service and status code.",
			},
			[]string{"service", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kilo_gateway_request_duration_seconds",
				Help:    "End-to-end request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		UpstreamAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kilo_gateway_upstream_attempts_total",
				Help: "Outbound attempts to backends, by result (ok, retry, error, timeout, breaker_open).",
			},
			[]string{"service", "result"},
		),
		UpstreamInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kilo_gateway_upstream_in_flight",
				Help: "Proxied requests currently in flight.",
			},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kilo_gateway_breaker_state",
				Help: "Circuit breaker state per backend (0 closed, 1 half-open, 2 open).",
			},
			[]string{"service"},
		),
		ServiceHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kilo_gateway_service_healthy",
				Help: "1 when the last health probe of a service succeeded.",
			},
			[]string{"service"},
		),
		ProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kilo_gateway_probe_duration_seconds",
				Help:    "Health probe latency in seconds.",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"service"},
		),
		PodsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kilo_fleet_pods",
				Help: "Pods in the managed namespace by observed status.",
			},
			[]string{"status"},
		),
		CorrectiveActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kilo_fleet_corrective_actions_total",
				Help: "Corrective actions taken against the orchestrator, by action and result.",
			},
			[]string{"action", "result"},
		),
		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kilo_alerts_total",
				Help: "Alerts recorded, by kind.",
			},
			[]string{"kind"},
		),
		RateLimitRejectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kilo_gateway_ratelimit_rejections_total",
				Help: "Admin requests rejected by rate limiting.",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestsTotal,
		m.RequestDuration,
		m.UpstreamAttemptsTotal,
		m.UpstreamInFlight,
		m.BreakerState,
		m.ServiceHealthy,
		m.ProbeDuration,
		m.PodsByStatus,
		m.CorrectiveActionsTotal,
		m.AlertsTotal,
		m.RateLimitRejectionsTotal,
	)

	return m
}

// ObserveRequest records one dispatched request.
func (m *Collector) ObserveRequest(service string, code int, elapsed time.Duration) {
	if service == "" {
		service = "gateway"
	}
	m.RequestsTotal.WithLabelValues(service, strconv.Itoa(code)).Inc()
	m.RequestDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

// IncUpstreamAttempt counts one outbound attempt.
func (m *Collector) IncUpstreamAttempt(service, result string) {
	m.UpstreamAttemptsTotal.WithLabelValues(service, result).Inc()
}

// SetUpstreamInFlight records the number of proxied requests in flight.
func (m *Collector) SetUpstreamInFlight(n int) {
	m.UpstreamInFlight.Set(float64(n))
}

// SetBreakerState records a breaker transition.
func (m *Collector) SetBreakerState(service string, state float64) {
	m.BreakerState.WithLabelValues(service).Set(state)
}

// ObserveProbe records a probe outcome.
func (m *Collector) ObserveProbe(service string, healthy bool, elapsed time.Duration) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.ServiceHealthy.WithLabelValues(service).Set(v)
	m.ProbeDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

// SetPods replaces the per-status pod gauge.
func (m *Collector) SetPods(counts map[string]int) {
	m.PodsByStatus.Reset()
	for status, n := range counts {
		m.PodsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// IncCorrectiveAction counts an orchestrator action.
func (m *Collector) IncCorrectiveAction(action, result string) {
	m.CorrectiveActionsTotal.WithLabelValues(action, result).Inc()
}

// IncAlert counts a recorded alert.
func (m *Collector) IncAlert(kind string) {
	m.AlertsTotal.WithLabelValues(kind).Inc()
}

// IncRateLimitRejectionsTotal increments the rate limit rejection counter.
func (m *Collector) IncRateLimitRejectionsTotal() {
	m.RateLimitRejectionsTotal.Inc()
}

// Registry exposes the underlying registry for tests and custom gatherers.
func (m *Collector) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves this collector's metrics.
func (m *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
