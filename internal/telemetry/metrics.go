package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tributary-ai/llm-endpoint-router/internal/providers"
	"github.com/tributary-ai/llm-endpoint-router/internal/routing"
)

const namespace = "llm_router"

// Metrics records routing events as Prometheus series. It implements
// routing.Observer.
type Metrics struct {
	registry *prometheus.Registry

	attempts     *prometheus.CounterVec
	attemptTime  *prometheus.HistogramVec
	skips        *prometheus.CounterVec
	breakerOpen  *prometheus.GaugeVec
	routes       *prometheus.CounterVec
	routeLatency *prometheus.HistogramVec
}

// NewMetrics creates the router's collectors on a private registry. Go
// runtime and process collectors are included.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Upstream attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		attemptTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Duration of upstream attempts",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"provider"},
		),
		skips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skips_total",
				Help:      "Providers skipped during routing by reason",
			},
			[]string{"provider", "reason"},
		),
		breakerOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_open",
				Help:      "1 while a provider's circuit is open",
			},
			[]string{"provider"},
		),
		routes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routes_total",
				Help:      "Routed requests by outcome",
			},
			[]string{"outcome"},
		),
		routeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "route_duration_seconds",
				Help:      "End to end routing latency including fallbacks",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"outcome"},
		),
	}

	m.registry.MustRegister(
		m.attempts,
		m.attemptTime,
		m.skips,
		m.breakerOpen,
		m.routes,
		m.routeLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) AttemptFinished(provider string, success bool, elapsed time.Duration) {
	m.attempts.WithLabelValues(provider, outcome(success)).Inc()
	m.attemptTime.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (m *Metrics) ProviderSkipped(provider string, reason error) {
	m.skips.WithLabelValues(provider, SkipReason(reason)).Inc()
}

func (m *Metrics) BreakerChanged(provider string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	m.breakerOpen.WithLabelValues(provider).Set(v)
}

func (m *Metrics) RouteFinished(success bool, elapsed time.Duration) {
	o := outcome(success)
	m.routes.WithLabelValues(o).Inc()
	m.routeLatency.WithLabelValues(o).Observe(elapsed.Seconds())
}

// SkipReason maps a skip error onto a bounded label value
func SkipReason(err error) string {
	switch {
	case errors.Is(err, routing.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, routing.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, routing.ErrProbeFailed):
		return "probe_failed"
	case errors.Is(err, providers.ErrNoAdapter):
		return "no_adapter"
	case errors.Is(err, providers.ErrInvalidRequest):
		return "invalid_request"
	default:
		return "other"
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
