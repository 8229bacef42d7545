// Package metrics exposes cycle and dispatch counters to Prometheus
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petr-muller/ghwatch/internal/watch/cycle"
	"github.com/petr-muller/ghwatch/internal/watch/dispatch"
	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

// Metrics holds the collectors of one watcher process
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	errors        *prometheus.CounterVec
	evaluated     *prometheus.CounterVec
	skipped       *prometheus.CounterVec
	dispatched    *prometheus.CounterVec
	superseded    *prometheus.CounterVec
	rateRemaining prometheus.Gauge
}

var (
	_ cycle.Recorder    = &Metrics{}
	_ dispatch.Observer = &Metrics{}
)

// New creates the collectors on a dedicated registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ghwatch_cycles_total",
			Help: "Finished reconciliation cycles by job, trigger and final state.",
		}, []string{"job", "trigger", "state"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ghwatch_cycle_duration_seconds",
			Help:    "Duration of reconciliation cycles.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"job"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ghwatch_cycle_errors_total",
			Help: "Errors of reconciliation cycles by class.",
		}, []string{"job", "class"}),
		evaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ghwatch_resources_evaluated_total",
			Help: "Changed resources run through the decision pipeline.",
		}, []string{"job"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ghwatch_resources_skipped_total",
			Help: "Changed resources whose build was vetoed.",
		}, []string{"job"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ghwatch_builds_dispatched_total",
			Help: "Builds admitted to the build system.",
		}, []string{"job", "kind"}),
		superseded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ghwatch_builds_superseded_total",
			Help: "Queued builds canceled or running builds aborted by a newer build of the same resource.",
		}, []string{"job", "kind", "action"}),
		rateRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ghwatch_github_rate_limit_remaining",
			Help: "Remaining GitHub API quota after the latest cycle.",
		}),
	}
	m.registry.MustRegister(m.cycles, m.cycleDuration, m.errors, m.evaluated, m.skipped, m.dispatched, m.superseded, m.rateRemaining)
	return m
}

// Handler serves the metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Record observes a finished cycle
func (m *Metrics) Record(result cycle.Result) {
	m.cycles.WithLabelValues(result.Job, result.Trigger, string(result.State)).Inc()
	m.cycleDuration.WithLabelValues(result.Job).Observe(result.Duration.Seconds())
	m.evaluated.WithLabelValues(result.Job).Add(float64(result.Evaluated))
	m.skipped.WithLabelValues(result.Job).Add(float64(result.Skipped))
	for _, err := range result.Errors {
		m.errors.WithLabelValues(result.Job, ErrorClass(err)).Inc()
	}
	if result.RateLimitAfter != nil {
		m.rateRemaining.Set(float64(result.RateLimitAfter.Remaining))
	}
}

// Dispatched observes one admitted build
func (m *Metrics) Dispatched(job string, kind resource.Kind, result dispatch.Result) {
	if !result.Dispatched {
		return
	}
	m.dispatched.WithLabelValues(job, string(kind)).Inc()
	if result.Canceled > 0 {
		m.superseded.WithLabelValues(job, string(kind), "canceled").Add(float64(result.Canceled))
	}
	if result.Aborted > 0 {
		m.superseded.WithLabelValues(job, string(kind), "aborted").Add(float64(result.Aborted))
	}
}
