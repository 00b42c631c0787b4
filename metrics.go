package cronsd

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors cronsd reports to. It is built once and passed around.
//
// job_duration_seconds is only observed for successful executions.
// jobs_running goes up once when an execution starts and down once when it ends.
type Metrics struct {
	registry   *prometheus.Registry
	Executions *prometheus.CounterVec
	Failures   *prometheus.CounterVec
	Running    prometheus.Gauge
	Duration   *prometheus.HistogramVec
	LockSkips  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "job_executions_total",
			Help: "Total job executions",
		}, []string{"job_name"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "job_failures_total",
			Help: "Total failed or timed out job attempts",
		}, []string{"job_name"}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of currently running jobs",
		}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Duration of successful job executions in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"job_name"}),
		LockSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "job_lock_skips_total",
			Help: "Fires skipped because the job lock was held elsewhere",
		}, []string{"job_name"}),
	}
	m.registry.MustRegister(m.Executions, m.Failures, m.Running, m.Duration, m.LockSkips)
	return m
}

// Registry exposes the registry, e.g. to add process collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
