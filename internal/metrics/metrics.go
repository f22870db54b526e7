// Package metrics exposes Prometheus collectors for the refresh pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "creditledger"

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry      *prometheus.Registry
	refreshUsers  *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	adminOps      *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	batchDuration prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		refreshUsers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_users_total",
			Help:      "Users handled by batch refresh sweeps, by outcome.",
		}, []string{"outcome"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_jobs_total",
			Help:      "Refresh jobs processed by workers, by outcome.",
		}, []string{"outcome"}),
		adminOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_operations_total",
			Help:      "Administrative credit operations, by action and result.",
		}, []string{"action", "result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"breaker"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_batch_duration_seconds",
			Help:      "Duration of one batch refresh invocation.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.refreshUsers,
		m.jobs,
		m.adminOps,
		m.breakerState,
		m.batchDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AddUsers counts n users with the given sweep outcome.
func (m *Metrics) AddUsers(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.refreshUsers.WithLabelValues(outcome).Add(float64(n))
}

// IncJob counts one job outcome (completed, retried, failed).
func (m *Metrics) IncJob(outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(outcome).Inc()
}

// IncAdmin counts one admin operation.
func (m *Metrics) IncAdmin(action, result string) {
	if m == nil {
		return
	}
	m.adminOps.WithLabelValues(action, result).Inc()
}

// SetBreakerState records a breaker transition.
func (m *Metrics) SetBreakerState(name, state string) {
	if m == nil {
		return
	}
	value := 0.0
	switch state {
	case "half-open":
		value = 1
	case "open":
		value = 2
	}
	m.breakerState.WithLabelValues(name).Set(value)
}

// ObserveBatch records how long a sweep invocation took.
func (m *Metrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
}
