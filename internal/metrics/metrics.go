// Package metrics holds the daemon's Prometheus instruments on a private
// registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "matchq"

// Metrics is the set of instruments. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	rpcCalls     *prometheus.CounterVec
	rpcDuration  *prometheus.HistogramVec
	crashes      prometheus.Counter
	applyRuns    *prometheus.CounterVec
	applySeconds prometheus.Histogram
	queued       prometheus.Gauge
	resolved     prometheus.Gauge
}

// New registers every instrument on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		rpcCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "Calls to the migration script by method and outcome.",
		}, []string{"method", "outcome"}),
		rpcDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_call_duration_seconds",
			Help:      "Latency of calls to the migration script.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"method"}),
		crashes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "script_crashes_total",
			Help:      "Unexpected exits of the migration script process.",
		}),
		applyRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apply_runs_total",
			Help:      "Apply runs by outcome.",
		}, []string{"outcome"}),
		applySeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Duration of apply runs including verification and commit.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 3, 10),
		}),
		queued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "matches_queued",
			Help:      "Queued matches in the current generation.",
		}),
		resolved: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "matches_resolved",
			Help:      "Resolved matches in the current generation.",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
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

// ObserveRPC records one call to the script.
func (m *Metrics) ObserveRPC(method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.rpcCalls.WithLabelValues(method, outcome).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}

// Crash counts an unexpected script exit.
func (m *Metrics) Crash() {
	if m == nil {
		return
	}
	m.crashes.Inc()
}

// ObserveApply records a finished apply run.
func (m *Metrics) ObserveApply(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.applyRuns.WithLabelValues(outcome).Inc()
	m.applySeconds.Observe(d.Seconds())
}

// SetMatches updates the match gauges.
func (m *Metrics) SetMatches(queued, resolved int) {
	if m == nil {
		return
	}
	m.queued.Set(float64(queued))
	m.resolved.Set(float64(resolved))
}
