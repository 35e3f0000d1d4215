// Package metrics exposes Prometheus collectors for the runner and query
// services: run outcomes, phase durations, admission rejections, and
// quality-test outcomes. Each service registers its own collector set
// under its own namespace and serves it through a promhttp handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors for a single service (runner or
// query). Namespace distinguishes them when both run on one host.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal        *prometheus.CounterVec // labels: status
	RunDuration      *prometheus.HistogramVec
	PhaseDuration    *prometheus.HistogramVec // labels: phase
	RowsWritten      prometheus.Counter
	AdmissionReject  prometheus.Counter
	ActiveRuns       prometheus.Gauge
	QualityOutcomes  *prometheus.CounterVec // labels: severity, status
	CatalogRetries   prometheus.Counter
	BranchMergeFails prometheus.Counter
}

// New registers a fresh metrics set under namespace and returns it.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by terminal status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "End-to-end pipeline run duration.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"status"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of each pipeline execution phase.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"phase"}),
		RowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Total rows written to Iceberg tables across all runs.",
		}),
		AdmissionReject: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Runs rejected because the concurrency cap was reached.",
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs currently not in a terminal state.",
		}),
		QualityOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_test_outcomes_total",
			Help:      "Quality test results by severity and status.",
		}, []string{"severity", "status"}),
		CatalogRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_retries_total",
			Help:      "Retried catalog REST calls.",
		}),
		BranchMergeFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "branch_merge_failures_total",
			Help:      "Branch merges that failed after quality tests passed.",
		}),
	}
	reg.MustRegister(
		m.RunsTotal, m.RunDuration, m.PhaseDuration, m.RowsWritten,
		m.AdmissionReject, m.ActiveRuns, m.QualityOutcomes,
		m.CatalogRetries, m.BranchMergeFails,
	)
	return m
}

// Handler returns the promhttp handler for this registry's /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
