// Package metrics exposes Prometheus instrumentation for the remediation
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsStarted  prometheus.Counter
	ExecutionsByResult *prometheus.CounterVec
	StateTransitions   *prometheus.CounterVec
	ActiveExecutions   prometheus.Gauge

	PatchLookups      *prometheus.CounterVec
	SandboxRuns       *prometheus.CounterVec
	Rollbacks         *prometheus.CounterVec
	StageDuration     prometheus.Histogram
	RiskScore         prometheus.Histogram
	ApprovalsRequired prometheus.Counter
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.ExecutionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "remedy", Name: "executions_started_total",
		Help: "Remediation executions started.",
	})
	m.ExecutionsByResult = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remedy", Name: "executions_finished_total",
		Help: "Remediation executions finished, by terminal state.",
	}, []string{"state"})
	m.StateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remedy", Name: "state_transitions_total",
		Help: "Pipeline state transitions.",
	}, []string{"from", "to"})
	m.ActiveExecutions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "remedy", Name: "active_executions",
		Help: "Executions currently in flight.",
	})
	m.PatchLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remedy", Name: "patch_lookups_total",
		Help: "Patch source lookups, by source and result.",
	}, []string{"source", "result"})
	m.SandboxRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remedy", Name: "sandbox_runs_total",
		Help: "Sandbox validation runs, by result.",
	}, []string{"result"})
	m.Rollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remedy", Name: "rollbacks_total",
		Help: "Rollback attempts, by result.",
	}, []string{"result"})
	m.StageDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "remedy", Name: "stage_duration_seconds",
		Help:    "Deployment stage duration including the monitoring window.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	m.RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "remedy", Name: "risk_score",
		Help:    "Computed autonomy scores.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})
	m.ApprovalsRequired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "remedy", Name: "approvals_required_total",
		Help: "Executions gated on human approval.",
	})

	m.registry.MustRegister(
		m.ExecutionsStarted, m.ExecutionsByResult, m.StateTransitions,
		m.ActiveExecutions, m.PatchLookups, m.SandboxRuns, m.Rollbacks,
		m.StageDuration, m.RiskScore, m.ApprovalsRequired,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
