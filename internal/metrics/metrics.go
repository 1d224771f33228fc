// Package metrics exposes the pipeline core's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters the orchestrator and recovery paths increment.
type Metrics struct {
	RunsStarted    *prometheus.CounterVec
	PhasesExecuted *prometheus.CounterVec
	GateDecisions  *prometheus.CounterVec
	JobsProcessed  *prometheus.CounterVec
	Requeues       *prometheus.CounterVec
	CostUSD        *prometheus.CounterVec
}

// New registers the pipeline metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_runs_started_total",
			Help: "Pipeline runs created.",
		}, []string{"pipeline"}),
		PhasesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_phases_executed_total",
			Help: "Phase executions by outcome.",
		}, []string{"pipeline", "phase", "outcome"}),
		GateDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_gate_decisions_total",
			Help: "Human gate decisions by kind.",
		}, []string{"pipeline", "gate", "decision"}),
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_jobs_processed_total",
			Help: "Queue jobs handled by outcome.",
		}, []string{"queue", "outcome"}),
		Requeues: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_recovery_requeues_total",
			Help: "Jobs re-enqueued by the recovery paths.",
		}, []string{"source"}),
		CostUSD: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_llm_cost_usd_total",
			Help: "Accumulated model spend in USD.",
		}, []string{"pipeline", "agent"}),
	}
}

// NewUnregistered returns metrics on a private registry, for tests and for
// callers that do not scrape.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
