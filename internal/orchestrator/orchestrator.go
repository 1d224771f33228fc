// Package orchestrator composes the pipeline lifecycle: starting runs,
// handling queue jobs, applying gate decisions, and keeping the recovery
// record in step with each transition.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/conveyor-works/conveyor/internal/engine"
	"github.com/conveyor-works/conveyor/internal/lease"
	"github.com/conveyor-works/conveyor/internal/metrics"
	"github.com/conveyor-works/conveyor/internal/pipeline"
	"github.com/conveyor-works/conveyor/internal/queue"
	"github.com/conveyor-works/conveyor/internal/recovery"
	"github.com/conveyor-works/conveyor/internal/run"
)

// Orchestrator is the event-driven path between the outside world, the queue,
// and the execution engine. The recovery components compensate for it; both
// share the same dispatcher so enqueue ordering is identical everywhere.
type Orchestrator struct {
	registry *pipeline.Registry
	runs     run.Store
	records  recovery.Store
	dispatch *recovery.Dispatcher
	executor *engine.Executor
	gates    *engine.GateController
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// New wires an Orchestrator.
func New(
	registry *pipeline.Registry,
	runs run.Store,
	records recovery.Store,
	dispatch *recovery.Dispatcher,
	executor *engine.Executor,
	gates *engine.GateController,
	m *metrics.Metrics,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Orchestrator{
		registry: registry,
		runs:     runs,
		records:  records,
		dispatch: dispatch,
		executor: executor,
		gates:    gates,
		metrics:  m,
		log:      log,
	}
}

// StartRun creates a run at the first phase of the named pipeline, records it
// for recovery, and enqueues the first phase job.
func (o *Orchestrator) StartRun(ctx context.Context, pipelineName, brief string) (*run.Run, error) {
	def := o.registry.Get(pipelineName)
	if def == nil {
		return nil, fmt.Errorf("pipeline %q: %w", pipelineName, engine.ErrUnknownPipeline)
	}
	if brief == "" {
		return nil, fmt.Errorf("start run: empty brief")
	}

	r := run.New(def, brief)
	if err := o.runs.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	rec := &recovery.Record{
		ID:          uuid.NewString(),
		JobType:     recovery.JobTypeExecutePhase,
		RunID:       r.ID,
		Pipeline:    pipelineName,
		ResumePhase: def.Phases[0],
		Status:      recovery.StatusPending,
	}
	if err := o.records.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create recovery record: %w", err)
	}

	// Record first, enqueue second: if the enqueue is lost here, the orphan
	// poller finds the pending record and repairs it.
	if err := o.dispatch.Dispatch(ctx, rec, def.QueueName); err != nil {
		o.log.Error("first enqueue failed, poller will recover",
			"run", r.ID, "pipeline", pipelineName, "error", err)
	}

	o.metrics.RunsStarted.WithLabelValues(pipelineName).Inc()
	o.log.Info("run started", "run", r.ID, "pipeline", pipelineName, "phase", def.Phases[0])
	return r, nil
}

// HandleJob is the queue handler: decode the phase job, execute the phase,
// and advance the recovery record to match the run's new position.
func (o *Orchestrator) HandleJob(ctx context.Context, job *queue.Job) error {
	if job.Type != recovery.JobTypeExecutePhase {
		return fmt.Errorf("unknown job type %q", job.Type)
	}
	var payload recovery.PhaseJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode phase job payload: %w", err)
	}

	res, err := o.executor.Execute(ctx, payload.Pipeline, payload.RunID, payload.Phase)
	if err != nil {
		return o.handleExecuteError(ctx, job, payload, err)
	}

	o.metrics.PhasesExecuted.WithLabelValues(payload.Pipeline, string(payload.Phase), "success").Inc()
	o.metrics.JobsProcessed.WithLabelValues(job.Queue, "success").Inc()
	o.metrics.CostUSD.WithLabelValues(payload.Pipeline, res.Agent).Add(res.CostUSD)
	return o.advance(ctx, payload, res.Run)
}

// handleExecuteError maps executor failures onto job and record outcomes.
func (o *Orchestrator) handleExecuteError(ctx context.Context, job *queue.Job, payload recovery.PhaseJob, err error) error {
	switch {
	case errors.Is(err, lease.ErrHeld):
		// Another worker holds this run; let the queue redeliver later.
		o.metrics.JobsProcessed.WithLabelValues(job.Queue, "requeued").Inc()
		return err
	case errors.Is(err, engine.ErrTerminalState):
		// A duplicate delivery arrived after the run finished. Sync the
		// record and swallow the job.
		o.metrics.JobsProcessed.WithLabelValues(job.Queue, "stale").Inc()
		if serr := o.syncRecordToRun(ctx, payload.RunID); serr != nil {
			o.log.Error("sync record for stale job", "run", payload.RunID, "error", serr)
		}
		return nil
	default:
		// Phase failure: the executor already marked the run failed.
		o.metrics.PhasesExecuted.WithLabelValues(payload.Pipeline, string(payload.Phase), "failed").Inc()
		o.metrics.JobsProcessed.WithLabelValues(job.Queue, "failed").Inc()
		if merr := o.setRecordStatus(ctx, payload.RunID, recovery.StatusFailed); merr != nil {
			o.log.Error("mark record failed", "run", payload.RunID, "error", merr)
		}
		return err
	}
}

// advance moves the recovery record to the run's next position and, when the
// next phase is executable, enqueues it.
func (o *Orchestrator) advance(ctx context.Context, payload recovery.PhaseJob, r *run.Run) error {
	def := o.registry.Get(payload.Pipeline)

	if r.Status == pipeline.StatusPublished {
		return o.setRecordStatus(ctx, r.ID, recovery.StatusCompleted)
	}

	next := def.Phases[r.PhaseIndex]
	rec, err := o.records.FindByRun(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("find record for run %s: %w", r.ID, err)
	}

	if def.IsGate(next) {
		_, err := o.records.Update(ctx, rec.ID, func(x *recovery.Record) error {
			x.Status = recovery.StatusPaused
			x.ResumePhase = next
			return nil
		})
		if err != nil {
			return fmt.Errorf("pause record at gate %q: %w", next, err)
		}
		o.log.Info("run paused at gate", "run", r.ID, "gate", next)
		return nil
	}

	rec, err = o.records.Update(ctx, rec.ID, func(x *recovery.Record) error {
		x.Status = recovery.StatusPending
		x.ResumePhase = next
		return nil
	})
	if err != nil {
		return fmt.Errorf("point record at phase %q: %w", next, err)
	}
	if err := o.dispatch.Dispatch(ctx, rec, def.QueueName); err != nil {
		// Leave the record pending; the poller repairs lost enqueues.
		o.log.Error("enqueue next phase failed, poller will recover",
			"run", r.ID, "phase", next, "error", err)
	}
	return nil
}

// SubmitGateDecision applies a human decision and resumes or closes the run's
// queue-side work accordingly.
func (o *Orchestrator) SubmitGateDecision(ctx context.Context, runID string, gate pipeline.Phase, decision run.Decision, feedback, actorID string) (*engine.DecisionOutcome, error) {
	out, err := o.gates.SubmitDecision(ctx, runID, gate, decision, feedback, actorID)
	if err != nil {
		return nil, err
	}
	o.metrics.GateDecisions.WithLabelValues(out.Run.Pipeline, string(gate), string(decision)).Inc()

	def := o.registry.Get(out.Run.Pipeline)
	switch {
	case out.Run.Status == pipeline.StatusPublished, out.Run.Status == pipeline.StatusCancelled:
		if err := o.setRecordStatus(ctx, runID, recovery.StatusCompleted); err != nil {
			o.log.Error("close record after gate decision", "run", runID, "error", err)
		}
	case out.NextPhase != "":
		rec, err := o.records.FindByRun(ctx, runID)
		if err != nil {
			return out, fmt.Errorf("find record for run %s: %w", runID, err)
		}
		rec, err = o.records.Update(ctx, rec.ID, func(x *recovery.Record) error {
			x.Status = recovery.StatusPending
			x.ResumePhase = out.NextPhase
			return nil
		})
		if err != nil {
			return out, fmt.Errorf("point record at phase %q: %w", out.NextPhase, err)
		}
		if err := o.dispatch.Dispatch(ctx, rec, def.QueueName); err != nil {
			o.log.Error("enqueue after gate decision failed, poller will recover",
				"run", runID, "phase", out.NextPhase, "error", err)
		}
	}
	return out, nil
}

// ScrapRun cancels a non-terminal run and closes its recovery record.
func (o *Orchestrator) ScrapRun(ctx context.Context, runID, reason string) (*run.Run, error) {
	updated, err := o.runs.Update(ctx, runID, func(r *run.Run) error {
		if r.Terminal() {
			return fmt.Errorf("run %s has status %q: %w", runID, r.Status, engine.ErrTerminalState)
		}
		r.Status = pipeline.StatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := o.setRecordStatus(ctx, runID, recovery.StatusCompleted); err != nil {
		o.log.Error("close record for scrapped run", "run", runID, "error", err)
	}
	o.log.Info("run scrapped", "run", runID, "reason", reason)
	return updated, nil
}

// RetryRun re-enqueues a failed run from its recorded resume point after
// clearing the failed status back to the resume phase's status.
func (o *Orchestrator) RetryRun(ctx context.Context, runID string) (*run.Run, error) {
	rec, err := o.records.FindByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	r, err := o.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status != pipeline.StatusFailed {
		return nil, fmt.Errorf("run %s has status %q, only failed runs can be retried", runID, r.Status)
	}
	def := o.registry.Get(r.Pipeline)
	if def == nil {
		return nil, fmt.Errorf("pipeline %q: %w", r.Pipeline, engine.ErrUnknownPipeline)
	}

	updated, err := o.runs.Update(ctx, runID, func(x *run.Run) error {
		x.Status = def.StatusFor(rec.ResumePhase)
		x.PhaseIndex = def.IndexOf(rec.ResumePhase)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reset run %s for retry: %w", runID, err)
	}
	rec, err = o.records.Update(ctx, rec.ID, func(x *recovery.Record) error {
		x.Status = recovery.StatusPending
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reopen record for run %s: %w", runID, err)
	}
	if err := o.dispatch.Dispatch(ctx, rec, def.QueueName); err != nil {
		o.log.Error("enqueue retry failed, poller will recover", "run", runID, "error", err)
	}
	o.log.Info("run retried", "run", runID, "phase", rec.ResumePhase)
	return updated, nil
}

// syncRecordToRun aligns a record with a run that reached a terminal state
// through another path.
func (o *Orchestrator) syncRecordToRun(ctx context.Context, runID string) error {
	r, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	switch r.Status {
	case pipeline.StatusPublished, pipeline.StatusCancelled:
		return o.setRecordStatus(ctx, runID, recovery.StatusCompleted)
	case pipeline.StatusFailed:
		return o.setRecordStatus(ctx, runID, recovery.StatusFailed)
	}
	return nil
}

func (o *Orchestrator) setRecordStatus(ctx context.Context, runID, status string) error {
	rec, err := o.records.FindByRun(ctx, runID)
	if err != nil {
		return err
	}
	_, err = o.records.Update(ctx, rec.ID, func(x *recovery.Record) error {
		x.Status = status
		return nil
	})
	return err
}
