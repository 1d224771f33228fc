package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/conveyor-works/conveyor/internal/pipeline"
	"github.com/conveyor-works/conveyor/internal/run"
)

// Reconciler runs once at process start, before any event-driven enqueue is
// served, and re-enqueues work whose queue-side job may have been lost while
// the process was down.
type Reconciler struct {
	store    Store
	runs     run.Store
	registry *pipeline.Registry
	dispatch *Dispatcher
	log      *slog.Logger
	now      func() time.Time

	// Grace guards idempotency: a record marked queued within this window is
	// assumed live and skipped, so two overlapping reconciles (e.g. a rolling
	// deploy) enqueue each job at most once.
	Grace time.Duration

	// Requeued, when set, counts every job this reconciler re-enqueues.
	Requeued prometheus.Counter
}

// NewReconciler wires a Reconciler with the default 30-second grace window.
func NewReconciler(store Store, runs run.Store, registry *pipeline.Registry, dispatch *Dispatcher, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		store:    store,
		runs:     runs,
		registry: registry,
		dispatch: dispatch,
		log:      log,
		now:      time.Now,
		Grace:    30 * time.Second,
	}
}

// SetClock replaces the time source. Tests only.
func (rc *Reconciler) SetClock(now func() time.Time) { rc.now = now }

// Reconcile performs one full pass. Per-record errors are logged and the
// record skipped; the next deploy or poll pass retries it.
func (rc *Reconciler) Reconcile(ctx context.Context) error {
	recs, err := rc.store.ListByStatus(ctx, StatusPending, StatusQueued, StatusPaused)
	if err != nil {
		return fmt.Errorf("list recovery records: %w", err)
	}

	var requeued, resumed, closed int
	for _, rec := range recs {
		var err error
		switch rec.Status {
		case StatusPending, StatusQueued:
			var did bool
			did, err = rc.requeueLost(ctx, rec)
			if did {
				requeued++
			}
		case StatusPaused:
			var action string
			action, err = rc.resumePaused(ctx, rec)
			switch action {
			case "resumed":
				resumed++
			case "closed":
				closed++
			}
		}
		if err != nil {
			rc.log.Error("reconcile record failed", "record", rec.ID, "run", rec.RunID, "error", err)
		}
	}
	rc.log.Info("startup reconcile complete",
		"scanned", len(recs), "requeued", requeued, "resumed", resumed, "closed", closed)
	return nil
}

// requeueLost handles pending and queued records: pending means the enqueue
// never happened; queued with a stale EnqueuedAt means the job was likely
// lost. Freshly queued records are left alone.
func (rc *Reconciler) requeueLost(ctx context.Context, rec *Record) (bool, error) {
	if rec.Status == StatusQueued && rec.EnqueuedAt != nil &&
		rc.now().Sub(*rec.EnqueuedAt) < rc.Grace {
		return false, nil
	}
	def := rc.registry.Get(rec.Pipeline)
	if def == nil {
		return false, fmt.Errorf("record %s references unknown pipeline %q", rec.ID, rec.Pipeline)
	}
	if err := rc.dispatch.Dispatch(ctx, rec, def.QueueName); err != nil {
		return false, err
	}
	if rc.Requeued != nil {
		rc.Requeued.Inc()
	}
	rc.log.Info("re-enqueued lost job", "record", rec.ID, "run", rec.RunID, "phase", rec.ResumePhase)
	return true, nil
}

// resumePaused handles records parked at a human gate. If the gate was
// decided while the worker was down, the run's own state already reflects
// the decision; the record catches up to it.
func (rc *Reconciler) resumePaused(ctx context.Context, rec *Record) (string, error) {
	r, err := rc.runs.Get(ctx, rec.RunID)
	if err != nil {
		return "", fmt.Errorf("load run %s: %w", rec.RunID, err)
	}
	def := rc.registry.Get(r.Pipeline)
	if def == nil {
		return "", fmt.Errorf("run %s references unknown pipeline %q", r.ID, r.Pipeline)
	}

	switch {
	case r.Status == pipeline.StatusPublished || r.Status == pipeline.StatusCancelled:
		// Approved at the final gate, or rejected: nothing left to execute.
		if _, err := rc.store.Update(ctx, rec.ID, func(x *Record) error {
			x.Status = StatusCompleted
			return nil
		}); err != nil {
			return "", err
		}
		return "closed", nil
	case r.Status == pipeline.StatusFailed:
		if _, err := rc.store.Update(ctx, rec.ID, func(x *Record) error {
			x.Status = StatusFailed
			return nil
		}); err != nil {
			return "", err
		}
		return "closed", nil
	}

	if r.PhaseIndex < 0 || r.PhaseIndex >= len(def.Phases) {
		return "", fmt.Errorf("run %s has phase index %d outside pipeline %q", r.ID, r.PhaseIndex, r.Pipeline)
	}
	current := def.Phases[r.PhaseIndex]
	if def.IsGate(current) {
		// Still waiting on a human; the record stays paused.
		return "", nil
	}

	// An approve or revise landed while we were down: the run points at an
	// executable phase. Resume from exactly there.
	rec, err = rc.store.Update(ctx, rec.ID, func(x *Record) error {
		x.ResumePhase = current
		return nil
	})
	if err != nil {
		return "", err
	}
	if err := rc.dispatch.Dispatch(ctx, rec, def.QueueName); err != nil {
		return "", err
	}
	if rc.Requeued != nil {
		rc.Requeued.Inc()
	}
	rc.log.Info("resumed run past decided gate", "record", rec.ID, "run", rec.RunID, "phase", current)
	return "resumed", nil
}
