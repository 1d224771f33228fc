package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/conveyor-works/conveyor/internal/queue"
)

// Dispatcher is the single place a recovery record's job reaches the queue.
// The event path, the startup reconciler, and the orphan poller all go
// through it so the enqueue-then-mark ordering lives in exactly one spot.
//
// Ordering: the job is enqueued FIRST, then the record is marked queued. A
// crash between the two leaves a queued job and a pending record; the next
// recovery pass will enqueue a duplicate, which the consumer side tolerates
// (at-least-once delivery, per-run lease). The reverse order would instead
// lose work silently on a crash, which nothing downstream can repair.
type Dispatcher struct {
	queue queue.Enqueuer
	store Store
	now   func() time.Time
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(q queue.Enqueuer, store Store) *Dispatcher {
	return &Dispatcher{queue: q, store: store, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Dispatch enqueues the record's phase job on the named queue and marks the
// record queued with a fresh EnqueuedAt.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *Record, queueName string) error {
	payload := PhaseJob{RunID: rec.RunID, Pipeline: rec.Pipeline, Phase: rec.ResumePhase}
	if _, err := d.queue.Enqueue(ctx, queueName, rec.JobType, payload); err != nil {
		return fmt.Errorf("enqueue %s for run %s: %w", rec.JobType, rec.RunID, err)
	}
	at := d.now().UTC()
	_, err := d.store.Update(ctx, rec.ID, func(r *Record) error {
		r.Status = StatusQueued
		r.EnqueuedAt = &at
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark record %s queued: %w", rec.ID, err)
	}
	return nil
}
