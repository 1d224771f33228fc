package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// pollSchedule maps process uptime to polling interval. Most missed events
// are caught within the first minute of a deploy; after that the schedule
// relaxes to bound steady-state polling cost.
var pollSchedule = []struct {
	until    time.Duration
	interval time.Duration
}{
	{10 * time.Minute, time.Minute},
	{6 * time.Hour, 5 * time.Minute},
	{24 * time.Hour, 15 * time.Minute},
}

const lateInterval = time.Hour

// firstTickDelay lets the startup reconciler finish before the first poll so
// the cold-start backlog is not enqueued twice.
const firstTickDelay = 30 * time.Second

// Poller is the long-tail safety net behind the event-driven enqueue path:
// it periodically re-scans for records stuck in pending or queued and
// re-enqueues each exactly once per detection.
type Poller struct {
	store    Store
	dispatch *Dispatcher
	queueFor func(pipelineName string) (string, error)
	log      *slog.Logger
	now      func() time.Time

	// Grace skips records younger than this so the poller never races the
	// event path that is about to enqueue them.
	Grace time.Duration

	// Requeued, when set, counts every orphan this poller re-enqueues.
	Requeued prometheus.Counter
}

// NewPoller wires a Poller with the default 30-second grace period. queueFor
// resolves a pipeline name to its queue.
func NewPoller(store Store, dispatch *Dispatcher, queueFor func(string) (string, error), log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		store:    store,
		dispatch: dispatch,
		queueFor: queueFor,
		log:      log,
		now:      time.Now,
		Grace:    30 * time.Second,
	}
}

// SetClock replaces the time source. Tests only.
func (p *Poller) SetClock(now func() time.Time) { p.now = now }

// IntervalFor returns the polling interval for the given process uptime.
func IntervalFor(uptime time.Duration) time.Duration {
	for _, step := range pollSchedule {
		if uptime < step.until {
			return step.interval
		}
	}
	return lateInterval
}

// Run polls until ctx is cancelled. A failing pass is logged, never fatal:
// the poller must outlive transient store outages.
func (p *Poller) Run(ctx context.Context) {
	start := p.now()
	timer := time.NewTimer(firstTickDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if n, err := p.PollOnce(ctx); err != nil {
			p.log.Error("orphan poll pass failed", "error", err)
		} else if n > 0 {
			p.log.Info("orphan poll recovered jobs", "count", n)
		}
		timer.Reset(IntervalFor(p.now().Sub(start)))
	}
}

// pollBatchSize bounds one pass to the oldest records; anything beyond it
// waits for the next tick.
const pollBatchSize = 100

// PollOnce scans for orphaned records older than the grace period and
// dispatches each once, marking it queued (with a fresh EnqueuedAt) in the
// same pass so the next tick does not re-detect it. Two classes qualify:
// pending records whose enqueue never happened, and queued records whose
// EnqueuedAt has gone stale because the claiming worker died mid-job.
// Returns the number of records dispatched.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	recs, err := p.store.ListByStatus(ctx, StatusPending, StatusQueued)
	if err != nil {
		return 0, fmt.Errorf("list pending and queued records: %w", err)
	}
	if len(recs) > pollBatchSize {
		recs = recs[:pollBatchSize]
	}
	cutoff := p.now().Add(-p.Grace)

	n := 0
	for _, rec := range recs {
		if rec.Status == StatusPending && rec.CreatedAt.After(cutoff) {
			continue
		}
		if rec.Status == StatusQueued && rec.EnqueuedAt != nil && rec.EnqueuedAt.After(cutoff) {
			continue
		}
		queueName, err := p.queueFor(rec.Pipeline)
		if err != nil {
			p.log.Error("skip orphan with unknown pipeline", "record", rec.ID, "pipeline", rec.Pipeline, "error", err)
			continue
		}
		if err := p.dispatch.Dispatch(ctx, rec, queueName); err != nil {
			p.log.Error("re-enqueue orphan failed", "record", rec.ID, "run", rec.RunID, "error", err)
			continue
		}
		if p.Requeued != nil {
			p.Requeued.Inc()
		}
		p.log.Info("re-enqueued orphan", "record", rec.ID, "run", rec.RunID, "phase", rec.ResumePhase)
		n++
	}
	return n, nil
}
