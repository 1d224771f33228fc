package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one claimed job. A nil return completes the job; an error
// fails it and leaves redelivery to the retry policy.
type Handler func(ctx context.Context, job *Job) error

// QueueSpec names one queue and how many workers poll it.
type QueueSpec struct {
	Name        string
	Concurrency int
}

// Pool polls a set of queues and dispatches claimed jobs to a handler. Each
// queue gets its own worker goroutines, so a slow pipeline cannot starve the
// others.
type Pool struct {
	queue    Queue
	handler  Handler
	specs    []QueueSpec
	interval time.Duration
	log      *slog.Logger

	wg sync.WaitGroup
}

// NewPool wires a Pool. interval is how long an idle worker sleeps between
// empty claims.
func NewPool(q Queue, handler Handler, specs []QueueSpec, interval time.Duration, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Pool{queue: q, handler: handler, specs: specs, interval: interval, log: log}
}

// Start launches the workers. They run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for _, spec := range p.specs {
		for i := 0; i < spec.Concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, spec.Name)
		}
	}
	p.log.Info("worker pool started", "queues", len(p.specs))
}

// Wait blocks until every worker has exited. A worker finishes its in-flight
// job before exiting, so Wait after cancel is a graceful drain.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, queueName string) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		// Drain everything ready before sleeping.
		for {
			if ctx.Err() != nil {
				return
			}
			job, err := p.queue.Claim(ctx, queueName)
			if err == ErrNoJob {
				break
			}
			if err != nil {
				p.log.Error("claim failed", "queue", queueName, "error", err)
				break
			}
			p.dispatch(ctx, job)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) dispatch(ctx context.Context, job *Job) {
	start := time.Now()
	err := p.handler(ctx, job)
	if err != nil {
		p.log.Error("job failed",
			"queue", job.Queue, "job", job.ID, "type", job.Type,
			"attempt", job.Attempts, "error", err)
		if ferr := p.queue.Fail(ctx, job.ID, err); ferr != nil {
			p.log.Error("record job failure", "job", job.ID, "error", ferr)
		}
		return
	}
	if cerr := p.queue.Complete(ctx, job.ID); cerr != nil {
		p.log.Error("complete job", "job", job.ID, "error", cerr)
		return
	}
	p.log.Info("job done",
		"queue", job.Queue, "job", job.ID, "type", job.Type,
		"duration_ms", time.Since(start).Milliseconds())
}
