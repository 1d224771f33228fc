// Package queue provides an at-least-once job queue over Postgres, with an
// in-memory implementation for tests and single-process mode. Delivery is
// at-least-once: consumers must tolerate duplicate deliveries of the same job.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Job statuses. A job moves pending -> running -> done, or back to pending
// with a backoff on a retryable failure, or to dead when attempts run out.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobDead    = "dead"
)

// ErrNoJob is returned by Claim when nothing is ready on the queue.
var ErrNoJob = errors.New("no job available")

// Job is one unit of queued work.
type Job struct {
	ID       string
	Queue    string
	Type     string
	Payload  json.RawMessage
	Attempts int
	Status   string
	RunAt    time.Time
	LastErr  string
}

// Enqueuer is the narrow producer-side interface. The orchestrator and the
// recovery components depend on this rather than on a full Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobType string, payload any) (jobID string, err error)
}

// Queue is the full consumer-side contract.
type Queue interface {
	Enqueuer
	// Claim atomically takes the oldest ready job off the named queue, or
	// returns ErrNoJob. A claimed job is invisible to other consumers until
	// completed or failed.
	Claim(ctx context.Context, queueName string) (*Job, error)
	// Complete marks a claimed job done.
	Complete(ctx context.Context, jobID string) error
	// Fail records a failed attempt. The job is rescheduled with backoff
	// while attempts remain, otherwise parked as dead.
	Fail(ctx context.Context, jobID string, jobErr error) error
}

// RetryPolicy controls redelivery of failed jobs.
type RetryPolicy struct {
	// MaxAttempts is the total number of deliveries, including the first.
	MaxAttempts int
	// InitialBackoff delays the first redelivery; each subsequent one doubles.
	InitialBackoff time.Duration
}

// DefaultRetryPolicy retries once, 30 seconds after the first failure.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, InitialBackoff: 30 * time.Second}
}

// Backoff returns the delay before redelivering a job that has failed
// `attempts` times.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

// Exhausted reports whether a job that has failed `attempts` times is out of
// deliveries.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
