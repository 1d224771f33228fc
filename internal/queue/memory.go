package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue used by tests and single-process mode.
// Semantics mirror PgQueue: oldest ready job first, claimed jobs invisible,
// failures rescheduled per the retry policy.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	policy RetryPolicy
	now    func() time.Time
}

// NewMemoryQueue returns an empty MemoryQueue with the given retry policy.
func NewMemoryQueue(policy RetryPolicy) *MemoryQueue {
	return &MemoryQueue{
		jobs:   make(map[string]*Job),
		policy: policy,
		now:    time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryQueue) Enqueue(_ context.Context, queueName, jobType string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", jobType, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	j := &Job{
		ID:      uuid.NewString(),
		Queue:   queueName,
		Type:    jobType,
		Payload: raw,
		Status:  JobPending,
		RunAt:   q.now(),
	}
	q.jobs[j.ID] = j
	return j.ID, nil
}

func (q *MemoryQueue) Claim(_ context.Context, queueName string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var oldest *Job
	for _, j := range q.jobs {
		if j.Queue != queueName || j.Status != JobPending || j.RunAt.After(now) {
			continue
		}
		if oldest == nil || j.RunAt.Before(oldest.RunAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, ErrNoJob
	}
	oldest.Status = JobRunning
	oldest.Attempts++
	cp := *oldest
	return &cp, nil
}

func (q *MemoryQueue) Complete(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("complete job %s: not found", jobID)
	}
	j.Status = JobDone
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, jobID string, jobErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("fail job %s: not found", jobID)
	}
	j.LastErr = jobErr.Error()
	if q.policy.Exhausted(j.Attempts) {
		j.Status = JobDead
		return nil
	}
	j.Status = JobPending
	j.RunAt = q.now().Add(q.policy.Backoff(j.Attempts))
	return nil
}

// Snapshot returns a copy of every job, for test assertions.
func (q *MemoryQueue) Snapshot() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, *j)
	}
	return out
}

var _ Queue = (*MemoryQueue)(nil)

// RecordingEnqueuer captures enqueued jobs without delivering them. Used by
// reconciler and orchestrator tests that only care about what was enqueued.
type RecordingEnqueuer struct {
	mu   sync.Mutex
	Jobs []Job
	// Err, when set, is returned by every Enqueue call.
	Err error
}

func (r *RecordingEnqueuer) Enqueue(_ context.Context, queueName, jobType string, payload any) (string, error) {
	if r.Err != nil {
		return "", r.Err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	j := Job{
		ID:      uuid.NewString(),
		Queue:   queueName,
		Type:    jobType,
		Payload: raw,
		Status:  JobPending,
	}
	r.Jobs = append(r.Jobs, j)
	return j.ID, nil
}

var _ Enqueuer = (*RecordingEnqueuer)(nil)
