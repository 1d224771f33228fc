// Package recovery keeps the persisted run state and the live work queue
// consistent across process restarts and dropped events. It tracks one
// recovery job record per active run and provides the two compensation
// paths: the startup reconciler and the orphan poller.
package recovery

import (
	"time"

	"github.com/conveyor-works/conveyor/internal/pipeline"
)

// Recovery job record statuses.
const (
	// StatusPending: record created, job not yet known to be on the queue.
	StatusPending = "pending"
	// StatusQueued: a job for this record has been enqueued.
	StatusQueued = "queued"
	// StatusPaused: the run is waiting at a human gate; no job should exist.
	StatusPaused = "paused"
	// StatusCompleted: the run reached a terminal state handled as done.
	StatusCompleted = "completed"
	// StatusFailed: the run failed; kept for inspection, never re-enqueued.
	StatusFailed = "failed"
)

// JobTypeExecutePhase is the single job type the worker understands: run one
// phase of one run.
const JobTypeExecutePhase = "execute_phase"

// PhaseJob is the payload carried by an execute_phase job.
type PhaseJob struct {
	RunID    string         `json:"run_id"`
	Pipeline string         `json:"pipeline"`
	Phase    pipeline.Phase `json:"phase"`
}

// Record links a run to its queue-side job so the reconciler and poller can
// tell "handled" from "lost". Status is the sole source of truth for that
// distinction; EnqueuedAt guards against re-enqueueing work that was queued
// moments ago.
type Record struct {
	ID          string
	JobType     string
	RunID       string
	Pipeline    string
	ResumePhase pipeline.Phase
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	EnqueuedAt  *time.Time
}
