package run

import (
	"context"
	"errors"

	"github.com/conveyor-works/conveyor/internal/pipeline"
)

// ErrNotFound is returned when a run id does not exist.
var ErrNotFound = errors.New("run not found")

// Store is the durable home of pipeline runs. Implementations must make each
// method individually durable; callers serialize concurrent writers for a
// given run id with a lease, so Update may use plain read-modify-write.
type Store interface {
	// Create persists a new run. The run's ID must be set and unused.
	Create(ctx context.Context, r *Run) error
	// Get returns the run by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Run, error)
	// Update applies fn to the current run state and persists the result.
	// If fn returns an error nothing is written and the error is returned.
	Update(ctx context.Context, id string, fn func(*Run) error) (*Run, error)
	// AddCost atomically folds a cost delta into the run's total and the
	// named agent's bucket, rounding both to 6 decimal places.
	AddCost(ctx context.Context, id string, agent string, delta float64) error
	// List returns runs filtered by pipeline name and/or status; empty
	// values match everything. Ordered by creation time descending.
	List(ctx context.Context, pipelineName string, status pipeline.Status) ([]*Run, error)
}

// AuditLog is the append-only record of agent calls and gate decisions.
type AuditLog interface {
	Append(ctx context.Context, rec *AgentCallRecord) error
	// CountCalls returns how many records exist for (runID, agent, phase).
	CountCalls(ctx context.Context, runID, agent string, phase pipeline.Phase) (int, error)
	// ListByRun returns all records for a run in insertion order.
	ListByRun(ctx context.Context, runID string) ([]AgentCallRecord, error)
}
