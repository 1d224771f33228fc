package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgQueue is the Postgres-backed Queue. Claims use FOR UPDATE SKIP LOCKED so
// concurrent workers never fight over the same row. A crashed worker's claim
// is not released by a row timeout; the orphan poller enqueues a fresh job
// from the run's recovery record once its EnqueuedAt goes stale.
type PgQueue struct {
	pool   *pgxpool.Pool
	policy RetryPolicy
}

// NewPgQueue returns a queue over the given pool.
func NewPgQueue(pool *pgxpool.Pool, policy RetryPolicy) *PgQueue {
	return &PgQueue{pool: pool, policy: policy}
}

func (q *PgQueue) Enqueue(ctx context.Context, queueName, jobType string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", jobType, err)
	}
	id := uuid.NewString()
	_, err = q.pool.Exec(ctx, `
		INSERT INTO queue_jobs (id, queue, job_type, payload, attempts, status, run_at, created_at)
		VALUES ($1, $2, $3, $4, 0, 'pending', now(), now())`,
		id, queueName, jobType, raw)
	if err != nil {
		return "", fmt.Errorf("enqueue %s on %s: %w", jobType, queueName, err)
	}
	return id, nil
}

func (q *PgQueue) Claim(ctx context.Context, queueName string) (*Job, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE queue_jobs
		SET status = 'running', attempts = attempts + 1, updated_at = now()
		WHERE id = (
			SELECT id FROM queue_jobs
			WHERE queue = $1 AND status = 'pending' AND run_at <= now()
			ORDER BY run_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, job_type, payload, attempts, status, run_at, coalesce(last_error, '')`,
		queueName)

	var j Job
	err := row.Scan(&j.ID, &j.Queue, &j.Type, &j.Payload, &j.Attempts, &j.Status, &j.RunAt, &j.LastErr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("claim from %s: %w", queueName, err)
	}
	return &j, nil
}

func (q *PgQueue) Complete(ctx context.Context, jobID string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE queue_jobs SET status = 'done', updated_at = now() WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s: not found", jobID)
	}
	return nil
}

func (q *PgQueue) Fail(ctx context.Context, jobID string, jobErr error) error {
	var attempts int
	err := q.pool.QueryRow(ctx, `SELECT attempts FROM queue_jobs WHERE id = $1`, jobID).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("fail job %s: not found", jobID)
		}
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}

	if q.policy.Exhausted(attempts) {
		_, err = q.pool.Exec(ctx, `
			UPDATE queue_jobs SET status = 'dead', last_error = $2, updated_at = now()
			WHERE id = $1`, jobID, jobErr.Error())
	} else {
		backoff := q.policy.Backoff(attempts)
		_, err = q.pool.Exec(ctx, `
			UPDATE queue_jobs
			SET status = 'pending', last_error = $2, run_at = now() + ($3 * interval '1 second'), updated_at = now()
			WHERE id = $1`, jobID, jobErr.Error(), backoff.Seconds())
	}
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	return nil
}

var _ Queue = (*PgQueue)(nil)
