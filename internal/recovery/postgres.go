package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conveyor-works/conveyor/internal/pipeline"
)

// PgStore is the Postgres-backed recovery record store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore returns a store over the given pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const recordColumns = `id, job_type, run_id, pipeline, resume_phase, status,
	created_at, updated_at, enqueued_at`

func (s *PgStore) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		return fmt.Errorf("create recovery record: empty id")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recovery_jobs (id, job_type, run_id, pipeline, resume_phase,
			status, created_at, updated_at, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now(), $7)`,
		rec.ID, rec.JobType, rec.RunID, rec.Pipeline, string(rec.ResumePhase),
		rec.Status, rec.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("insert recovery record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM recovery_jobs WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get recovery record %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get recovery record %s: %w", id, err)
	}
	return rec, nil
}

func (s *PgStore) FindByRun(ctx context.Context, runID string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM recovery_jobs
		WHERE run_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, runID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("recovery record for run %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("recovery record for run %s: %w", runID, err)
	}
	return rec, nil
}

func (s *PgStore) ListByStatus(ctx context.Context, statuses ...string) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+` FROM recovery_jobs
		WHERE status = any($1)
		ORDER BY created_at ASC`, statuses)
	if err != nil {
		return nil, fmt.Errorf("list recovery records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recovery record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Update reads the row under FOR UPDATE, applies fn, and writes it back in
// the same transaction.
func (s *PgStore) Update(ctx context.Context, id string, fn func(*Record) error) (*Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update recovery record %s: %w", id, err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM recovery_jobs WHERE id = $1 FOR UPDATE`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("update recovery record %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("update recovery record %s: %w", id, err)
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE recovery_jobs
		SET job_type = $2, run_id = $3, pipeline = $4, resume_phase = $5,
			status = $6, enqueued_at = $7, updated_at = now()
		WHERE id = $1`,
		rec.ID, rec.JobType, rec.RunID, rec.Pipeline, string(rec.ResumePhase),
		rec.Status, rec.EnqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("write recovery record %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit recovery record %s: %w", id, err)
	}
	rec.UpdatedAt = time.Now().UTC()
	return rec, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec    Record
		resume string
	)
	err := row.Scan(&rec.ID, &rec.JobType, &rec.RunID, &rec.Pipeline, &resume,
		&rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &rec.EnqueuedAt)
	if err != nil {
		return nil, err
	}
	rec.ResumePhase = pipeline.Phase(resume)
	return &rec, nil
}

var _ Store = (*PgStore)(nil)
