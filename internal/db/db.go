// Package db owns the Postgres connection pool and the schema migrations for
// the pipeline core's tables.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the Postgres connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to the database at the given URL and verifies the connection.
func Open(ctx context.Context, url string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close releases the pool.
func (d *DB) Close() {
	d.pool.Close()
}

// Pool returns the underlying pgx pool for the stores.
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
    id             TEXT PRIMARY KEY,
    pipeline       TEXT NOT NULL,
    brief          TEXT NOT NULL,
    phase_index    INTEGER NOT NULL DEFAULT 0,
    status         TEXT NOT NULL,
    phase_results  JSONB NOT NULL DEFAULT '{}'::jsonb,
    artifacts      JSONB NOT NULL DEFAULT '{}'::jsonb,
    error_log      JSONB NOT NULL DEFAULT '[]'::jsonb,
    total_cost_usd NUMERIC(12,6) NOT NULL DEFAULT 0,
    agent_costs    JSONB NOT NULL DEFAULT '{}'::jsonb,
    gates          JSONB NOT NULL DEFAULT '{}'::jsonb,
    final_content  TEXT NOT NULL DEFAULT '',
    published_at   TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_runs_pipeline_status ON pipeline_runs(pipeline, status);
CREATE INDEX IF NOT EXISTS idx_runs_created ON pipeline_runs(created_at DESC);

CREATE TABLE IF NOT EXISTS agent_calls (
    id             TEXT PRIMARY KEY,
    run_id         TEXT NOT NULL REFERENCES pipeline_runs(id),
    agent_name     TEXT NOT NULL,
    phase          TEXT NOT NULL,
    model          TEXT NOT NULL DEFAULT '',
    iteration      INTEGER NOT NULL,
    status         TEXT NOT NULL,
    input_tokens   INTEGER NOT NULL DEFAULT 0,
    output_tokens  INTEGER NOT NULL DEFAULT 0,
    cost_usd       NUMERIC(12,6) NOT NULL DEFAULT 0,
    duration_ms    BIGINT NOT NULL DEFAULT 0,
    input_preview  TEXT NOT NULL DEFAULT '',
    output_preview TEXT NOT NULL DEFAULT '',
    error_message  TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_calls_run ON agent_calls(run_id, created_at);
CREATE INDEX IF NOT EXISTS idx_calls_iteration ON agent_calls(run_id, agent_name, phase);

CREATE TABLE IF NOT EXISTS queue_jobs (
    id         TEXT PRIMARY KEY,
    queue      TEXT NOT NULL,
    job_type   TEXT NOT NULL,
    payload    JSONB NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 0,
    status     TEXT NOT NULL DEFAULT 'pending',
    run_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_error TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON queue_jobs(queue, status, run_at);

CREATE TABLE IF NOT EXISTS recovery_jobs (
    id           TEXT PRIMARY KEY,
    job_type     TEXT NOT NULL,
    run_id       TEXT NOT NULL,
    pipeline     TEXT NOT NULL,
    resume_phase TEXT NOT NULL,
    status       TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    enqueued_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_recovery_status ON recovery_jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_recovery_run ON recovery_jobs(run_id);
`

// Migrate applies the schema if it has not been applied yet.
func (d *DB) Migrate(ctx context.Context) error {
	var count int
	err := d.pool.QueryRow(ctx, "SELECT count(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_version (version) VALUES (1) ON CONFLICT DO NOTHING"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit(ctx)
}

// Reset drops all tables and re-applies the schema. Development only.
func (d *DB) Reset(ctx context.Context) error {
	tables := []string{"agent_calls", "pipeline_runs", "queue_jobs", "recovery_jobs", "schema_version"}
	for _, t := range tables {
		if _, err := d.pool.Exec(ctx, "DROP TABLE IF EXISTS "+t+" CASCADE"); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate(ctx)
}
