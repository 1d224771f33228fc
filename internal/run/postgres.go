package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conveyor-works/conveyor/internal/pipeline"
)

// PgStore is the Postgres-backed Store and AuditLog.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore returns a store over the given pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const runColumns = `id, pipeline, brief, phase_index, status, phase_results, artifacts,
	error_log, total_cost_usd, agent_costs, gates, final_content, published_at,
	created_at, updated_at`

func (s *PgStore) Create(ctx context.Context, r *Run) error {
	if r.ID == "" {
		return fmt.Errorf("create run: empty id")
	}
	phaseResults, artifacts, errorLog, agentCosts, gates, err := marshalRunJSON(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_runs (id, pipeline, brief, phase_index, status,
			phase_results, artifacts, error_log, total_cost_usd, agent_costs,
			gates, final_content, published_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())`,
		r.ID, r.Pipeline, r.Brief, r.PhaseIndex, string(r.Status),
		phaseResults, artifacts, errorLog, r.TotalCostUSD, agentCosts,
		gates, r.FinalContent, r.PublishedAt)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, id string) (*Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// Update reads the row under FOR UPDATE, applies fn, and writes the full row
// back in the same transaction. Callers additionally hold a per-run lease;
// the row lock covers crash windows the lease cannot.
func (s *PgStore) Update(ctx context.Context, id string, fn func(*Run) error) (*Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update run %s: %w", id, err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1 FOR UPDATE`, id)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("update run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("update run %s: %w", id, err)
	}

	if err := fn(r); err != nil {
		return nil, err
	}
	phaseResults, artifacts, errorLog, agentCosts, gates, err := marshalRunJSON(r)
	if err != nil {
		return nil, err
	}
	r.UpdatedAt = time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE pipeline_runs SET phase_index = $2, status = $3, phase_results = $4,
			artifacts = $5, error_log = $6, total_cost_usd = $7, agent_costs = $8,
			gates = $9, final_content = $10, published_at = $11, updated_at = $12
		WHERE id = $1`,
		r.ID, r.PhaseIndex, string(r.Status), phaseResults, artifacts, errorLog,
		r.TotalCostUSD, agentCosts, gates, r.FinalContent, r.PublishedAt, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("write run %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit run %s: %w", id, err)
	}
	return r, nil
}

// AddCost folds the delta into the run total and the agent's bucket in a
// single statement so concurrent phases of different runs never lose an
// increment to read-then-write interleaving.
func (s *PgStore) AddCost(ctx context.Context, id string, agent string, delta float64) error {
	if agent == "" {
		return fmt.Errorf("add cost to run %s: empty agent name", id)
	}
	if delta < 0 {
		return fmt.Errorf("add cost to run %s: negative delta %.6f", id, delta)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_runs SET
			total_cost_usd = round((total_cost_usd + $2::numeric)::numeric, 6),
			agent_costs = jsonb_set(
				coalesce(agent_costs, '{}'::jsonb),
				ARRAY[$3::text],
				to_jsonb(round((coalesce((agent_costs->>$3)::numeric, 0) + $2::numeric)::numeric, 6)),
				true),
			updated_at = now()
		WHERE id = $1`,
		id, delta, agent)
	if err != nil {
		return fmt.Errorf("add cost to run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("add cost to run %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PgStore) List(ctx context.Context, pipelineName string, status pipeline.Status) ([]*Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM pipeline_runs
		WHERE ($1 = '' OR pipeline = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC`,
		pipelineName, string(status))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PgStore) Append(ctx context.Context, rec *AgentCallRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_calls (id, run_id, agent_name, phase, model,
			input_tokens, output_tokens, cost_usd, duration_ms, iteration,
			input_preview, output_preview, status, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())`,
		rec.ID, rec.RunID, rec.AgentName, string(rec.Phase), rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.DurationMs, rec.Iteration,
		rec.InputPreview, rec.OutputPreview, string(rec.Status), rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("append agent call for run %s: %w", rec.RunID, err)
	}
	return nil
}

func (s *PgStore) CountCalls(ctx context.Context, runID, agent string, phase pipeline.Phase) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM agent_calls
		WHERE run_id = $1 AND agent_name = $2 AND phase = $3`,
		runID, agent, string(phase)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count agent calls for run %s: %w", runID, err)
	}
	return n, nil
}

func (s *PgStore) ListByRun(ctx context.Context, runID string) ([]AgentCallRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, agent_name, phase, model, input_tokens, output_tokens,
			cost_usd, duration_ms, iteration, input_preview, output_preview,
			status, error_message, created_at
		FROM agent_calls WHERE run_id = $1 ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list agent calls for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []AgentCallRecord
	for rows.Next() {
		var rec AgentCallRecord
		var phase, status string
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.AgentName, &phase, &rec.Model,
			&rec.InputTokens, &rec.OutputTokens, &rec.CostUSD, &rec.DurationMs,
			&rec.Iteration, &rec.InputPreview, &rec.OutputPreview,
			&status, &rec.ErrorMessage, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent call: %w", err)
		}
		rec.Phase = pipeline.Phase(phase)
		rec.Status = CallStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var status string
	var phaseResults, artifacts, errorLog, agentCosts, gates []byte
	err := row.Scan(&r.ID, &r.Pipeline, &r.Brief, &r.PhaseIndex, &status,
		&phaseResults, &artifacts, &errorLog, &r.TotalCostUSD, &agentCosts,
		&gates, &r.FinalContent, &r.PublishedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = pipeline.Status(status)
	if err := unmarshalInto(phaseResults, &r.PhaseResults); err != nil {
		return nil, fmt.Errorf("decode phase_results: %w", err)
	}
	if err := unmarshalInto(artifacts, &r.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	if err := unmarshalInto(errorLog, &r.ErrorLog); err != nil {
		return nil, fmt.Errorf("decode error_log: %w", err)
	}
	if err := unmarshalInto(agentCosts, &r.AgentCosts); err != nil {
		return nil, fmt.Errorf("decode agent_costs: %w", err)
	}
	if err := unmarshalInto(gates, &r.Gates); err != nil {
		return nil, fmt.Errorf("decode gates: %w", err)
	}
	if r.PhaseResults == nil {
		r.PhaseResults = map[pipeline.Phase]string{}
	}
	if r.Artifacts == nil {
		r.Artifacts = map[pipeline.Phase]map[string]any{}
	}
	if r.AgentCosts == nil {
		r.AgentCosts = map[string]float64{}
	}
	if r.Gates == nil {
		r.Gates = map[pipeline.Phase]GateDecision{}
	}
	return &r, nil
}

func marshalRunJSON(r *Run) (phaseResults, artifacts, errorLog, agentCosts, gates []byte, err error) {
	if phaseResults, err = json.Marshal(orEmptyMap(r.PhaseResults)); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal phase_results: %w", err)
	}
	if artifacts, err = json.Marshal(orEmptyArtifacts(r.Artifacts)); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal artifacts: %w", err)
	}
	if errorLog, err = json.Marshal(orEmptyLog(r.ErrorLog)); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal error_log: %w", err)
	}
	if agentCosts, err = json.Marshal(orEmptyCosts(r.AgentCosts)); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal agent_costs: %w", err)
	}
	if gates, err = json.Marshal(orEmptyGates(r.Gates)); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal gates: %w", err)
	}
	return phaseResults, artifacts, errorLog, agentCosts, gates, nil
}

func unmarshalInto(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func orEmptyMap(m map[pipeline.Phase]string) map[pipeline.Phase]string {
	if m == nil {
		return map[pipeline.Phase]string{}
	}
	return m
}

func orEmptyArtifacts(m map[pipeline.Phase]map[string]any) map[pipeline.Phase]map[string]any {
	if m == nil {
		return map[pipeline.Phase]map[string]any{}
	}
	return m
}

func orEmptyLog(l []ErrorEntry) []ErrorEntry {
	if l == nil {
		return []ErrorEntry{}
	}
	return l
}

func orEmptyCosts(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func orEmptyGates(m map[pipeline.Phase]GateDecision) map[pipeline.Phase]GateDecision {
	if m == nil {
		return map[pipeline.Phase]GateDecision{}
	}
	return m
}

var (
	_ Store    = (*PgStore)(nil)
	_ AuditLog = (*PgStore)(nil)
)
