package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conveyor-works/conveyor/internal/ledger"
	"github.com/conveyor-works/conveyor/internal/pipeline"
)

// MemoryStore is an in-memory Store and AuditLog used by tests and by the
// single-process dev mode. Safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]*Run
	calls []AgentCallRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run)}
}

func (s *MemoryStore) Create(_ context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		return fmt.Errorf("create run: empty id")
	}
	if _, ok := s.runs[r.ID]; ok {
		return fmt.Errorf("create run %s: already exists", r.ID)
	}
	now := time.Now().UTC()
	cp := cloneRun(r)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.runs[r.ID] = cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", id, ErrNotFound)
	}
	return cloneRun(r), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Run) error) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("update run %s: %w", id, ErrNotFound)
	}
	cp := cloneRun(r)
	if err := fn(cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now().UTC()
	s.runs[id] = cp
	return cloneRun(cp), nil
}

func (s *MemoryStore) AddCost(_ context.Context, id string, agent string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("add cost to run %s: %w", id, ErrNotFound)
	}
	total, perAgent, err := ledger.Fold(r.TotalCostUSD, r.AgentCosts, agent, delta)
	if err != nil {
		return err
	}
	r.TotalCostUSD = total
	r.AgentCosts = perAgent
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) List(_ context.Context, pipelineName string, status pipeline.Status) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Run
	for _, r := range s.runs {
		if pipelineName != "" && r.Pipeline != pipelineName {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, cloneRun(r))
	}
	// newest first, matching the Postgres store's ordering
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, rec *AgentCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.calls = append(s.calls, cp)
	return nil
}

func (s *MemoryStore) CountCalls(_ context.Context, runID, agent string, phase pipeline.Phase) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.calls {
		if c.RunID == runID && c.AgentName == agent && c.Phase == phase {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListByRun(_ context.Context, runID string) ([]AgentCallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AgentCallRecord
	for _, c := range s.calls {
		if c.RunID == runID {
			out = append(out, c)
		}
	}
	return out, nil
}

func cloneRun(r *Run) *Run {
	cp := *r
	cp.PhaseResults = make(map[pipeline.Phase]string, len(r.PhaseResults))
	for k, v := range r.PhaseResults {
		cp.PhaseResults[k] = v
	}
	cp.Artifacts = make(map[pipeline.Phase]map[string]any, len(r.Artifacts))
	for k, v := range r.Artifacts {
		inner := make(map[string]any, len(v))
		for ik, iv := range v {
			inner[ik] = iv
		}
		cp.Artifacts[k] = inner
	}
	cp.ErrorLog = append([]ErrorEntry(nil), r.ErrorLog...)
	cp.AgentCosts = make(map[string]float64, len(r.AgentCosts))
	for k, v := range r.AgentCosts {
		cp.AgentCosts[k] = v
	}
	cp.Gates = make(map[pipeline.Phase]GateDecision, len(r.Gates))
	for k, v := range r.Gates {
		cp.Gates[k] = v
	}
	if r.PublishedAt != nil {
		t := *r.PublishedAt
		cp.PublishedAt = &t
	}
	return &cp
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ AuditLog = (*MemoryStore)(nil)
)
