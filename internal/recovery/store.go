package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("recovery record not found")

// Store persists recovery job records. Update follows the same callback
// pattern as the run store: read, apply fn, write back.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// FindByRun returns the record for the given run id.
	FindByRun(ctx context.Context, runID string) (*Record, error)
	// ListByStatus returns all records in any of the given statuses, oldest
	// first.
	ListByStatus(ctx context.Context, statuses ...string) ([]*Record, error)
	Update(ctx context.Context, id string, fn func(*Record) error) (*Record, error)
}

// MemoryStore is the in-memory Store used by tests and single-process mode.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]*Record
	now  func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*Record), now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		return fmt.Errorf("create recovery record: empty id")
	}
	if _, ok := s.recs[rec.ID]; ok {
		return fmt.Errorf("create recovery record %s: already exists", rec.ID)
	}
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.recs[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, fmt.Errorf("get recovery record %s: %w", id, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) FindByRun(_ context.Context, runID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.recs {
		if rec.RunID == runID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("recovery record for run %s: %w", runID, ErrNotFound)
}

func (s *MemoryStore) ListByStatus(_ context.Context, statuses ...string) ([]*Record, error) {
	want := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, rec := range s.recs {
		if !want[rec.Status] {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.Before(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Record) error) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, fmt.Errorf("update recovery record %s: %w", id, ErrNotFound)
	}
	cp := *rec
	if err := fn(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = s.now().UTC()
	s.recs[id] = &cp
	out := cp
	return &out, nil
}

var _ Store = (*MemoryStore)(nil)
