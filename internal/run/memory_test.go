package run

import (
	"context"
	"errors"
	"testing"

	"github.com/conveyor-works/conveyor/internal/pipeline"
)

func newTestRun(id string) *Run {
	return &Run{
		ID:           id,
		Pipeline:     "article",
		Brief:        "write about widgets",
		Status:       "researching",
		PhaseResults: map[pipeline.Phase]string{},
		Artifacts:    map[pipeline.Phase]map[string]any{},
		AgentCosts:   map[string]float64{},
		Gates:        map[pipeline.Phase]GateDecision{},
	}
}

func TestMemoryCreateGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Create(ctx, newTestRun("r1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Pipeline != "article" {
		t.Errorf("Pipeline = %q, want article", got.Pipeline)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set on create")
	}

	if err := s.Create(ctx, newTestRun("r1")); err == nil {
		t.Fatal("expected duplicate create to fail")
	}
}

func TestMemoryGetNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newTestRun("r1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, err := s.Update(ctx, "r1", func(r *Run) error {
		r.PhaseIndex = 2
		r.Status = "writing"
		r.PhaseResults["outline"] = "the outline"
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.PhaseIndex != 2 || updated.Status != "writing" {
		t.Errorf("updated = %d/%q, want 2/writing", updated.PhaseIndex, updated.Status)
	}

	got, _ := s.Get(ctx, "r1")
	if got.PhaseResults["outline"] != "the outline" {
		t.Errorf("PhaseResults not persisted: %v", got.PhaseResults)
	}
}

func TestMemoryUpdateFnErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newTestRun("r1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	wantErr := errors.New("refuse")
	_, err := s.Update(ctx, "r1", func(r *Run) error {
		r.PhaseIndex = 99
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want refuse", err)
	}
	got, _ := s.Get(ctx, "r1")
	if got.PhaseIndex != 0 {
		t.Errorf("PhaseIndex = %d after failed update, want 0", got.PhaseIndex)
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newTestRun("r1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, _ := s.Get(ctx, "r1")
	got.PhaseResults["research"] = "mutated"
	got.Status = "mutated"

	again, _ := s.Get(ctx, "r1")
	if _, ok := again.PhaseResults["research"]; ok {
		t.Error("mutation of returned run leaked into store")
	}
	if again.Status == "mutated" {
		t.Error("status mutation leaked into store")
	}
}

func TestMemoryAddCost(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newTestRun("r1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.AddCost(ctx, "r1", "writer", 0.001); err != nil {
		t.Fatalf("AddCost: %v", err)
	}
	if err := s.AddCost(ctx, "r1", "writer", 0.002); err != nil {
		t.Fatalf("AddCost: %v", err)
	}
	if err := s.AddCost(ctx, "r1", "auditor", 0.0005); err != nil {
		t.Fatalf("AddCost: %v", err)
	}

	got, _ := s.Get(ctx, "r1")
	if got.TotalCostUSD != 0.0035 {
		t.Errorf("TotalCostUSD = %v, want 0.0035", got.TotalCostUSD)
	}
	if got.AgentCosts["writer"] != 0.003 {
		t.Errorf("AgentCosts[writer] = %v, want 0.003", got.AgentCosts["writer"])
	}
	if got.AgentCosts["auditor"] != 0.0005 {
		t.Errorf("AgentCosts[auditor] = %v, want 0.0005", got.AgentCosts["auditor"])
	}

	if err := s.AddCost(ctx, "r1", "writer", -1); err == nil {
		t.Fatal("expected negative delta to fail")
	}
	if err := s.AddCost(ctx, "ghost", "writer", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := newTestRun("a")
	b := newTestRun("b")
	b.Pipeline = "pagebuild"
	b.Status = "failed"
	for _, r := range []*Run{a, b} {
		if err := s.Create(ctx, r); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	all, err := s.List(ctx, "", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List returned %d runs, want 2", len(all))
	}

	articles, _ := s.List(ctx, "article", "")
	if len(articles) != 1 || articles[0].ID != "a" {
		t.Errorf("List(article) = %v", articles)
	}

	failed, _ := s.List(ctx, "", "failed")
	if len(failed) != 1 || failed[0].ID != "b" {
		t.Errorf("List(failed) = %v", failed)
	}
}

func TestMemoryAuditLog(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	recs := []*AgentCallRecord{
		{ID: "c1", RunID: "r1", AgentName: "writer", Phase: "writing", Iteration: 1, Status: CallSuccess},
		{ID: "c2", RunID: "r1", AgentName: "writer", Phase: "writing", Iteration: 2, Status: CallFailed},
		{ID: "c3", RunID: "r1", AgentName: "auditor", Phase: "seo_audit", Iteration: 1, Status: CallSuccess},
		{ID: "c4", RunID: "r2", AgentName: "writer", Phase: "writing", Iteration: 1, Status: CallSuccess},
	}
	for _, rec := range recs {
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n, err := s.CountCalls(ctx, "r1", "writer", "writing")
	if err != nil {
		t.Fatalf("CountCalls: %v", err)
	}
	if n != 2 {
		t.Errorf("CountCalls = %d, want 2", n)
	}

	byRun, err := s.ListByRun(ctx, "r1")
	if err != nil {
		t.Fatalf("ListByRun: %v", err)
	}
	if len(byRun) != 3 {
		t.Errorf("ListByRun returned %d records, want 3", len(byRun))
	}
}

func TestPreviewTruncation(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	if got := Preview(string(long)); len(got) != 500 {
		t.Errorf("Preview length = %d, want 500", len(got))
	}
	if got := Preview("short"); got != "short" {
		t.Errorf("Preview(short) = %q", got)
	}
}
