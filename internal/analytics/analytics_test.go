package analytics

import (
	"context"
	"fmt"
	"testing"

	"github.com/conveyor-works/conveyor/internal/pipeline"
	"github.com/conveyor-works/conveyor/internal/run"
)

func seedRun(t *testing.T, store *run.MemoryStore, pipelineName string, status pipeline.Status, cost float64) *run.Run {
	t.Helper()
	ctx := context.Background()
	def := &pipeline.Definition{
		Name:        pipelineName,
		Phases:      []pipeline.Phase{"draft"},
		PhaseStatus: map[pipeline.Phase]pipeline.Status{"draft": "drafting"},
	}
	r := run.New(def, "brief")
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if cost > 0 {
		if err := store.AddCost(ctx, r.ID, "drafter", cost); err != nil {
			t.Fatalf("AddCost: %v", err)
		}
	}
	if _, err := store.Update(ctx, r.ID, func(r *run.Run) error {
		r.Status = status
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	return r
}

func TestReportPipelineSummaries(t *testing.T) {
	ctx := context.Background()
	store := run.NewMemoryStore()

	seedRun(t, store, "article", pipeline.StatusPublished, 0.30)
	seedRun(t, store, "article", pipeline.StatusPublished, 0.10)
	seedRun(t, store, "article", pipeline.StatusFailed, 0.20)
	seedRun(t, store, "article", "writing", 0.05)
	seedRun(t, store, "pagebuild", pipeline.StatusCancelled, 0)

	rep, err := NewReporter(store, store).Report(ctx)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if len(rep.Pipelines) != 2 {
		t.Fatalf("got %d pipeline summaries, want 2", len(rep.Pipelines))
	}

	art := rep.Pipelines[0]
	if art.Pipeline != "article" {
		t.Fatalf("first summary is %q, want article (sorted)", art.Pipeline)
	}
	if art.Runs != 4 || art.Published != 2 || art.Failed != 1 || art.Active != 1 {
		t.Errorf("article counts = %+v", art)
	}
	if art.TotalCostUSD != 0.65 {
		t.Errorf("TotalCostUSD = %v, want 0.65", art.TotalCostUSD)
	}
	if art.AvgCostUSD != 0.1625 {
		t.Errorf("AvgCostUSD = %v, want 0.1625", art.AvgCostUSD)
	}
	if art.P50CostUSD != 0.1 {
		t.Errorf("P50CostUSD = %v, want 0.1", art.P50CostUSD)
	}
	if art.P95CostUSD != 0.3 {
		t.Errorf("P95CostUSD = %v, want 0.3", art.P95CostUSD)
	}

	pb := rep.Pipelines[1]
	if pb.Pipeline != "pagebuild" || pb.Cancelled != 1 || pb.TotalCostUSD != 0 {
		t.Errorf("pagebuild summary = %+v", pb)
	}
}

func TestReportAgentSummaries(t *testing.T) {
	ctx := context.Background()
	store := run.NewMemoryStore()

	r := seedRun(t, store, "article", pipeline.StatusPublished, 0.3)
	for i, rec := range []*run.AgentCallRecord{
		{AgentName: "writer", Status: run.CallSuccess, CostUSD: 0.2, DurationMs: 100},
		{AgentName: "writer", Status: run.CallSuccess, CostUSD: 0.1, DurationMs: 300},
		{AgentName: "seo-auditor", Status: run.CallFailed, DurationMs: 50},
	} {
		rec.ID = fmt.Sprintf("call-%d", i)
		rec.RunID = r.ID
		rec.Phase = "draft"
		rec.Model = "test-model"
		rec.Iteration = 1
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	rep, err := NewReporter(store, store).Report(ctx)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if len(rep.Agents) != 2 {
		t.Fatalf("got %d agent summaries, want 2", len(rep.Agents))
	}

	auditor := rep.Agents[0]
	if auditor.Agent != "seo-auditor" || auditor.Calls != 1 || auditor.Failures != 1 {
		t.Errorf("seo-auditor summary = %+v", auditor)
	}

	writer := rep.Agents[1]
	if writer.Agent != "writer" || writer.Calls != 2 || writer.Failures != 0 {
		t.Errorf("writer summary = %+v", writer)
	}
	if writer.TotalCostUSD != 0.3 {
		t.Errorf("writer TotalCostUSD = %v, want 0.3", writer.TotalCostUSD)
	}
	if writer.AvgDurationMs != 200 {
		t.Errorf("writer AvgDurationMs = %v, want 200", writer.AvgDurationMs)
	}
	if writer.P95DurationMs != 300 {
		t.Errorf("writer P95DurationMs = %v, want 300", writer.P95DurationMs)
	}
}

func TestReportEmpty(t *testing.T) {
	rep, err := NewReporter(run.NewMemoryStore(), run.NewMemoryStore()).Report(context.Background())
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if len(rep.Pipelines) != 0 || len(rep.Agents) != 0 {
		t.Errorf("report = %+v, want empty", rep)
	}
}
