package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/conveyor-works/conveyor/internal/llm"
	"github.com/conveyor-works/conveyor/internal/pipeline"
	"github.com/conveyor-works/conveyor/internal/queue"
	"github.com/conveyor-works/conveyor/internal/recovery"
	"github.com/conveyor-works/conveyor/internal/run"
)

// TestEndToEndWithWorkerPool drives a full run through the real worker pool:
// start, auto-executed draft, human approve, publish.
func TestEndToEndWithWorkerPool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t,
		llm.FakeCall{Text: "the draft", InputTokens: 10, OutputTokens: 5},
		llm.FakeCall{Text: "the published piece", InputTokens: 10, OutputTokens: 5},
	)

	pool := queue.NewPool(f.queue, f.orch.HandleJob,
		[]queue.QueueSpec{{Name: "linear-queue", Concurrency: 2}},
		10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	pool.Start(ctx)
	defer pool.Wait()
	defer cancel()

	r, err := f.orch.StartRun(ctx, "linear", "an end to end brief")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	waitForRecordStatus(t, f.records, r.ID, recovery.StatusPaused)

	if _, err := f.orch.SubmitGateDecision(ctx, r.ID, "gate", run.DecisionApprove, "", "reviewer"); err != nil {
		t.Fatalf("SubmitGateDecision: %v", err)
	}

	waitForRecordStatus(t, f.records, r.ID, recovery.StatusCompleted)

	got, err := f.runs.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != pipeline.StatusPublished {
		t.Errorf("run status = %q, want published", got.Status)
	}
	if got.TotalCostUSD != 0.002 {
		t.Errorf("TotalCostUSD = %v, want 0.002", got.TotalCostUSD)
	}
	if got.PhaseResults["publish"] != "the published piece" {
		t.Errorf("publish output = %q", got.PhaseResults["publish"])
	}
}

// TestColdStartRecovery simulates a lost enqueue: a pending record with no
// queue job, repaired by the startup reconciler and then executed.
func TestColdStartRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, llm.FakeCall{Text: "recovered draft", InputTokens: 10, OutputTokens: 5})

	// A run whose first enqueue never made it to the queue.
	reg := testRegistry(t)
	r := run.New(reg.Get("linear"), "brief")
	if err := f.runs.Create(ctx, r); err != nil {
		t.Fatalf("Create run: %v", err)
	}
	rec := &recovery.Record{
		ID:          "rec-1",
		JobType:     recovery.JobTypeExecutePhase,
		RunID:       r.ID,
		Pipeline:    "linear",
		ResumePhase: "draft",
		Status:      recovery.StatusPending,
	}
	if err := f.records.Create(ctx, rec); err != nil {
		t.Fatalf("Create record: %v", err)
	}

	rc := recovery.NewReconciler(f.records, f.runs, reg,
		recovery.NewDispatcher(f.queue, f.records), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := rc.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	f.drain(t, "linear-queue")

	got, _ := f.runs.Get(ctx, r.ID)
	if got.Status != "awaiting_review" {
		t.Errorf("run status = %q, want awaiting_review after recovery", got.Status)
	}
	recAfter, _ := f.records.Get(ctx, "rec-1")
	if recAfter.Status != recovery.StatusPaused {
		t.Errorf("record status = %q, want paused", recAfter.Status)
	}
}

func waitForRecordStatus(t *testing.T, store *recovery.MemoryStore, runID, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.FindByRun(context.Background(), runID)
		if err == nil && rec.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := store.FindByRun(context.Background(), runID)
	t.Fatalf("timed out waiting for record status %q, have %+v", want, rec)
}
