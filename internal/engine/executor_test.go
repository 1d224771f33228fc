package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/conveyor-works/conveyor/internal/lease"
	"github.com/conveyor-works/conveyor/internal/llm"
	"github.com/conveyor-works/conveyor/internal/pipeline"
	"github.com/conveyor-works/conveyor/internal/run"
)

// threePhase returns the canonical [draft, gate, publish] test pipeline with
// the gate revising back to draft.
func threePhase(t *testing.T) *pipeline.Registry {
	t.Helper()
	reg, err := pipeline.NewRegistry(&pipeline.Definition{
		Name:   "linear",
		Phases: []pipeline.Phase{"draft", "gate", "publish"},
		Gates:  map[pipeline.Phase]bool{"gate": true},
		PhaseStatus: map[pipeline.Phase]pipeline.Status{
			"draft":   "drafting",
			"gate":    "awaiting_review",
			"publish": "publishing",
		},
		ReviseTargets: map[pipeline.Phase]pipeline.Phase{"gate": "draft"},
		Agents: map[pipeline.Phase]pipeline.AgentConfig{
			"draft":   {Name: "drafter", Model: "test-model", SystemPrompt: "draft it"},
			"publish": {Name: "publisher", Model: "test-model", SystemPrompt: "publish it"},
		},
		Extractors: map[pipeline.Phase]pipeline.Extractor{
			"publish": pipeline.ExtractScore,
		},
		QueueName:   "linear-queue",
		Concurrency: 1,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

// $0.001 for a 10-in/5-out call on test-model.
func testPricing() llm.CostCalculator {
	return llm.NewTableCalculator(map[string]llm.ModelRate{
		"test-model": {InputPerMTok: 50, OutputPerMTok: 100},
	})
}

type fixture struct {
	reg      *pipeline.Registry
	store    *run.MemoryStore
	caller   *llm.FakeCaller
	leases   *lease.Manager
	executor *Executor
	gates    *GateController
	runID    string
}

func newFixture(t *testing.T, script ...llm.FakeCall) *fixture {
	t.Helper()
	reg := threePhase(t)
	store := run.NewMemoryStore()
	caller := llm.NewFakeCaller(script...)
	leases := lease.NewManager(time.Minute)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := run.New(reg.Get("linear"), "make a widget page")
	if err := store.Create(context.Background(), r); err != nil {
		t.Fatalf("Create run: %v", err)
	}

	return &fixture{
		reg:      reg,
		store:    store,
		caller:   caller,
		leases:   leases,
		executor: NewExecutor(reg, store, store, caller, testPricing(), leases, "test-worker", log),
		gates:    NewGateController(reg, store, store, leases, "test-worker", log),
		runID:    r.ID,
	}
}

func TestExecuteHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		llm.FakeCall{Text: "ok", InputTokens: 10, OutputTokens: 5},
		llm.FakeCall{Text: `done "score": 95`, InputTokens: 10, OutputTokens: 5},
	)

	res, err := f.executor.Execute(ctx, "linear", f.runID, "draft")
	if err != nil {
		t.Fatalf("Execute draft: %v", err)
	}
	if res.Run.PhaseIndex != 1 {
		t.Errorf("PhaseIndex = %d, want 1", res.Run.PhaseIndex)
	}
	if res.Run.Status != "awaiting_review" {
		t.Errorf("Status = %q, want awaiting_review", res.Run.Status)
	}
	if res.Run.AgentCosts["drafter"] != 0.001 {
		t.Errorf("AgentCosts[drafter] = %v, want 0.001", res.Run.AgentCosts["drafter"])
	}
	if res.Run.TotalCostUSD != 0.001 {
		t.Errorf("TotalCostUSD = %v, want 0.001", res.Run.TotalCostUSD)
	}
	if res.Run.PhaseResults["draft"] != "ok" {
		t.Errorf("PhaseResults[draft] = %q, want ok", res.Run.PhaseResults["draft"])
	}

	out, err := f.gates.SubmitDecision(ctx, f.runID, "gate", run.DecisionApprove, "", "alice")
	if err != nil {
		t.Fatalf("SubmitDecision: %v", err)
	}
	if out.Run.PhaseIndex != 2 {
		t.Errorf("PhaseIndex after approve = %d, want 2", out.Run.PhaseIndex)
	}
	if out.NewStatus != "publishing" {
		t.Errorf("NewStatus = %q, want publishing", out.NewStatus)
	}

	res, err = f.executor.Execute(ctx, "linear", f.runID, "publish")
	if err != nil {
		t.Fatalf("Execute publish: %v", err)
	}
	if res.Run.Status != pipeline.StatusPublished {
		t.Errorf("Status = %q, want published", res.Run.Status)
	}
	if res.Run.PhaseIndex != 3 {
		t.Errorf("PhaseIndex = %d, want 3", res.Run.PhaseIndex)
	}
	if res.Run.PublishedAt == nil {
		t.Error("PublishedAt not set")
	}
	if res.Artifacts == nil || res.Artifacts["score"] != 95.0 {
		t.Errorf("Artifacts = %v, want score 95", res.Artifacts)
	}
	if res.Run.TotalCostUSD != 0.002 {
		t.Errorf("TotalCostUSD = %v, want 0.002", res.Run.TotalCostUSD)
	}
}

func TestExecutePreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown pipeline", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.executor.Execute(ctx, "ghost", f.runID, "draft")
		if !errors.Is(err, ErrUnknownPipeline) {
			t.Errorf("err = %v, want ErrUnknownPipeline", err)
		}
	})
	t.Run("unknown phase", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.executor.Execute(ctx, "linear", f.runID, "ghost")
		if !errors.Is(err, ErrUnknownPhase) {
			t.Errorf("err = %v, want ErrUnknownPhase", err)
		}
	})
	t.Run("gate phase", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.executor.Execute(ctx, "linear", f.runID, "gate")
		if !errors.Is(err, ErrGatePhase) {
			t.Errorf("err = %v, want ErrGatePhase", err)
		}
	})
	t.Run("run not found", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.executor.Execute(ctx, "linear", "ghost", "draft")
		if !errors.Is(err, run.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
	t.Run("terminal state", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.store.Update(ctx, f.runID, func(r *run.Run) error {
			r.Status = pipeline.StatusCancelled
			return nil
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		_, err = f.executor.Execute(ctx, "linear", f.runID, "draft")
		if !errors.Is(err, ErrTerminalState) {
			t.Errorf("err = %v, want ErrTerminalState", err)
		}
	})
}

func TestExecuteTerminalRejectsWithoutMutation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.Update(ctx, f.runID, func(r *run.Run) error {
		r.Status = pipeline.StatusFailed
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	before, _ := f.store.Get(ctx, f.runID)

	if _, err := f.executor.Execute(ctx, "linear", f.runID, "draft"); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("err = %v, want ErrTerminalState", err)
	}

	after, _ := f.store.Get(ctx, f.runID)
	if after.PhaseIndex != before.PhaseIndex || after.Status != before.Status ||
		len(after.PhaseResults) != len(before.PhaseResults) ||
		after.TotalCostUSD != before.TotalCostUSD {
		t.Errorf("terminal run mutated: before %+v, after %+v", before, after)
	}
	if len(f.caller.Calls) != 0 {
		t.Errorf("model was called %d times for a terminal run", len(f.caller.Calls))
	}
}

func TestExecuteFailureForcesFailedAndAudits(t *testing.T) {
	ctx := context.Background()
	provider := errors.New("rate limited")
	f := newFixture(t, llm.FakeCall{Err: provider})

	_, err := f.executor.Execute(ctx, "linear", f.runID, "draft")
	if !errors.Is(err, provider) {
		t.Fatalf("err = %v, want provider error", err)
	}

	r, _ := f.store.Get(ctx, f.runID)
	if r.Status != pipeline.StatusFailed {
		t.Errorf("Status = %q, want failed", r.Status)
	}
	if len(r.ErrorLog) != 1 {
		t.Fatalf("ErrorLog has %d entries, want 1", len(r.ErrorLog))
	}
	if r.ErrorLog[0].Phase != "draft" {
		t.Errorf("ErrorLog phase = %q, want draft", r.ErrorLog[0].Phase)
	}
	if r.TotalCostUSD != 0 {
		t.Errorf("TotalCostUSD = %v, want 0 on failure", r.TotalCostUSD)
	}

	calls, _ := f.store.ListByRun(ctx, f.runID)
	if len(calls) != 1 {
		t.Fatalf("audit has %d records, want 1", len(calls))
	}
	if calls[0].Status != run.CallFailed {
		t.Errorf("audit status = %q, want failed", calls[0].Status)
	}
	if calls[0].InputTokens != 0 || calls[0].CostUSD != 0 {
		t.Errorf("failed call has nonzero usage: %+v", calls[0])
	}
	if calls[0].ErrorMessage == "" {
		t.Error("failed call missing error message")
	}
}

func TestExecuteAfterFailureRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, llm.FakeCall{Err: errors.New("boom")})

	if _, err := f.executor.Execute(ctx, "linear", f.runID, "draft"); err == nil {
		t.Fatal("expected failure")
	}
	if _, err := f.executor.Execute(ctx, "linear", f.runID, "draft"); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("err = %v, want ErrTerminalState after failure", err)
	}
}

func TestReviseLoopIterationIncrements(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		llm.FakeCall{Text: "first draft", InputTokens: 10, OutputTokens: 5},
		llm.FakeCall{Text: "second draft", InputTokens: 10, OutputTokens: 5},
	)

	if _, err := f.executor.Execute(ctx, "linear", f.runID, "draft"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out, err := f.gates.SubmitDecision(ctx, f.runID, "gate", run.DecisionRevise, "tighten the intro", "alice")
	if err != nil {
		t.Fatalf("SubmitDecision: %v", err)
	}
	if out.Run.PhaseIndex != 0 {
		t.Errorf("PhaseIndex after revise = %d, want 0", out.Run.PhaseIndex)
	}
	if out.NewStatus != "drafting" {
		t.Errorf("NewStatus = %q, want drafting", out.NewStatus)
	}
	if out.Run.Terminal() {
		t.Error("run is terminal after revise")
	}

	if _, err := f.executor.Execute(ctx, "linear", f.runID, "draft"); err != nil {
		t.Fatalf("second Execute: %v", err)
	}

	calls, _ := f.store.ListByRun(ctx, f.runID)
	var drafterCalls []run.AgentCallRecord
	for _, c := range calls {
		if c.AgentName == "drafter" {
			drafterCalls = append(drafterCalls, c)
		}
	}
	if len(drafterCalls) != 2 {
		t.Fatalf("drafter calls = %d, want 2", len(drafterCalls))
	}
	if drafterCalls[1].Iteration != 2 {
		t.Errorf("second call iteration = %d, want 2", drafterCalls[1].Iteration)
	}

	// The second draft overwrites, not appends.
	r, _ := f.store.Get(ctx, f.runID)
	if r.PhaseResults["draft"] != "second draft" {
		t.Errorf("PhaseResults[draft] = %q, want second draft", r.PhaseResults["draft"])
	}

	// Reviewer feedback reaches the second call's working context.
	second := f.caller.Calls[1]
	if want := "tighten the intro"; !strings.Contains(second.UserMessage, want) {
		t.Errorf("second call user message missing feedback %q", want)
	}
}

func TestExecuteRejectsWhileLeaseHeld(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, llm.FakeCall{Text: "ok", InputTokens: 10, OutputTokens: 5})

	l, err := f.leases.Acquire(f.runID, "other-worker")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := f.executor.Execute(ctx, "linear", f.runID, "draft"); !errors.Is(err, lease.ErrHeld) {
		t.Fatalf("err = %v, want ErrHeld", err)
	}
	f.leases.Release(l)

	if _, err := f.executor.Execute(ctx, "linear", f.runID, "draft"); err != nil {
		t.Fatalf("Execute after release: %v", err)
	}
}

func TestCostMonotonicAndConsistent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		llm.FakeCall{Text: "a", InputTokens: 123, OutputTokens: 456},
		llm.FakeCall{Text: "b", InputTokens: 999, OutputTokens: 1},
	)

	var lastTotal float64
	check := func() {
		r, _ := f.store.Get(ctx, f.runID)
		if r.TotalCostUSD < lastTotal {
			t.Errorf("TotalCostUSD decreased: %v -> %v", lastTotal, r.TotalCostUSD)
		}
		lastTotal = r.TotalCostUSD
		var sum float64
		for _, v := range r.AgentCosts {
			sum += v
		}
		if diff := r.TotalCostUSD - sum; diff > 0.000002 || diff < -0.000002 {
			t.Errorf("total %v != agent sum %v", r.TotalCostUSD, sum)
		}
	}

	if _, err := f.executor.Execute(ctx, "linear", f.runID, "draft"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	check()
	if _, err := f.gates.SubmitDecision(ctx, f.runID, "gate", run.DecisionApprove, "", "a"); err != nil {
		t.Fatalf("SubmitDecision: %v", err)
	}
	check()
	if _, err := f.executor.Execute(ctx, "linear", f.runID, "publish"); err != nil {
		t.Fatalf("Execute publish: %v", err)
	}
	check()
}

func TestSystemPromptTemplating(t *testing.T) {
	ctx := context.Background()
	reg, err := pipeline.NewRegistry(&pipeline.Definition{
		Name:   "tmpl",
		Phases: []pipeline.Phase{"draft", "gate", "publish"},
		Gates:  map[pipeline.Phase]bool{"gate": true},
		PhaseStatus: map[pipeline.Phase]pipeline.Status{
			"draft":   "drafting",
			"gate":    "awaiting_review",
			"publish": "publishing",
		},
		ReviseTargets: map[pipeline.Phase]pipeline.Phase{"gate": "draft"},
		Agents: map[pipeline.Phase]pipeline.AgentConfig{
			"draft": {Name: "drafter", Model: "test-model",
				SystemPrompt: "Draft for {{pipeline}}.{{#if feedback}} Reviewer says: {{feedback}}{{/if}}"},
			"publish": {Name: "publisher", Model: "test-model", SystemPrompt: "publish it"},
		},
		QueueName:   "tmpl-queue",
		Concurrency: 1,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store := run.NewMemoryStore()
	caller := llm.NewFakeCaller()
	caller.Default = &llm.FakeCall{Text: "out", InputTokens: 10, OutputTokens: 5}
	leases := lease.NewManager(time.Minute)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ex := NewExecutor(reg, store, store, caller, testPricing(), leases, "test-worker", log)
	gates := NewGateController(reg, store, store, leases, "test-worker", log)

	r := run.New(reg.Get("tmpl"), "brief")
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create run: %v", err)
	}

	if _, err := ex.Execute(ctx, "tmpl", r.ID, "draft"); err != nil {
		t.Fatalf("Execute draft: %v", err)
	}
	if got, want := caller.Calls[0].SystemPrompt, "Draft for tmpl."; got != want {
		t.Errorf("first system prompt = %q, want %q", got, want)
	}

	if _, err := gates.SubmitDecision(ctx, r.ID, "gate", run.DecisionRevise, "shorter", "alice"); err != nil {
		t.Fatalf("SubmitDecision: %v", err)
	}
	if _, err := ex.Execute(ctx, "tmpl", r.ID, "draft"); err != nil {
		t.Fatalf("Execute revised draft: %v", err)
	}
	if got, want := caller.Calls[1].SystemPrompt, "Draft for tmpl. Reviewer says: shorter"; got != want {
		t.Errorf("revised system prompt = %q, want %q", got, want)
	}
}

func TestSystemPromptBadTemplateFailsBeforeCall(t *testing.T) {
	ctx := context.Background()
	reg, err := pipeline.NewRegistry(&pipeline.Definition{
		Name:        "badtmpl",
		Phases:      []pipeline.Phase{"draft"},
		PhaseStatus: map[pipeline.Phase]pipeline.Status{"draft": "drafting"},
		Agents: map[pipeline.Phase]pipeline.AgentConfig{
			"draft": {Name: "drafter", Model: "test-model", SystemPrompt: "use {{no_such_var}}"},
		},
		QueueName:   "badtmpl-queue",
		Concurrency: 1,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store := run.NewMemoryStore()
	caller := llm.NewFakeCaller()
	leases := lease.NewManager(time.Minute)
	ex := NewExecutor(reg, store, store, caller, testPricing(), leases, "test-worker", slog.New(slog.NewTextHandler(io.Discard, nil)))

	r := run.New(reg.Get("badtmpl"), "brief")
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create run: %v", err)
	}

	if _, err := ex.Execute(ctx, "badtmpl", r.ID, "draft"); err == nil {
		t.Fatal("Execute = nil error, want template failure")
	}
	if len(caller.Calls) != 0 {
		t.Errorf("caller was invoked %d times, want 0", len(caller.Calls))
	}
}
