package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conveyor-works/conveyor/internal/lease"
	"github.com/conveyor-works/conveyor/internal/llm"
	"github.com/conveyor-works/conveyor/internal/pipeline"
	"github.com/conveyor-works/conveyor/internal/prompt"
	"github.com/conveyor-works/conveyor/internal/run"
)

// Executor runs exactly one named phase of a run: it validates preconditions,
// invokes the model, persists the audit record and results, and advances the
// run. Failure handling is persist-then-rethrow; retry belongs to the queue.
type Executor struct {
	registry *pipeline.Registry
	store    run.Store
	audit    run.AuditLog
	caller   llm.Caller
	pricing  llm.CostCalculator
	leases   *lease.Manager
	log      *slog.Logger
	owner    string // lease owner identity, e.g. hostname+pid
}

// NewExecutor wires an Executor.
func NewExecutor(
	registry *pipeline.Registry,
	store run.Store,
	audit run.AuditLog,
	caller llm.Caller,
	pricing llm.CostCalculator,
	leases *lease.Manager,
	owner string,
	log *slog.Logger,
) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		registry: registry,
		store:    store,
		audit:    audit,
		caller:   caller,
		pricing:  pricing,
		leases:   leases,
		owner:    owner,
		log:      log,
	}
}

// Result is the outcome of a successful phase execution.
type Result struct {
	Run       *run.Run
	RawOutput string
	Artifacts map[string]any
	Agent     string
	CostUSD   float64
}

// Execute runs one phase of one run. Preconditions are checked in order;
// the first failure wins and is returned unwrapped for errors.Is checks.
func (e *Executor) Execute(ctx context.Context, pipelineName string, runID string, phase pipeline.Phase) (*Result, error) {
	def := e.registry.Get(pipelineName)
	if def == nil {
		return nil, fmt.Errorf("pipeline %q: %w", pipelineName, ErrUnknownPipeline)
	}
	if !def.Contains(phase) {
		return nil, fmt.Errorf("phase %q in pipeline %q: %w", phase, pipelineName, ErrUnknownPhase)
	}
	if def.IsGate(phase) {
		return nil, fmt.Errorf("phase %q: %w", phase, ErrGatePhase)
	}

	// Single writer per run id for the duration of the phase. A concurrent
	// delivery for the same run is rejected; the queue redelivers it later.
	l, err := e.leases.Acquire(runID, e.owner)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	defer e.leases.Release(l)

	r, err := e.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Pipeline != pipelineName {
		return nil, fmt.Errorf("run %s belongs to pipeline %q, not %q: %w", runID, r.Pipeline, pipelineName, ErrUnknownPhase)
	}
	if r.Terminal() {
		return nil, fmt.Errorf("run %s has status %q: %w", runID, r.Status, ErrTerminalState)
	}

	// Mark "entering phase" before the model call so a crash mid-call leaves
	// a truthful status behind.
	r, err = e.store.Update(ctx, runID, func(r *run.Run) error {
		r.Status = def.StatusFor(phase)
		r.PhaseIndex = def.IndexOf(phase)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enter phase %q: %w", phase, err)
	}

	agent := def.Agents[phase]
	prior, err := e.audit.CountCalls(ctx, runID, agent.Name, phase)
	if err != nil {
		return nil, fmt.Errorf("count prior calls: %w", err)
	}
	iteration := prior + 1

	systemPrompt, err := prompt.Render(agent.SystemPrompt, prompt.Vars{
		"pipeline":  pipelineName,
		"phase":     string(phase),
		"agent":     agent.Name,
		"iteration": strconv.Itoa(iteration),
		"feedback":  latestReviseFeedback(def, r),
	})
	if err != nil {
		return nil, fmt.Errorf("render system prompt for phase %q: %w", phase, err)
	}

	userMessage := buildUserMessage(def, r, phase)
	e.log.Info("executing phase",
		"run", runID, "pipeline", pipelineName, "phase", phase,
		"agent", agent.Name, "iteration", iteration)

	start := time.Now()
	resp, callErr := e.caller.Call(ctx, systemPrompt, userMessage, agent.Model)
	durationMs := time.Since(start).Milliseconds()

	var costUSD float64
	if callErr == nil {
		costUSD, err = e.pricing.Cost(agent.Model, resp.InputTokens, resp.OutputTokens)
		if err != nil {
			// Unpriced usage is a capability-boundary fault, same as a
			// provider error: the call happened but cannot be accounted.
			callErr = fmt.Errorf("price call: %w", err)
		}
	}

	// The audit record is written unconditionally, success or failure.
	rec := &run.AgentCallRecord{
		ID:           uuid.NewString(),
		RunID:        runID,
		AgentName:    agent.Name,
		Phase:        phase,
		Model:        agent.Model,
		Iteration:    iteration,
		DurationMs:   durationMs,
		InputPreview: run.Preview(userMessage),
	}
	if callErr != nil {
		rec.Status = run.CallFailed
		rec.ErrorMessage = callErr.Error()
	} else {
		rec.Status = run.CallSuccess
		rec.InputTokens = resp.InputTokens
		rec.OutputTokens = resp.OutputTokens
		rec.CostUSD = costUSD
		rec.OutputPreview = run.Preview(resp.Text)
	}
	if err := e.audit.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("append audit record: %w", err)
	}

	if callErr != nil {
		return nil, e.failPhase(ctx, runID, phase, callErr)
	}

	// Cost folds through the store's atomic increment, never read-then-write.
	if err := e.store.AddCost(ctx, runID, agent.Name, costUSD); err != nil {
		return nil, fmt.Errorf("record cost: %w", err)
	}

	artifacts := deriveArtifacts(def, phase, resp.Text)
	updated, err := e.store.Update(ctx, runID, func(r *run.Run) error {
		r.PhaseResults[phase] = resp.Text
		if artifacts != nil {
			r.Artifacts[phase] = artifacts
		}
		if proj, ok := def.Projectors[phase]; ok {
			if field, value := proj(resp.Text); field != "" {
				applyProjection(r, field, value)
			}
		}
		r.PhaseIndex = def.IndexOf(phase) + 1
		r.Status = def.StatusAfter(phase)
		if r.Status == pipeline.StatusPublished {
			now := time.Now().UTC()
			r.PublishedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist phase %q results: %w", phase, err)
	}

	e.log.Info("phase complete",
		"run", runID, "phase", phase, "status", updated.Status,
		"cost_usd", costUSD, "duration_ms", durationMs)

	return &Result{
		Run:       updated,
		RawOutput: resp.Text,
		Artifacts: artifacts,
		Agent:     agent.Name,
		CostUSD:   costUSD,
	}, nil
}

// failPhase persists the failure before re-surfacing it so durable state
// reflects "attempted and failed" even if the caller's stack unwinds.
func (e *Executor) failPhase(ctx context.Context, runID string, phase pipeline.Phase, callErr error) error {
	_, err := e.store.Update(ctx, runID, func(r *run.Run) error {
		r.ErrorLog = append(r.ErrorLog, run.ErrorEntry{
			Phase: phase,
			Error: callErr.Error(),
			At:    time.Now().UTC(),
		})
		r.Status = pipeline.StatusFailed
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist failure of phase %q: %v (original: %w)", phase, err, callErr)
	}
	e.log.Error("phase failed", "run", runID, "phase", phase, "error", callErr)
	return fmt.Errorf("phase %q: %w", phase, callErr)
}

// deriveArtifacts applies the phase's extractor, if any. Extraction failures
// are represented as nil artifacts, never as phase failures.
func deriveArtifacts(def *pipeline.Definition, phase pipeline.Phase, raw string) map[string]any {
	ex, ok := def.Extractors[phase]
	if !ok {
		return nil
	}
	return ex(raw)
}

// applyProjection maps a projector's field name onto the run's denormalized
// top-level fields.
func applyProjection(r *run.Run, field, value string) {
	switch field {
	case "final_content":
		r.FinalContent = value
	}
}

// buildUserMessage assembles the working context for a phase: the brief,
// prior phase outputs in pipeline order, and the most recent gate feedback.
// Prompt wording lives in the definition's system prompts, not here.
func buildUserMessage(def *pipeline.Definition, r *run.Run, phase pipeline.Phase) string {
	var b strings.Builder
	b.WriteString("Brief:\n")
	b.WriteString(r.Brief)
	for _, p := range def.Phases {
		if p == phase {
			break
		}
		out, ok := r.PhaseResults[p]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n\n--- %s output ---\n%s", p, out)
	}
	for _, p := range def.Phases {
		gd, ok := r.Gates[p]
		if !ok || gd.Decision != run.DecisionRevise || gd.Feedback == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\n--- reviewer feedback (%s) ---\n%s", p, gd.Feedback)
	}
	return b.String()
}

// latestReviseFeedback returns the feedback from the last revising gate in
// phase order, for system prompts that template on {{feedback}}.
func latestReviseFeedback(def *pipeline.Definition, r *run.Run) string {
	var feedback string
	for _, p := range def.Phases {
		gd, ok := r.Gates[p]
		if ok && gd.Decision == run.DecisionRevise && gd.Feedback != "" {
			feedback = gd.Feedback
		}
	}
	return feedback
}
