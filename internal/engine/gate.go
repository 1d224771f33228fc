package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conveyor-works/conveyor/internal/lease"
	"github.com/conveyor-works/conveyor/internal/pipeline"
	"github.com/conveyor-works/conveyor/internal/run"
)

// HumanAgentName is the synthetic agent recorded for gate decisions so they
// appear in the same audit trail as model calls.
const HumanAgentName = "human-reviewer"

// GateController applies a human decision at a gate phase and computes the
// run's next state. It is the only human-facing write path into a run.
type GateController struct {
	registry *pipeline.Registry
	store    run.Store
	audit    run.AuditLog
	leases   *lease.Manager
	log      *slog.Logger
	owner    string
}

// NewGateController wires a GateController.
func NewGateController(registry *pipeline.Registry, store run.Store, audit run.AuditLog, leases *lease.Manager, owner string, log *slog.Logger) *GateController {
	if log == nil {
		log = slog.Default()
	}
	return &GateController{registry: registry, store: store, audit: audit, leases: leases, owner: owner, log: log}
}

// DecisionOutcome reports the state a gate decision produced.
type DecisionOutcome struct {
	Run       *run.Run
	NewStatus pipeline.Status
	// NextPhase is the phase the run now sits at: the phase after the gate
	// on approve, the revise target on revise, "" on reject or publish.
	NextPhase pipeline.Phase
}

// SubmitDecision processes approve, revise, or reject at the named gate.
// The run must exist, be non-terminal, and be paused at exactly that gate.
func (g *GateController) SubmitDecision(ctx context.Context, runID string, gate pipeline.Phase, decision run.Decision, feedback, actorID string) (*DecisionOutcome, error) {
	if !decision.Valid() {
		return nil, fmt.Errorf("decision %q: %w", decision, ErrInvalidDecision)
	}

	l, err := g.leases.Acquire(runID, g.owner)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	defer g.leases.Release(l)

	r, err := g.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	def := g.registry.Get(r.Pipeline)
	if def == nil {
		return nil, fmt.Errorf("pipeline %q: %w", r.Pipeline, ErrUnknownPipeline)
	}
	gateIdx := def.IndexOf(gate)
	if gateIdx < 0 {
		return nil, fmt.Errorf("phase %q in pipeline %q: %w", gate, r.Pipeline, ErrUnknownPhase)
	}
	if !def.IsGate(gate) {
		return nil, fmt.Errorf("phase %q: %w", gate, ErrNotGatePhase)
	}
	if r.Terminal() {
		return nil, fmt.Errorf("run %s has status %q: %w", runID, r.Status, ErrTerminalState)
	}
	if r.PhaseIndex != gateIdx {
		return nil, fmt.Errorf("run %s is at phase index %d, gate %q is index %d: %w",
			runID, r.PhaseIndex, gate, gateIdx, ErrNotAtGate)
	}

	now := time.Now().UTC()
	outcome := &DecisionOutcome{}
	updated, err := g.store.Update(ctx, runID, func(r *run.Run) error {
		r.Gates[gate] = run.GateDecision{
			Decision:  decision,
			Feedback:  feedback,
			DecidedBy: actorID,
			DecidedAt: now,
		}
		switch decision {
		case run.DecisionApprove:
			next := def.Next(gate)
			if next == "" {
				r.Status = pipeline.StatusPublished
				r.PhaseIndex = len(def.Phases)
				r.PublishedAt = &now
			} else {
				r.Status = def.StatusFor(next)
				r.PhaseIndex = gateIdx + 1
				outcome.NextPhase = next
			}
		case run.DecisionRevise:
			target := def.ReviseTargets[gate]
			r.Status = def.StatusFor(target)
			r.PhaseIndex = def.IndexOf(target)
			outcome.NextPhase = target
		case run.DecisionReject:
			r.Status = pipeline.StatusCancelled
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply decision %q at gate %q: %w", decision, gate, err)
	}
	outcome.Run = updated
	outcome.NewStatus = updated.Status

	// Gate decisions land in the audit trail alongside model calls: zero
	// cost, zero tokens, synthetic agent.
	prior, err := g.audit.CountCalls(ctx, runID, HumanAgentName, gate)
	if err != nil {
		return nil, fmt.Errorf("count prior decisions: %w", err)
	}
	rec := &run.AgentCallRecord{
		ID:            uuid.NewString(),
		RunID:         runID,
		AgentName:     HumanAgentName,
		Phase:         gate,
		Iteration:     prior + 1,
		InputPreview:  run.Preview(feedback),
		OutputPreview: string(decision),
		Status:        run.CallSuccess,
	}
	if err := g.audit.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("append decision audit record: %w", err)
	}

	g.log.Info("gate decision applied",
		"run", runID, "gate", gate, "decision", decision,
		"by", actorID, "status", updated.Status)
	return outcome, nil
}
