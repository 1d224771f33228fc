package engine

import "errors"

// Validation errors are caller mistakes: surfaced immediately, never retried.
// Aside from the entering-phase status write, a precondition failure mutates
// nothing.
var (
	// ErrUnknownPipeline means the named pipeline is not registered.
	ErrUnknownPipeline = errors.New("unknown pipeline")
	// ErrUnknownPhase means the phase is not part of the run's pipeline.
	ErrUnknownPhase = errors.New("unknown phase")
	// ErrGatePhase means a gate phase was submitted for agent execution;
	// gates advance only through a human decision.
	ErrGatePhase = errors.New("gate phase requires human input")
	// ErrNotGatePhase means a decision was submitted against a non-gate phase.
	ErrNotGatePhase = errors.New("phase is not a gate")
	// ErrTerminalState means the run is published, failed, or cancelled.
	ErrTerminalState = errors.New("run is in a terminal state")
	// ErrNotAtGate means the run is not currently paused at the named gate.
	ErrNotAtGate = errors.New("run is not paused at this gate")
	// ErrInvalidDecision means the decision is not approve, revise, or reject.
	ErrInvalidDecision = errors.New("invalid gate decision")
)
