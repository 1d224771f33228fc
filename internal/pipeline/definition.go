package pipeline

import (
	"fmt"
	"sort"
)

// Phase is the name of one ordered step in a pipeline.
type Phase string

// Status is the persisted run status. Non-terminal statuses are derived from
// the current phase via the definition's status map; the terminal statuses
// below are shared by every pipeline.
type Status string

const (
	// StatusPublished is reached only when every phase has completed.
	StatusPublished Status = "published"
	// StatusFailed is reached from any non-terminal status when a phase errors.
	StatusFailed Status = "failed"
	// StatusCancelled is reached from any non-terminal status via a reject decision.
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether s permits no further transitions.
func IsTerminal(s Status) bool {
	return s == StatusPublished || s == StatusFailed || s == StatusCancelled
}

// AgentConfig describes the LLM invocation for a non-gate phase. The system
// prompt may use prompt template placeholders ({{pipeline}}, {{phase}},
// {{agent}}, {{iteration}}, {{feedback}}); it is rendered per execution.
type AgentConfig struct {
	Name         string // agent name used for audit records and cost buckets
	Model        string
	SystemPrompt string
}

// Extractor derives a structured artifact record from a phase's raw output.
// A nil record means "nothing extracted"; extraction never fails the phase.
type Extractor func(raw string) map[string]any

// Projector applies a phase-specific top-level field projection after a
// successful phase (e.g. the writing phase denormalizes its raw output into
// the run's FinalContent). It returns the field name and value to set, or
// "" to skip.
type Projector func(raw string) (field string, value string)

// Definition is the static, read-only description of one pipeline kind:
// the ordered phase list, which phases pause for a human decision, how each
// phase maps to a run status, and where each gate's revise decision jumps.
type Definition struct {
	Name          string
	Phases        []Phase
	Gates         map[Phase]bool
	PhaseStatus   map[Phase]Status
	ReviseTargets map[Phase]Phase // gate -> phase to jump back to on revise
	Agents        map[Phase]AgentConfig
	Extractors    map[Phase]Extractor
	Projectors    map[Phase]Projector

	// Queue placement for this pipeline kind.
	QueueName   string
	Concurrency int

	index map[Phase]int
}

// Validate checks internal consistency once at startup. Every other component
// assumes a validated definition.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("pipeline definition has no name")
	}
	if len(d.Phases) == 0 {
		return fmt.Errorf("pipeline %q has no phases", d.Name)
	}
	seen := make(map[Phase]bool, len(d.Phases))
	for _, p := range d.Phases {
		if p == "" {
			return fmt.Errorf("pipeline %q has an empty phase name", d.Name)
		}
		if seen[p] {
			return fmt.Errorf("pipeline %q: duplicate phase %q", d.Name, p)
		}
		seen[p] = true
	}
	for g := range d.Gates {
		if !seen[g] {
			return fmt.Errorf("pipeline %q: gate %q is not a phase", d.Name, g)
		}
	}
	for _, p := range d.Phases {
		st, ok := d.PhaseStatus[p]
		if !ok {
			return fmt.Errorf("pipeline %q: phase %q has no status mapping", d.Name, p)
		}
		if IsTerminal(st) {
			return fmt.Errorf("pipeline %q: phase %q maps to terminal status %q", d.Name, p, st)
		}
	}
	for g, target := range d.ReviseTargets {
		if !d.Gates[g] {
			return fmt.Errorf("pipeline %q: revise target declared for non-gate phase %q", d.Name, g)
		}
		if !seen[target] {
			return fmt.Errorf("pipeline %q: gate %q revises to unknown phase %q", d.Name, g, target)
		}
	}
	for g := range d.Gates {
		if _, ok := d.ReviseTargets[g]; !ok {
			return fmt.Errorf("pipeline %q: gate %q has no revise target", d.Name, g)
		}
	}
	for _, p := range d.Phases {
		if d.Gates[p] {
			continue
		}
		ac, ok := d.Agents[p]
		if !ok {
			return fmt.Errorf("pipeline %q: non-gate phase %q has no agent config", d.Name, p)
		}
		if ac.Name == "" || ac.Model == "" {
			return fmt.Errorf("pipeline %q: phase %q agent config missing name or model", d.Name, p)
		}
	}
	if d.QueueName == "" {
		return fmt.Errorf("pipeline %q has no queue name", d.Name)
	}
	if d.Concurrency < 1 {
		return fmt.Errorf("pipeline %q: concurrency must be >= 1, got %d", d.Name, d.Concurrency)
	}
	return nil
}

// IndexOf returns the 0-based position of p, or -1 if p is not a phase.
func (d *Definition) IndexOf(p Phase) int {
	if d.index == nil {
		d.index = make(map[Phase]int, len(d.Phases))
		for i, ph := range d.Phases {
			d.index[ph] = i
		}
	}
	if i, ok := d.index[p]; ok {
		return i
	}
	return -1
}

// Contains reports whether p is one of the definition's phases.
func (d *Definition) Contains(p Phase) bool {
	return d.IndexOf(p) >= 0
}

// IsGate reports whether p pauses for a human decision.
func (d *Definition) IsGate(p Phase) bool {
	return d.Gates[p]
}

// Next returns the phase after p, or "" if p is the last phase.
func (d *Definition) Next(p Phase) Phase {
	i := d.IndexOf(p)
	if i < 0 || i+1 >= len(d.Phases) {
		return ""
	}
	return d.Phases[i+1]
}

// StatusFor returns the run status while p is the current phase.
func (d *Definition) StatusFor(p Phase) Status {
	return d.PhaseStatus[p]
}

// StatusAfter returns the status a run enters once p completes: the next
// phase's status, or published when p was the last phase.
func (d *Definition) StatusAfter(p Phase) Status {
	next := d.Next(p)
	if next == "" {
		return StatusPublished
	}
	return d.PhaseStatus[next]
}

// Registry holds the validated definitions for all pipeline kinds.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry validates each definition and returns a registry over them.
func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("validate pipeline: %w", err)
		}
		if _, ok := r.defs[d.Name]; ok {
			return nil, fmt.Errorf("duplicate pipeline definition %q", d.Name)
		}
		r.defs[d.Name] = d
	}
	return r, nil
}

// Get returns the definition for the named pipeline, or nil.
func (r *Registry) Get(name string) *Definition {
	return r.defs[name]
}

// Names returns the registered pipeline names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every registered definition in name order.
func (r *Registry) All() []*Definition {
	var out []*Definition
	for _, name := range r.Names() {
		out = append(out, r.defs[name])
	}
	return out
}
