package run

import (
	"github.com/google/uuid"

	"github.com/conveyor-works/conveyor/internal/pipeline"
)

// New builds a fresh run positioned at the first phase of the definition.
func New(def *pipeline.Definition, brief string) *Run {
	first := def.Phases[0]
	return &Run{
		ID:           uuid.NewString(),
		Pipeline:     def.Name,
		Brief:        brief,
		PhaseIndex:   0,
		Status:       def.StatusFor(first),
		PhaseResults: map[pipeline.Phase]string{},
		Artifacts:    map[pipeline.Phase]map[string]any{},
		AgentCosts:   map[string]float64{},
		Gates:        map[pipeline.Phase]GateDecision{},
	}
}
