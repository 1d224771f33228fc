package run

import (
	"time"
	"unicode/utf8"

	"github.com/conveyor-works/conveyor/internal/pipeline"
)

// Decision is a human gate decision.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionRevise  Decision = "revise"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is one of the three accepted decisions.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionRevise || d == DecisionReject
}

// GateDecision records a human decision at a gate phase. A revision loop that
// returns to the same gate overwrites the previous record.
type GateDecision struct {
	Decision  Decision  `json:"decision"`
	Feedback  string    `json:"feedback,omitempty"`
	DecidedBy string    `json:"decided_by"`
	DecidedAt time.Time `json:"decided_at"`
}

// ErrorEntry is one append-only entry in a run's error log.
type ErrorEntry struct {
	Phase pipeline.Phase `json:"phase"`
	Error string         `json:"error"`
	At    time.Time      `json:"at"`
}

// Run is the durable state of one pipeline execution. All mutation goes
// through a Store; once the status is terminal the run is immutable except
// for an explicit operator retry reset.
type Run struct {
	ID       string `json:"id"`
	Pipeline string `json:"pipeline"`
	Brief    string `json:"brief"` // the content brief or page spec driving the run

	PhaseIndex int             `json:"phase_index"`
	Status     pipeline.Status `json:"status"`

	PhaseResults map[pipeline.Phase]string         `json:"phase_results"`
	Artifacts    map[pipeline.Phase]map[string]any `json:"artifacts"`
	ErrorLog     []ErrorEntry                      `json:"error_log"`

	TotalCostUSD float64            `json:"total_cost_usd"`
	AgentCosts   map[string]float64 `json:"agent_costs"`

	Gates map[pipeline.Phase]GateDecision `json:"gates"`

	// FinalContent is a convenience projection of the writing phase's raw
	// output, denormalized for the dashboard. Not new information.
	FinalContent string `json:"final_content,omitempty"`

	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Terminal reports whether the run permits no further phase execution.
func (r *Run) Terminal() bool {
	return pipeline.IsTerminal(r.Status)
}

// CallStatus is the outcome recorded on an agent call audit record.
type CallStatus string

const (
	CallSuccess CallStatus = "success"
	CallFailed  CallStatus = "failed"
)

// AgentCallRecord is one append-only audit entry for an external capability
// call or a human gate decision (synthetic agent, zero cost). Iteration is
// the 1-based count of records for the same (run, agent, phase) triple; it
// exists for display and retry-loop detection, never for correctness logic.
type AgentCallRecord struct {
	ID            string         `json:"id"`
	RunID         string         `json:"run_id"`
	AgentName     string         `json:"agent_name"`
	Phase         pipeline.Phase `json:"phase"`
	Model         string         `json:"model"`
	InputTokens   int            `json:"input_tokens"`
	OutputTokens  int            `json:"output_tokens"`
	CostUSD       float64        `json:"cost_usd"`
	DurationMs    int64          `json:"duration_ms"`
	Iteration     int            `json:"iteration"`
	InputPreview  string         `json:"input_preview,omitempty"`
	OutputPreview string         `json:"output_preview,omitempty"`
	Status        CallStatus     `json:"status"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// previewLimit bounds the stored prompt/output previews.
const previewLimit = 500

// Preview truncates s for storage on an audit record. The cut lands on a
// rune boundary: a mid-rune slice would store invalid UTF-8, which the
// Postgres TEXT columns reject.
func Preview(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	cut := previewLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
