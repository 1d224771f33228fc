// Package llm defines the capability boundary to the model provider. The
// pipeline core treats provider selection, credentials, and transport as
// already resolved; it only needs text in, text plus token counts out.
package llm

import (
	"context"
	"fmt"
)

// Response is the provider-agnostic result of one model call.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Caller invokes the model. Implementations must honor ctx cancellation and
// return a provider error on transport, auth, or rate-limit problems.
type Caller interface {
	Call(ctx context.Context, systemPrompt, userMessage, model string) (*Response, error)
}

// CostCalculator prices a completed call in USD.
type CostCalculator interface {
	Cost(model string, inputTokens, outputTokens int) (float64, error)
}

// ModelRate holds per-million-token pricing for one model.
type ModelRate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// TableCalculator prices calls from a static model rate table.
type TableCalculator struct {
	rates map[string]ModelRate
}

// NewTableCalculator returns a calculator over the given rates.
func NewTableCalculator(rates map[string]ModelRate) *TableCalculator {
	return &TableCalculator{rates: rates}
}

// DefaultRates covers the models the built-in pipelines reference.
func DefaultRates() map[string]ModelRate {
	return map[string]ModelRate{
		"claude-opus-4-1":   {InputPerMTok: 15, OutputPerMTok: 75},
		"claude-sonnet-4-5": {InputPerMTok: 3, OutputPerMTok: 15},
	}
}

// Cost returns the USD cost of a call, or an error for an unpriced model so
// unaccounted spend is caught instead of silently recorded as zero.
func (c *TableCalculator) Cost(model string, inputTokens, outputTokens int) (float64, error) {
	rate, ok := c.rates[model]
	if !ok {
		return 0, fmt.Errorf("no pricing for model %q", model)
	}
	if inputTokens < 0 || outputTokens < 0 {
		return 0, fmt.Errorf("negative token counts (%d in, %d out) for model %q", inputTokens, outputTokens, model)
	}
	in := float64(inputTokens) / 1e6 * rate.InputPerMTok
	out := float64(outputTokens) / 1e6 * rate.OutputPerMTok
	return in + out, nil
}

var _ CostCalculator = (*TableCalculator)(nil)
