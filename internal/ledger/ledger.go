// Package ledger implements per-run cost accounting. All amounts are USD
// rounded to 6 decimal places, matching the precision of the persisted
// numeric columns.
package ledger

import (
	"fmt"
	"math"
)

// Round normalizes a USD amount to 6 decimal places.
func Round(usd float64) float64 {
	return math.Round(usd*1e6) / 1e6
}

// Fold adds delta for the named agent into the running totals and returns the
// new total and per-agent map. The input map is not mutated. Negative deltas
// are rejected: cost only ever accumulates for the lifetime of a run.
func Fold(currentTotal float64, perAgent map[string]float64, agent string, delta float64) (float64, map[string]float64, error) {
	if agent == "" {
		return 0, nil, fmt.Errorf("fold cost: empty agent name")
	}
	if delta < 0 {
		return 0, nil, fmt.Errorf("fold cost: negative delta %.6f for agent %q", delta, agent)
	}
	next := make(map[string]float64, len(perAgent)+1)
	for k, v := range perAgent {
		next[k] = v
	}
	next[agent] = Round(next[agent] + delta)
	return Round(currentTotal + delta), next, nil
}

// Sum returns the rounded sum of all per-agent costs. Used by invariant
// checks: the run total must equal this within rounding tolerance.
func Sum(perAgent map[string]float64) float64 {
	var total float64
	for _, v := range perAgent {
		total += v
	}
	return Round(total)
}
