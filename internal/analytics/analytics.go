// Package analytics computes operational summaries over runs and agent call
// records: spend per pipeline, outcome counts, and per-agent latency/cost.
// Everything is derived on demand from the stores; nothing here is persisted.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/conveyor-works/conveyor/internal/ledger"
	"github.com/conveyor-works/conveyor/internal/pipeline"
	"github.com/conveyor-works/conveyor/internal/run"
)

// PipelineSummary aggregates all runs of one pipeline kind.
type PipelineSummary struct {
	Pipeline  string `json:"pipeline"`
	Runs      int    `json:"runs"`
	Published int    `json:"published"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
	Active    int    `json:"active"` // any non-terminal status

	TotalCostUSD float64 `json:"total_cost_usd"`
	AvgCostUSD   float64 `json:"avg_cost_usd"`
	P50CostUSD   float64 `json:"p50_cost_usd"`
	P95CostUSD   float64 `json:"p95_cost_usd"`
}

// AgentSummary aggregates the audit records of one agent across all runs.
type AgentSummary struct {
	Agent         string  `json:"agent"`
	Calls         int     `json:"calls"`
	Failures      int     `json:"failures"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	P95DurationMs float64 `json:"p95_duration_ms"`
}

// Report is the full analytics snapshot served by the API and the CLI.
type Report struct {
	Pipelines []PipelineSummary `json:"pipelines"`
	Agents    []AgentSummary    `json:"agents"`
}

// Reporter derives reports from the run store and audit log.
type Reporter struct {
	runs  run.Store
	audit run.AuditLog
}

// NewReporter wires a Reporter.
func NewReporter(runs run.Store, audit run.AuditLog) *Reporter {
	return &Reporter{runs: runs, audit: audit}
}

// Report builds the full snapshot. Agent aggregation walks the audit log per
// run; with the run counts this system sees that is cheaper than maintaining
// a separate rollup table.
func (rp *Reporter) Report(ctx context.Context) (*Report, error) {
	runs, err := rp.runs.List(ctx, "", "")
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	pipelines := summarizePipelines(runs)

	agents := make(map[string]*agentAcc)
	for _, r := range runs {
		recs, err := rp.audit.ListByRun(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("list calls for run %s: %w", r.ID, err)
		}
		for _, rec := range recs {
			a := agents[rec.AgentName]
			if a == nil {
				a = &agentAcc{}
				agents[rec.AgentName] = a
			}
			a.calls++
			if rec.Status == run.CallFailed {
				a.failures++
			}
			a.cost += rec.CostUSD
			a.durations = append(a.durations, float64(rec.DurationMs))
		}
	}

	report := &Report{Pipelines: pipelines}
	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a := agents[name]
		report.Agents = append(report.Agents, AgentSummary{
			Agent:         name,
			Calls:         a.calls,
			Failures:      a.failures,
			TotalCostUSD:  ledger.Round(a.cost),
			AvgDurationMs: mean(a.durations),
			P95DurationMs: percentile(a.durations, 0.95),
		})
	}
	return report, nil
}

type agentAcc struct {
	calls     int
	failures  int
	cost      float64
	durations []float64
}

func summarizePipelines(runs []*run.Run) []PipelineSummary {
	byPipeline := make(map[string][]*run.Run)
	for _, r := range runs {
		byPipeline[r.Pipeline] = append(byPipeline[r.Pipeline], r)
	}

	names := make([]string, 0, len(byPipeline))
	for name := range byPipeline {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []PipelineSummary
	for _, name := range names {
		group := byPipeline[name]
		s := PipelineSummary{Pipeline: name, Runs: len(group)}
		costs := make([]float64, 0, len(group))
		for _, r := range group {
			switch r.Status {
			case pipeline.StatusPublished:
				s.Published++
			case pipeline.StatusFailed:
				s.Failed++
			case pipeline.StatusCancelled:
				s.Cancelled++
			default:
				s.Active++
			}
			s.TotalCostUSD += r.TotalCostUSD
			costs = append(costs, r.TotalCostUSD)
		}
		s.TotalCostUSD = ledger.Round(s.TotalCostUSD)
		s.AvgCostUSD = ledger.Round(mean(costs))
		s.P50CostUSD = ledger.Round(percentile(costs, 0.50))
		s.P95CostUSD = ledger.Round(percentile(costs, 0.95))
		out = append(out, s)
	}
	return out
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// percentile uses nearest-rank on a sorted copy. Good enough for dashboards;
// not an interpolating estimator.
func percentile(vals []float64, p float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
