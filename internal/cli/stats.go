package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conveyor-works/conveyor/internal/analytics"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show spend and outcome summaries per pipeline and agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := buildApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := analytics.NewReporter(a.runs, a.audit).Report(cmd.Context())
		if err != nil {
			return err
		}

		if asJSON {
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		}

		if len(report.Pipelines) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no runs")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "pipeline              runs  pub  fail  canc  active  total $      avg $")
		for _, p := range report.Pipelines {
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s %5d %4d %5d %5d %7d  %9.6f  %9.6f\n",
				p.Pipeline, p.Runs, p.Published, p.Failed, p.Cancelled, p.Active, p.TotalCostUSD, p.AvgCostUSD)
		}
		if len(report.Agents) > 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "\nagent                 calls  fail  total $      avg ms   p95 ms")
			for _, ag := range report.Agents {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %6d %5d  %9.6f  %7.0f  %7.0f\n",
					ag.Agent, ag.Calls, ag.Failures, ag.TotalCostUSD, ag.AvgDurationMs, ag.P95DurationMs)
			}
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().Bool("json", false, "Emit the full report as JSON")
}
