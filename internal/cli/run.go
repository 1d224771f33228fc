package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conveyor-works/conveyor/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create and inspect pipeline runs",
}

var runCreateCmd = &cobra.Command{
	Use:   "create <pipeline>",
	Short: "Start a new run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		brief, _ := cmd.Flags().GetString("brief")

		a, err := buildApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.orch.StartRun(cmd.Context(), args[0], brief)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s started on %s (status: %s)\n", r.ID, r.Pipeline, r.Status)
		return nil
	},
}

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's full state as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.runs.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, optionally filtered by pipeline and status",
	RunE: func(cmd *cobra.Command, args []string) error {
		pipelineName, _ := cmd.Flags().GetString("pipeline")
		status, _ := cmd.Flags().GetString("status")

		a, err := buildApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.runs.List(cmd.Context(), pipelineName, pipeline.Status(status))
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no runs")
			return nil
		}
		for _, r := range runs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s %-24s $%.6f  %s\n",
				r.ID, r.Pipeline, r.Status, r.TotalCostUSD, r.CreatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var runRetryCmd = &cobra.Command{
	Use:   "retry <run-id>",
	Short: "Re-enqueue a failed run from its last recorded phase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.orch.RetryRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s re-enqueued (status: %s)\n", r.ID, r.Status)
		return nil
	},
}

var runScrapCmd = &cobra.Command{
	Use:   "scrap <run-id>",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		a, err := buildApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.orch.ScrapRun(cmd.Context(), args[0], reason)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s cancelled\n", r.ID)
		return nil
	},
}

func init() {
	runCreateCmd.Flags().String("brief", "", "Content brief or page spec for the run")
	_ = runCreateCmd.MarkFlagRequired("brief")
	runListCmd.Flags().String("pipeline", "", "Filter by pipeline name")
	runListCmd.Flags().String("status", "", "Filter by status")
	runScrapCmd.Flags().String("reason", "", "Why the run is being cancelled")

	runCmd.AddCommand(runCreateCmd)
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runListCmd)
	runCmd.AddCommand(runRetryCmd)
	runCmd.AddCommand(runScrapCmd)
}
