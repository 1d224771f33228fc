// Package cli implements the conveyor command tree.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "Human-gated AI content pipelines",
	Long: `conveyor runs multi-phase AI content pipelines (research, writing, review,
publishing) with human approval gates, a Postgres-backed job queue, and
crash recovery that re-enqueues lost work on startup and via background
polling.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: ./conveyor.yaml, ~/.conveyor/config.yaml)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(gateCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(dbCmd)
}
