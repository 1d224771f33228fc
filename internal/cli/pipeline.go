package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conveyor-works/conveyor/internal/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Inspect registered pipeline definitions",
}

var pipelineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipelines with their phases and gates",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := pipeline.DefaultRegistry()
		if err != nil {
			return err
		}
		for _, def := range registry.All() {
			var phases []string
			for _, p := range def.Phases {
				if def.IsGate(p) {
					phases = append(phases, string(p)+"*")
				} else {
					phases = append(phases, string(p))
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (queue %s, concurrency %d)\n  %s\n",
				def.Name, def.QueueName, def.Concurrency, strings.Join(phases, " -> "))
		}
		fmt.Fprintln(cmd.OutOrStdout(), "\n* = gate phase (pauses for a human decision)")
		return nil
	},
}

func init() {
	pipelineCmd.AddCommand(pipelineListCmd)
}
