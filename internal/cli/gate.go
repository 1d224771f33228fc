package cli

import (
	"fmt"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/conveyor-works/conveyor/internal/pipeline"
	"github.com/conveyor-works/conveyor/internal/run"
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Apply human decisions at gate phases",
}

func gateDecisionCmd(use, short string, decision run.Decision) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <run-id> <gate-phase>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			feedback, _ := cmd.Flags().GetString("feedback")
			actor, _ := cmd.Flags().GetString("actor")
			if actor == "" {
				if u, err := user.Current(); err == nil {
					actor = u.Username
				}
			}

			a, err := buildApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.orch.SubmitGateDecision(cmd.Context(), args[0],
				pipeline.Phase(args[1]), decision, feedback, actor)
			if err != nil {
				return err
			}
			if out.NextPhase != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s -> %s (next phase: %s)\n",
					args[0], decision, out.NewStatus, out.NextPhase)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s -> %s\n", args[0], decision, out.NewStatus)
			}
			return nil
		},
	}
	cmd.Flags().String("feedback", "", "Reviewer feedback passed to revised phases")
	cmd.Flags().String("actor", "", "Reviewer identity (default: current OS user)")
	return cmd
}

func init() {
	gateCmd.AddCommand(gateDecisionCmd("approve", "Approve the gate and continue the pipeline", run.DecisionApprove))
	gateCmd.AddCommand(gateDecisionCmd("revise", "Send the run back to the gate's revise target", run.DecisionRevise))
	gateCmd.AddCommand(gateDecisionCmd("reject", "Reject the run, cancelling it", run.DecisionReject))
}
