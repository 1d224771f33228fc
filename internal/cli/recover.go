package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run one reconcile plus orphan-poll pass and exit",
	Long: `Scans for runs whose queue jobs were lost (crash between persisting state
and enqueueing) and re-enqueues them. The serve and worker commands do this
continuously; recover is for one-shot repair from an operator shell.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.reconciler().Reconcile(cmd.Context()); err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		n, err := a.poller().PollOnce(cmd.Context())
		if err != nil {
			return fmt.Errorf("orphan poll: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recovery pass complete, %d orphan(s) re-enqueued\n", n)
		return nil
	},
}
