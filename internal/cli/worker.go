package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conveyor-works/conveyor/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queue workers and recovery loops without the API server",
	Long: `Start a worker-only process: startup reconciliation, the queue workers
for every registered pipeline, and the orphan poller. Use this to scale
phase execution separately from the API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.startRecovery(ctx); err != nil {
			return err
		}

		pool := queue.NewPool(a.queue, a.orch.HandleJob, a.poolSpecs(),
			a.cfg.Worker.PollInterval.Std(), a.log)
		pool.Start(ctx)

		<-ctx.Done()
		a.log.Info("shutting down")
		pool.Wait()
		return nil
	},
}
