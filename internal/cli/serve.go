package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyor-works/conveyor/internal/queue"
	"github.com/conveyor-works/conveyor/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server, workers, and recovery loops in one process",
	Long: `Start the full service: startup reconciliation, the HTTP API, the queue
workers for every registered pipeline, and the orphan poller. SIGINT or
SIGTERM drains in-flight work before exiting.`,
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

		server := web.NewServer(a.orch, a.runs, a.audit, a.registry, a.promReg,
			a.cfg.Server.Addr, a.log)
		serveErr := make(chan error, 1)
		go func() { serveErr <- server.ListenAndServe() }()

		select {
		case err := <-serveErr:
			return err
		case <-ctx.Done():
		}

		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.log.Error("http shutdown", "error", err)
		}
		pool.Wait()
		return nil
	},
}
