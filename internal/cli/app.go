package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/conveyor-works/conveyor/internal/config"
	"github.com/conveyor-works/conveyor/internal/db"
	"github.com/conveyor-works/conveyor/internal/engine"
	"github.com/conveyor-works/conveyor/internal/lease"
	"github.com/conveyor-works/conveyor/internal/llm"
	"github.com/conveyor-works/conveyor/internal/metrics"
	"github.com/conveyor-works/conveyor/internal/orchestrator"
	"github.com/conveyor-works/conveyor/internal/pipeline"
	"github.com/conveyor-works/conveyor/internal/queue"
	"github.com/conveyor-works/conveyor/internal/recovery"
	"github.com/conveyor-works/conveyor/internal/run"
)

// app bundles everything a long-running command needs.
type app struct {
	cfg      *config.Config
	db       *db.DB
	registry *pipeline.Registry
	runs     run.Store
	audit    run.AuditLog
	records  recovery.Store
	queue    queue.Queue
	dispatch *recovery.Dispatcher
	orch     *orchestrator.Orchestrator
	promReg  *prometheus.Registry
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return config.Load(path)
	}
	return config.LoadDefault()
}

// buildApp wires the full stack against Postgres. The caller owns Close.
func buildApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database.url is not configured (set CONVEYOR_DATABASE_URL or database.url)")
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	database, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	registry, err := pipeline.DefaultRegistry()
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("build pipeline registry: %w", err)
	}

	runs := run.NewPgStore(database.Pool())
	records := recovery.NewPgStore(database.Pool())
	policy := queue.RetryPolicy{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		InitialBackoff: cfg.Queue.InitialBackoff.Std(),
	}
	jobQueue := queue.NewPgQueue(database.Pool(), policy)
	dispatch := recovery.NewDispatcher(jobQueue, records)

	caller := llm.NewHTTPCaller(llm.HTTPOptions{
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   cfg.LLM.Timeout.Std(),
	})
	pricing := llm.NewTableCalculator(llm.DefaultRates())
	leases := lease.NewManager(cfg.Worker.LeaseTTL.Std())

	hostname, _ := os.Hostname()
	owner := fmt.Sprintf("%s/%d", hostname, os.Getpid())

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	exec := engine.NewExecutor(registry, runs, runs, caller, pricing, leases, owner, log)
	gates := engine.NewGateController(registry, runs, runs, leases, owner, log)
	orch := orchestrator.New(registry, runs, records, dispatch, exec, gates, m, log)

	return &app{
		cfg:      cfg,
		db:       database,
		registry: registry,
		runs:     runs,
		audit:    runs,
		records:  records,
		queue:    jobQueue,
		dispatch: dispatch,
		orch:     orch,
		promReg:  promReg,
		metrics:  m,
		log:      log,
	}, nil
}

func (a *app) Close() {
	a.db.Close()
}

// poolSpecs derives one worker group per registered pipeline queue.
func (a *app) poolSpecs() []queue.QueueSpec {
	var specs []queue.QueueSpec
	for _, def := range a.registry.All() {
		specs = append(specs, queue.QueueSpec{Name: def.QueueName, Concurrency: def.Concurrency})
	}
	return specs
}

// queueFor resolves a pipeline name to its queue, for the orphan poller.
func (a *app) queueFor(name string) (string, error) {
	def := a.registry.Get(name)
	if def == nil {
		return "", fmt.Errorf("unknown pipeline %q", name)
	}
	return def.QueueName, nil
}

func (a *app) reconciler() *recovery.Reconciler {
	rc := recovery.NewReconciler(a.records, a.runs, a.registry, a.dispatch, a.log)
	rc.Grace = a.cfg.Recovery.Grace.Std()
	rc.Requeued = a.metrics.Requeues.WithLabelValues("reconciler")
	return rc
}

func (a *app) poller() *recovery.Poller {
	p := recovery.NewPoller(a.records, a.dispatch, a.queueFor, a.log)
	p.Grace = a.cfg.Recovery.Grace.Std()
	p.Requeued = a.metrics.Requeues.WithLabelValues("poller")
	return p
}

// startRecovery runs the startup reconciler, then launches the orphan poller
// in the background.
func (a *app) startRecovery(ctx context.Context) error {
	if err := a.reconciler().Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}
	go a.poller().Run(ctx)
	return nil
}
