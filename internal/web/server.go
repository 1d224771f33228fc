// Package web exposes the JSON API: run creation and inspection, gate
// decisions, health, and metrics.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conveyor-works/conveyor/internal/analytics"
	"github.com/conveyor-works/conveyor/internal/orchestrator"
	"github.com/conveyor-works/conveyor/internal/pipeline"
	"github.com/conveyor-works/conveyor/internal/run"
)

// Server is the HTTP front end over the orchestrator and the run store.
type Server struct {
	orch     *orchestrator.Orchestrator
	runs     run.Store
	audit    run.AuditLog
	registry *pipeline.Registry
	stats    *analytics.Reporter
	log      *slog.Logger
	gatherer prometheus.Gatherer

	httpServer *http.Server
}

// NewServer wires the server and its routes.
func NewServer(
	orch *orchestrator.Orchestrator,
	runs run.Store,
	audit run.AuditLog,
	registry *pipeline.Registry,
	gatherer prometheus.Gatherer,
	addr string,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		orch:     orch,
		runs:     runs,
		audit:    audit,
		registry: registry,
		stats:    analytics.NewReporter(runs, audit),
		log:      log,
		gatherer: gatherer,
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/pipelines", s.handleListPipelines).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/runs", s.handleCreateRun).Methods(http.MethodPost)
	api.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/calls", s.handleListCalls).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/gates/{gate}", s.handleGateDecision).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id}/retry", s.handleRetryRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id}", s.handleScrapRun).Methods(http.MethodDelete)
	return r
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
