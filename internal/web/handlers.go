package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/conveyor-works/conveyor/internal/analytics"
	"github.com/conveyor-works/conveyor/internal/engine"
	"github.com/conveyor-works/conveyor/internal/lease"
	"github.com/conveyor-works/conveyor/internal/pipeline"
	"github.com/conveyor-works/conveyor/internal/run"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPipelines(w http.ResponseWriter, _ *http.Request) {
	type pipelineInfo struct {
		Name   string           `json:"name"`
		Phases []pipeline.Phase `json:"phases"`
		Gates  []pipeline.Phase `json:"gates"`
	}
	var out []pipelineInfo
	for _, def := range s.registry.All() {
		info := pipelineInfo{Name: def.Name, Phases: def.Phases}
		for _, p := range def.Phases {
			if def.IsGate(p) {
				info.Gates = append(info.Gates, p)
			}
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	report, err := s.stats.Report(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if report.Pipelines == nil {
		report.Pipelines = []analytics.PipelineSummary{}
	}
	if report.Agents == nil {
		report.Agents = []analytics.AgentSummary{}
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pipeline string `json:"pipeline"`
		Brief    string `json:"brief"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	created, err := s.orch.StartRun(r.Context(), req.Pipeline, req.Brief)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	pipelineName := r.URL.Query().Get("pipeline")
	status := pipeline.Status(r.URL.Query().Get("status"))
	runs, err := s.runs.List(r.Context(), pipelineName, status)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if runs == nil {
		runs = []*run.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	got, err := s.runs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := s.audit.ListByRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if calls == nil {
		calls = []run.AgentCallRecord{}
	}
	writeJSON(w, http.StatusOK, calls)
}

func (s *Server) handleGateDecision(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req struct {
		Decision string `json:"decision"`
		Feedback string `json:"feedback"`
		ActorID  string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	out, err := s.orch.SubmitGateDecision(r.Context(), vars["id"],
		pipeline.Phase(vars["gate"]), run.Decision(req.Decision), req.Feedback, req.ActorID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":        out.Run,
		"new_status": out.NewStatus,
		"next_phase": out.NextPhase,
	})
}

func (s *Server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	got, err := s.orch.RetryRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleScrapRun(w http.ResponseWriter, r *http.Request) {
	got, err := s.orch.ScrapRun(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("reason"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

// writeDomainError maps engine and store errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, run.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrUnknownPipeline),
		errors.Is(err, engine.ErrUnknownPhase),
		errors.Is(err, engine.ErrNotGatePhase),
		errors.Is(err, engine.ErrInvalidDecision):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrTerminalState),
		errors.Is(err, engine.ErrNotAtGate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lease.ErrHeld):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
