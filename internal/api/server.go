// Package api serves the dockmaster HTTP API: status and plan queries,
// reconciliation triggers, the live event stream, and Prometheus
// metrics. The API is read-mostly; the one mutating endpoint just kicks
// the engine, which applies changes on its own serialized loop.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brianjlehnen/dockmaster/internal/engine"
	"github.com/brianjlehnen/dockmaster/internal/graph"
	"github.com/brianjlehnen/dockmaster/internal/runtime"
	"github.com/brianjlehnen/dockmaster/stack"
)

// Server is the dockmaster HTTP API server. It fronts a single Engine:
// queries read through it, POST /reconcile kicks it, and /events streams
// its event log.
type Server struct {
	mux    *http.ServeMux
	engine *engine.Engine
}

// NewServer creates a Server and registers all HTTP routes.
func NewServer(e *engine.Engine) *Server {
	s := &Server{
		mux:    http.NewServeMux(),
		engine: e,
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /plan", s.handlePlan)
	s.mux.HandleFunc("POST /reconcile", s.handleReconcile)
	s.mux.HandleFunc("GET /events", s.handleSSE)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET /health. Returns 200 with {"status":"ok"}.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus handles GET /status.
//
// Returns the merged view of desired and observed state, including the
// outcome of the most recent pass for each service.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		writeLoadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handlePlan handles GET /plan.
//
// Computes what a reconciliation pass would do right now without
// touching anything.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.engine.Plan(r.Context())
	if err != nil {
		writeLoadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// handleReconcile handles POST /reconcile.
//
// Kicks the engine and returns immediately. The pass runs on the
// engine's own loop; its progress is visible on /events.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	s.engine.Kick("api")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pass requested"})
}

// writeLoadError maps a failed load or observation to a status code:
// configuration problems are the operator's to fix (422), an unreachable
// runtime is a gateway failure (502), anything else is internal.
func writeLoadError(w http.ResponseWriter, err error) {
	var cfgErr *stack.ConfigError
	if errors.As(err, &cfgErr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    "invalid stack configuration",
			"problems": cfgErr.Problems,
		})
		return
	}
	var cycleErr *graph.CycleError
	if errors.As(err, &cycleErr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": cycleErr.Error(),
			"cycle": cycleErr.Cycle,
		})
		return
	}
	var opErr *runtime.OpError
	if errors.As(err, &opErr) {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
