// Package server exposes a read-only HTTP view of a running session.
//
// The monitor reads task records from the store only; the execution engine
// remains the single writer, and responses are eventually consistent with
// the engine's last completed cycle.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/copyleftdev/gridsweep/internal/logging"
	"github.com/copyleftdev/gridsweep/internal/store"
	"github.com/copyleftdev/gridsweep/internal/task"
)

// Server serves the monitoring API.
type Server struct {
	store  store.Store
	logger *logging.Logger
}

// New creates a monitoring server reading from st.
func New(st store.Store, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{store: st, logger: logger.WithField("component", "server")}
}

// RegisterRoutes mounts the monitoring endpoints on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/stats", s.handleStats)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.List(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := recs[:0]
		for _, rec := range recs {
			if rec.State == task.State(state) {
				filtered = append(filtered, rec)
			}
		}
		recs = filtered
	}
	s.respondJSON(w, recs)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if rec == nil {
		http.NotFound(w, r)
		return
	}
	s.respondJSON(w, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.List(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	counts := make(map[task.State]int, len(task.States))
	failed := 0
	for _, rec := range recs {
		counts[rec.State]++
		if rec.Failed() {
			failed++
		}
	}
	s.respondJSON(w, map[string]interface{}{
		"states": counts,
		"failed": failed,
		"total":  len(recs),
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", logging.Fields{"error": err.Error()})
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	s.logger.Error("request failed", logging.Fields{"status": status, "error": err.Error()})
	http.Error(w, http.StatusText(status), status)
}
