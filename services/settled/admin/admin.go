// Package admin exposes the operator HTTP surface of the settlement daemon.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"settlehub/services/settled/scheduler"
	"settlehub/services/settled/storage"
)

// Store is the persistence surface used for health and status.
type Store interface {
	Ping(ctx context.Context) error
	StatusCounts(ctx context.Context) (storage.Counts, error)
}

// Jobs triggers scheduled jobs on demand.
type Jobs interface {
	Jobs() []string
	Trigger(ctx context.Context, name string) error
}

// PayoutControl pauses and resumes payout dispatch.
type PayoutControl interface {
	Pause()
	Resume()
	Paused() bool
}

// Server wires the admin routes.
type Server struct {
	store   Store
	jobs    Jobs
	payouts PayoutControl
	logger  *slog.Logger
	router  http.Handler
}

// Status is the body of GET /status.
type Status struct {
	PayoutsPaused bool           `json:"payouts_paused"`
	Jobs          []string       `json:"jobs"`
	Counts        storage.Counts `json:"counts"`
}

// NewServer builds the router. logger may be nil.
func NewServer(store Store, jobs Jobs, payouts PayoutControl, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: store, jobs: jobs, payouts: payouts, logger: logger}
	s.router = otelhttp.NewHandler(s.buildRouter(), "settled.admin")
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/status", s.handleStatus)
	r.Post("/jobs/{name}/run", s.handleRunJob)
	r.Post("/payouts/pause", s.handlePause)
	r.Post("/payouts/resume", s.handleResume)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.StatusCounts(r.Context())
	if err != nil {
		s.logger.Error("status counts failed", "error", err)
		http.Error(w, "failed to load status", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, Status{
		PayoutsPaused: s.payouts.Paused(),
		Jobs:          s.jobs.Jobs(),
		Counts:        counts,
	})
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.jobs.Trigger(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		http.Error(w, "unknown job", http.StatusNotFound)
	case errors.Is(err, scheduler.ErrJobLocked):
		http.Error(w, "job already running", http.StatusConflict)
	case err != nil:
		s.logger.Error("manual job run failed", "job", name, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"job": name, "error": err.Error()})
	default:
		s.logger.Info("manual job run complete", "job", name)
		s.writeJSON(w, http.StatusOK, map[string]string{"job": name, "status": "ok"})
	}
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.payouts.Pause()
	s.logger.Warn("payout dispatch paused by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.payouts.Resume()
	s.logger.Info("payout dispatch resumed by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("write response failed", "error", err)
	}
}
