// Package health serves the worker's liveness endpoint. The response carries
// a queue depth hint and a snapshot of the last finished drain cycle; failures
// are reported through the sanitized error path so no internal detail leaks.
package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/fpang/content-pipeline/internal/queue"
	"github.com/fpang/content-pipeline/internal/secerr"
)

// DrainSnapshot is the last finished drain cycle, as exposed on /health.
type DrainSnapshot struct {
	FinishedAt        time.Time `json:"finished_at"`
	Reason            string    `json:"reason"`
	ArtifactsCreated  int       `json:"artifacts_created"`
	ArtifactsFailed   int       `json:"artifacts_failed"`
	DuplicatesSkipped int       `json:"duplicates_skipped"`
	DurationSeconds   float64   `json:"duration_seconds"`
}

// StatusSource exposes worker state to the endpoint.
type StatusSource interface {
	// LastDrain returns the most recent finished cycle, ok=false before the
	// first cycle completes.
	LastDrain() (DrainSnapshot, bool)
}

type response struct {
	Status         string         `json:"status"`
	Stage          string         `json:"stage"`
	QueueDepthHint int            `json:"queue_depth_hint"`
	LastDrain      *DrainSnapshot `json:"last_drain,omitempty"`
}

// Server answers health probes for one stage worker.
type Server struct {
	stage    string
	queue    queue.Consumer
	source   StatusSource
	reporter *secerr.Reporter
}

// NewServer builds the health endpoint for a stage worker.
func NewServer(stage string, q queue.Consumer, source StatusSource, reporter *secerr.Reporter) *Server {
	return &Server{stage: stage, queue: q, source: source, reporter: reporter}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		sanitized := s.reporter.Report(r.Context(), err, secerr.Context{
			Operation: "health.queue_depth",
			Severity:  secerr.SeverityMedium,
			Fields:    map[string]any{"stage": s.stage},
		})
		writeJSON(w, http.StatusInternalServerError, sanitized)
		return
	}

	resp := response{
		Status:         "ok",
		Stage:          s.stage,
		QueueDepthHint: depth,
	}
	if snap, ok := s.source.LastDrain(); ok {
		resp.LastDrain = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to write health response")
	}
}
