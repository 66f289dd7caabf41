// Package status serves training progress over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cartridge/mantis/internal/metrics"
	"github.com/cartridge/mantis/internal/report"
	"github.com/cartridge/mantis/internal/trainer"
)

const shutdownTimeout = 5 * time.Second

// Provider exposes the progress of a training run.
type Provider interface {
	Snapshot() trainer.Snapshot
	History() []report.Episode
}

// Server wires HTTP handlers to a training run.
type Server struct {
	provider Provider
	logger   zerolog.Logger
}

// NewServer constructs a Server instance.
func NewServer(provider Provider, logger zerolog.Logger) *Server {
	return &Server{provider: provider, logger: logger}
}

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(CorrelationID)
	r.Use(RequestLogger(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/curves", s.handleCurves)
		r.Get("/resources", s.handleResources)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Status server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.provider.Snapshot()
	code := http.StatusOK
	if snap.State == trainer.StateFailed {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"status": snap.State})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.provider.Snapshot())
}

func (s *Server) handleCurves(w http.ResponseWriter, r *http.Request) {
	snap := s.provider.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.WriteHTML(w, "mantis "+snap.RunID, s.provider.History()); err != nil {
		s.logger.Error().Err(err).Msg("failed to render curves")
	}
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	stats, err := metrics.SampleProcess()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
