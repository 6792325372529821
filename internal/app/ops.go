// Package app wires the operational HTTP surface of the processor.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/dbexport/internal/domain"
)

// Pinger reports datastore liveness for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Counter serves the status snapshot endpoint.
type Counter interface {
	Counts(ctx domain.Context) (domain.StatusCounts, error)
}

// OpsServer serves health, readiness, metrics and the job status snapshot.
type OpsServer struct {
	DB     Pinger
	Counts Counter
	Port   int
}

// Router builds the ops route tree.
func (s *OpsServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := s.DB.Ping(req.Context()); err != nil {
			slog.Warn("readiness probe failed", slog.Any("error", err))
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Get("/status/counts", func(w http.ResponseWriter, req *http.Request) {
		counts, err := s.Counts.Counts(req.Context())
		if err != nil {
			slog.Error("status counts failed", slog.Any("error", err))
			http.Error(w, "could not read status counts", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(counts)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Serve runs the ops server until ctx is canceled, then shuts down with a
// short drain window.
func (s *OpsServer) Serve(ctx domain.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ops server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("op=ops.serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("op=ops.shutdown: %w", err)
		}
		return nil
	}
}
