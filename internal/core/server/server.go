package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/mocgen/internal/core/config"
	"github.com/mohammed-shakir/mocgen/internal/core/health"
	middleware "github.com/mohammed-shakir/mocgen/internal/core/middleware"
	"github.com/mohammed-shakir/mocgen/internal/core/router"
)

type Deps struct {
	Jobs router.Jobs
	// Maps is nil when tile storage is disabled.
	Maps router.Maps
	// History is nil when the Postgres build log is disabled.
	History router.History
	Ready   map[string]health.Check
	// Metrics defaults to the global prometheus handler.
	Metrics http.Handler
}

// Handler builds the chi router with every API route mounted.
func Handler(logger *slog.Logger, d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())

	metrics := d.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Get("/healthz", health.Liveness(time.Now()))
	r.Get("/readyz", health.Readiness(2*time.Second, d.Ready))
	r.Method(http.MethodGet, "/metrics", metrics)
	router.Mount(r, logger, d.Jobs, d.Maps, d.History)
	return r
}

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, d Deps) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           Handler(logger, d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
