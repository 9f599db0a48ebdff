// Package server assembles the HTTP surface and runs it until the context ends.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/olp-quadindex/internal/core/health"
	middleware "github.com/mohammed-shakir/olp-quadindex/internal/core/middleware"
	"github.com/mohammed-shakir/olp-quadindex/internal/core/router"
)

type Options struct {
	Addr      string
	Metrics   http.Handler // nil leaves /metrics unmounted
	Readiness health.ReadinessReporter
	Checks    []health.Check
}

// NewHandler builds the full route tree.
func NewHandler(logger *slog.Logger, opts Options, tiles *router.Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(opts.Readiness, opts.Checks...))
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	tiles.Mount(r)
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func Run(ctx context.Context, logger *slog.Logger, opts Options, tiles *router.Handlers) error {
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           NewHandler(logger, opts, tiles),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", opts.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
