// Package core provides the HTTP chassis for the Slideforge billing API:
// a chi router with the cross-cutting middleware chain (recovery, request
// IDs, identity, logging, metrics) applied before requests reach the
// domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"slideforge/internal/config"
	"slideforge/internal/metrics"
)

// Server bundles the dependencies of the HTTP layer. Handlers are mounted
// through V1RouteRegistrars so the core package never imports the handler
// packages.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   *metrics.Metrics

	// HealthProbes are checked by GET /health. Optional.
	HealthProbes []HealthProbe

	// V1RouteRegistrars mount the identity-scoped /v1 routes. Populated by
	// the application entry point.
	V1RouteRegistrars []func(chi.Router)

	// UnauthenticatedRegistrars mount routes with their own authentication
	// (webhook signature, sweep token). They bypass IdentityMiddleware.
	UnauthenticatedRegistrars []func(chi.Router)

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler

	router *chi.Mux
}

// NewServer validates the dependencies and prepares the router. The caller
// populates the registrar slices and then calls MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		Metrics:   m,
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for tests and route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts it
// down gracefully within the given timeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.Logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
