package core

import (
	"time"

	"github.com/go-chi/chi/v5"
)

// defaultRequestTimeout is the soft deadline applied to request contexts.
const defaultRequestTimeout = 29 * time.Second

// defaultRedactedHeaders lists header names masked in request logs so
// credentials and webhook secrets never reach log storage.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"X-Sweep-Token",
	"Webhook-Signature",
}

// MountRoutes registers the global middleware chain and the route groups.
//
// Ordering: Recoverer first so every panic is caught; then the context
// deadline, request ID, logging and metrics; identity resolution is applied
// only to the /v1 group, because the webhook and internal endpoints carry
// their own authentication.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(MetricsMiddleware(s.Metrics))

	s.router.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(IdentityMiddleware)
			for _, registrar := range s.V1RouteRegistrars {
				registrar(r)
			}
		})
	})

	for _, registrar := range s.UnauthenticatedRegistrars {
		registrar(s.router)
	}

	s.router.Get("/health", s.HandleHealth)
	if s.MetricsHandler != nil {
		s.router.Method("GET", "/metrics", s.MetricsHandler)
	}
}
