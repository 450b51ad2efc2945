package server

import (
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/cursorgate/cursorgate/internal/observability"
	"github.com/cursorgate/cursorgate/internal/server/handlers"
	servermw "github.com/cursorgate/cursorgate/internal/server/middleware"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	// Standard health endpoints
	s.router.Get("/health", handlers.HealthHandler)
	s.router.Get("/health/live", handlers.LivenessHandler)
	s.router.Get("/health/ready", handlers.ReadinessHandler)
	s.router.Get("/health/startup", handlers.StartupHandler)

	// Version endpoint
	s.router.Get("/version", handlers.VersionHandler)

	// Relayed from the exporter's own port
	s.router.Get("/metrics", MetricsHandler)

	s.registerOpenAI()
	s.registerAdmin()
}

// registerOpenAI mounts the OpenAI-compatible API under /v1.
func (s *Server) registerOpenAI() {
	api := s.opts.OpenAI
	if api == nil {
		return
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.With(servermw.APIKeyAuth(s.opts.Keys, false)).Get("/models", api.Models)

		r.Group(func(r chi.Router) {
			r.Use(servermw.APIKeyAuth(s.opts.Keys, true))
			if s.opts.KeyRateLimit > 0 {
				r.Use(httprate.Limit(s.opts.KeyRateLimit, time.Minute,
					httprate.WithKeyFuncs(servermw.KeyOrIP)))
			}
			r.Post("/chat/completions", api.ChatCompletions)
		})
	})
}

// registerAdmin mounts the admin API behind the bearer admin token.
func (s *Server) registerAdmin() {
	admin := s.opts.Admin
	logger := observability.ServerLogger

	if admin == nil || s.opts.AdminToken == "" {
		if logger != nil {
			logger.Debug("Admin API disabled (no admin token configured)")
		}
		return
	}

	s.router.Route("/admin/api", func(r chi.Router) {
		r.Use(httprate.LimitByIP(120, time.Minute))
		r.Use(servermw.AdminAuth(s.opts.AdminToken))
		admin.Routes(r)
	})

	// Signal endpoint lets operators trigger a config reload remotely
	signalHandler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: s.opts.AdminToken,
		RateLimit: 10,  // 10 requests per minute
		RateBurst: 5,   // burst size
		Manager:   nil, // use default global manager
	})
	s.router.Post("/admin/signal", signalHandler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin API enabled",
			zap.Strings("paths", []string{"/admin/api", "/admin/signal"}),
			zap.String("auth", "bearer token"))
		logger.Warn("Admin API enabled - ensure this server is not exposed to public internet")
	}
}
