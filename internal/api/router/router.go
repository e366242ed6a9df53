package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wolfman30/slotkeeper/internal/booking"
	"github.com/wolfman30/slotkeeper/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/slotkeeper/internal/http/middleware"
	"github.com/wolfman30/slotkeeper/internal/sweeper"
	"github.com/wolfman30/slotkeeper/internal/waitlist"
	"github.com/wolfman30/slotkeeper/pkg/logging"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Config holds router configuration
type Config struct {
	Logger           *logging.Logger
	Appointments     *booking.Handler
	Waitlist         *waitlist.Handler
	ProviderSettings *handlers.ProviderSettingsHandler
	Sweeps           *sweeper.Handler
	AuthSecret       string
	RateLimiter      *httpmiddleware.RateLimiter
	MetricsHandler   http.Handler

	// HealthChecks are probed by /health, keyed by dependency name.
	HealthChecks map[string]HealthCheck
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints
	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.HealthChecks))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	r.Route("/v1", func(api chi.Router) {
		api.Use(httpmiddleware.ActorAuth(cfg.AuthSecret))
		if cfg.RateLimiter != nil {
			api.Use(httpmiddleware.RateLimit(cfg.RateLimiter))
		}
		if cfg.Appointments != nil {
			api.Route("/appointments", cfg.Appointments.Routes)
			api.Get("/slots/remaining", cfg.Appointments.Remaining)
		}
		if cfg.Waitlist != nil {
			api.Route("/waitlist", cfg.Waitlist.Routes)
		}
		if cfg.ProviderSettings != nil {
			api.Route("/providers/me", cfg.ProviderSettings.Routes)
		}
	})

	if cfg.Sweeps != nil {
		r.Route("/internal", func(internal chi.Router) {
			internal.Use(httpmiddleware.ActorAuth(cfg.AuthSecret))
			internal.Use(httpmiddleware.RequireRole(httpmiddleware.RoleSystem))
			internal.Post("/sweeps", cfg.Sweeps.RunSweep)
		})
	}

	return otelhttp.NewHandler(r, "slotkeeper.api")
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := map[string]string{"status": "ok"}
		status := http.StatusOK
		for name, check := range checks {
			if err := check(ctx); err != nil {
				resp[name] = err.Error()
				resp["status"] = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
