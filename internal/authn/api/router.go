package api

import (
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"gatekeeper/internal/api"
	customMiddleware "gatekeeper/internal/api/middleware"
	"gatekeeper/internal/authn"
)

// NewRouter assembles the authentication service's HTTP surface.
func NewRouter(service *authn.Service, pool *pgxpool.Pool, rdb *redis.Client) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
	r.Use(sentryHandler.Handle)

	r.Use(customMiddleware.RequestLogger)
	r.Use(customMiddleware.PanicRecovery)

	authHandler := NewAuthHandler(service)
	userHandler := NewUserHandler(service)
	sessionHandler := NewSessionHandler(service)
	healthHandler := NewHealthHandler(pool, rdb)
	metricsHandler := NewMetricsHandler(service)

	requireAuth := RequireAuth(service)
	requireAdmin := RequireScope("admin")

	r.Get("/health", healthHandler.Health)
	r.Get("/metrics", metricsHandler.Metrics)

	// Public: anything a caller without a token needs.
	r.Post("/auth/login", authHandler.Login)
	r.Post("/auth/refresh", authHandler.Refresh)
	r.Post("/auth/mfa/verify", authHandler.VerifyMFA)

	// Token-carrying but not gated on validity beyond the token itself.
	r.Get("/auth/validate", authHandler.Validate)
	r.Post("/auth/logout", authHandler.Logout)

	// Self-service, valid access token required.
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)

		r.Get("/users/me", userHandler.Me)
		r.Put("/users/me", userHandler.UpdateMe)
		r.Post("/users/change-password", userHandler.ChangePassword)

		r.Get("/sessions/me", sessionHandler.List)
		r.Delete("/sessions/all", sessionHandler.EndAll)
		r.Delete("/sessions/{id}", sessionHandler.End)

		r.Post("/auth/mfa/setup", authHandler.SetupMFA)
		r.Post("/auth/mfa/activate", authHandler.ActivateMFA)
		r.Post("/auth/mfa/disable", authHandler.DisableMFA)

		// Admin-only user management.
		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)

			r.Post("/users", userHandler.Create)
			r.Get("/users/{id}", userHandler.Get)
			r.Delete("/users/{id}", userHandler.Delete)
		})
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		api.RespondError(w, req, http.StatusNotFound, "route not found")
	})

	return r
}
