package api

import (
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"gatekeeper/internal/api"
	customMiddleware "gatekeeper/internal/api/middleware"
	"gatekeeper/internal/audit"
	"gatekeeper/internal/authz"
)

// Deps are the router's collaborators. The authorization service trusts the
// gateway as its front door, so no routes here demand a bearer token; the
// gateway gates the admin surface before forwarding.
type Deps struct {
	Engine     *authz.Engine
	AuditStore audit.Store
	AlertStore audit.AlertStore
	Writer     *audit.Writer
	Pool       *pgxpool.Pool
	WarmTuples []authz.WarmTuple
}

func NewRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
	r.Use(sentryHandler.Handle)

	r.Use(customMiddleware.RequestLogger)
	r.Use(customMiddleware.PanicRecovery)

	authorizeHandler := NewAuthorizeHandler(deps.Engine)
	policyHandler := NewPolicyHandler(deps.Engine)
	auditHandler := NewAuditHandler(deps.AuditStore)
	adminHandler := NewAdminHandler(deps.Engine, deps.AlertStore, deps.WarmTuples)
	statusHandler := NewStatusHandler(deps.Engine, deps.Writer, deps.Pool)

	r.Get("/health", statusHandler.Health)
	r.Get("/status", statusHandler.Status)
	r.Get("/metrics/performance", statusHandler.Performance)

	r.Post("/authorize", authorizeHandler.Authorize)
	r.Post("/authorize/bulk", authorizeHandler.Bulk)
	r.Post("/authorize/batch-optimized", authorizeHandler.Batch)

	r.Route("/policies", func(r chi.Router) {
		r.Post("/", policyHandler.Create)
		r.Get("/", policyHandler.List)
		r.Get("/{id}", policyHandler.Get)
		r.Put("/{id}", policyHandler.Update)
		r.Delete("/{id}", policyHandler.Delete)
	})

	r.Get("/audit/decisions", auditHandler.Decisions)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/cache/clear", adminHandler.ClearCache)
		r.Post("/warm-cache", adminHandler.WarmCache)
		r.Get("/config", adminHandler.Config)
		r.Get("/security-alerts", adminHandler.SecurityAlerts)
		r.Post("/security-alert/{id}/acknowledge", adminHandler.AcknowledgeAlert)
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		api.RespondError(w, req, http.StatusNotFound, "route not found")
	})

	return r
}
