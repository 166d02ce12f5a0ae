package gateway

import (
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gatekeeper/internal/api"
	customMiddleware "gatekeeper/internal/api/middleware"
)

// NewRouter mounts the gateway's own endpoints and the catch-all dispatch.
func NewRouter(g *Gateway) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
	r.Use(sentryHandler.Handle)

	r.Use(customMiddleware.RequestLogger)
	r.Use(customMiddleware.PanicRecovery)

	r.Get("/gateway/health", g.Health)
	r.Get("/gateway/metrics", g.MetricsHandler)
	r.Get("/gateway/config", g.ConfigHandler)

	// Everything under /api/v1 is dispatch; the route table inside decides
	// upstream or 404.
	r.HandleFunc("/api/v1/*", g.Dispatch)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		api.RespondError(w, req, http.StatusNotFound, "route not found")
	})

	return r
}
