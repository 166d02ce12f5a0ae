package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"gatekeeper/internal/api"
	"gatekeeper/internal/authn"
)

type HealthHandler struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

// NewHealthHandler wires the dependency probes. redis may be nil when the
// deployment runs without a revocation cache.
func NewHealthHandler(pool *pgxpool.Pool, rdb *redis.Client) *HealthHandler {
	return &HealthHandler{pool: pool, redis: rdb}
}

type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Service: "authn", Checks: map[string]string{}}
	status := http.StatusOK

	if err := h.pool.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Checks["database"] = "error: " + err.Error()
		status = http.StatusServiceUnavailable
	} else {
		resp.Checks["database"] = "ok"
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			// Redis is advisory; losing it degrades but does not fail.
			resp.Status = "degraded"
			resp.Checks["redis"] = "error: " + err.Error()
		} else {
			resp.Checks["redis"] = "ok"
		}
	}

	api.RespondJSON(w, status, resp)
}

type MetricsHandler struct {
	service *authn.Service
}

func NewMetricsHandler(service *authn.Service) *MetricsHandler {
	return &MetricsHandler{service: service}
}

func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.MetricsSnapshot(r.Context())
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, snap)
}
