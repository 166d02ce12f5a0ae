package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gatekeeper/internal/api"
	"gatekeeper/internal/audit"
	"gatekeeper/internal/authz"
)

type StatusHandler struct {
	engine *authz.Engine
	writer *audit.Writer
	pool   *pgxpool.Pool
}

func NewStatusHandler(engine *authz.Engine, writer *audit.Writer, pool *pgxpool.Pool) *StatusHandler {
	return &StatusHandler{engine: engine, writer: writer, pool: pool}
}

// StatusResponse is the /status wire shape.
type StatusResponse struct {
	Service  string `json:"service"`
	Policies struct {
		Total  int `json:"total"`
		Active int `json:"active"`
	} `json:"policies"`
	DecisionCache struct {
		Size       int `json:"size"`
		Capacity   int `json:"capacity"`
		TTLSeconds int `json:"ttl_seconds"`
	} `json:"decision_cache"`
	Audit struct {
		QueueDepth int    `json:"queue_depth"`
		Dropped    uint64 `json:"dropped"`
	} `json:"audit"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	var resp StatusResponse
	resp.Service = "authz"

	total, active, err := h.engine.CountPolicies(r.Context())
	if err != nil {
		respondPolicyError(w, r, err)
		return
	}
	resp.Policies.Total = total
	resp.Policies.Active = active

	cache := h.engine.Cache()
	resp.DecisionCache.Size = cache.Len()
	resp.DecisionCache.Capacity = cache.Capacity()
	resp.DecisionCache.TTLSeconds = int(cache.TTL().Seconds())

	if h.writer != nil {
		resp.Audit.QueueDepth = h.writer.QueueDepth()
		resp.Audit.Dropped = h.writer.Dropped()
	}
	resp.UptimeSeconds = int64(h.engine.Metrics().Uptime().Seconds())

	api.RespondJSON(w, http.StatusOK, resp)
}

func (h *StatusHandler) Performance(w http.ResponseWriter, r *http.Request) {
	api.RespondJSON(w, http.StatusOK, h.engine.Performance())
}

func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := map[string]any{"status": "ok", "service": "authz", "checks": map[string]string{}}
	checks := resp["checks"].(map[string]string)
	status := http.StatusOK

	if err := h.pool.Ping(ctx); err != nil {
		resp["status"] = "degraded"
		checks["database"] = "error: " + err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	api.RespondJSON(w, status, resp)
}
