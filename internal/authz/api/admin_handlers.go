package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"gatekeeper/internal/api"
	"gatekeeper/internal/audit"
	"gatekeeper/internal/authz"
)

type AdminHandler struct {
	engine     *authz.Engine
	alerts     audit.AlertStore
	warmTuples []authz.WarmTuple
}

// NewAdminHandler wires the operator endpoints. warmTuples is the configured
// default set for warm-cache calls with an empty body.
func NewAdminHandler(engine *authz.Engine, alerts audit.AlertStore, warmTuples []authz.WarmTuple) *AdminHandler {
	return &AdminHandler{engine: engine, alerts: alerts, warmTuples: warmTuples}
}

func (h *AdminHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	purged := h.engine.PurgeCache()
	api.RespondJSON(w, http.StatusOK, map[string]any{
		"message": "decision cache cleared",
		"purged":  purged,
	})
}

type WarmCacheRequest struct {
	Tuples []authz.WarmTuple `json:"tuples,omitempty"`
}

func (h *AdminHandler) WarmCache(w http.ResponseWriter, r *http.Request) {
	tuples := h.warmTuples
	if r.ContentLength > 0 {
		var req WarmCacheRequest
		if err := api.DecodeJSON(r, &req); err != nil {
			api.RespondError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Tuples) > 0 {
			tuples = req.Tuples
		}
	}

	warmed := h.engine.WarmCache(r.Context(), tuples)
	api.RespondJSON(w, http.StatusOK, map[string]any{
		"message": "cache warm completed",
		"warmed":  warmed,
	})
}

// Config reports the engine's runtime tuning. No secrets live here.
func (h *AdminHandler) Config(w http.ResponseWriter, r *http.Request) {
	cfg := h.engine.Config()
	api.RespondJSON(w, http.StatusOK, map[string]any{
		"default_effect":         cfg.DefaultEffect,
		"cache_ttl_seconds":      int(cfg.CacheTTL.Seconds()),
		"cache_size":             cfg.CacheSize,
		"bulk_max_concurrency":   cfg.BulkConcurrency,
		"warm_cache_tuple_count": len(h.warmTuples),
	})
}

func (h *AdminHandler) SecurityAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := audit.AlertQuery{
		ThreatLevel: audit.ThreatLevel(q.Get("threat_level")),
	}
	if v := q.Get("acknowledged"); v != "" {
		ack, err := strconv.ParseBool(v)
		if err != nil {
			api.RespondError(w, r, http.StatusBadRequest, "acknowledged must be a boolean")
			return
		}
		query.Acknowledged = &ack
	}
	query.Limit, _ = strconv.Atoi(q.Get("limit"))

	alerts, err := h.alerts.ListAlerts(r.Context(), query)
	if err != nil {
		respondPolicyError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []audit.Alert{}
	}
	api.RespondJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// AcknowledgeAlert is idempotent: acknowledging an already-acknowledged
// alert succeeds again.
func (h *AdminHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		api.RespondError(w, r, http.StatusBadRequest, "invalid alert id")
		return
	}
	found, err := h.alerts.AcknowledgeAlert(r.Context(), id)
	if err != nil {
		respondPolicyError(w, r, err)
		return
	}
	if !found {
		api.RespondError(w, r, http.StatusNotFound, "alert not found")
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{"message": "alert acknowledged"})
}
