package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"gatekeeper/internal/api"
	"gatekeeper/internal/authz"
	"gatekeeper/internal/storage"
)

type PolicyHandler struct {
	engine *authz.Engine
}

func NewPolicyHandler(engine *authz.Engine) *PolicyHandler {
	return &PolicyHandler{engine: engine}
}

func respondPolicyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authz.ErrInvalidPolicy):
		api.RespondError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, authz.ErrPolicyNotFound):
		api.RespondError(w, r, http.StatusNotFound, "policy not found")
	case errors.Is(err, authz.ErrAlertNotFound):
		api.RespondError(w, r, http.StatusNotFound, "alert not found")
	case errors.Is(err, storage.ErrUnavailable):
		slog.Warn("authz store unavailable", "error", err,
			"path", r.URL.Path, "req_id", middleware.GetReqID(r.Context()))
		api.RespondError(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		slog.Error("authz handler error", "error", err,
			"path", r.URL.Path, "req_id", middleware.GetReqID(r.Context()))
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(err)
		}
		api.RespondError(w, r, http.StatusInternalServerError, "internal server error")
	}
}

// PolicyInput is the caller-settable part of a policy.
type PolicyInput struct {
	Description string           `json:"description,omitempty"`
	Effect      authz.Effect     `json:"effect"`
	Target      authz.Target     `json:"target"`
	Condition   *authz.Condition `json:"condition,omitempty"`
	Obligations []string         `json:"obligations,omitempty"`
	Advice      []string         `json:"advice,omitempty"`
	Priority    int              `json:"priority"`
}

type CreatePolicyRequest struct {
	Policy         PolicyInput `json:"policy"`
	ValidateSyntax bool        `json:"validate_syntax,omitempty"`
	DryRun         bool        `json:"dry_run,omitempty"`
}

// Create validates and persists a policy. With dry_run the policy is
// validated and echoed back but nothing is stored; validate_syntax alone is
// implied by both paths since every create validates.
func (h *PolicyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	policy := &authz.Policy{
		Description: req.Policy.Description,
		Effect:      req.Policy.Effect,
		Target:      req.Policy.Target,
		Condition:   req.Policy.Condition,
		Obligations: req.Policy.Obligations,
		Advice:      req.Policy.Advice,
		Priority:    req.Policy.Priority,
		IsActive:    true,
	}

	if req.DryRun {
		if err := authz.ValidatePolicy(policy); err != nil {
			respondPolicyError(w, r, err)
			return
		}
		api.RespondJSON(w, http.StatusOK, map[string]any{
			"policy":  policy,
			"dry_run": true,
			"valid":   true,
		})
		return
	}

	if err := h.engine.CreatePolicy(r.Context(), policy); err != nil {
		respondPolicyError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusCreated, map[string]any{"policy": policy})
}

func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		api.RespondError(w, r, http.StatusBadRequest, "invalid policy id")
		return
	}
	policy, err := h.engine.GetPolicy(r.Context(), id)
	if err != nil {
		respondPolicyError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]any{"policy": policy})
}

func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	var filter authz.PolicyFilter
	q := r.URL.Query()

	if v := q.Get("effect"); v != "" {
		effect := authz.Effect(v)
		if effect != authz.EffectPermit && effect != authz.EffectDeny {
			api.RespondError(w, r, http.StatusBadRequest, "effect must be permit or deny")
			return
		}
		filter.Effect = &effect
	}
	if v := q.Get("is_active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			api.RespondError(w, r, http.StatusBadRequest, "is_active must be a boolean")
			return
		}
		filter.IsActive = &active
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	policies, err := h.engine.ListPolicies(r.Context(), filter)
	if err != nil {
		respondPolicyError(w, r, err)
		return
	}
	if policies == nil {
		policies = []authz.Policy{}
	}
	api.RespondJSON(w, http.StatusOK, map[string]any{
		"policies": policies,
		"count":    len(policies),
	})
}

// PolicyUpdates carries a partial policy. Nil means "leave unchanged";
// condition uses RawMessage so an explicit null can clear it.
type PolicyUpdates struct {
	Description *string         `json:"description,omitempty"`
	Effect      *authz.Effect   `json:"effect,omitempty"`
	Target      *authz.Target   `json:"target,omitempty"`
	Condition   json.RawMessage `json:"condition,omitempty"`
	Obligations *[]string       `json:"obligations,omitempty"`
	Advice      *[]string       `json:"advice,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	IsActive    *bool           `json:"is_active,omitempty"`
}

type UpdatePolicyRequest struct {
	Updates          PolicyUpdates `json:"updates"`
	VersionIncrement *bool         `json:"version_increment,omitempty"`
}

func (h *PolicyHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		api.RespondError(w, r, http.StatusBadRequest, "invalid policy id")
		return
	}
	var req UpdatePolicyRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	policy, err := h.engine.GetPolicy(r.Context(), id)
	if err != nil {
		respondPolicyError(w, r, err)
		return
	}

	u := req.Updates
	if u.Description != nil {
		policy.Description = *u.Description
	}
	if u.Effect != nil {
		policy.Effect = *u.Effect
	}
	if u.Target != nil {
		policy.Target = *u.Target
	}
	if len(u.Condition) > 0 {
		if string(u.Condition) == "null" {
			policy.Condition = nil
		} else {
			var cond authz.Condition
			if err := json.Unmarshal(u.Condition, &cond); err != nil {
				api.RespondError(w, r, http.StatusBadRequest, "invalid condition")
				return
			}
			policy.Condition = &cond
		}
	}
	if u.Obligations != nil {
		policy.Obligations = *u.Obligations
	}
	if u.Advice != nil {
		policy.Advice = *u.Advice
	}
	if u.Priority != nil {
		policy.Priority = *u.Priority
	}
	if u.IsActive != nil {
		policy.IsActive = *u.IsActive
	}

	bump := true
	if req.VersionIncrement != nil {
		bump = *req.VersionIncrement
	}
	if err := h.engine.UpdatePolicy(r.Context(), policy, bump); err != nil {
		respondPolicyError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]any{"policy": policy})
}

func (h *PolicyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		api.RespondError(w, r, http.StatusBadRequest, "invalid policy id")
		return
	}
	hard := r.URL.Query().Get("hard") == "true"

	if err := h.engine.DeletePolicy(r.Context(), id, hard); err != nil {
		respondPolicyError(w, r, err)
		return
	}
	mode := "deactivated"
	if hard {
		mode = "removed"
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{"message": "policy " + mode})
}
