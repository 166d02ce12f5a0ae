package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"gatekeeper/internal/api"
	"gatekeeper/internal/authz"
)

type AuthorizeHandler struct {
	engine *authz.Engine
}

func NewAuthorizeHandler(engine *authz.Engine) *AuthorizeHandler {
	return &AuthorizeHandler{engine: engine}
}

type AuthorizeRequest struct {
	Subject  string         `json:"subject"`
	Resource string         `json:"resource"`
	Action   string         `json:"action"`
	Context  map[string]any `json:"context,omitempty"`
}

func (req *AuthorizeRequest) Validate() error {
	if req.Subject == "" {
		return fmt.Errorf("subject required")
	}
	if req.Resource == "" {
		return fmt.Errorf("resource required")
	}
	if req.Action == "" {
		return fmt.Errorf("action required")
	}
	return nil
}

// AuthorizeResponse wraps a decision. A decision is always 200: deny and
// indeterminate are answers, not transport failures.
type AuthorizeResponse struct {
	Success   bool            `json:"success"`
	Decision  *authz.Decision `json:"decision"`
	RequestID string          `json:"request_id,omitempty"`
}

func (h *AuthorizeHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	decision := h.engine.Authorize(r.Context(), authz.Request{
		Subject:  req.Subject,
		Resource: req.Resource,
		Action:   req.Action,
		Context:  req.Context,
	})
	api.RespondJSON(w, http.StatusOK, AuthorizeResponse{
		Success:   true,
		Decision:  decision,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

type BulkAuthorizeRequest struct {
	Subject string            `json:"subject"`
	Entries []authz.BulkEntry `json:"entries"`
}

const maxBulkEntries = 500

func (req *BulkAuthorizeRequest) Validate() error {
	if req.Subject == "" {
		return fmt.Errorf("subject required")
	}
	if len(req.Entries) == 0 {
		return fmt.Errorf("entries required")
	}
	if len(req.Entries) > maxBulkEntries {
		return fmt.Errorf("too many entries (max %d)", maxBulkEntries)
	}
	for i, entry := range req.Entries {
		if entry.Resource == "" || entry.Action == "" {
			return fmt.Errorf("entry %d: resource and action required", i)
		}
	}
	return nil
}

type BulkAuthorizeResponse struct {
	Success   bool              `json:"success"`
	Results   []*authz.Decision `json:"results"`
	Summary   authz.BulkSummary `json:"summary"`
	RequestID string            `json:"request_id,omitempty"`
}

func (h *AuthorizeHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, h.engine.BulkAuthorize)
}

func (h *AuthorizeHandler) Batch(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, h.engine.BatchAuthorize)
}

func (h *AuthorizeHandler) bulk(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, subject string, entries []authz.BulkEntry) *authz.BulkResult) {
	var req BulkAuthorizeRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result := run(r.Context(), req.Subject, req.Entries)
	api.RespondJSON(w, http.StatusOK, BulkAuthorizeResponse{
		Success:   true,
		Results:   result.Decisions,
		Summary:   result.Summary,
		RequestID: middleware.GetReqID(r.Context()),
	})
}
