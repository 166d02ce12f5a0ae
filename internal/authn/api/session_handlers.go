package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"gatekeeper/internal/api"
	"gatekeeper/internal/authn"
)

type SessionHandler struct {
	service *authn.Service
}

func NewSessionHandler(service *authn.Service) *SessionHandler {
	return &SessionHandler{service: service}
}

type SessionListResponse struct {
	Sessions []authn.Session `json:"sessions"`
	Total    int             `json:"total"`
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, err := Identity(r.Context())
	if err != nil {
		api.RespondError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	sessions, err := h.service.ListSessions(r.Context(), identity.UserID)
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, SessionListResponse{Sessions: sessions, Total: len(sessions)})
}

// End terminates one of the caller's own sessions. The user id scoping in the
// store means you cannot end someone else's session by guessing ids.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	identity, err := Identity(r.Context())
	if err != nil {
		api.RespondError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		api.RespondError(w, r, http.StatusBadRequest, "invalid session id")
		return
	}
	if err := h.service.EndSession(r.Context(), id, identity.UserID); err != nil {
		respondAuthError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{"message": "session ended"})
}

func (h *SessionHandler) EndAll(w http.ResponseWriter, r *http.Request) {
	identity, err := Identity(r.Context())
	if err != nil {
		api.RespondError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	count, err := h.service.EndAllSessions(r.Context(), identity.UserID)
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]any{
		"message":        "all sessions ended",
		"sessions_ended": count,
	})
}
