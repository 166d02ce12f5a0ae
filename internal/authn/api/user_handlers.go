package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"gatekeeper/internal/api"
	"gatekeeper/internal/authn"
)

type UserHandler struct {
	service *authn.Service
}

func NewUserHandler(service *authn.Service) *UserHandler {
	return &UserHandler{service: service}
}

type CreateUserRequest struct {
	Username string         `json:"username"`
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Roles    []string       `json:"roles,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.service.CreateUser(r.Context(), authn.CreateUserInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Roles:    req.Roles,
		Metadata: req.Metadata,
	})
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusCreated, user.Public())
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, err := Identity(r.Context())
	if err != nil {
		api.RespondError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	user, err := h.service.GetUser(r.Context(), identity.UserID)
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, user.Public())
}

type UpdateProfileRequest struct {
	Email    *string        `json:"email,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	identity, err := Identity(r.Context())
	if err != nil {
		api.RespondError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	var req UpdateProfileRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.service.UpdateProfile(r.Context(), identity.UserID, authn.UpdateProfileInput{
		Email:    req.Email,
		Metadata: req.Metadata,
	})
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, user.Public())
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (req *ChangePasswordRequest) Validate() error {
	if req.CurrentPassword == "" || req.NewPassword == "" {
		return fmt.Errorf("current_password and new_password required")
	}
	return nil
}

func (h *UserHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	identity, err := Identity(r.Context())
	if err != nil {
		api.RespondError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	var req ChangePasswordRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.ChangePassword(r.Context(), identity.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		respondAuthError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{
		"message": "password changed, sign in again on all devices",
	})
}

func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		api.RespondError(w, r, http.StatusBadRequest, "invalid user id")
		return
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		// Admin lookups say 404 plainly. The credential-style collapse only
		// matters on the login path.
		if authn.IsNotFound(err) {
			api.RespondError(w, r, http.StatusNotFound, "user not found")
			return
		}
		respondAuthError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, user.Public())
}

func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		api.RespondError(w, r, http.StatusBadRequest, "invalid user id")
		return
	}
	identity, err := Identity(r.Context())
	if err != nil {
		api.RespondError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if identity.UserID == id {
		api.RespondError(w, r, http.StatusBadRequest, "cannot delete your own account")
		return
	}
	if err := h.service.DeleteUser(r.Context(), id); err != nil {
		if authn.IsNotFound(err) {
			api.RespondError(w, r, http.StatusNotFound, "user not found")
			return
		}
		respondAuthError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{"message": "user deleted"})
}
