package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5/middleware"

	"gatekeeper/internal/api"
	"gatekeeper/internal/authn"
	"gatekeeper/internal/storage"
)

// respondAuthError maps service sentinels onto HTTP statuses. Credential
// failures collapse into one generic 401 so responses never distinguish
// "no such user" from "wrong password".
func respondAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authn.ErrUserNotFound),
		errors.Is(err, authn.ErrInvalidCredentials):
		api.RespondError(w, r, http.StatusUnauthorized, "invalid username or password")
	case errors.Is(err, authn.ErrInvalidMFACode):
		api.RespondError(w, r, http.StatusUnauthorized, "invalid mfa code")
	case errors.Is(err, authn.ErrAccountLocked):
		api.RespondError(w, r, http.StatusLocked, "account is temporarily locked")
	case errors.Is(err, authn.ErrAccountInactive):
		api.RespondError(w, r, http.StatusForbidden, "account is inactive")
	case errors.Is(err, authn.ErrInvalidToken),
		errors.Is(err, authn.ErrExpiredToken),
		errors.Is(err, authn.ErrTokenRevoked):
		api.RespondError(w, r, http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, authn.ErrUsernameTaken):
		api.RespondError(w, r, http.StatusBadRequest, "username already taken")
	case errors.Is(err, authn.ErrWeakPassword):
		api.RespondError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, authn.ErrPasswordMismatch):
		api.RespondError(w, r, http.StatusBadRequest, "current password is incorrect")
	case errors.Is(err, authn.ErrMFANotProvisioned):
		api.RespondError(w, r, http.StatusBadRequest, "mfa has not been set up")
	case errors.Is(err, authn.ErrSessionNotFound):
		api.RespondError(w, r, http.StatusNotFound, "session not found")
	case errors.Is(err, storage.ErrUnavailable):
		slog.Warn("authn store unavailable", "error", err,
			"path", r.URL.Path, "req_id", middleware.GetReqID(r.Context()))
		api.RespondError(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		slog.Error("authn handler error", "error", err,
			"path", r.URL.Path, "req_id", middleware.GetReqID(r.Context()))
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(err)
		}
		api.RespondError(w, r, http.StatusInternalServerError, "internal server error")
	}
}
