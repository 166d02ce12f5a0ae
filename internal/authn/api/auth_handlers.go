package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"gatekeeper/internal/api"
	"gatekeeper/internal/authn"
)

type AuthHandler struct {
	service *authn.Service
}

func NewAuthHandler(service *authn.Service) *AuthHandler {
	return &AuthHandler{service: service}
}

// TokenResponse is the wire shape for a completed login or refresh.
type TokenResponse struct {
	AccessToken  string           `json:"access_token"`
	RefreshToken string           `json:"refresh_token"`
	TokenType    string           `json:"token_type"`
	ExpiresIn    int64            `json:"expires_in"`
	SessionID    uuid.UUID        `json:"session_id"`
	User         authn.PublicUser `json:"user"`
}

// MFAChallengeResponse is returned instead of tokens when the account has a
// second factor enrolled.
type MFAChallengeResponse struct {
	MFARequired  bool   `json:"mfa_required"`
	PreAuthToken string `json:"pre_auth_token"`
}

func tokenResponse(result *authn.LoginResult) TokenResponse {
	return TokenResponse{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    result.ExpiresIn,
		SessionID:    result.Session.ID,
		User:         result.User.Public(),
	}
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (req *LoginRequest) Validate() error {
	if req.Username == "" || req.Password == "" {
		return fmt.Errorf("username and password required")
	}
	return nil
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.Login(r.Context(), req.Username, req.Password, api.RealIP(r), r.UserAgent())
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	if result.MFARequired {
		api.RespondJSON(w, http.StatusOK, MFAChallengeResponse{
			MFARequired:  true,
			PreAuthToken: result.PreAuthToken,
		})
		return
	}
	api.RespondJSON(w, http.StatusOK, tokenResponse(result))
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token, err := api.BearerToken(r)
	if err != nil {
		api.RespondError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if err := h.service.Logout(r.Context(), token, api.RealIP(r)); err != nil {
		respondAuthError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (req *RefreshRequest) Validate() error {
	if req.RefreshToken == "" {
		return fmt.Errorf("refresh_token required")
	}
	return nil
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, tokenResponse(result))
}

// ValidateResponse answers "is this access token good right now".
type ValidateResponse struct {
	Valid     bool      `json:"valid"`
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *AuthHandler) Validate(w http.ResponseWriter, r *http.Request) {
	token, err := api.BearerToken(r)
	if err != nil {
		api.RespondError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	result, err := h.service.Validate(r.Context(), token)
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, ValidateResponse{
		Valid:     result.Valid,
		UserID:    result.UserID,
		Username:  result.Username,
		Scopes:    result.Scopes,
		ExpiresAt: result.ExpiresAt,
	})
}

func (h *AuthHandler) SetupMFA(w http.ResponseWriter, r *http.Request) {
	identity, err := Identity(r.Context())
	if err != nil {
		api.RespondError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	setup, err := h.service.SetupMFA(r.Context(), identity.UserID)
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, setup)
}

type MFACodeRequest struct {
	Code string `json:"code"`
}

func (req *MFACodeRequest) Validate() error {
	if len(req.Code) != 6 {
		return fmt.Errorf("code must be 6 digits")
	}
	return nil
}

func (h *AuthHandler) ActivateMFA(w http.ResponseWriter, r *http.Request) {
	identity, err := Identity(r.Context())
	if err != nil {
		api.RespondError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	var req MFACodeRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.service.ActivateMFA(r.Context(), identity.UserID, req.Code); err != nil {
		respondAuthError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{"message": "mfa enabled"})
}

func (h *AuthHandler) DisableMFA(w http.ResponseWriter, r *http.Request) {
	identity, err := Identity(r.Context())
	if err != nil {
		api.RespondError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	var req MFACodeRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.service.DisableMFA(r.Context(), identity.UserID, req.Code); err != nil {
		respondAuthError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{"message": "mfa disabled"})
}

type VerifyMFARequest struct {
	PreAuthToken string `json:"pre_auth_token"`
	Code         string `json:"code"`
}

func (req *VerifyMFARequest) Validate() error {
	if req.PreAuthToken == "" {
		return fmt.Errorf("pre_auth_token required")
	}
	if len(req.Code) != 6 {
		return fmt.Errorf("code must be 6 digits")
	}
	return nil
}

func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req VerifyMFARequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		api.RespondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.VerifyLoginMFA(r.Context(), req.PreAuthToken, req.Code, api.RealIP(r))
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, tokenResponse(result))
}
