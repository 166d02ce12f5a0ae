package authn

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"gatekeeper/internal/audit"
	"gatekeeper/internal/crypto"
)

// MFASetup is handed back by SetupMFA so the user can enroll an
// authenticator app. The secret is shown exactly once.
type MFASetup struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauth_url"`
}

// SetupMFA provisions a TOTP secret for the user. The secret is stored but
// MFA stays off until ActivateMFA proves the user's authenticator produces
// matching codes. Re-running setup replaces a pending secret; an already
// active enrollment must be disabled first.
func (s *Service) SetupMFA(ctx context.Context, userID uuid.UUID) (*MFASetup, error) {
	user, err := s.userByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.MFAEnabled {
		return nil, fmt.Errorf("mfa is already enabled for this account")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.config.MFAIssuer,
		AccountName: user.Username,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	stored := key.Secret()
	if s.secrets != nil {
		if stored, err = s.secrets.Encrypt(stored); err != nil {
			return nil, fmt.Errorf("seal totp secret: %w", err)
		}
	}
	if err := s.users.UpdateMFA(ctx, userID, stored, false); err != nil {
		return nil, err
	}
	s.cache.invalidate(user.ID, user.Username)

	return &MFASetup{Secret: key.Secret(), OTPAuthURL: key.URL()}, nil
}

// totpSecret returns the user's TOTP seed in usable form. Seeds written
// before encryption was configured are stored bare and pass through.
func (s *Service) totpSecret(user *User) (string, error) {
	if !crypto.IsEncrypted(user.MFASecret) {
		return user.MFASecret, nil
	}
	if s.secrets == nil {
		return "", fmt.Errorf("totp secret for %s is encrypted but no secret key is configured", user.ID)
	}
	return s.secrets.Decrypt(user.MFASecret)
}

// ActivateMFA turns enforcement on once the user proves possession of the
// enrolled secret.
func (s *Service) ActivateMFA(ctx context.Context, userID uuid.UUID, code string) error {
	user, err := s.userByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.MFASecret == "" {
		return ErrMFANotProvisioned
	}
	secret, err := s.totpSecret(user)
	if err != nil {
		return err
	}
	if !totp.Validate(code, secret) {
		return ErrInvalidMFACode
	}

	if err := s.users.UpdateMFA(ctx, userID, user.MFASecret, true); err != nil {
		return err
	}
	s.cache.invalidate(user.ID, user.Username)

	s.auditEvent(user.ID.String(), audit.EventMFAVerified, true, map[string]any{
		"action": "mfa_enabled",
	})
	s.logger.Info("mfa enabled", "user_id", userID)
	return nil
}

// DisableMFA removes the enrollment. Requires a currently valid code so a
// hijacked session cannot silently strip the second factor.
func (s *Service) DisableMFA(ctx context.Context, userID uuid.UUID, code string) error {
	user, err := s.userByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled {
		return nil
	}
	secret, err := s.totpSecret(user)
	if err != nil {
		return err
	}
	if !totp.Validate(code, secret) {
		return ErrInvalidMFACode
	}

	if err := s.users.UpdateMFA(ctx, userID, "", false); err != nil {
		return err
	}
	s.cache.invalidate(user.ID, user.Username)

	s.auditEvent(user.ID.String(), audit.EventMFAVerified, true, map[string]any{
		"action": "mfa_disabled",
	})
	return nil
}

// VerifyLoginMFA completes a login that Login suspended with a pre-auth
// token. A wrong code counts against the lockout threshold exactly like a
// wrong password would.
func (s *Service) VerifyLoginMFA(ctx context.Context, preAuthToken, code, ip string) (*LoginResult, error) {
	claims, err := s.tokens.Validate(preAuthToken)
	if err != nil {
		return nil, err
	}
	if claims.Kind != TokenKindPreAuth {
		return nil, ErrInvalidToken
	}

	user, err := s.userByID(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if user.Locked(now) {
		return nil, ErrAccountLocked
	}
	if !user.IsActive {
		return nil, ErrAccountInactive
	}
	if user.MFASecret == "" {
		return nil, ErrMFANotProvisioned
	}

	secret, err := s.totpSecret(user)
	if err != nil {
		return nil, err
	}
	if !totp.Validate(code, secret) {
		return nil, s.recordFailure(ctx, user, ReasonInvalidMFACode, ip)
	}

	if err := s.users.RecordLoginSuccess(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("record login success: %w", err)
	}
	s.cache.invalidate(user.ID, user.Username)
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLogin = &now

	result, err := s.IssueTokens(ctx, user)
	if err != nil {
		return nil, err
	}

	s.metrics.LoginSuccess.Add(1)
	s.auditEvent(user.ID.String(), audit.EventMFAVerified, true, map[string]any{
		"username":   user.Username,
		"ip":         ip,
		"session_id": result.Session.ID.String(),
	})
	return result, nil
}
