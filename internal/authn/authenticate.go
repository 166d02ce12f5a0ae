package authn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gatekeeper/internal/audit"
)

// LoginResult is what a completed (or MFA-suspended) login hands back.
type LoginResult struct {
	User         *User
	Session      *Session
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64

	// MFA step: set instead of the token pair when the user has MFA enabled.
	MFARequired  bool
	PreAuthToken string
}

// Login authenticates and, unless MFA intervenes, issues a token pair.
func (s *Service) Login(ctx context.Context, username, password, ip, userAgent string) (*LoginResult, error) {
	user, err := s.Authenticate(ctx, username, password, ip)
	if err != nil {
		return nil, err
	}

	if user.MFAEnabled {
		tokenID := newTokenID()
		preAuth, err := s.tokens.GeneratePreAuth(user, tokenID)
		if err != nil {
			return nil, fmt.Errorf("failed to generate pre-auth token: %w", err)
		}
		return &LoginResult{User: user, MFARequired: true, PreAuthToken: preAuth}, nil
	}

	result, err := s.IssueTokens(ctx, user)
	if err != nil {
		return nil, err
	}

	s.metrics.LoginSuccess.Add(1)
	s.auditEvent(user.ID.String(), audit.EventLoginSuccess, true, map[string]any{
		"username":   user.Username,
		"ip":         ip,
		"user_agent": userAgent,
		"session_id": result.Session.ID.String(),
	})
	return result, nil
}

// Authenticate verifies credentials and applies the lockout policy.
//
// Order matters: the lock check runs before the password compare, so a locked
// account answers "locked" even to the correct password. The failure that
// trips the lock still reports invalid_password; only the next attempt sees
// the locked state.
func (s *Service) Authenticate(ctx context.Context, username, password, ip string) (*User, error) {
	now := time.Now().UTC()

	user, err := s.userByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Burn a hash compare so this path takes as long as a wrong
			// password would. Otherwise response timing enumerates usernames.
			_ = s.hasher.Compare(s.dummyHash, password)
			s.metrics.LoginFailed.Add(1)
			s.auditEvent("", audit.EventLoginFailed, false, map[string]any{
				"username": username,
				"reason":   ReasonUserNotFound,
				"ip":       ip,
			})
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if user.Locked(now) {
		s.metrics.LoginFailed.Add(1)
		s.auditEvent(user.ID.String(), audit.EventLoginFailed, false, map[string]any{
			"username":     username,
			"reason":       ReasonAccountLocked,
			"locked_until": user.LockedUntil.UTC().Format(time.RFC3339),
			"ip":           ip,
		})
		return nil, ErrAccountLocked
	}

	if !user.IsActive {
		s.metrics.LoginFailed.Add(1)
		s.auditEvent(user.ID.String(), audit.EventLoginFailed, false, map[string]any{
			"username": username,
			"reason":   ReasonAccountInactive,
			"ip":       ip,
		})
		return nil, ErrAccountInactive
	}

	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		return nil, s.recordFailure(ctx, user, ReasonInvalidPassword, ip)
	}

	if err := s.users.RecordLoginSuccess(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("record login success: %w", err)
	}
	s.cache.invalidate(user.ID, user.Username)

	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLogin = &now
	return user, nil
}

// recordFailure bumps the counter (locking at the threshold), evicts the
// cache and audits. Returns ErrInvalidCredentials for the caller to surface.
func (s *Service) recordFailure(ctx context.Context, user *User, reason, ip string) error {
	lockUntil := time.Now().UTC().Add(s.config.LockoutDuration)
	attempts, lockedUntil, err := s.users.RecordLoginFailure(ctx, user.ID, s.config.MaxFailedAttempts, lockUntil)
	if err != nil {
		return fmt.Errorf("record login failure: %w", err)
	}
	s.cache.invalidate(user.ID, user.Username)
	s.metrics.LoginFailed.Add(1)

	meta := map[string]any{
		"username":        user.Username,
		"reason":          reason,
		"failed_attempts": attempts,
		"ip":              ip,
	}
	if lockedUntil != nil {
		meta["locked_until"] = lockedUntil.UTC().Format(time.RFC3339)
		s.logger.Warn("account locked after repeated failures",
			"username", user.Username, "attempts", attempts)
	}
	event := audit.EventLoginFailed
	if reason == ReasonInvalidMFACode {
		event = audit.EventMFAFailed
	}
	s.auditEvent(user.ID.String(), event, false, meta)

	if reason == ReasonInvalidMFACode {
		return ErrInvalidMFACode
	}
	return ErrInvalidCredentials
}
