package authn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gatekeeper/internal/audit"
)

func newTokenID() uuid.UUID { return uuid.New() }

// IssueTokens mints an access/refresh pair and persists the session joining
// them. Token scopes mirror the user's roles.
func (s *Service) IssueTokens(ctx context.Context, user *User) (*LoginResult, error) {
	now := time.Now().UTC()
	accessID, refreshID := newTokenID(), newTokenID()
	scopes := append([]string(nil), user.Roles...)

	accessStr, err := s.tokens.Generate(user, accessID, TokenKindAccess, s.config.AccessTokenTTL, scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	refreshStr, err := s.tokens.Generate(user, refreshID, TokenKindRefresh, s.config.RefreshTokenTTL, scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	access := &Token{
		ID: accessID, UserID: user.ID, Kind: TokenKindAccess,
		IssuedAt: now, ExpiresAt: now.Add(s.config.AccessTokenTTL), Scopes: scopes,
	}
	refresh := &Token{
		ID: refreshID, UserID: user.ID, Kind: TokenKindRefresh,
		IssuedAt: now, ExpiresAt: now.Add(s.config.RefreshTokenTTL), Scopes: scopes,
	}
	session := &Session{
		ID: uuid.New(), UserID: user.ID,
		AccessTokenID: accessID, RefreshTokenID: refreshID,
		CreatedAt: now, LastSeen: now, ExpiresAt: now.Add(s.config.RefreshTokenTTL),
	}

	if err := s.sessions.CreateSession(ctx, session, access, refresh); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	s.metrics.TokensIssued.Add(2)

	return &LoginResult{
		User:         user,
		Session:      session,
		AccessToken:  accessStr,
		RefreshToken: refreshStr,
		ExpiresIn:    int64(s.config.AccessTokenTTL.Seconds()),
	}, nil
}

// Refresh exchanges a valid refresh token for a new access token, rotating
// the refresh token when rotation is enabled. Rotation revokes the old
// refresh token in the same transaction that installs the new one: either
// both happen or neither does.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	claims, err := s.tokens.Validate(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.Kind != TokenKindRefresh {
		return nil, ErrInvalidToken
	}

	tokenID := claims.TokenID()
	if tokenID == uuid.Nil {
		return nil, ErrInvalidToken
	}
	if s.revoked.IsRevoked(ctx, tokenID) {
		return nil, ErrTokenRevoked
	}

	user, err := s.userByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrAccountInactive
	}

	session, err := s.sessions.GetSessionByTokenID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrTokenRevoked
		}
		return nil, err
	}

	now := time.Now().UTC()
	scopes := append([]string(nil), user.Roles...)
	newAccessID := newTokenID()
	accessStr, err := s.tokens.Generate(user, newAccessID, TokenKindAccess, s.config.AccessTokenTTL, scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	newAccess := &Token{
		ID: newAccessID, UserID: user.ID, Kind: TokenKindAccess,
		IssuedAt: now, ExpiresAt: now.Add(s.config.AccessTokenTTL), Scopes: scopes,
	}

	var newRefresh *Token
	refreshStr := refreshToken
	if s.config.RefreshRotation {
		newRefreshID := newTokenID()
		refreshStr, err = s.tokens.Generate(user, newRefreshID, TokenKindRefresh, s.config.RefreshTokenTTL, scopes)
		if err != nil {
			return nil, fmt.Errorf("failed to sign refresh token: %w", err)
		}
		newRefresh = &Token{
			ID: newRefreshID, UserID: user.ID, Kind: TokenKindRefresh,
			IssuedAt: now, ExpiresAt: now.Add(s.config.RefreshTokenTTL), Scopes: scopes,
		}
	}

	revokedIDs, err := s.sessions.RefreshSession(ctx, session.ID, tokenID, newAccess, newRefresh)
	if err != nil {
		return nil, err
	}
	s.revoked.MarkRevoked(ctx, revokedIDs, s.config.RefreshTokenTTL)
	s.metrics.TokensRefreshed.Add(1)
	s.metrics.TokensIssued.Add(1)
	if newRefresh != nil {
		s.metrics.TokensIssued.Add(1)
	}
	s.metrics.TokensRevoked.Add(uint64(len(revokedIDs)))

	s.auditEvent(user.ID.String(), audit.EventTokenRefresh, true, map[string]any{
		"session_id": session.ID.String(),
		"rotated":    newRefresh != nil,
	})

	return &LoginResult{
		User:         user,
		Session:      session,
		AccessToken:  accessStr,
		RefreshToken: refreshStr,
		ExpiresIn:    int64(s.config.AccessTokenTTL.Seconds()),
	}, nil
}

// ValidationResult is the answer to "can this token be used right now".
type ValidationResult struct {
	Valid     bool
	UserID    uuid.UUID
	Username  string
	Scopes    []string
	ExpiresAt time.Time
}

// Validate checks signature, expiry and revocation for an access token.
// Called on every gated request, so the revocation check consults the
// negative cache before the authoritative token row.
func (s *Service) Validate(ctx context.Context, accessToken string) (*ValidationResult, error) {
	claims, err := s.tokens.Validate(accessToken)
	if err != nil {
		return nil, err
	}
	if claims.Kind != TokenKindAccess {
		return nil, ErrInvalidToken
	}

	tokenID := claims.TokenID()
	if tokenID == uuid.Nil {
		return nil, ErrInvalidToken
	}
	if s.revoked.IsRevoked(ctx, tokenID) {
		return nil, ErrTokenRevoked
	}

	row, err := s.sessions.GetToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			// Signed by us but no row: the user (and their tokens) were
			// deleted. Treat as revoked.
			return nil, ErrTokenRevoked
		}
		return nil, err
	}
	if row.Revoked {
		s.revoked.MarkRevoked(ctx, []uuid.UUID{tokenID}, time.Until(row.ExpiresAt))
		return nil, ErrTokenRevoked
	}

	return &ValidationResult{
		Valid:     true,
		UserID:    claims.UserID,
		Username:  claims.Username,
		Scopes:    claims.Scopes,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Logout ends the session owning the presented access token. Logging out an
// already-ended session is a success: the desired state holds.
func (s *Service) Logout(ctx context.Context, accessToken, ip string) error {
	claims, err := s.tokens.Validate(accessToken)
	if err != nil {
		return err
	}
	tokenID := claims.TokenID()
	if tokenID == uuid.Nil {
		return ErrInvalidToken
	}

	session, revokedIDs, err := s.sessions.RevokeSessionByTokenID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	s.revoked.MarkRevoked(ctx, revokedIDs, s.config.RefreshTokenTTL)
	s.metrics.TokensRevoked.Add(uint64(len(revokedIDs)))

	s.auditEvent(claims.UserID.String(), audit.EventLogout, true, map[string]any{
		"session_id": session.ID.String(),
		"ip":         ip,
	})
	return nil
}

// EndSession ends one of the caller's sessions by id.
func (s *Service) EndSession(ctx context.Context, sessionID, userID uuid.UUID) error {
	revokedIDs, err := s.sessions.EndSession(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	s.revoked.MarkRevoked(ctx, revokedIDs, s.config.RefreshTokenTTL)
	s.metrics.TokensRevoked.Add(uint64(len(revokedIDs)))

	s.auditEvent(userID.String(), audit.EventSessionEnded, true, map[string]any{
		"session_id": sessionID.String(),
	})
	return nil
}

// EndAllSessions force-logs-out every device of one user.
func (s *Service) EndAllSessions(ctx context.Context, userID uuid.UUID) (int, error) {
	count, revokedIDs, err := s.sessions.EndAllUserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.revoked.MarkRevoked(ctx, revokedIDs, s.config.RefreshTokenTTL)
	s.metrics.TokensRevoked.Add(uint64(len(revokedIDs)))

	s.auditEvent(userID.String(), audit.EventSessionEnded, true, map[string]any{
		"sessions_ended": count,
		"scope":          "all",
	})
	return count, nil
}

// ListSessions returns the caller's live sessions.
func (s *Service) ListSessions(ctx context.Context, userID uuid.UUID) ([]Session, error) {
	return s.sessions.ListUserSessions(ctx, userID)
}
