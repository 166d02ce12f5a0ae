package authn

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserStore is the persistence contract for users. Implementations return
// ErrUserNotFound / ErrUsernameTaken rather than driver errors.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	// UpdateUser persists email, roles, primary_role, flags and metadata.
	UpdateUser(ctx context.Context, u *User) error
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error
	UpdateMFA(ctx context.Context, id uuid.UUID, secret string, enabled bool) error
	// RecordLoginFailure bumps the counter and, when it reaches maxAttempts,
	// sets locked_until=lockUntil, all in one statement. Returns the new
	// counter value and the lock timestamp if one is now in force.
	RecordLoginFailure(ctx context.Context, id uuid.UUID, maxAttempts int, lockUntil time.Time) (int, *time.Time, error)
	// RecordLoginSuccess resets the counter, clears the lock and stamps
	// last_login.
	RecordLoginSuccess(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteUser(ctx context.Context, id uuid.UUID) error
	CountUsers(ctx context.Context) (total, active, locked int, err error)
}

// SessionStore is the persistence contract for sessions and their token
// rows. The multi-row operations are transactional: a validate racing a
// logout observes either the pre-logout or post-logout state, never a
// half-revoked pair.
type SessionStore interface {
	// CreateSession inserts the access and refresh token rows and the
	// session joining them.
	CreateSession(ctx context.Context, s *Session, access, refresh *Token) error
	GetToken(ctx context.Context, id uuid.UUID) (*Token, error)
	GetSessionByTokenID(ctx context.Context, tokenID uuid.UUID) (*Session, error)
	ListUserSessions(ctx context.Context, userID uuid.UUID) ([]Session, error)
	// RevokeSessionByTokenID ends the session owning the given token:
	// revokes both its tokens and deletes the session row. Returns the ended
	// session and the revoked token ids.
	RevokeSessionByTokenID(ctx context.Context, tokenID uuid.UUID) (*Session, []uuid.UUID, error)
	// EndSession is RevokeSessionByTokenID keyed by session id, with an
	// ownership check. ErrSessionNotFound when absent or owned by someone
	// else.
	EndSession(ctx context.Context, sessionID, userID uuid.UUID) ([]uuid.UUID, error)
	EndAllUserSessions(ctx context.Context, userID uuid.UUID) (int, []uuid.UUID, error)
	// RefreshSession installs a new access token and, when newRefresh is
	// non-nil, rotates the refresh token (revoking oldRefreshID). Fails with
	// ErrTokenRevoked if the old refresh token was already revoked.
	RefreshSession(ctx context.Context, sessionID, oldRefreshID uuid.UUID, newAccess, newRefresh *Token) ([]uuid.UUID, error)
	CountActiveSessions(ctx context.Context) (int, error)
}

// RevocationCache is the advisory fast path consulted by Validate before the
// authoritative token-row lookup. Backed by redis in production; errors are
// swallowed because the store remains the source of truth.
type RevocationCache interface {
	IsRevoked(ctx context.Context, tokenID uuid.UUID) bool
	MarkRevoked(ctx context.Context, tokenIDs []uuid.UUID, ttl time.Duration)
}

// NopRevocationCache disables the fast path (tests, redis-less deployments).
type NopRevocationCache struct{}

func (NopRevocationCache) IsRevoked(context.Context, uuid.UUID) bool { return false }

func (NopRevocationCache) MarkRevoked(context.Context, []uuid.UUID, time.Duration) {}
