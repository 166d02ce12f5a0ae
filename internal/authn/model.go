package authn

import (
	"time"

	"github.com/google/uuid"
)

// User is the internal representation, hash and MFA secret included.
// Handlers must only ever serialize the Public() projection.
type User struct {
	ID                  uuid.UUID
	Username            string
	Email               string
	PasswordHash        string
	Roles               []string
	PrimaryRole         string
	IsActive            bool
	EmailVerified       bool
	MFAEnabled          bool
	MFASecret           string
	FailedLoginAttempts int
	LockedUntil         *time.Time
	LastLogin           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
	Metadata            map[string]any
}

// PublicUser is the wire shape for login responses and /users/me.
type PublicUser struct {
	ID            uuid.UUID      `json:"id"`
	Username      string         `json:"username"`
	Email         string         `json:"email"`
	Roles         []string       `json:"roles"`
	PrimaryRole   string         `json:"primary_role"`
	IsActive      bool           `json:"is_active"`
	EmailVerified bool           `json:"email_verified"`
	MFAEnabled    bool           `json:"mfa_enabled"`
	LastLogin     *time.Time     `json:"last_login,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (u *User) Public() PublicUser {
	return PublicUser{
		ID:            u.ID,
		Username:      u.Username,
		Email:         u.Email,
		Roles:         append([]string(nil), u.Roles...),
		PrimaryRole:   u.PrimaryRole,
		IsActive:      u.IsActive,
		EmailVerified: u.EmailVerified,
		MFAEnabled:    u.MFAEnabled,
		LastLogin:     u.LastLogin,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
		Metadata:      u.Metadata,
	}
}

// Locked reports whether the account is locked at time now.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// HasRole reports whether the user carries the given role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// clone returns a deep enough copy for the user cache: the caller can mutate
// the copy without racing readers of the original.
func (u *User) clone() *User {
	c := *u
	c.Roles = append([]string(nil), u.Roles...)
	if u.Metadata != nil {
		c.Metadata = make(map[string]any, len(u.Metadata))
		for k, v := range u.Metadata {
			c.Metadata[k] = v
		}
	}
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		c.LockedUntil = &t
	}
	if u.LastLogin != nil {
		t := *u.LastLogin
		c.LastLogin = &t
	}
	return &c
}

const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
	TokenKindPreAuth = "pre_auth"
)

// Token is one issued token row. Revocation state lives here; the signed
// string itself is never stored.
type Token struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Kind      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Scopes    []string
	Revoked   bool
	RevokedAt *time.Time
}

// Session joins a user to its current access/refresh token pair.
type Session struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	AccessTokenID  uuid.UUID `json:"-"`
	RefreshTokenID uuid.UUID `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	LastSeen       time.Time `json:"last_seen"`
	ExpiresAt      time.Time `json:"expires_at"`
}
