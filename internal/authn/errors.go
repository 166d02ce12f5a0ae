package authn

import "errors"

// Closed set of authentication failures. Handlers map these onto HTTP status
// codes; nothing else in the package speaks HTTP.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountInactive    = errors.New("account is inactive")
	ErrAccountLocked      = errors.New("account is locked")
	ErrTokenRevoked       = errors.New("token has been revoked")
	ErrTokenNotFound      = errors.New("token not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrPasswordMismatch   = errors.New("current password is incorrect")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrMFANotProvisioned  = errors.New("mfa has not been set up for this user")
	ErrInvalidMFACode     = errors.New("invalid mfa code")
)

// Audit reason strings attached to failed login records.
const (
	ReasonUserNotFound    = "user_not_found"
	ReasonAccountInactive = "account_inactive"
	ReasonAccountLocked   = "account_locked"
	ReasonInvalidPassword = "invalid_password"
	ReasonInvalidMFACode  = "invalid_mfa_code"
)
