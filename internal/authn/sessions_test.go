package authn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/internal/audit"
)

func TestValidate_Roundtrip(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "alice", "correct-horse", "admin", "user")

	result, err := env.svc.Login(context.Background(), "alice", "correct-horse", "10.0.0.1", "")
	require.NoError(t, err)

	v, err := env.svc.Validate(context.Background(), result.AccessToken)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, user.ID, v.UserID)
	assert.Equal(t, "alice", v.Username)
	assert.Equal(t, []string{"admin", "user"}, v.Scopes)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), v.ExpiresAt, 5*time.Second)
}

func TestValidate_RejectsRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "correct-horse")

	result, err := env.svc.Login(context.Background(), "alice", "correct-horse", "10.0.0.1", "")
	require.NoError(t, err)

	_, err = env.svc.Validate(context.Background(), result.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken, "refresh tokens must not pass as access tokens")
}

func TestValidate_AfterLogout(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "correct-horse")
	ctx := context.Background()

	result, err := env.svc.Login(ctx, "alice", "correct-horse", "10.0.0.1", "")
	require.NoError(t, err)
	require.NoError(t, env.svc.Logout(ctx, result.AccessToken, "10.0.0.1"))

	_, err = env.svc.Validate(ctx, result.AccessToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	_, err = env.svc.Refresh(ctx, result.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked, "logout revokes the refresh token too")

	rec := env.sink.lastOfType(t, audit.EventLogout)
	assert.Equal(t, result.Session.ID.String(), rec.Metadata["session_id"])
}

func TestLogout_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "correct-horse")
	ctx := context.Background()

	result, err := env.svc.Login(ctx, "alice", "correct-horse", "10.0.0.1", "")
	require.NoError(t, err)

	require.NoError(t, env.svc.Logout(ctx, result.AccessToken, "10.0.0.1"))
	assert.NoError(t, env.svc.Logout(ctx, result.AccessToken, "10.0.0.1"),
		"second logout finds the desired state already holds")
}

func TestRefresh_RotationRevokesOldToken(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "correct-horse")
	ctx := context.Background()

	login, err := env.svc.Login(ctx, "alice", "correct-horse", "10.0.0.1", "")
	require.NoError(t, err)

	refreshed, err := env.svc.Refresh(ctx, login.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, login.AccessToken, refreshed.AccessToken)
	assert.NotEqual(t, login.RefreshToken, refreshed.RefreshToken)

	oldClaims, err := env.svc.tokens.Validate(login.RefreshToken)
	require.NoError(t, err)
	assert.True(t, env.sessions.token(t, oldClaims.TokenID()).Revoked)

	_, err = env.svc.Refresh(ctx, login.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked, "a rotated-out refresh token is spent")

	v, err := env.svc.Validate(ctx, refreshed.AccessToken)
	require.NoError(t, err)
	assert.True(t, v.Valid)

	rec := env.sink.lastOfType(t, audit.EventTokenRefresh)
	assert.Equal(t, true, rec.Metadata["rotated"])
	assert.Equal(t, login.Session.ID.String(), rec.Metadata["session_id"])
}

func TestRefresh_WithoutRotation(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.RefreshRotation = false })
	env.seedUser(t, "alice", "correct-horse")
	ctx := context.Background()

	login, err := env.svc.Login(ctx, "alice", "correct-horse", "10.0.0.1", "")
	require.NoError(t, err)

	refreshed, err := env.svc.Refresh(ctx, login.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, login.RefreshToken, refreshed.RefreshToken,
		"without rotation the refresh token survives the exchange")

	again, err := env.svc.Refresh(ctx, login.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, refreshed.AccessToken, again.AccessToken)

	rec := env.sink.lastOfType(t, audit.EventTokenRefresh)
	assert.Equal(t, false, rec.Metadata["rotated"])
}

func TestRefresh_RejectsAccessToken(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "correct-horse")
	ctx := context.Background()

	login, err := env.svc.Login(ctx, "alice", "correct-horse", "10.0.0.1", "")
	require.NoError(t, err)

	_, err = env.svc.Refresh(ctx, login.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefresh_InactiveUser(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "alice", "correct-horse")
	ctx := context.Background()

	login, err := env.svc.Login(ctx, "alice", "correct-horse", "10.0.0.1", "")
	require.NoError(t, err)
	require.NoError(t, env.svc.DeactivateUser(ctx, user.ID))

	_, err = env.svc.Refresh(ctx, login.RefreshToken)
	assert.ErrorIs(t, err, ErrAccountInactive)
}

func TestEndAllSessions(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "alice", "correct-horse")
	ctx := context.Background()

	first, err := env.svc.Login(ctx, "alice", "correct-horse", "10.0.0.1", "laptop")
	require.NoError(t, err)
	second, err := env.svc.Login(ctx, "alice", "correct-horse", "10.0.0.2", "phone")
	require.NoError(t, err)

	count, err := env.svc.EndAllSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = env.svc.Validate(ctx, first.AccessToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	_, err = env.svc.Validate(ctx, second.AccessToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	sessions, err := env.svc.ListSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestEndSession_OwnershipEnforced(t *testing.T) {
	env := newTestEnv(t)
	alice := env.seedUser(t, "alice", "correct-horse")
	bob := env.seedUser(t, "bob", "hunter2-hunter2")
	ctx := context.Background()

	login, err := env.svc.Login(ctx, "alice", "correct-horse", "10.0.0.1", "")
	require.NoError(t, err)

	err = env.svc.EndSession(ctx, login.Session.ID, bob.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound, "one user cannot end another's session")

	require.NoError(t, env.svc.EndSession(ctx, login.Session.ID, alice.ID))
	_, err = env.svc.Validate(ctx, login.AccessToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestListSessions(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "alice", "correct-horse")
	ctx := context.Background()

	_, err := env.svc.Login(ctx, "alice", "correct-horse", "10.0.0.1", "laptop")
	require.NoError(t, err)
	_, err = env.svc.Login(ctx, "alice", "correct-horse", "10.0.0.2", "phone")
	require.NoError(t, err)

	sessions, err := env.svc.ListSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.Equal(t, user.ID, s.UserID)
	}
}
