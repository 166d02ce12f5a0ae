package authn

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/internal/audit"
	"gatekeeper/internal/crypto"
)

func totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	return code
}

// enrollMFA walks a seeded user through setup and activation, returning the
// shared secret so tests can mint valid codes.
func enrollMFA(t *testing.T, env *testEnv, user *User) string {
	t.Helper()
	ctx := context.Background()

	setup, err := env.svc.SetupMFA(ctx, user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, setup.Secret)

	require.NoError(t, env.svc.ActivateMFA(ctx, user.ID, totpCode(t, setup.Secret)))
	return setup.Secret
}

func TestSetupMFA(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "alice", "correct-horse")
	ctx := context.Background()

	setup, err := env.svc.SetupMFA(ctx, user.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, setup.Secret)
	assert.Contains(t, setup.OTPAuthURL, "otpauth://totp/")
	assert.Contains(t, setup.OTPAuthURL, "gatekeeper-test")

	stored := env.users.get(t, user.ID)
	assert.Equal(t, setup.Secret, stored.MFASecret)
	assert.False(t, stored.MFAEnabled, "setup provisions but does not enforce")

	// Re-running setup replaces a pending secret.
	second, err := env.svc.SetupMFA(ctx, user.ID)
	require.NoError(t, err)
	assert.NotEqual(t, setup.Secret, second.Secret)
}

func TestSetupMFA_AlreadyEnabled(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "alice", "correct-horse")
	enrollMFA(t, env, user)

	_, err := env.svc.SetupMFA(context.Background(), user.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already enabled")
}

func TestActivateMFA(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "alice", "correct-horse")
	ctx := context.Background()

	err := env.svc.ActivateMFA(ctx, user.ID, "000000")
	assert.ErrorIs(t, err, ErrMFANotProvisioned, "activation requires a prior setup")

	setup, err := env.svc.SetupMFA(ctx, user.ID)
	require.NoError(t, err)

	err = env.svc.ActivateMFA(ctx, user.ID, "000000")
	assert.ErrorIs(t, err, ErrInvalidMFACode)
	assert.False(t, env.users.get(t, user.ID).MFAEnabled)

	require.NoError(t, env.svc.ActivateMFA(ctx, user.ID, totpCode(t, setup.Secret)))
	assert.True(t, env.users.get(t, user.ID).MFAEnabled)

	rec := env.sink.lastOfType(t, audit.EventMFAVerified)
	assert.Equal(t, "mfa_enabled", rec.Metadata["action"])
}

func TestDisableMFA(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "alice", "correct-horse")
	ctx := context.Background()

	// Disabling an account without MFA is a no-op, not an error.
	require.NoError(t, env.svc.DisableMFA(ctx, user.ID, "000000"))

	secret := enrollMFA(t, env, user)

	err := env.svc.DisableMFA(ctx, user.ID, "000000")
	assert.ErrorIs(t, err, ErrInvalidMFACode, "disabling demands a live code")
	assert.True(t, env.users.get(t, user.ID).MFAEnabled)

	require.NoError(t, env.svc.DisableMFA(ctx, user.ID, totpCode(t, secret)))
	stored := env.users.get(t, user.ID)
	assert.False(t, stored.MFAEnabled)
	assert.Empty(t, stored.MFASecret, "the secret goes with the enrollment")
}

func TestMFASecretEncryptedAtRest(t *testing.T) {
	env := newTestEnv(t)
	box, err := crypto.NewSecretBox("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	env.svc.secrets = box

	user := env.seedUser(t, "alice", "correct-horse")
	ctx := context.Background()

	setup, err := env.svc.SetupMFA(ctx, user.ID)
	require.NoError(t, err)

	stored := env.users.get(t, user.ID)
	assert.True(t, strings.HasPrefix(stored.MFASecret, "enc:"), "seed must not be stored bare")
	assert.NotContains(t, stored.MFASecret, setup.Secret)

	// The full flow works against the sealed seed.
	require.NoError(t, env.svc.ActivateMFA(ctx, user.ID, totpCode(t, setup.Secret)))
	assert.True(t, strings.HasPrefix(env.users.get(t, user.ID).MFASecret, "enc:"))

	login, err := env.svc.Login(ctx, "alice", "correct-horse", "10.0.0.1", "")
	require.NoError(t, err)
	require.True(t, login.MFARequired)
	_, err = env.svc.VerifyLoginMFA(ctx, login.PreAuthToken, totpCode(t, setup.Secret), "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, env.svc.DisableMFA(ctx, user.ID, totpCode(t, setup.Secret)))
}

func TestMFASecretPlaintextFallback(t *testing.T) {
	// Enroll without a secret box, then configure one: seeds written bare
	// before the key existed must keep validating.
	env := newTestEnv(t)
	user := env.seedUser(t, "alice", "correct-horse")
	secret := enrollMFA(t, env, user)

	box, err := crypto.NewSecretBox("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	env.svc.secrets = box

	login, err := env.svc.Login(context.Background(), "alice", "correct-horse", "10.0.0.1", "")
	require.NoError(t, err)
	require.True(t, login.MFARequired)
	_, err = env.svc.VerifyLoginMFA(context.Background(), login.PreAuthToken, totpCode(t, secret), "10.0.0.1")
	require.NoError(t, err)
}

func TestVerifyLoginMFA_CompletesLogin(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "alice", "correct-horse")
	secret := enrollMFA(t, env, user)
	ctx := context.Background()

	login, err := env.svc.Login(ctx, "alice", "correct-horse", "10.0.0.1", "")
	require.NoError(t, err)
	require.True(t, login.MFARequired)

	result, err := env.svc.VerifyLoginMFA(ctx, login.PreAuthToken, totpCode(t, secret), "10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.AccessToken)
	assert.NotEmpty(t, result.RefreshToken)
	require.NotNil(t, result.Session)

	v, err := env.svc.Validate(ctx, result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, v.UserID)

	rec := env.sink.lastOfType(t, audit.EventMFAVerified)
	assert.Equal(t, result.Session.ID.String(), rec.Metadata["session_id"])
}

func TestVerifyLoginMFA_RejectsAccessToken(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "correct-horse")
	ctx := context.Background()

	login, err := env.svc.Login(ctx, "alice", "correct-horse", "10.0.0.1", "")
	require.NoError(t, err)

	_, err = env.svc.VerifyLoginMFA(ctx, login.AccessToken, "000000", "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidToken, "only pre-auth tokens enter MFA verification")
}

func TestVerifyLoginMFA_WrongCodeCountsTowardLockout(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "alice", "correct-horse")
	enrollMFA(t, env, user)
	ctx := context.Background()

	login, err := env.svc.Login(ctx, "alice", "correct-horse", "10.0.0.1", "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = env.svc.VerifyLoginMFA(ctx, login.PreAuthToken, "000000", "10.0.0.1")
		require.ErrorIs(t, err, ErrInvalidMFACode, "attempt %d", i+1)
	}

	stored := env.users.get(t, user.ID)
	assert.Equal(t, 3, stored.FailedLoginAttempts)
	require.NotNil(t, stored.LockedUntil, "wrong codes lock exactly like wrong passwords")

	rec := env.sink.lastOfType(t, audit.EventMFAFailed)
	assert.Equal(t, ReasonInvalidMFACode, rec.Metadata["reason"])
	assert.Equal(t, 3, rec.Metadata["failed_attempts"])

	_, err = env.svc.VerifyLoginMFA(ctx, login.PreAuthToken, "000000", "10.0.0.1")
	assert.ErrorIs(t, err, ErrAccountLocked)

	_, err = env.svc.Login(ctx, "alice", "correct-horse", "10.0.0.1", "")
	assert.ErrorIs(t, err, ErrAccountLocked, "the lock covers password logins too")
}
