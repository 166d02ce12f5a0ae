package authn

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"gatekeeper/internal/audit"
)

// fakeUserStore is an in-memory UserStore mirroring the postgres semantics
// the service depends on: sentinel errors, the single-statement lockout
// counter, and field-scoped updates.
type fakeUserStore struct {
	mu     sync.Mutex
	users  map[uuid.UUID]*User
	byName map[string]uuid.UUID
	err    error
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		users:  make(map[uuid.UUID]*User),
		byName: make(map[string]uuid.UUID),
	}
}

func (s *fakeUserStore) CreateUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, taken := s.byName[u.Username]; taken {
		return ErrUsernameTaken
	}
	s.users[u.ID] = u.clone()
	s.byName[u.Username] = u.ID
	return nil
}

func (s *fakeUserStore) GetUserByID(_ context.Context, id uuid.UUID) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u.clone(), nil
}

func (s *fakeUserStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	id, ok := s.byName[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return s.users[id].clone(), nil
}

func (s *fakeUserStore) UpdateUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.users[u.ID]
	if !ok {
		return ErrUserNotFound
	}
	stored.Email = u.Email
	stored.Roles = append([]string(nil), u.Roles...)
	stored.PrimaryRole = u.PrimaryRole
	stored.IsActive = u.IsActive
	stored.EmailVerified = u.EmailVerified
	stored.Metadata = u.Metadata
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *fakeUserStore) UpdatePassword(_ context.Context, id uuid.UUID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	stored.PasswordHash = hash
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *fakeUserStore) UpdateMFA(_ context.Context, id uuid.UUID, secret string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	stored.MFASecret = secret
	stored.MFAEnabled = enabled
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *fakeUserStore) RecordLoginFailure(_ context.Context, id uuid.UUID, maxAttempts int, lockUntil time.Time) (int, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.users[id]
	if !ok {
		return 0, nil, ErrUserNotFound
	}
	stored.FailedLoginAttempts++
	if stored.FailedLoginAttempts >= maxAttempts {
		t := lockUntil
		stored.LockedUntil = &t
	}
	return stored.FailedLoginAttempts, stored.LockedUntil, nil
}

func (s *fakeUserStore) RecordLoginSuccess(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	stored.FailedLoginAttempts = 0
	stored.LockedUntil = nil
	t := at
	stored.LastLogin = &t
	return nil
}

func (s *fakeUserStore) DeleteUser(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	delete(s.byName, stored.Username)
	delete(s.users, id)
	return nil
}

func (s *fakeUserStore) CountUsers(_ context.Context) (int, int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total, active, locked := 0, 0, 0
	now := time.Now()
	for _, u := range s.users {
		total++
		if u.IsActive {
			active++
		}
		if u.Locked(now) {
			locked++
		}
	}
	return total, active, locked, nil
}

// get reads the stored row directly, bypassing the service cache.
func (s *fakeUserStore) get(t *testing.T, id uuid.UUID) *User {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	require.True(t, ok, "user %s not in store", id)
	return u.clone()
}

// fakeSessionStore is an in-memory SessionStore with the same transactional
// outcomes as the postgres one.
type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	tokens   map[uuid.UUID]*Token
	err      error
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: make(map[uuid.UUID]*Session),
		tokens:   make(map[uuid.UUID]*Token),
	}
}

func (s *fakeSessionStore) CreateSession(_ context.Context, sess *Session, access, refresh *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	a, r, cp := *access, *refresh, *sess
	s.tokens[a.ID] = &a
	s.tokens[r.ID] = &r
	s.sessions[cp.ID] = &cp
	return nil
}

func (s *fakeSessionStore) GetToken(_ context.Context, id uuid.UUID) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	tok, ok := s.tokens[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s *fakeSessionStore) GetSessionByTokenID(_ context.Context, tokenID uuid.UUID) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	sess := s.findByTokenLocked(tokenID)
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *fakeSessionStore) findByTokenLocked(tokenID uuid.UUID) *Session {
	for _, sess := range s.sessions {
		if sess.AccessTokenID == tokenID || sess.RefreshTokenID == tokenID {
			return sess
		}
	}
	return nil
}

func (s *fakeSessionStore) ListUserSessions(_ context.Context, userID uuid.UUID) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []Session
	now := time.Now()
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.ExpiresAt.After(now) {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *fakeSessionStore) revokeLocked(ids ...uuid.UUID) []uuid.UUID {
	now := time.Now().UTC()
	var revoked []uuid.UUID
	for _, id := range ids {
		tok, ok := s.tokens[id]
		if !ok || tok.Revoked {
			continue
		}
		tok.Revoked = true
		tok.RevokedAt = &now
		revoked = append(revoked, id)
	}
	return revoked
}

func (s *fakeSessionStore) RevokeSessionByTokenID(_ context.Context, tokenID uuid.UUID) (*Session, []uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, nil, s.err
	}
	sess := s.findByTokenLocked(tokenID)
	if sess == nil {
		return nil, nil, ErrSessionNotFound
	}
	revoked := s.revokeLocked(sess.AccessTokenID, sess.RefreshTokenID)
	delete(s.sessions, sess.ID)
	cp := *sess
	return &cp, revoked, nil
}

func (s *fakeSessionStore) EndSession(_ context.Context, sessionID, userID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	sess, ok := s.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	revoked := s.revokeLocked(sess.AccessTokenID, sess.RefreshTokenID)
	delete(s.sessions, sessionID)
	return revoked, nil
}

func (s *fakeSessionStore) EndAllUserSessions(_ context.Context, userID uuid.UUID) (int, []uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, nil, s.err
	}
	count := 0
	for id, sess := range s.sessions {
		if sess.UserID == userID {
			delete(s.sessions, id)
			count++
		}
	}
	// Every live token of the user goes, matching the store's sweep.
	var ids []uuid.UUID
	for id, tok := range s.tokens {
		if tok.UserID == userID && !tok.Revoked {
			ids = append(ids, id)
		}
	}
	return count, s.revokeLocked(ids...), nil
}

func (s *fakeSessionStore) RefreshSession(_ context.Context, sessionID, oldRefreshID uuid.UUID, newAccess, newRefresh *Token) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	old, ok := s.tokens[oldRefreshID]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if old.Revoked {
		return nil, ErrTokenRevoked
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	a := *newAccess
	s.tokens[a.ID] = &a
	sess.AccessTokenID = a.ID
	sess.LastSeen = time.Now().UTC()

	if newRefresh == nil {
		return nil, nil
	}
	r := *newRefresh
	s.tokens[r.ID] = &r
	sess.RefreshTokenID = r.ID
	return s.revokeLocked(oldRefreshID), nil
}

func (s *fakeSessionStore) CountActiveSessions(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	now := time.Now()
	for _, sess := range s.sessions {
		if sess.ExpiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

func (s *fakeSessionStore) token(t *testing.T, id uuid.UUID) *Token {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	require.True(t, ok, "token %s not in store", id)
	cp := *tok
	return &cp
}

// fastHasher swaps bcrypt out of the hot loop. Compare counts calls so the
// dummy-hash timing path is observable.
type fastHasher struct {
	mu       sync.Mutex
	compares int
}

func (h *fastHasher) Hash(password string) (string, error) {
	return "plain:" + password, nil
}

func (h *fastHasher) Compare(hash, password string) error {
	h.mu.Lock()
	h.compares++
	h.mu.Unlock()
	if hash != "plain:"+password {
		return fmt.Errorf("hash mismatch")
	}
	return nil
}

func (h *fastHasher) compareCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.compares
}

// captureSink collects audit records for assertions.
type captureSink struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (c *captureSink) Write(rec audit.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
}

func (c *captureSink) records() []audit.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audit.Record(nil), c.recs...)
}

func (c *captureSink) lastOfType(t *testing.T, eventType string) audit.Record {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.recs) - 1; i >= 0; i-- {
		if c.recs[i].EventType == eventType {
			return c.recs[i]
		}
	}
	t.Fatalf("no %s record captured", eventType)
	return audit.Record{}
}

type testEnv struct {
	svc      *Service
	users    *fakeUserStore
	sessions *fakeSessionStore
	hasher   *fastHasher
	sink     *captureSink
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	cfg := Config{
		AccessTokenTTL:    15 * time.Minute,
		RefreshTokenTTL:   24 * time.Hour,
		RefreshRotation:   true,
		MaxFailedAttempts: 3,
		LockoutDuration:   10 * time.Minute,
		UserCacheTTL:      time.Minute,
		MFAIssuer:         "gatekeeper-test",
	}
	for _, m := range mutate {
		m(&cfg)
	}

	users := newFakeUserStore()
	sessions := newFakeSessionStore()
	hasher := &fastHasher{}
	sink := &captureSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc, err := NewService(cfg, users, sessions, hasher,
		NewJWTProvider("test-signing-secret", ""), nil, nil, sink, logger)
	require.NoError(t, err)

	return &testEnv{svc: svc, users: users, sessions: sessions, hasher: hasher, sink: sink}
}

func (env *testEnv) seedUser(t *testing.T, username, password string, roles ...string) *User {
	t.Helper()
	user, err := env.svc.CreateUser(context.Background(), CreateUserInput{
		Username: username,
		Email:    username + "@example.com",
		Password: password,
		Roles:    roles,
	})
	require.NoError(t, err)
	return user
}
