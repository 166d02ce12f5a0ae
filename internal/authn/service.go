package authn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gatekeeper/internal/audit"
	"gatekeeper/internal/crypto"
)

// Config is the tunable behavior of the authentication core.
type Config struct {
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	RefreshRotation   bool
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	UserCacheTTL      time.Duration
	MFAIssuer         string
}

// Service orchestrates the authentication flow. It is agnostic of HTTP
// transport and of the concrete stores behind its interfaces.
type Service struct {
	config   Config
	users    UserStore
	sessions SessionStore
	hasher   PasswordHasher
	tokens   TokenProvider
	revoked  RevocationCache
	secrets  *crypto.SecretBox
	cache    *userCache
	audit    audit.Sink
	logger   *slog.Logger
	metrics  *Metrics

	// dummyHash is compared against the password on unknown-username logins
	// so that path costs the same as a wrong password.
	dummyHash string
}

// NewService wires the authentication core. revoked, secrets, and sink may
// be nil: without a revocation cache every check hits the session store,
// without a secret box TOTP seeds are stored as-is, and without a sink audit
// records are discarded.
func NewService(
	cfg Config,
	users UserStore,
	sessions SessionStore,
	hasher PasswordHasher,
	tokens TokenProvider,
	revoked RevocationCache,
	secrets *crypto.SecretBox,
	sink audit.Sink,
	logger *slog.Logger,
) (*Service, error) {
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = time.Hour
	}
	if cfg.RefreshTokenTTL <= cfg.AccessTokenTTL {
		cfg.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if revoked == nil {
		revoked = NopRevocationCache{}
	}
	if sink == nil {
		sink = audit.NopSink{}
	}

	dummy, err := newDummyHash(hasher)
	if err != nil {
		return nil, fmt.Errorf("init auth service: %w", err)
	}

	return &Service{
		config:    cfg,
		users:     users,
		sessions:  sessions,
		hasher:    hasher,
		tokens:    tokens,
		revoked:   revoked,
		secrets:   secrets,
		cache:     newUserCache(cfg.UserCacheTTL),
		audit:     sink,
		logger:    logger,
		metrics:   newMetrics(),
		dummyHash: dummy,
	}, nil
}

// userByID is the read-through cache path for id lookups.
func (s *Service) userByID(ctx context.Context, id uuid.UUID) (*User, error) {
	if u := s.cache.getByID(id); u != nil {
		return u, nil
	}
	u, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.put(u)
	return u, nil
}

// userByUsername is the read-through cache path for username lookups.
func (s *Service) userByUsername(ctx context.Context, username string) (*User, error) {
	if u := s.cache.getByUsername(username); u != nil {
		return u, nil
	}
	u, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	s.cache.put(u)
	return u, nil
}

// auditEvent enqueues one audit record for a user-scoped event.
func (s *Service) auditEvent(userID, event string, success bool, meta map[string]any) {
	s.audit.Write(audit.Record{
		UserID:    userID,
		EventType: event,
		Success:   success,
		Metadata:  meta,
	})
}

// IsNotFound reports whether err is the user-missing sentinel. Small helper
// for handlers that fold not-found into generic 401s.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}
