package authn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gatekeeper/internal/audit"
)

// CreateUserInput carries everything needed to provision an account.
type CreateUserInput struct {
	Username string
	Email    string
	Password string
	Roles    []string
	Metadata map[string]any
}

func (in *CreateUserInput) validate() error {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if len(in.Username) < 3 || len(in.Username) > 64 {
		return fmt.Errorf("username must be 3-64 characters")
	}
	if in.Email != "" && !strings.Contains(in.Email, "@") {
		return fmt.Errorf("invalid email address")
	}
	if len(in.Password) < 8 {
		return ErrWeakPassword
	}
	return nil
}

// CreateUser provisions a new account. Usernames are unique; a duplicate
// surfaces as ErrUsernameTaken.
func (s *Service) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	roles := in.Roles
	if len(roles) == 0 {
		roles = []string{"user"}
	}

	now := time.Now().UTC()
	user := &User{
		ID:           uuid.New(),
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Roles:        roles,
		PrimaryRole:  roles[0],
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     in.Metadata,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("user created", "user_id", user.ID, "username", user.Username, "roles", user.Roles)
	return user, nil
}

// GetUser fetches a user by id, via the read-through cache.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.userByID(ctx, id)
}

// GetUserByUsername fetches a user by username, via the read-through cache.
func (s *Service) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.userByUsername(ctx, username)
}

// UpdateProfileInput holds the self-service mutable fields. Nil means
// "leave unchanged".
type UpdateProfileInput struct {
	Email    *string
	Metadata map[string]any
}

// UpdateProfile lets a user change their own email and metadata. Roles and
// activation are not reachable from here.
func (s *Service) UpdateProfile(ctx context.Context, userID uuid.UUID, in UpdateProfileInput) (*User, error) {
	user, err := s.userByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if in.Email != nil {
		email := strings.TrimSpace(*in.Email)
		if email != "" && !strings.Contains(email, "@") {
			return nil, fmt.Errorf("invalid email address")
		}
		if email != user.Email {
			user.EmailVerified = false
		}
		user.Email = email
	}
	if in.Metadata != nil {
		user.Metadata = in.Metadata
	}
	user.UpdatedAt = time.Now().UTC()

	if err := s.users.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	s.cache.invalidate(user.ID, user.Username)
	return user, nil
}

// ChangePassword verifies the current password, installs the new hash, and
// ends every session of the user. Tokens minted before the change must not
// outlive it, so all of the user's unrevoked tokens are revoked, not just the
// pairs still attached to a session.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, current, next string) error {
	user, err := s.userByID(ctx, userID)
	if err != nil {
		return err
	}

	if err := s.hasher.Compare(user.PasswordHash, current); err != nil {
		s.auditEvent(user.ID.String(), audit.EventPasswordChange, false, map[string]any{
			"reason": ReasonInvalidPassword,
		})
		return ErrPasswordMismatch
	}
	if len(next) < 8 {
		return ErrWeakPassword
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		return err
	}
	s.cache.invalidate(user.ID, user.Username)

	count, revokedIDs, err := s.sessions.EndAllUserSessions(ctx, userID)
	if err != nil {
		// Password already changed; report the cleanup failure rather than
		// pretending the old sessions are gone.
		return fmt.Errorf("password changed but ending sessions failed: %w", err)
	}
	s.revoked.MarkRevoked(ctx, revokedIDs, s.config.RefreshTokenTTL)
	s.metrics.TokensRevoked.Add(uint64(len(revokedIDs)))

	s.auditEvent(user.ID.String(), audit.EventPasswordChange, true, map[string]any{
		"sessions_ended": count,
		"tokens_revoked": len(revokedIDs),
	})
	s.logger.Info("password changed", "user_id", userID, "sessions_ended", count)
	return nil
}

// DeactivateUser flips is_active off and ends all sessions. The row survives
// so audit history keeps its subject.
func (s *Service) DeactivateUser(ctx context.Context, userID uuid.UUID) error {
	user, err := s.userByID(ctx, userID)
	if err != nil {
		return err
	}
	user.IsActive = false
	user.UpdatedAt = time.Now().UTC()
	if err := s.users.UpdateUser(ctx, user); err != nil {
		return err
	}
	s.cache.invalidate(user.ID, user.Username)

	if _, err := s.EndAllSessions(ctx, userID); err != nil {
		return fmt.Errorf("user deactivated but ending sessions failed: %w", err)
	}
	return nil
}

// DeleteUser removes the account outright. Sessions and tokens go with it
// via FK cascade; the revocation cache is primed first so already-issued
// access tokens die immediately rather than at the next database check.
func (s *Service) DeleteUser(ctx context.Context, userID uuid.UUID) error {
	user, err := s.userByID(ctx, userID)
	if err != nil {
		return err
	}

	if _, err := s.EndAllSessions(ctx, userID); err != nil {
		return err
	}
	if err := s.users.DeleteUser(ctx, userID); err != nil {
		return err
	}
	s.cache.invalidate(user.ID, user.Username)
	s.logger.Info("user deleted", "user_id", userID, "username", user.Username)
	return nil
}
