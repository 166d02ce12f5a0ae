package authn

import (
	"context"
	"errors"
	"fmt"

	"gatekeeper/internal/audit"
)

// EnsureDefaultAdmin creates the bootstrap admin account on an empty install
// so the control plane is usable before any out-of-band provisioning. It is
// idempotent: an existing admin user short-circuits, and two instances racing
// on first boot both succeed because the loser treats the unique-violation as
// "already done".
func (s *Service) EnsureDefaultAdmin(ctx context.Context, password string) error {
	if _, err := s.users.GetUserByUsername(ctx, "admin"); err == nil {
		return nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return fmt.Errorf("check admin account: %w", err)
	}

	_, err := s.CreateUser(ctx, CreateUserInput{
		Username: "admin",
		Email:    "admin@localhost",
		Password: password,
		Roles:    []string{"admin", "user"},
	})
	if errors.Is(err, ErrUsernameTaken) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create admin account: %w", err)
	}

	s.logger.Warn("default admin account created, change its password before exposing this service",
		"username", "admin")
	s.auditEvent("", audit.EventAdminBootstrap, true, map[string]any{
		"username": "admin",
	})
	return nil
}
