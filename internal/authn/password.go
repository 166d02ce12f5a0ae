package authn

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher is the contract for password operations. An interface so
// tests can swap in a cheap hasher and the cost can be tuned without touching
// callers.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// BcryptHasher implements PasswordHasher using bcrypt. The produced hash
// already carries algorithm, cost and salt in its `$2a$cost$salthash` form.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a hasher. Costs outside bcrypt's valid range fall
// back to 12. Raise the cost as hardware gets faster.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = 12
	}
	return &BcryptHasher{cost: cost}
}

// Hash returns the bcrypt hash of the password.
func (h *BcryptHasher) Hash(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}

// Compare checks the password against the hash. bcrypt's comparison is
// constant-time over the hash length. Returns nil on match.
func (h *BcryptHasher) Compare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// newDummyHash produces a hash of random garbage, burned against incoming
// passwords when the username does not exist so the unknown-user path costs
// the same as a wrong password. Keeps response timing from leaking which
// usernames are real.
func newDummyHash(h PasswordHasher) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to seed dummy hash: %w", err)
	}
	hash, err := h.Hash(hex.EncodeToString(buf))
	if err != nil {
		return "", fmt.Errorf("failed to create dummy hash: %w", err)
	}
	return hash, nil
}
