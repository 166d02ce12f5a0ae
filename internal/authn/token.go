package authn

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// preAuthTTL bounds the MFA verification window after a correct password.
const preAuthTTL = 5 * time.Minute

// Claims are the JWT claims we mint. UserID shadows the registered subject
// claim with a typed field; jti (RegisteredClaims.ID) is the token row id so
// revocation checks can find the row.
type Claims struct {
	UserID   uuid.UUID `json:"sub"`
	Username string    `json:"username,omitempty"`
	Kind     string    `json:"kind"`
	Scopes   []string  `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// TokenID returns the jti as a UUID, uuid.Nil when absent or malformed.
func (c *Claims) TokenID() uuid.UUID {
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// TokenProvider is the signing primitive. An interface so tests can issue
// doctored tokens without a real secret.
type TokenProvider interface {
	Generate(user *User, tokenID uuid.UUID, kind string, ttl time.Duration, scopes []string) (string, error)
	GeneratePreAuth(user *User, tokenID uuid.UUID) (string, error)
	Validate(tokenString string) (*Claims, error)
}

// JWTProvider implements TokenProvider with HMAC-SHA256 (HS256) over the
// configured signing secret.
type JWTProvider struct {
	secret []byte
	issuer string
}

// NewJWTProvider creates the provider. An empty secret is a deployment bug,
// not a runtime condition, so it refuses loudly.
func NewJWTProvider(secret, issuer string) *JWTProvider {
	if secret == "" {
		panic("token signing secret must not be empty")
	}
	if issuer == "" {
		issuer = "gatekeeper-authn"
	}
	return &JWTProvider{secret: []byte(secret), issuer: issuer}
}

// Generate creates a signed token of the given kind.
// IssuedAt/NotBefore are backdated one minute to absorb clock skew between
// the services that will verify this token.
func (p *JWTProvider) Generate(user *User, tokenID uuid.UUID, kind string, ttl time.Duration, scopes []string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   user.ID,
		Username: user.Username,
		Kind:     kind,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now.Add(-1 * time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-1 * time.Minute)),
			Issuer:    p.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// GeneratePreAuth creates the short-lived token handed out between a correct
// password and a correct MFA code. It carries no scopes and cannot be used
// against gated routes.
func (p *JWTProvider) GeneratePreAuth(user *User, tokenID uuid.UUID) (string, error) {
	return p.Generate(user, tokenID, TokenKindPreAuth, preAuthTTL, nil)
}

// Validate parses and verifies a token string, returning its claims.
func (p *JWTProvider) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
