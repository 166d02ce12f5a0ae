package api

import (
	"context"
	"errors"

	"gatekeeper/internal/authn"
)

type contextKey string

const identityKey contextKey = "identity"

var errNoIdentity = errors.New("no identity in context")

func withIdentity(ctx context.Context, v *authn.ValidationResult) context.Context {
	return context.WithValue(ctx, identityKey, v)
}

// Identity returns the validated token identity placed by RequireAuth.
func Identity(ctx context.Context) (*authn.ValidationResult, error) {
	v, ok := ctx.Value(identityKey).(*authn.ValidationResult)
	if !ok || v == nil {
		return nil, errNoIdentity
	}
	return v, nil
}
