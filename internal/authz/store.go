package authz

import (
	"context"

	"github.com/google/uuid"
)

// PolicyFilter narrows ListPolicies. Nil fields mean "any".
type PolicyFilter struct {
	Effect   *Effect
	IsActive *bool
	Limit    int
	Offset   int
}

// PolicyStore is the persistence boundary for policies. Implementations
// return ErrPolicyNotFound for absent ids.
type PolicyStore interface {
	CreatePolicy(ctx context.Context, p *Policy) error
	GetPolicy(ctx context.Context, id uuid.UUID) (*Policy, error)
	// UpdatePolicy persists p; when bumpVersion is set the stored version is
	// incremented atomically and written back into p.
	UpdatePolicy(ctx context.Context, p *Policy, bumpVersion bool) error
	SoftDeletePolicy(ctx context.Context, id uuid.UUID) error
	HardDeletePolicy(ctx context.Context, id uuid.UUID) error
	ListPolicies(ctx context.Context, filter PolicyFilter) ([]Policy, error)
	// ListActivePolicies is the evaluation hot path.
	ListActivePolicies(ctx context.Context) ([]Policy, error)
	CountPolicies(ctx context.Context) (total, active int, err error)
}

// SubjectResolver turns a subject identifier into the attributes targets and
// conditions can reference. Unknown subjects resolve to bare attributes, not
// an error; only infrastructure failures error.
type SubjectResolver interface {
	ResolveSubject(ctx context.Context, subject string) (*SubjectAttributes, error)
}
