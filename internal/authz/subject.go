package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"gatekeeper/internal/authn"
)

// DirectoryResolver resolves subjects against the user directory, read-only.
// Subjects are tried as user ids first, then as usernames. A subject the
// directory does not know is still a valid subject: targets can name it
// literally.
type DirectoryResolver struct {
	users authn.UserStore
}

func NewDirectoryResolver(users authn.UserStore) *DirectoryResolver {
	return &DirectoryResolver{users: users}
}

func (r *DirectoryResolver) ResolveSubject(ctx context.Context, subject string) (*SubjectAttributes, error) {
	var (
		user *authn.User
		err  error
	)
	if id, parseErr := uuid.Parse(subject); parseErr == nil {
		user, err = r.users.GetUserByID(ctx, id)
	} else {
		user, err = r.users.GetUserByUsername(ctx, subject)
	}
	if err != nil {
		if errors.Is(err, authn.ErrUserNotFound) {
			return &SubjectAttributes{UserID: subject}, nil
		}
		return nil, fmt.Errorf("resolve subject: %w", err)
	}

	return &SubjectAttributes{
		UserID:      user.ID.String(),
		Username:    user.Username,
		Roles:       append([]string(nil), user.Roles...),
		PrimaryRole: user.PrimaryRole,
		Metadata:    user.Metadata,
	}, nil
}

// StaticResolver serves fixed attributes, for deployments where the
// authorization service runs without directory access and for tests.
type StaticResolver map[string]*SubjectAttributes

func (r StaticResolver) ResolveSubject(_ context.Context, subject string) (*SubjectAttributes, error) {
	if attrs, ok := r[subject]; ok {
		return attrs, nil
	}
	return &SubjectAttributes{UserID: subject}, nil
}
