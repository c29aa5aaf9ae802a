package auth

import "context"

// CredentialStore resolves users for authentication and principal loading.
type CredentialStore interface {
	UserByLogin(ctx context.Context, login string) (User, error)
	UserByID(ctx context.Context, id int64) (User, error)
}

// PermissionStore answers whether a (role, action, resource) row exists.
type PermissionStore interface {
	HasPermission(ctx context.Context, role, action, resource string) (bool, error)
}

// UserStore extends CredentialStore with the mutations used by registration,
// profile updates and fixture seeding.
type UserStore interface {
	CredentialStore
	PermissionStore

	CreateUser(ctx context.Context, u NewUser) (User, error)
	UpdatePassword(ctx context.Context, userID int64, passwordHash string) error
	SetActive(ctx context.Context, userID int64, active bool) error
	EnsureRole(ctx context.Context, name, label string) (Role, error)
	GrantPermission(ctx context.Context, role, action, resource string) error
}
