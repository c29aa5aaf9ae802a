package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

var _ UserStore = (*MemoryStore)(nil)

// MemoryStore is an in-process UserStore used for tests and dev mode.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	roles  map[string]Role
	users  map[int64]User
	logins map[string]int64
	perms  map[permKey]struct{}
}

type permKey struct {
	role, action, resource string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:  make(map[string]Role),
		users:  make(map[int64]User),
		logins: make(map[string]int64),
		perms:  make(map[permKey]struct{}),
	}
}

func normLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}

func (m *MemoryStore) UserByLogin(ctx context.Context, login string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.logins[normLogin(login)]
	if !ok {
		return User{}, ErrNotFound
	}
	return m.users[id], nil
}

func (m *MemoryStore) UserByID(ctx context.Context, id int64) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *MemoryStore) HasPermission(ctx context.Context, role, action, resource string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.perms[permKey{role, action, resource}]
	return ok, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, nu NewUser) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[nu.RoleName]
	if !ok {
		return User{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, nu.RoleName)
	}
	login := normLogin(nu.Username)
	if _, dup := m.logins[login]; dup {
		return User{}, ErrAlreadyExists
	}
	m.nextID++
	now := time.Now().UTC()
	u := User{
		ID:           m.nextID,
		Username:     login,
		PasswordHash: nu.PasswordHash,
		FirstName:    nu.FirstName,
		LastName:     nu.LastName,
		Service:      nu.Service,
		IsActive:     nu.IsActive,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.users[u.ID] = u
	m.logins[login] = u.ID
	return u, nil
}

func (m *MemoryStore) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	return m.update(ctx, userID, func(u *User) { u.PasswordHash = passwordHash })
}

func (m *MemoryStore) SetActive(ctx context.Context, userID int64, active bool) error {
	return m.update(ctx, userID, func(u *User) { u.IsActive = active })
}

func (m *MemoryStore) update(ctx context.Context, userID int64, fn func(*User)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	fn(&u)
	u.UpdatedAt = time.Now().UTC()
	m.users[userID] = u
	return nil
}

func (m *MemoryStore) EnsureRole(ctx context.Context, name, label string) (Role, error) {
	if err := ctx.Err(); err != nil {
		return Role{}, err
	}
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is empty", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[name]
	if !ok {
		r = Role{ID: int64(len(m.roles) + 1), Name: name}
	}
	r.Label = label
	m.roles[name] = r
	return r, nil
}

func (m *MemoryStore) GrantPermission(ctx context.Context, role, action, resource string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[role]; !ok {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	m.perms[permKey{role, action, resource}] = struct{}{}
	return nil
}

// RevokePermission removes a grant. Used by tests and fixtures reloads.
func (m *MemoryStore) RevokePermission(role, action, resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.perms, permKey{role, action, resource})
}
