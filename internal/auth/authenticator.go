package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Authenticator validates login/password pairs against a CredentialStore.
type Authenticator struct {
	users   CredentialStore
	timeout time.Duration
	cost    int

	dummyOnce sync.Once
	dummy     string
}

// AuthenticatorOption configures an Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithLookupTimeout bounds the credential store lookup.
func WithLookupTimeout(d time.Duration) AuthenticatorOption {
	return func(a *Authenticator) { a.timeout = d }
}

// WithHashCost sets the bcrypt cost used for the timing-equalisation hash.
// It should match the cost of stored hashes.
func WithHashCost(cost int) AuthenticatorOption {
	return func(a *Authenticator) { a.cost = cost }
}

func NewAuthenticator(users CredentialStore, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{users: users, timeout: 2 * time.Second, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate returns the active user matching login and password.
// Unknown login, wrong password and inactive user all yield ErrInvalidCredentials.
func (a *Authenticator) Authenticate(ctx context.Context, login, password string) (User, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		a.burn(password)
		return User{}, ErrInvalidCredentials
	}
	lookupCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	u, err := a.users.UserByLogin(lookupCtx, login)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			a.burn(password)
			return User{}, ErrInvalidCredentials
		}
		if errors.Is(err, ErrStoreUnavailable) {
			return User{}, err
		}
		return User{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		return User{}, ErrInvalidCredentials
	}
	if !u.IsActive {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// burn runs one bcrypt comparison so unknown logins cost the same as known ones.
func (a *Authenticator) burn(password string) {
	a.dummyOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte("cmv-timing-equaliser"), a.cost)
		if err == nil {
			a.dummy = string(h)
		}
	})
	if a.dummy != "" {
		_ = bcrypt.CompareHashAndPassword([]byte(a.dummy), []byte(password))
	}
}
