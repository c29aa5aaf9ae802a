package auth

import (
	"context"
	"errors"
	"testing"
)

func seedStore(t *testing.T) *MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStore()
	for _, r := range []struct{ name, label string }{{"home", "Accueil"}, {"nurses", "Infirmiers"}, {"it", "Informatique"}} {
		if _, err := store.EnsureRole(ctx, r.name, r.label); err != nil {
			t.Fatalf("ensure role: %v", err)
		}
	}
	hash, err := HashPasswordWithCost("Correct!Horse1", 4)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	users := []NewUser{
		{Username: "alice@cmv.fr", PasswordHash: hash, FirstName: "Alice", LastName: "Martin", Service: "accueil", RoleName: "home", IsActive: true},
		{Username: "bob@cmv.fr", PasswordHash: hash, FirstName: "Bob", LastName: "Durand", Service: "soins", RoleName: "nurses", IsActive: true},
		{Username: "carol@cmv.fr", PasswordHash: hash, RoleName: "nurses", IsActive: false},
	}
	for _, u := range users {
		if _, err := store.CreateUser(ctx, u); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}
	return store
}

func TestAuthenticate(t *testing.T) {
	store := seedStore(t)
	a := NewAuthenticator(store, WithHashCost(4))
	ctx := context.Background()

	u, err := a.Authenticate(ctx, "Alice@CMV.fr", "Correct!Horse1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if u.Username != "alice@cmv.fr" || u.Role.Name != "home" {
		t.Fatalf("unexpected user: %+v", u)
	}

	failures := []struct{ login, password string }{
		{"alice@cmv.fr", "wrong-password"},
		{"nobody@cmv.fr", "Correct!Horse1"},
		{"carol@cmv.fr", "Correct!Horse1"},
		{"", ""},
	}
	for _, f := range failures {
		_, err := a.Authenticate(ctx, f.login, f.password)
		if err != ErrInvalidCredentials {
			t.Fatalf("Authenticate(%q): expected the bare ErrInvalidCredentials, got %v", f.login, err)
		}
	}
}

type brokenStore struct{}

func (brokenStore) UserByLogin(context.Context, string) (User, error) {
	return User{}, errors.New("connection refused")
}
func (brokenStore) UserByID(context.Context, int64) (User, error) {
	return User{}, errors.New("connection refused")
}

func TestAuthenticateStoreDown(t *testing.T) {
	a := NewAuthenticator(brokenStore{})
	_, err := a.Authenticate(context.Background(), "alice@cmv.fr", "x")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
