package fixtures

import (
	"context"
	"testing"

	"cmv.health/internal/auth"
)

const sample = `
roles:
  - {name: home, label: Accueil}
  - {name: nurses, label: Infirmiers}
permissions:
  - role: nurses
    actions: [GET, put]
    resources: [chambres, patients]
users:
  - username: nurse@cmv.fr
    password: Infirmier!2024
    prenom: Nina
    nom: Roux
    service: soins
    role: nurses
  - username: away@cmv.fr
    password: Absent!2024xx
    role: home
    is_active: false
`

func TestApply(t *testing.T) {
	f, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	store := auth.NewMemoryStore()
	ctx := context.Background()

	sum, err := Apply(ctx, store, f, 4)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if sum.Roles != 2 || sum.Permissions != 4 || sum.Users != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if ok, _ := store.HasPermission(ctx, "nurses", "get", "chambres"); !ok {
		t.Fatal("expected lower-cased action grant")
	}
	if ok, _ := store.HasPermission(ctx, "home", "get", "chambres"); ok {
		t.Fatal("home should have no grant")
	}

	a := auth.NewAuthenticator(store, auth.WithHashCost(4))
	if _, err := a.Authenticate(ctx, "nurse@cmv.fr", "Infirmier!2024"); err != nil {
		t.Fatalf("seeded user cannot log in: %v", err)
	}
	if _, err := a.Authenticate(ctx, "away@cmv.fr", "Absent!2024xx"); err != auth.ErrInvalidCredentials {
		t.Fatalf("inactive fixture user should not log in: %v", err)
	}

	sum, err = Apply(ctx, store, f, 4)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if sum.Users != 0 || sum.SkippedUsers != 2 {
		t.Fatalf("apply should be idempotent: %+v", sum)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("groups: []\n")); err == nil {
		t.Fatal("expected error")
	}
}

func TestApplyUnknownRole(t *testing.T) {
	f := File{Permissions: []Permission{{Role: "ghost", Actions: []string{"get"}, Resources: []string{"x"}}}}
	if _, err := Apply(context.Background(), auth.NewMemoryStore(), f, 4); err == nil {
		t.Fatal("expected unknown role error")
	}
}
