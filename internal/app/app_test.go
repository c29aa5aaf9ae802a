package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const fixtureYAML = `
roles:
  - name: nurses
    label: Infirmiers
permissions:
  - role: nurses
    actions: [get]
    resources: [patients]
users:
  - username: nina@cmv.fr
    password: Correct!Horse1
    prenom: Nina
    nom: Martin
    role: nurses
`

func devApp(t *testing.T, extra ...string) *App {
	t.Helper()
	for _, k := range []string{"DATABASE_URL", "REDIS_URL", "CMV_CONFIG", "FIXTURES_FILE"} {
		t.Setenv(k, "")
	}
	t.Setenv("SECRET_KEY", "app-test")
	a, err := Setup("rooms", "test", append([]string{"--environment", "dev", "--log-level", "error"}, extra...))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	return a
}

func TestDevFallsBackToMemory(t *testing.T) {
	a := devApp(t)
	ctx := context.Background()
	db, err := a.OpenDB(ctx)
	if err != nil || db != nil {
		t.Fatalf("expected no database in dev, got %v %v", db, err)
	}
	store, closeFn, err := a.SessionStore()
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	defer closeFn()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestUsersSeededFromFixtures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	if err := os.WriteFile(path, []byte(fixtureYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	a := devApp(t)
	a.Config.FixturesFile = path
	ctx := context.Background()
	users, err := a.Users(ctx, nil)
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	u, err := users.UserByLogin(ctx, "nina@cmv.fr")
	if err != nil || !u.IsActive || u.Role.Name != "nurses" {
		t.Fatalf("unexpected user %+v %v", u, err)
	}
	ok, err := users.HasPermission(ctx, "nurses", "get", "patients")
	if err != nil || !ok {
		t.Fatalf("expected permission, got %v %v", ok, err)
	}
}

func TestSetupRejectsMissingSecret(t *testing.T) {
	t.Setenv("SECRET_KEY", "")
	t.Setenv("CMV_CONFIG", "")
	if _, err := Setup("rooms", "test", []string{"--environment", "dev"}); err == nil {
		t.Fatal("expected an error without SECRET_KEY")
	}
}

func TestProductionRequiresRedis(t *testing.T) {
	a := devApp(t)
	a.Config.Environment = "production"
	if _, _, err := a.SessionStore(); err == nil {
		t.Fatal("expected an error without REDIS_URL outside development")
	}
}
