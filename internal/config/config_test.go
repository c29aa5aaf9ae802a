package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"CMV_CONFIG", "ENVIRONMENT", "HTTP_ADDR", "GRPC_ADDR", "DATABASE_URL", "REDIS_URL", "SECRET_KEY",
		"ALGORITHM", "ACCESS_MAX_AGE", "REFRESH_MAX_AGE", "PATIENTS_SERVICE", "CHAMBRES_SERVICE", "HOME_SERVICE",
		"STORE_TIMEOUT_MS", "PASSWORD_MIN_LENGTH", "PASSWORD_REQUIRE_SYMBOL", "TRUSTED_SOURCES", "TRUSTED_PROXIES", "SESSION_TTL_SEC",
		"INTERNAL_TOKEN_TTL_SEC", "UPLOAD_DIR", "FIXTURES_FILE", "LOG_LEVEL", "BLOB_ENCRYPTION_KEY", "BLOB_COMPRESS",
		"MAX_UPLOAD_SIZE"} {
		t.Setenv(k, "")
	}
}

func TestLoadLayers(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "cmv.yaml")
	yaml := `
environment: dev
http_addr: ":9000"
auth:
  secret_key: from-file
  access_max_age: 5m
password:
  min_length: 10
services:
  patients: http://patients:8002
  chambres: http://rooms:8001
  home: http://home:8003
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SECRET_KEY", "from-env")
	t.Setenv("ACCESS_MAX_AGE", "30")
	t.Setenv("STORE_TIMEOUT_MS", "250")

	cfg, err := Load("gateway", []string{"--config", path, "--http-addr", ":7000"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":7000" {
		t.Fatalf("flag should win, got %q", cfg.HTTPAddr)
	}
	if cfg.Auth.SecretKey != "from-env" {
		t.Fatalf("env should override file, got %q", cfg.Auth.SecretKey)
	}
	if cfg.Auth.AccessMaxAge != 30*time.Minute {
		t.Fatalf("ACCESS_MAX_AGE is minutes, got %v", cfg.Auth.AccessMaxAge)
	}
	if cfg.Password.MinLength != 10 || !cfg.Password.RequireSymbol {
		t.Fatalf("file should adjust the gateway policy, got %+v", cfg.Password)
	}
	if cfg.StoreTimeout != 250*time.Millisecond {
		t.Fatalf("store timeout = %v", cfg.StoreTimeout)
	}
	if cfg.Auth.RefreshMaxAge != 24*time.Hour || cfg.Auth.SessionTTL != time.Hour {
		t.Fatalf("defaults lost: %+v", cfg.Auth)
	}
	if cfg.CookieSecure() {
		t.Fatal("dev mode should not force secure cookies")
	}
}

func TestPasswordPolicyDiffersPerService(t *testing.T) {
	if Defaults("gateway").Password.MinLength != 12 {
		t.Fatal("gateway registration policy should require 12 characters")
	}
	if Defaults("home").Password.MinLength != 8 {
		t.Fatal("home profile policy should require 8 characters")
	}
}

func TestValidateNamesKeys(t *testing.T) {
	clearEnv(t)
	_, err := Load("gateway", nil)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, key := range []string{"SECRET_KEY", "DATABASE_URL", "REDIS_URL", "PATIENTS_SERVICE"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error should mention %s: %v", key, err)
		}
	}
}

func TestBadEnvValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("SECRET_KEY", "x")
	t.Setenv("ENVIRONMENT", "dev")
	t.Setenv("STORE_TIMEOUT_MS", "soon")
	t.Setenv("PASSWORD_REQUIRE_SYMBOL", "maybe")
	_, err := Load("rooms", nil)
	if err == nil || !strings.Contains(err.Error(), "STORE_TIMEOUT_MS") || !strings.Contains(err.Error(), "PASSWORD_REQUIRE_SYMBOL") {
		t.Fatalf("expected env errors, got %v", err)
	}
}

func TestUnknownYAMLKeyRejected(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(path, []byte("no_such_key: 1\n"), 0o600)
	if _, err := Load("rooms", []string{"--config", path}); err == nil {
		t.Fatal("expected unknown key error")
	}
}

func TestBlobKey(t *testing.T) {
	var b BlobConfig
	if key, err := b.BlobKey(); key != nil || err != nil {
		t.Fatalf("expected no key, got %v %v", key, err)
	}
	b.EncryptionKey = strings.Repeat("ab", 32)
	key, err := b.BlobKey()
	if err != nil || len(key) != 32 {
		t.Fatalf("expected 32-byte key, got %d %v", len(key), err)
	}
	b.EncryptionKey = "abcd"
	if _, err := b.BlobKey(); err == nil || !strings.Contains(err.Error(), "BLOB_ENCRYPTION_KEY") {
		t.Fatalf("expected key length error, got %v", err)
	}
}

func TestPatientsRejectsBadBlobKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENVIRONMENT", "dev")
	t.Setenv("SECRET_KEY", "s")
	t.Setenv("BLOB_ENCRYPTION_KEY", "zz")
	if _, err := Load("patients", nil); err == nil || !strings.Contains(err.Error(), "BLOB_ENCRYPTION_KEY") {
		t.Fatalf("expected BLOB_ENCRYPTION_KEY error, got %v", err)
	}
}

func TestTrustedProxies(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENVIRONMENT", "dev")
	t.Setenv("SECRET_KEY", "s")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.1")
	cfg, err := Load("rooms", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tp, err := cfg.Proxies()
	if err != nil || len(tp) != 2 {
		t.Fatalf("expected two proxies, got %v %v", tp, err)
	}

	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/33")
	if _, err := Load("rooms", nil); err == nil || !strings.Contains(err.Error(), "TRUSTED_PROXIES") {
		t.Fatalf("expected TRUSTED_PROXIES error, got %v", err)
	}
}

func TestNoTrustedProxiesByDefault(t *testing.T) {
	if got := Defaults("gateway").TrustedProxies; len(got) != 0 {
		t.Fatalf("forwarding headers must not be trusted by default, got %v", got)
	}
}
