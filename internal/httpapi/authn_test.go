package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cmv.health/internal/audit"
	"cmv.health/internal/auth"
)

func newBearerGate(t *testing.T) (*auth.Tokens, *auth.MemoryStore, *audit.Memory, Guards) {
	t.Helper()
	tokens := auth.MustNewTokens([]byte("httpapi-test"))
	store := auth.NewMemoryStore()
	ctx := context.Background()
	if _, err := store.EnsureRole(ctx, "nurses", "Infirmiers"); err != nil {
		t.Fatalf("role: %v", err)
	}
	if err := store.GrantPermission(ctx, "nurses", "get", "patients"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	sink := &audit.Memory{}
	gate := auth.NewGate(tokens, store, auth.WithAuditSink(sink))
	return tokens, store, sink, Guards{Gate: gate, Source: auth.SourceBearer}
}

func okHandler(t *testing.T, wantRole string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFromContext(r.Context())
		if !ok || p.Role != wantRole {
			t.Errorf("principal missing from context: %+v", p)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestGuardAllowsPermittedRole(t *testing.T) {
	tokens, _, _, guards := newBearerGate(t)
	tok, _, _ := tokens.IssueInternal(1, "nurses", 15*time.Second)

	h := RequestID(guards.ByMethod("patients").Wrap(okHandler(t, "nurses")))
	req := httptest.NewRequest(http.MethodGet, "/api/patients/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body)
	}
}

func TestGuardRejectsMissingCredential(t *testing.T) {
	_, _, _, guards := newBearerGate(t)
	called := false
	h := RequestID(guards.Require("get", "patients").WrapFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/patients/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
	var body map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body["detail"] != "unauthenticated" {
		t.Fatalf("unexpected body: %v", body)
	}
	if called {
		t.Fatal("handler must not run")
	}
}

func TestGuardForbiddenIsGeneric(t *testing.T) {
	tokens, _, sink, guards := newBearerGate(t)
	tok, _, _ := tokens.IssueInternal(1, "nurses", 15*time.Second)

	h := RequestID(guards.Require("delete", "patients").Wrap(okHandler(t, "nurses")))
	req := httptest.NewRequest(http.MethodDelete, "/api/patients/4", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.RemoteAddr = "10.9.9.9:1000"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body["detail"] != "forbidden" {
		t.Fatalf("unexpected body: %v", body)
	}
	events := sink.Events()
	if len(events) != 1 || events[0].ClientIP != "10.9.9.9" || events[0].Resource != "patients" || events[0].RequestID == "" {
		t.Fatalf("unexpected audit trail: %+v", events)
	}
}

func TestResourceFromPath(t *testing.T) {
	cases := map[string]string{
		"/api/patients/12":     "patients",
		"/api/chambres":        "chambres",
		"//api//home/profile/": "home",
		"/":                    "",
	}
	for path, want := range cases {
		if got := ResourceFromPath(path, ResourceSegment); got != want {
			t.Fatalf("ResourceFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestCookieHelpers(t *testing.T) {
	rr := httptest.NewRecorder()
	SetTokenCookie(rr, AccessCookie, "tok", time.Now().Add(time.Minute), true)
	ClearCookie(rr, RefreshCookie, true)
	cookies := rr.Result().Cookies()
	if len(cookies) != 2 {
		t.Fatalf("expected two cookies, got %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != AccessCookie || !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteLaxMode || c.MaxAge <= 0 {
		t.Fatalf("unexpected cookie: %+v", c)
	}
	if cookies[1].MaxAge >= 0 {
		t.Fatalf("expected cleared cookie, got %+v", cookies[1])
	}
}
