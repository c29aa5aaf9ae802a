package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"cmv.health/internal/audit"
	"cmv.health/internal/session"
)

type gateFixture struct {
	store    *MemoryStore
	tokens   *Tokens
	sessions *session.Manager
	kv       *session.MemoryStore
	sink     *audit.Memory
	gate     *Gate
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	f := &gateFixture{
		store:  seedStore(t),
		tokens: MustNewTokens(testSecret),
		kv:     session.NewMemoryStore(),
		sink:   &audit.Memory{},
	}
	f.sessions = session.NewManager(f.kv)
	f.gate = NewGate(f.tokens, f.store,
		WithSessions(f.sessions),
		WithCredentialStore(f.store),
		WithAuditSink(f.sink),
		WithBasicRoutes("/api/users/me"),
	)
	return f
}

func (f *gateFixture) login(t *testing.T, username string) (string, string) {
	t.Helper()
	u, err := f.store.UserByLogin(context.Background(), username)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	sid, err := f.sessions.Create(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	tok, _, err := f.tokens.IssueSession(strconv.FormatInt(u.ID, 10), sid, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok, sid
}

func TestResolvePrincipalFromCookie(t *testing.T) {
	f := newGateFixture(t)
	tok, sid := f.login(t, "alice@cmv.fr")

	p, err := f.gate.ResolvePrincipal(context.Background(), Credential{Token: tok, Source: SourceCookie})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Username != "alice@cmv.fr" || p.Role != "home" || p.SessionID != sid {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestResolvePrincipalDenials(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	tampered := func() string {
		tok, _ := f.login(t, "alice@cmv.fr")
		forged, _, _ := MustNewTokens([]byte("other")).IssueSession("1", "x", time.Minute)
		return tok[:strings.LastIndex(tok, ".")] + forged[strings.LastIndex(forged, "."):]
	}()

	revoked := func() string {
		tok, sid := f.login(t, "alice@cmv.fr")
		if err := f.sessions.Revoke(ctx, sid, tok, time.Now().Add(time.Minute)); err != nil {
			t.Fatalf("revoke: %v", err)
		}
		return tok
	}()

	neverExisted, _, _ := f.tokens.IssueSession("1", "no-such-session", time.Minute)

	inactive := func() string {
		tok, _ := f.login(t, "bob@cmv.fr")
		u, _ := f.store.UserByLogin(ctx, "bob@cmv.fr")
		if err := f.store.SetActive(ctx, u.ID, false); err != nil {
			t.Fatalf("deactivate: %v", err)
		}
		return tok
	}()

	internal, _, _ := f.tokens.IssueInternal(1, "home", time.Minute)
	refresh, _, _ := f.tokens.IssueRefresh("1", "s", time.Minute)

	cases := map[string]Credential{
		"missing":            {Source: SourceCookie},
		"tampered signature": {Token: tampered, Source: SourceCookie},
		"revoked session":    {Token: revoked, Source: SourceCookie},
		"session never made": {Token: neverExisted, Source: SourceCookie},
		"inactive user":      {Token: inactive, Source: SourceCookie},
		"internal in cookie": {Token: internal, Source: SourceCookie},
		"refresh in cookie":  {Token: refresh, Source: SourceCookie},
		"session as bearer":  {Token: revoked, Source: SourceBearer},
	}
	for name, cred := range cases {
		if _, err := f.gate.ResolvePrincipal(ctx, cred); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("%s: expected ErrUnauthenticated, got %v", name, err)
		}
	}
}

func TestResolvePrincipalStoreDownFailsClosed(t *testing.T) {
	f := newGateFixture(t)
	tok, _ := f.login(t, "alice@cmv.fr")
	f.kv.SetDown(true)

	_, err := f.gate.ResolvePrincipal(context.Background(), Credential{Token: tok, Source: SourceCookie})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if errors.Is(err, ErrUnauthenticated) {
		t.Fatal("store outage must not look like a credential problem")
	}
}

func TestResolveInternalToken(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	alice, _ := f.store.UserByLogin(ctx, "alice@cmv.fr")

	tok, _, _ := f.tokens.IssueInternal(alice.ID, "home", 15*time.Second)

	// Claims-only resolution, as in services that do not own the credential database.
	downstream := NewGate(f.tokens, nil)
	p, err := downstream.ResolvePrincipal(ctx, Credential{Token: tok, Source: SourceBearer})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !p.Internal || p.UserID != alice.ID || p.Role != "home" {
		t.Fatalf("unexpected principal: %+v", p)
	}

	// Re-loaded when a credential store is attached.
	p, err = f.gate.ResolvePrincipal(ctx, Credential{Token: tok, Source: SourceBearer})
	if err != nil || p.Username != "alice@cmv.fr" {
		t.Fatalf("expected reloaded principal, got %+v %v", p, err)
	}

	untrusted := MustNewTokens(testSecret, WithSource("someone_else"))
	utok, _, _ := untrusted.IssueInternal(alice.ID, "home", 15*time.Second)
	if _, err := downstream.ResolvePrincipal(ctx, Credential{Token: utok, Source: SourceBearer}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected untrusted source to be rejected, got %v", err)
	}

	if _, err := downstream.ResolvePrincipal(ctx, Credential{Token: tok, Source: SourceCookie}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("internal token must not be accepted from a cookie: %v", err)
	}
}

func TestAuthorizeExactMatchOnly(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	p := Principal{UserID: 1, Role: "home"}

	if err := f.gate.Authorize(ctx, p, "get", "chambres"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := f.store.GrantPermission(ctx, "home", "get", "chambres"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := f.gate.Authorize(ctx, p, "get", "chambres"); err != nil {
		t.Fatalf("expected allowed after grant, got %v", err)
	}
	if err := f.gate.Authorize(ctx, p, "GET", "chambres"); err != nil {
		t.Fatalf("action should be case-insensitive, got %v", err)
	}
	for _, other := range [][2]string{{"put", "chambres"}, {"get", "chambre"}, {"get", "chambres/1"}, {"get", "patients"}} {
		if err := f.gate.Authorize(ctx, p, other[0], other[1]); !errors.Is(err, ErrForbidden) {
			t.Fatalf("grant leaked to %v: %v", other, err)
		}
	}
	if err := f.gate.Authorize(ctx, Principal{UserID: 2, Role: "nurses"}, "get", "chambres"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("grant leaked to another role: %v", err)
	}
}

func TestAdmitAuditsDecisions(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	tok, _ := f.login(t, "alice@cmv.fr")
	cred := Credential{Token: tok, Source: SourceCookie}

	_, err := f.gate.Admit(ctx, Request{Credential: cred, Method: "GET", Path: "/api/chambres/1", ClientIP: "10.1.1.1", Action: "get", Resource: "chambres"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	events := f.sink.Events()
	if len(events) != 1 {
		t.Fatalf("expected one audit event, got %d", len(events))
	}
	ev := events[0]
	if ev.Outcome != audit.OutcomeForbidden || ev.Role != "home" || ev.UserID == 0 || ev.Method != "GET" || ev.Path != "/api/chambres/1" || ev.ClientIP != "10.1.1.1" {
		t.Fatalf("unexpected audit event: %+v", ev)
	}

	// Basic routes skip the permission check and the audit trail.
	p, err := f.gate.Admit(ctx, Request{Credential: cred, Method: "GET", Path: "/api/users/me/", Action: "get", Resource: "users"})
	if err != nil || p.Role != "home" {
		t.Fatalf("basic route: %+v %v", p, err)
	}
	if len(f.sink.Events()) != 1 {
		t.Fatal("basic route should not be audited")
	}

	_ = f.store.GrantPermission(ctx, "home", "get", "chambres")
	if _, err := f.gate.Admit(ctx, Request{Credential: cred, Method: "GET", Path: "/api/chambres/1", Action: "get", Resource: "chambres"}); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
	if last := f.sink.Events()[1]; last.Outcome != audit.OutcomeAllowed {
		t.Fatalf("expected allowed audit, got %+v", last)
	}

	if _, err := f.gate.Admit(ctx, Request{Method: "GET", Path: "/api/chambres/1"}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if last := f.sink.Events()[2]; last.Outcome != audit.OutcomeUnauthenticated || last.UserID != 0 {
		t.Fatalf("unexpected audit for anonymous denial: %+v", last)
	}
}

func TestTouchRenewsSession(t *testing.T) {
	f := newGateFixture(t)
	now := time.Now()
	f.kv.SetClock(func() time.Time { return now })
	tok, sid := f.login(t, "alice@cmv.fr")

	now = now.Add(50 * time.Minute)
	if _, err := f.gate.ResolvePrincipal(context.Background(), Credential{Token: tok, Source: SourceCookie}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	now = now.Add(50 * time.Minute)
	if live, _ := f.sessions.IsLive(context.Background(), sid); !live {
		t.Fatal("resolution should have slid the session expiry")
	}
}
