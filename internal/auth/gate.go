package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cmv.health/internal/audit"
	"cmv.health/internal/obs"
	"cmv.health/internal/session"
)

// CredentialSource says where a credential was read from.
type CredentialSource int

const (
	// SourceCookie is the access_token cookie. Only session-bearing tokens are accepted.
	SourceCookie CredentialSource = iota + 1
	// SourceBearer is the Authorization header. Only internal tokens are accepted.
	SourceBearer
)

// Credential is the raw token presented by a request.
type Credential struct {
	Token  string
	Source CredentialSource
}

// Sessions is what the Gate needs from the session manager.
type Sessions interface {
	IsBlacklisted(ctx context.Context, token string) (bool, error)
	IsLive(ctx context.Context, sessionID string) (bool, error)
	Touch(ctx context.Context, sessionID string) error
}

// Request describes one inbound request for Admit.
type Request struct {
	Credential Credential
	Method     string
	Path       string
	ClientIP   string
	RequestID  string
	Action     string
	Resource   string
	// Basic marks a self-service route that skips the permission check.
	Basic bool
}

// Gate resolves principals and authorizes (role, action, resource) triples.
type Gate struct {
	tokens   *Tokens
	perms    PermissionStore
	sessions Sessions
	users    CredentialStore
	sink     audit.Sink
	log      *slog.Logger
	trusted  map[string]struct{}
	basic    map[string]struct{}
	timeout  time.Duration
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithSessions enables cookie credentials backed by a session manager.
func WithSessions(s Sessions) GateOption {
	return func(g *Gate) { g.sessions = s }
}

// WithCredentialStore loads principals from the store. Without it, internal
// tokens resolve to the identity carried in their claims and cookie credentials are refused.
func WithCredentialStore(users CredentialStore) GateOption {
	return func(g *Gate) { g.users = users }
}

func WithAuditSink(sink audit.Sink) GateOption {
	return func(g *Gate) {
		if sink != nil {
			g.sink = sink
		}
	}
}

func WithLogger(log *slog.Logger) GateOption {
	return func(g *Gate) {
		if log != nil {
			g.log = log
		}
	}
}

// WithTrustedSources replaces the set of accepted internal token sources.
func WithTrustedSources(sources ...string) GateOption {
	return func(g *Gate) {
		g.trusted = make(map[string]struct{}, len(sources))
		for _, s := range sources {
			g.trusted[s] = struct{}{}
		}
	}
}

// WithBasicRoutes adds paths that bypass the permission check once authenticated.
func WithBasicRoutes(paths ...string) GateOption {
	return func(g *Gate) {
		for _, p := range paths {
			g.basic[strings.TrimSuffix(p, "/")] = struct{}{}
		}
	}
}

// WithStoreTimeout bounds each credential and permission store call.
func WithStoreTimeout(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// NewGate builds a gate. perms may be nil for services that trust the
// gateway's decision and only need principal resolution.
func NewGate(tokens *Tokens, perms PermissionStore, opts ...GateOption) *Gate {
	g := &Gate{
		tokens:  tokens,
		perms:   perms,
		sink:    audit.Nop{},
		log:     obs.Discard(),
		trusted: map[string]struct{}{DefaultSource: {}},
		basic:   make(map[string]struct{}),
		timeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func unauthenticated(reason string) error {
	return fmt.Errorf("%w: %s", ErrUnauthenticated, reason)
}

// ResolvePrincipal verifies the credential and returns the acting principal.
// Errors wrap ErrUnauthenticated or ErrStoreUnavailable.
func (g *Gate) ResolvePrincipal(ctx context.Context, cred Credential) (Principal, error) {
	if cred.Token == "" {
		return Principal{}, unauthenticated("missing credential")
	}
	claims, err := g.tokens.Verify(cred.Token)
	if err != nil {
		return Principal{}, unauthenticated(err.Error())
	}
	switch cred.Source {
	case SourceCookie:
		if claims.Kind != KindSession {
			return Principal{}, unauthenticated("cookie holds a " + claims.Kind.String() + " token")
		}
		return g.resolveSession(ctx, cred.Token, claims)
	case SourceBearer:
		if claims.Kind != KindInternal {
			return Principal{}, unauthenticated("bearer holds a " + claims.Kind.String() + " token")
		}
		return g.resolveInternal(ctx, claims)
	default:
		return Principal{}, unauthenticated("unknown credential source")
	}
}

func (g *Gate) resolveSession(ctx context.Context, token string, claims *Claims) (Principal, error) {
	if g.sessions == nil || g.users == nil {
		return Principal{}, unauthenticated("session credentials not accepted here")
	}
	uid, err := claims.SubjectID()
	if err != nil {
		return Principal{}, unauthenticated(err.Error())
	}
	blacklisted, err := g.sessions.IsBlacklisted(ctx, token)
	if err != nil {
		return Principal{}, g.unavailable("is_blacklisted", err)
	}
	if blacklisted {
		return Principal{}, unauthenticated("token revoked")
	}
	live, err := g.sessions.IsLive(ctx, claims.SessionID)
	if err != nil {
		return Principal{}, g.unavailable("is_live", err)
	}
	if !live {
		return Principal{}, unauthenticated("session not found")
	}
	u, err := g.loadUser(ctx, uid)
	if err != nil {
		return Principal{}, err
	}
	if err := g.sessions.Touch(ctx, claims.SessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Principal{}, unauthenticated("session ended")
		}
		return Principal{}, g.unavailable("touch", err)
	}
	return PrincipalFromUser(u, claims.SessionID), nil
}

func (g *Gate) resolveInternal(ctx context.Context, claims *Claims) (Principal, error) {
	if _, ok := g.trusted[claims.Source]; !ok {
		return Principal{}, unauthenticated("untrusted token source " + claims.Source)
	}
	if g.users == nil {
		return Principal{UserID: claims.UserID, Role: claims.Role, Internal: true}, nil
	}
	u, err := g.loadUser(ctx, claims.UserID)
	if err != nil {
		return Principal{}, err
	}
	p := PrincipalFromUser(u, "")
	p.Internal = true
	return p, nil
}

func (g *Gate) loadUser(ctx context.Context, id int64) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	u, err := g.users.UserByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, unauthenticated("user not found")
		}
		return User{}, g.unavailable("user_by_id", err)
	}
	if !u.IsActive {
		return User{}, unauthenticated("user inactive")
	}
	return u, nil
}

func (g *Gate) unavailable(op string, err error) error {
	g.log.Error("auth store unavailable", "op", op, "error", err)
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// Authorize requires an exact (role, action, resource) permission row.
func (g *Gate) Authorize(ctx context.Context, p Principal, action, resource string) error {
	if g.perms == nil || p.Role == "" || action == "" || resource == "" {
		return ErrForbidden
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	ok, err := g.perms.HasPermission(ctx, p.Role, strings.ToLower(action), resource)
	if err != nil {
		return g.unavailable("has_permission", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// IsBasic reports whether path is on the self-service allow-list.
func (g *Gate) IsBasic(path string) bool {
	_, ok := g.basic[strings.TrimSuffix(path, "/")]
	return ok
}

// Admit runs the full pre-handler check for one request and records the decision.
// The handler must not run unless the returned error is nil.
func (g *Gate) Admit(ctx context.Context, req Request) (Principal, error) {
	ev := audit.Event{
		Event:     "authz",
		Method:    req.Method,
		Path:      req.Path,
		ClientIP:  req.ClientIP,
		Action:    req.Action,
		Resource:  req.Resource,
		RequestID: req.RequestID,
	}
	p, err := g.ResolvePrincipal(ctx, req.Credential)
	if err != nil {
		g.deny(ctx, ev, err)
		return Principal{}, err
	}
	ev.Role, ev.UserID = p.Role, p.UserID

	if req.Basic || g.IsBasic(req.Path) {
		obs.ObserveAuthDecision(audit.OutcomeAllowed)
		return p, nil
	}
	// Downstream services without a permission store trust the gateway's decision.
	if g.perms != nil {
		if err := g.Authorize(ctx, p, req.Action, req.Resource); err != nil {
			g.deny(ctx, ev, err)
			return Principal{}, err
		}
	}
	ev.Outcome = audit.OutcomeAllowed
	obs.ObserveAuthDecision(ev.Outcome)
	g.sink.Record(ctx, ev)
	return p, nil
}

func (g *Gate) deny(ctx context.Context, ev audit.Event, err error) {
	switch {
	case errors.Is(err, ErrStoreUnavailable):
		ev.Outcome = audit.OutcomeUnavailable
	case errors.Is(err, ErrForbidden):
		ev.Outcome = audit.OutcomeForbidden
	default:
		ev.Outcome = audit.OutcomeUnauthenticated
	}
	ev.Reason = err.Error()
	obs.ObserveAuthDecision(ev.Outcome)
	g.sink.Record(ctx, ev)
}
