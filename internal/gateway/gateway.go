// Package gateway is the public entry point: login, logout and token refresh,
// the self-service user routes, and guarded forwarding to the backend services.
package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"cmv.health/internal/audit"
	"cmv.health/internal/auth"
	"cmv.health/internal/httpapi"
	"cmv.health/internal/obs"
	"cmv.health/internal/proxy"
	"cmv.health/internal/session"
)

// MeRoute is the self-service route exempt from permission checks.
const MeRoute = "/api/users/me"

// Settings are the gateway's tunables, usually taken from config.Config.
type Settings struct {
	AccessMaxAge       time.Duration
	RefreshMaxAge      time.Duration
	InternalTokenTTL   time.Duration
	CookieSecure       bool
	LoginRatePerSecond float64
	LoginBurst         int
	StoreTimeout       time.Duration
	Password           auth.PasswordPolicy
	// HashCost is the bcrypt cost for registration and the login timing hash.
	HashCost int
}

// Upstreams are the backend services requests are forwarded to.
type Upstreams struct {
	Rooms    *proxy.Forwarder
	Patients *proxy.Forwarder
	Home     *proxy.Forwarder
}

// Deps wires the gateway to its stores.
type Deps struct {
	Tokens   *auth.Tokens
	Sessions *session.Manager
	Users    auth.UserStore
	Audit    audit.Sink
	Log      *slog.Logger
}

type Service struct {
	tokens   *auth.Tokens
	sessions *session.Manager
	users    auth.UserStore
	authn    *auth.Authenticator
	gate     *auth.Gate
	sink     audit.Sink
	up       Upstreams
	set      Settings
	log      *slog.Logger
}

func New(d Deps, up Upstreams, set Settings) *Service {
	if d.Log == nil {
		d.Log = obs.Discard()
	}
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	if set.AccessMaxAge <= 0 {
		set.AccessMaxAge = auth.DefaultTokenTTL
	}
	if set.RefreshMaxAge <= 0 {
		set.RefreshMaxAge = 24 * time.Hour
	}
	if set.InternalTokenTTL <= 0 {
		set.InternalTokenTTL = 15 * time.Second
	}
	if set.StoreTimeout <= 0 {
		set.StoreTimeout = 2 * time.Second
	}
	if set.LoginRatePerSecond <= 0 || set.LoginBurst < 1 {
		set.LoginRatePerSecond, set.LoginBurst = 1, 5
	}
	if set.Password.MinLength == 0 {
		set.Password = auth.StrictPasswordPolicy()
	}

	authnOpts := []auth.AuthenticatorOption{auth.WithLookupTimeout(set.StoreTimeout)}
	if set.HashCost > 0 {
		authnOpts = append(authnOpts, auth.WithHashCost(set.HashCost))
	}
	return &Service{
		tokens:   d.Tokens,
		sessions: d.Sessions,
		users:    d.Users,
		authn:    auth.NewAuthenticator(d.Users, authnOpts...),
		gate: auth.NewGate(d.Tokens, d.Users,
			auth.WithSessions(d.Sessions),
			auth.WithCredentialStore(d.Users),
			auth.WithAuditSink(d.Audit),
			auth.WithLogger(d.Log),
			auth.WithBasicRoutes(MeRoute),
			auth.WithStoreTimeout(set.StoreTimeout),
		),
		sink: d.Audit,
		up:   up,
		set:  set,
		log:  d.Log,
	}
}

// Gate exposes the gateway's authorization gate.
func (s *Service) Gate() *auth.Gate { return s.gate }

// Register mounts every gateway route on api.
func (s *Service) Register(api *httpapi.API) {
	guards := httpapi.Guards{Gate: s.gate, Source: auth.SourceCookie}
	limiter := httpapi.NewRateLimiter(s.set.LoginRatePerSecond, s.set.LoginBurst)

	api.Handle("POST /api/auth/login", limiter.Middleware(http.HandlerFunc(s.login)))
	api.HandleFunc("POST /api/auth/logout", s.logout)
	api.HandleFunc("GET /api/auth/refresh", s.refresh)

	api.Handle("GET "+MeRoute, guards.Self().WrapFunc(s.me))
	api.Handle("POST /api/users/register", guards.Require("post", "users").WrapFunc(s.register))

	for _, rt := range s.routes(guards) {
		if rt.upstream == nil {
			s.log.Warn("upstream not configured, route disabled", "pattern", rt.pattern)
			continue
		}
		api.Handle(rt.pattern, rt.guard.Wrap(s.forward(rt.upstream)))
	}
}
