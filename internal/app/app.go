// Package app holds the startup plumbing shared by the service binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"cmv.health/internal/auth"
	"cmv.health/internal/config"
	"cmv.health/internal/fixtures"
	"cmv.health/internal/httpapi"
	"cmv.health/internal/obs"
	"cmv.health/internal/session"
	"cmv.health/internal/store/pg"
)

// App is a loaded service: its configuration, logger and token service.
type App struct {
	Service string
	Version string
	Config  config.Config
	Log     *slog.Logger
	Tokens  *auth.Tokens
}

// Setup loads configuration for service and initialises logging and metrics.
func Setup(service, version string, args []string) (*App, error) {
	cfg, err := config.Load(service, args)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log := obs.NewLogger(os.Stdout, service, cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(service, version)

	tokens, err := auth.NewTokens([]byte(cfg.Auth.SecretKey), auth.WithAlgorithm(cfg.Auth.Algorithm))
	if err != nil {
		return nil, fmt.Errorf("tokens: %w", err)
	}
	return &App{Service: service, Version: version, Config: cfg, Log: log, Tokens: tokens}, nil
}

// OpenDB connects to PostgreSQL. It returns a nil DB in development when no
// DATABASE_URL is configured; callers fall back to in-memory stores.
func (a *App) OpenDB(ctx context.Context) (*sql.DB, error) {
	if a.Config.DatabaseURL == "" {
		if a.Config.Dev() {
			a.Log.Warn("no DATABASE_URL, using in-memory stores")
			return nil, nil
		}
		return nil, errors.New("DATABASE_URL is required")
	}
	db, err := pg.Open(ctx, a.Config.DatabaseURL, pg.DefaultOptions(), 5*time.Second)
	if err != nil {
		return nil, err
	}
	a.Log.Info("database connected")
	return db, nil
}

// Users returns the credential store: Postgres when db is set, otherwise an
// in-memory store seeded from FIXTURES_FILE.
func (a *App) Users(ctx context.Context, db *sql.DB) (auth.UserStore, error) {
	if db != nil {
		return auth.NewPGStore(db), nil
	}
	mem := auth.NewMemoryStore()
	if a.Config.FixturesFile == "" {
		return mem, nil
	}
	f, err := fixtures.LoadFile(a.Config.FixturesFile)
	if err != nil {
		return nil, err
	}
	sum, err := fixtures.Apply(ctx, mem, f, bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	a.Log.Info("fixtures loaded", "roles", sum.Roles, "permissions", sum.Permissions, "users", sum.Users)
	return mem, nil
}

// SessionStore returns the Redis-backed store, or an in-memory one in development.
func (a *App) SessionStore() (session.Store, func() error, error) {
	if a.Config.RedisURL == "" {
		if a.Config.Dev() {
			a.Log.Warn("no REDIS_URL, sessions are kept in memory")
			mem := session.NewMemoryStore()
			stop := mem.StartSweeper(time.Minute)
			return mem, func() error { stop(); return nil }, nil
		}
		return nil, nil, errors.New("REDIS_URL is required")
	}
	rs, err := session.OpenRedis(a.Config.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return rs, rs.Close, nil
}

// BearerGuards guard backend routes with gateway-minted internal tokens.
// users may be nil when the service does not own the credential store.
func (a *App) BearerGuards(users auth.CredentialStore) httpapi.Guards {
	opts := []auth.GateOption{
		auth.WithLogger(a.Log),
		auth.WithTrustedSources(a.Config.Auth.TrustedSources...),
		auth.WithStoreTimeout(a.Config.StoreTimeout),
	}
	if users != nil {
		opts = append(opts, auth.WithCredentialStore(users))
	}
	return httpapi.Guards{Gate: auth.NewGate(a.Tokens, nil, opts...), Source: auth.SourceBearer}
}

// Serve runs the HTTP server and, when GRPC_ADDR is set, the gRPC health
// service until ctx is cancelled or either server fails.
func (a *App) Serve(ctx context.Context, api *httpapi.API, probe httpapi.ReadyProbe) error {
	proxies, err := a.Config.Proxies()
	if err != nil {
		return err
	}
	api.TrustProxies(proxies)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpapi.Run(ctx, httpapi.NewServer(a.Config.HTTPAddr, api.Handler()), a.Log)
	})
	if a.Config.GRPCAddr != "" {
		g.Go(func() error {
			return httpapi.ServeGRPCHealth(ctx, a.Config.GRPCAddr, httpapi.NewHealthServer(probe, a.Service), a.Log)
		})
	}
	return g.Wait()
}
