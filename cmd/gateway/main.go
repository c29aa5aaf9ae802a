package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cmv.health/internal/app"
	"cmv.health/internal/audit"
	"cmv.health/internal/gateway"
	"cmv.health/internal/httpapi"
	"cmv.health/internal/proxy"
	"cmv.health/internal/session"
)

var version = "1.0.0"

func main() {
	a, err := app.Setup("gateway", version, os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := a.OpenDB(ctx)
	if err != nil {
		a.Log.Error("open database", "error", err)
		os.Exit(1)
	}
	users, err := a.Users(ctx, db)
	if err != nil {
		a.Log.Error("credential store", "error", err)
		os.Exit(1)
	}
	store, closeStore, err := a.SessionStore()
	if err != nil {
		a.Log.Error("session store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = closeStore() }()

	cfg := a.Config
	sessions := session.NewManager(store,
		session.WithTTL(cfg.Auth.SessionTTL),
		session.WithTimeout(cfg.StoreTimeout),
		session.WithLogger(a.Log),
	)

	var up gateway.Upstreams
	for _, u := range []struct {
		name, url string
		dst       **proxy.Forwarder
	}{
		{"rooms", cfg.Services.Chambres, &up.Rooms},
		{"patients", cfg.Services.Patients, &up.Patients},
		{"home", cfg.Services.Home, &up.Home},
	} {
		fwd, err := proxy.New(u.name, u.url, proxy.WithLogger(a.Log))
		if err != nil {
			a.Log.Error("upstream", "service", u.name, "error", err)
			os.Exit(1)
		}
		*u.dst = fwd
	}

	svc := gateway.New(gateway.Deps{
		Tokens:   a.Tokens,
		Sessions: sessions,
		Users:    users,
		Audit:    audit.NewLogger(a.Log),
		Log:      a.Log,
	}, up, gateway.Settings{
		AccessMaxAge:       cfg.Auth.AccessMaxAge,
		RefreshMaxAge:      cfg.Auth.RefreshMaxAge,
		InternalTokenTTL:   cfg.Auth.InternalTokenTTL,
		CookieSecure:       cfg.CookieSecure(),
		LoginRatePerSecond: cfg.LoginRatePerSecond,
		LoginBurst:         cfg.LoginBurst,
		StoreTimeout:       cfg.StoreTimeout,
		Password:           cfg.Password,
	})

	probe := httpapi.ReadyProbe{Checks: map[string]httpapi.Check{"session_store": sessions.Ping}}
	if db != nil {
		probe.Checks["database"] = db.PingContext
		defer db.Close()
	}
	api := httpapi.New(probe, "gateway", version, a.Log)
	svc.Register(api)

	if err := a.Serve(ctx, api, probe); err != nil {
		a.Log.Error("server", "error", err)
		os.Exit(1)
	}
}
