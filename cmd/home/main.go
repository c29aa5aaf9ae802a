package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cmv.health/internal/app"
	"cmv.health/internal/audit"
	"cmv.health/internal/home"
	"cmv.health/internal/httpapi"
	"cmv.health/internal/rooms"
)

var version = "1.0.0"

func main() {
	a, err := app.Setup("home", version, os.Args[1:])
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
	probe := httpapi.ReadyProbe{Checks: map[string]httpapi.Check{}}
	var repo rooms.Repository = rooms.NewMemoryRepository()
	if db != nil {
		defer db.Close()
		repo = rooms.NewPGRepository(db)
		probe.Checks["database"] = db.PingContext
	}

	h := home.NewHandler(users, repo,
		home.WithPasswordPolicy(a.Config.Password),
		home.WithAuditSink(audit.NewLogger(a.Log)),
		home.WithLogger(a.Log),
	)
	api := httpapi.New(probe, "home", version, a.Log)
	h.Register(api, a.BearerGuards(users))

	if err := a.Serve(ctx, api, probe); err != nil {
		a.Log.Error("server", "error", err)
		os.Exit(1)
	}
}
