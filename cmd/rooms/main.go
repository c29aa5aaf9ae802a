package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cmv.health/internal/app"
	"cmv.health/internal/httpapi"
	"cmv.health/internal/rooms"
)

var version = "1.0.0"

func main() {
	a, err := app.Setup("rooms", version, os.Args[1:])
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

	probe := httpapi.ReadyProbe{Checks: map[string]httpapi.Check{}}
	var repo rooms.Repository
	if db != nil {
		defer db.Close()
		repo = rooms.NewPGRepository(db)
		probe.Checks["database"] = db.PingContext
	} else {
		mem := rooms.NewMemoryRepository()
		mem.AddService("Cardiologie", "C101", "C102", "C103")
		mem.AddService("Pneumologie", "P201", "P202")
		repo = mem
	}

	api := httpapi.New(probe, "rooms", version, a.Log)
	rooms.NewHandler(repo, a.Log).Register(api, a.BearerGuards(nil))

	if err := a.Serve(ctx, api, probe); err != nil {
		a.Log.Error("server", "error", err)
		os.Exit(1)
	}
}
