package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cmv.health/internal/app"
	"cmv.health/internal/blob"
	"cmv.health/internal/httpapi"
	"cmv.health/internal/patients"
)

var version = "1.0.0"

func main() {
	a, err := app.Setup("patients", version, os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg := a.Config

	db, err := a.OpenDB(ctx)
	if err != nil {
		a.Log.Error("open database", "error", err)
		os.Exit(1)
	}
	probe := httpapi.ReadyProbe{Checks: map[string]httpapi.Check{}}
	var repo patients.Repository = patients.NewMemoryRepository()
	if db != nil {
		defer db.Close()
		repo = patients.NewPGRepository(db)
		probe.Checks["database"] = db.PingContext
	}

	key, err := cfg.Blob.BlobKey()
	if err != nil {
		a.Log.Error("blob key", "error", err)
		os.Exit(1)
	}
	codec, err := blob.NewCodec(cfg.Blob.Compress, key)
	if err != nil {
		a.Log.Error("blob codec", "error", err)
		os.Exit(1)
	}
	blobs, err := blob.NewFSStore(cfg.UploadDir, codec)
	if err != nil {
		a.Log.Error("document store", "dir", cfg.UploadDir, "error", err)
		os.Exit(1)
	}
	a.Log.Info("document store ready", "dir", cfg.UploadDir, "encrypted", key != nil, "compress", cfg.Blob.Compress)

	api := httpapi.New(probe, "patients", version, a.Log)
	patients.NewHandler(repo, blobs, cfg.Blob.MaxUploadSize, a.Log).Register(api, a.BearerGuards(nil))

	if err := a.Serve(ctx, api, probe); err != nil {
		a.Log.Error("server", "error", err)
		os.Exit(1)
	}
}
