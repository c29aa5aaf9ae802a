package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"

	"cmv.health/internal/auth"
	"cmv.health/internal/fixtures"
	"cmv.health/internal/migrate"
	"cmv.health/internal/obs"
	"cmv.health/internal/store/pg"
)

func main() {
	var (
		dsn      = pflag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL DSN")
		fixture  = pflag.String("fixtures", os.Getenv("FIXTURES_FILE"), "YAML fixtures applied by seed (roles, permissions, users)")
		logLevel = pflag.String("log-level", "info", "log level")
		timeout  = pflag.Duration("timeout", time.Minute, "overall deadline")
	)
	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [flags] up|down|status|seed")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	log := obs.NewLogger(os.Stderr, "migrate", *logLevel)

	if *dsn == "" || pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := pg.Open(ctx, *dsn, pg.DefaultOptions(), 10*time.Second)
	if err != nil {
		log.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrate.Schema(), migrate.ReferenceSeeds(), migrate.WithLogger(log))
	cmd := pflag.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "status":
		var rep migrate.Report
		if rep, err = mgr.Status(ctx); err == nil {
			printStatus(rep)
		}
	case "seed":
		if err = mgr.Seed(ctx); err == nil && *fixture != "" {
			var f fixtures.File
			if f, err = fixtures.LoadFile(*fixture); err == nil {
				var sum fixtures.Summary
				sum, err = fixtures.Apply(ctx, auth.NewPGStore(db), f, bcrypt.DefaultCost)
				log.Info("fixtures applied", "roles", sum.Roles, "permissions", sum.Permissions,
					"users", sum.Users, "skipped_users", sum.SkippedUsers)
			}
		}
	default:
		pflag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error("migrate failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func printStatus(rep migrate.Report) {
	for _, a := range rep.Applied {
		fmt.Printf("applied  %-6s  %-28s  %s\n", a.Kind, a.Name, a.AppliedAt.UTC().Format(time.RFC3339))
	}
	for _, name := range rep.Pending {
		fmt.Printf("pending  %-6s  %s\n", migrate.KindSchema, name)
	}
	if len(rep.Pending) == 0 {
		fmt.Println("schema up to date")
	}
}
