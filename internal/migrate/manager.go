package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Schema holds the platform's migrations: roles, permissions, users,
// services, chambres, patients and documents.
//
//go:embed sql/*.sql
var schema embed.FS

// Reference holds idempotent reference-data seeds (services and chambres).
//
//go:embed seeds/*.sql
var reference embed.FS

// Schema returns the embedded migrations.
func Schema() fs.FS {
	sub, _ := fs.Sub(schema, "sql")
	return sub
}

// ReferenceSeeds returns the embedded seed files.
func ReferenceSeeds() fs.FS {
	sub, _ := fs.Sub(reference, "seeds")
	return sub
}

// Kinds of file recorded in the ledger.
const (
	KindSchema = "schema"
	KindSeed   = "seed"
)

// ledger records every schema migration and reference seed that ran.
const ledger = "cmv_migrations"

// ErrNothingApplied is returned by Down on a database without migrations.
var ErrNothingApplied = errors.New("no schema migration applied")

// Manager applies the embedded schema and reference seeds to PostgreSQL.
type Manager struct {
	db     *sql.DB
	schema fs.FS
	seeds  fs.FS
	log    *slog.Logger
}

type Option func(*Manager)

// WithLogger reports each applied file.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager constructs a Manager. Either file system may be nil.
func NewManager(db *sql.DB, schema, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{db: db, schema: schema, seeds: seeds, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Applied is one ledger row.
type Applied struct {
	Kind      string
	Name      string
	AppliedAt time.Time
}

// Report lists what ran, oldest first, and the schema files still pending.
type Report struct {
	Applied []Applied
	Pending []string
}

// Up applies pending schema migrations in file name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.applyPending(ctx, KindSchema, m.schema, ".up.sql")
}

// Seed loads reference data (services, chambres) not loaded yet.
func (m *Manager) Seed(ctx context.Context) error {
	return m.applyPending(ctx, KindSeed, m.seeds, ".sql")
}

func (m *Manager) applyPending(ctx context.Context, kind string, fsys fs.FS, suffix string) error {
	if err := m.ensureLedger(ctx); err != nil {
		return err
	}
	done, err := m.appliedNames(ctx, kind)
	if err != nil {
		return err
	}
	files, err := listFiles(fsys, suffix)
	if err != nil {
		return err
	}
	applied := 0
	for _, name := range files {
		if done[name] {
			continue
		}
		record := func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `insert into `+ledger+` (kind, name) values ($1, $2)`, kind, name)
			return err
		}
		if err := m.run(ctx, fsys, name, record); err != nil {
			return fmt.Errorf("%s %s: %w", kind, name, err)
		}
		m.log.Info("sql file applied", "kind", kind, "file", name)
		applied++
	}
	m.log.Info("database up to date", "kind", kind, "applied", applied, "total", len(files))
	return nil
}

// Down reverts the latest schema migration with its .down.sql file.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureLedger(ctx); err != nil {
		return err
	}
	var last string
	err := m.db.QueryRowContext(ctx,
		`select name from `+ledger+` where kind = $1 order by applied_at desc, name desc limit 1`, KindSchema).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNothingApplied
	}
	if err != nil {
		return err
	}
	down := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
	if m.schema == nil {
		return fmt.Errorf("schema %s: no %s", last, down)
	}
	if _, err := fs.Stat(m.schema, down); err != nil {
		return fmt.Errorf("schema %s: no %s", last, down)
	}
	forget := func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `delete from `+ledger+` where kind = $1 and name = $2`, KindSchema, last)
		return err
	}
	if err := m.run(ctx, m.schema, down, forget); err != nil {
		return fmt.Errorf("revert %s: %w", last, err)
	}
	m.log.Info("schema migration reverted", "file", last)
	return nil
}

// Status reports the ledger and the schema migrations Up would apply.
func (m *Manager) Status(ctx context.Context) (Report, error) {
	var rep Report
	if err := m.ensureLedger(ctx); err != nil {
		return rep, err
	}
	rows, err := m.db.QueryContext(ctx, `select kind, name, applied_at from `+ledger+` order by applied_at, name`)
	if err != nil {
		return rep, err
	}
	defer rows.Close()
	done := make(map[string]bool)
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Kind, &a.Name, &a.AppliedAt); err != nil {
			return rep, err
		}
		rep.Applied = append(rep.Applied, a)
		if a.Kind == KindSchema {
			done[a.Name] = true
		}
	}
	if err := rows.Err(); err != nil {
		return rep, err
	}
	files, err := listFiles(m.schema, ".up.sql")
	if err != nil {
		return rep, err
	}
	for _, name := range files {
		if !done[name] {
			rep.Pending = append(rep.Pending, name)
		}
	}
	return rep, nil
}

func (m *Manager) ensureLedger(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `create table if not exists `+ledger+` (
		kind text not null,
		name text not null,
		applied_at timestamptz not null default now(),
		primary key (kind, name)
	)`)
	return err
}

func (m *Manager) appliedNames(ctx context.Context, kind string) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `select name from `+ledger+` where kind = $1`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	done := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		done[name] = true
	}
	return done, rows.Err()
}

// run executes a file and its ledger update in one transaction.
func (m *Manager) run(ctx context.Context, fsys fs.FS, name string, ledgerUpdate func(*sql.Tx) error) error {
	body, err := fs.ReadFile(fsys, name)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := ledgerUpdate(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// listFiles returns the top-level files ending in suffix, sorted by name.
func listFiles(fsys fs.FS, suffix string) ([]string, error) {
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, ".")
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements cuts a file on semicolons outside quoted literals and
// drops "--" comments. It does not understand dollar quoting.
func splitStatements(src string) []string {
	var (
		stmts   []string
		cur     strings.Builder
		quoted  bool
		comment bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" && s != ";" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case comment:
			if c == '\n' {
				comment = false
				cur.WriteByte(c)
			}
		case c == '\'':
			quoted = !quoted
			cur.WriteByte(c)
		case !quoted && c == '-' && i+1 < len(src) && src[i+1] == '-':
			comment = true
		case !quoted && c == ';':
			cur.WriteByte(c)
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return stmts
}
