package storage

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/quay/zlog"

	pkgcore "github.com/pkgcore/corepkg"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// schemaVersion is the current schema's user_version, stored in the SQLite
// header and compared against on every Open (§4.1 "Schema and migration").
const schemaVersion = 1

// migrate brings a freshly-opened database up to schemaVersion, applying
// embedded migration files in order inside their own transactions, or
// refuses to proceed if the on-disk schema is newer than this code
// understands.
func (e *Engine) migrate(ctx context.Context, mode Mode) error {
	const op = "storage.migrate"
	var current int
	if err := e.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
	}

	switch {
	case current == schemaVersion:
		return nil
	case current > schemaVersion:
		return &pkgcore.Error{Op: op, Kind: pkgcore.ErrIncompatible,
			Message: fmt.Sprintf("database schema %d is newer than this code (%d) and incompatible", current, schemaVersion)}
	case current == 0 && mode != Create:
		return &pkgcore.Error{Op: op, Kind: pkgcore.ErrNoDB, Message: "database is uninitialised"}
	}

	steps, err := pendingMigrations(current)
	if err != nil {
		return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
	}
	for _, step := range steps {
		if err := e.applyMigration(ctx, step); err != nil {
			return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err, Message: step.name}
		}
		zlog.Info(ctx).Str("migration", step.name).Int("version", step.version).Msg("applied migration")
	}
	return nil
}

type migrationStep struct {
	version int
	name    string
	sql     string
}

// pendingMigrations returns the embedded migrations with version > current,
// sorted ascending by their numeric filename prefix.
func pendingMigrations(current int) ([]migrationStep, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	var steps []migrationStep
	for _, ent := range entries {
		name := ent.Name()
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		if v <= current {
			continue
		}
		b, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, err
		}
		steps = append(steps, migrationStep{version: v, name: name, sql: string(b)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

func (e *Engine) applyMigration(ctx context.Context, step migrationStep) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(step.sql) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %s: %w", step.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", step.version)); err != nil {
		return err
	}
	return tx.Commit()
}

// splitStatements splits a migration file on top-level semicolons. SQLite's
// driver does not accept multi-statement strings through ExecContext, and
// none of this schema's statements contain embedded semicolons, so a plain
// split is sufficient.
func splitStatements(s string) []string {
	return strings.Split(s, ";")
}
