package planner

import (
	"context"
	"database/sql"

	pkgcore "github.com/pkgcore/corepkg"
	"github.com/pkgcore/corepkg/storage"
)

// localRow is the slice of a local packages row the planner needs to make
// solve decisions: identity, version, and the two flags that gate rule 4
// (locked) and autoremove (automatic).
type localRow struct {
	ID        int64
	Name      string
	Origin    string
	Version   string
	Locked    bool
	Automatic bool
}

func queryRow(ctx context.Context, e *storage.Engine, tx *storage.Tx, query string, args ...any) *sql.Row {
	if tx != nil {
		return tx.QueryRow(ctx, query, args...)
	}
	return e.DB().QueryRowContext(ctx, query, args...)
}

func queryRows(ctx context.Context, e *storage.Engine, tx *storage.Tx, query string, args ...any) (*sql.Rows, error) {
	if tx != nil {
		return tx.Query(ctx, query, args...)
	}
	return e.DB().QueryContext(ctx, query, args...)
}

// queryExact looks up a package by its exact name. The comparison uses the
// packages.name column's NOCASE collation, so it is case-insensitive.
func queryExact(ctx context.Context, e *storage.Engine, tx *storage.Tx, name string) (localRow, bool, error) {
	var row localRow
	var locked, automatic int
	err := queryRow(ctx, e, tx,
		`SELECT id, name, origin, version, locked, automatic FROM packages WHERE name = ?`, name).
		Scan(&row.ID, &row.Name, &row.Origin, &row.Version, &locked, &automatic)
	switch {
	case err == sql.ErrNoRows:
		return localRow{}, false, nil
	case err != nil:
		return localRow{}, false, &pkgcore.Error{Op: "planner.queryExact", Kind: pkgcore.ErrFatal, Inner: err}
	}
	row.Locked = locked != 0
	row.Automatic = automatic != 0
	return row, true, nil
}

// queryRevDeps returns the names of installed packages that directly
// depend on name.
func queryRevDeps(ctx context.Context, e *storage.Engine, tx *storage.Tx, name string) ([]string, error) {
	rows, err := queryRows(ctx, e, tx,
		`SELECT p.name FROM deps d JOIN packages p ON p.id = d.package_id WHERE d.name = ?`, name)
	if err != nil {
		return nil, &pkgcore.Error{Op: "planner.queryRevDeps", Kind: pkgcore.ErrFatal, Inner: err}
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, &pkgcore.Error{Op: "planner.queryRevDeps", Kind: pkgcore.ErrFatal, Inner: err}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// queryAutomaticOrphans returns every installed, automatically-installed
// package with zero reverse-dependents (SPEC_FULL.md's autoremove
// supplement, grounded on original_source/src/autoremove.c).
func queryAutomaticOrphans(ctx context.Context, e *storage.Engine, tx *storage.Tx) ([]localRow, error) {
	rows, err := queryRows(ctx, e, tx, `
		SELECT id, name, origin, version, locked, automatic FROM packages
		WHERE automatic = 1 AND name NOT IN (SELECT DISTINCT name FROM deps)`)
	if err != nil {
		return nil, &pkgcore.Error{Op: "planner.queryAutomaticOrphans", Kind: pkgcore.ErrFatal, Inner: err}
	}
	defer rows.Close()
	var out []localRow
	for rows.Next() {
		var row localRow
		var locked, automatic int
		if err := rows.Scan(&row.ID, &row.Name, &row.Origin, &row.Version, &locked, &automatic); err != nil {
			return nil, &pkgcore.Error{Op: "planner.queryAutomaticOrphans", Kind: pkgcore.ErrFatal, Inner: err}
		}
		row.Locked = locked != 0
		row.Automatic = automatic != 0
		out = append(out, row)
	}
	return out, rows.Err()
}
