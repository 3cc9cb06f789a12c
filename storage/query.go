package storage

import (
	"context"
	"database/sql"
	"fmt"

	pkgcore "github.com/pkgcore/corepkg"
)

// MatchMode selects how Query's pattern argument is interpreted (§4.1
// "Queries").
type MatchMode int

const (
	MatchExact MatchMode = iota
	MatchGlob
	MatchRegex
	MatchAll
	MatchCondition
)

// Row is one row of a package query's result, carrying just the identity
// columns the formula SQL fragments and the planner need; callers load
// full Package collaterals through model's (*Loader).Load.
type Row struct {
	ID      int64
	Name    string
	Origin  string
	Version string
	Locked  bool
}

// Rows is a cursor over query results. Callers must call Close.
type Rows struct {
	rows *sql.Rows
}

func (r *Rows) Next() bool { return r.rows.Next() }
func (r *Rows) Err() error  { return r.rows.Err() }
func (r *Rows) Close() error { return r.rows.Close() }

func (r *Rows) Scan() (Row, error) {
	var row Row
	var locked int
	if err := r.rows.Scan(&row.ID, &row.Name, &row.Origin, &row.Version, &locked); err != nil {
		return Row{}, err
	}
	row.Locked = locked != 0
	return row, nil
}

// Query produces an iterator of packages matching pattern under mode
// (§4.1 "Queries"). caseSensitive toggles the collation used for exact
// matching and the flags passed to the regex engine; glob matching is
// always case-sensitive.
func (e *Engine) Query(ctx context.Context, tx *Tx, pattern string, mode MatchMode, caseSensitive bool) (*Rows, error) {
	const base = `SELECT id, name, origin, version, locked FROM packages WHERE `
	var where string
	var args []any

	switch mode {
	case MatchAll:
		where = "1"
	case MatchExact:
		if caseSensitive {
			where = "name = ? COLLATE BINARY"
		} else {
			where = "name = ? COLLATE NOCASE"
		}
		args = []any{pattern}
	case MatchGlob:
		where = "name GLOB ?"
		args = []any{pattern}
	case MatchRegex:
		if !caseSensitive {
			pattern = "(?i)" + pattern
		}
		where = "regexp(?, name)"
		args = []any{pattern}
	case MatchCondition:
		cond, cargs, err := compileCondition(pattern)
		if err != nil {
			return nil, &pkgcore.Error{Op: "storage.Query", Kind: pkgcore.ErrFatal, Inner: err, Message: "invalid condition"}
		}
		where = cond
		args = cargs
	default:
		return nil, &pkgcore.Error{Op: "storage.Query", Kind: pkgcore.ErrFatal, Message: "unknown match mode"}
	}

	var q func(context.Context, string, ...any) (*sql.Rows, error)
	if tx != nil {
		q = tx.Query
	} else {
		q = e.db.QueryContext
	}
	rows, err := q(ctx, base+where, args...)
	if err != nil {
		return nil, &pkgcore.Error{Op: "storage.Query", Kind: pkgcore.ErrFatal, Inner: err}
	}
	return &Rows{rows: rows}, nil
}

var conditionAttrs = map[string]string{
	"name":       "name",
	"origin":     "origin",
	"version":    "version",
	"maintainer": "maintainer",
	"automatic":  "automatic",
	"locked":     "locked",
	"vital":      "vital",
}

// compileCondition compiles a restricted "attr OP value" predicate into a
// parameterised SQL fragment, per §4.1's "condition" match mode
// ("free-form predicate ... compiled into a safe SQL WHERE clause"). Only a
// fixed attribute allow-list and a fixed operator set are accepted; this is
// deliberately far short of a general expression language, to keep the
// compiled fragment provably free of injection.
func compileCondition(pattern string) (string, []any, error) {
	var attr, op, value string
	n, err := fmt.Sscanf(pattern, "%s %s %s", &attr, &op, &value)
	if err != nil || n != 3 {
		return "", nil, fmt.Errorf("storage: condition %q must be \"attr op value\"", pattern)
	}
	col, ok := conditionAttrs[attr]
	if !ok {
		return "", nil, fmt.Errorf("storage: unknown condition attribute %q", attr)
	}
	switch op {
	case "=", "!=", "<", "<=", ">", ">=":
	default:
		return "", nil, fmt.Errorf("storage: unsupported condition operator %q", op)
	}
	return fmt.Sprintf("%s %s ?", col, op), []any{value}, nil
}
