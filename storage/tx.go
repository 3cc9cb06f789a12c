package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	pkgcore "github.com/pkgcore/corepkg"
)

// sqliteErrBusy matches modernc.org/sqlite's error text for SQLITE_BUSY;
// the driver does not export a typed sentinel, so this core matches on the
// message the way the teacher's own sqlite-backed code does.
func isBusyErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SQLITE_BUSY")
}

// Tx is a handle to one logical transaction or nested savepoint.
type Tx struct {
	e        *Engine
	tx       *sql.Tx
	name     string // "" for the top-level transaction, else a savepoint name
	parent   *Tx
	released bool
}

// Begin starts a top-level transaction, retrying on SQLITE_BUSY per
// Options.BusyRetries/BusySleep (§4.1 "Transactions and savepoints").
// The transaction is started with database/sql's default BeginTx, which
// issues a deferred BEGIN, not BEGIN IMMEDIATE; the write lock is taken at
// the transaction's first write.
func (e *Engine) Begin(ctx context.Context) (*Tx, error) {
	const op = "storage.Begin"
	var tx *sql.Tx
	var err error
	for attempt := 0; attempt <= e.opts.BusyRetries; attempt++ {
		tx, err = e.db.BeginTx(ctx, nil)
		if err == nil {
			return &Tx{e: e, tx: tx}, nil
		}
		if !isBusyErr(err) {
			return nil, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
		}
		select {
		case <-time.After(e.opts.BusySleep):
		case <-ctx.Done():
			return nil, &pkgcore.Error{Op: op, Kind: pkgcore.ErrBusy, Inner: ctx.Err()}
		}
	}
	return nil, &pkgcore.Error{Op: op, Kind: pkgcore.ErrBusy, Inner: err, Message: "exceeded busy-retry budget"}
}

// Savepoint opens a named nested transaction inside t, used by the job
// planner to isolate a single package action's failure from the rest of an
// in-flight transaction set (§4.5 "Apply").
func (t *Tx) Savepoint(ctx context.Context, name string) (*Tx, error) {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+quoteIdent(name)); err != nil {
		return nil, &pkgcore.Error{Op: "storage.Savepoint", Kind: pkgcore.ErrFatal, Inner: err}
	}
	return &Tx{e: t.e, tx: t.tx, name: name, parent: t}, nil
}

// Commit releases the savepoint or commits the top-level transaction.
func (t *Tx) Commit(ctx context.Context) error {
	if t.released {
		return nil
	}
	t.released = true
	if t.name == "" {
		if err := t.tx.Commit(); err != nil {
			return &pkgcore.Error{Op: "storage.Commit", Kind: pkgcore.ErrFatal, Inner: err}
		}
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE "+quoteIdent(t.name)); err != nil {
		return &pkgcore.Error{Op: "storage.Commit", Kind: pkgcore.ErrFatal, Inner: err}
	}
	return nil
}

// Rollback aborts the savepoint or top-level transaction. It is a no-op if
// the transaction has already been committed or rolled back.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.released {
		return nil
	}
	t.released = true
	if t.name == "" {
		if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return &pkgcore.Error{Op: "storage.Rollback", Kind: pkgcore.ErrFatal, Inner: err}
		}
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO "+quoteIdent(t.name)); err != nil {
		return &pkgcore.Error{Op: "storage.Rollback", Kind: pkgcore.ErrFatal, Inner: err}
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE "+quoteIdent(t.name)); err != nil {
		return &pkgcore.Error{Op: "storage.Rollback", Kind: pkgcore.ErrFatal, Inner: err}
	}
	return nil
}

// Exec and Query run against the underlying *sql.Tx directly; Tx does not
// wrap every statement method, matching the teacher's own thin-transaction
// style (store callers hold the *sql.Tx, not a repository abstraction).
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// quoteIdent guards against savepoint names containing characters that
// would escape the identifier position; callers only ever pass
// compile-time-constant names, but this keeps the statement well-formed
// regardless.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
