// Package storage implements C1, the local package database: a single
// SQLite file holding the installed-package catalog, transaction
// machinery, the register/unregister protocol, query iterators, and the
// on-disk lock singleton consumed by package pkgcore/lockmgr.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"

	"github.com/quay/zlog"
	_ "modernc.org/sqlite" // register the sqlite driver

	pkgcore "github.com/pkgcore/corepkg"
)

// Mode selects how Open behaves when the database file does not yet exist.
type Mode int

const (
	// ReadOnly opens an existing database and refuses to create one. The
	// connection is not opened read-only: Open handles ReadOnly exactly as
	// ReadWrite, and writes (including pending migrations) still go through.
	ReadOnly Mode = iota
	// ReadWrite opens an existing database, refusing to create one, and
	// permits writes.
	ReadWrite
	// Create opens the database, creating and migrating a new file if
	// one is not already present.
	Create
)

// dbFileName is the local database's fixed file name within Options.DBDir,
// mirroring the "local.sqlite" layout named in §6.
const dbFileName = "local.sqlite"

// Engine is a handle to the local package database. The zero Engine is not
// usable; construct one with Open.
type Engine struct {
	db   *sql.DB
	opts *pkgcore.Options
	path string
	root *rootFD
}

// Open opens (and, in Create mode, initialises and migrates) the local
// database named by opts.DBDir, after performing the secure-mode ownership
// check described in §6.
//
// The returned Engine must have Close called when it is no longer needed.
func Open(ctx context.Context, opts *pkgcore.Options, mode Mode) (*Engine, error) {
	const op = "storage.Open"
	if opts == nil {
		return nil, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Message: "nil Options"}
	}
	path := filepath.Join(opts.DBDir, dbFileName)

	if _, err := os.Stat(opts.DBDir); err != nil {
		if os.IsNotExist(err) && mode == Create {
			if err := os.MkdirAll(opts.DBDir, 0o755); err != nil {
				return nil, &pkgcore.Error{Op: op, Kind: pkgcore.ErrNoAccess, Inner: err, Message: "creating DB directory"}
			}
		} else {
			return nil, &pkgcore.Error{Op: op, Kind: pkgcore.ErrNoDB, Inner: err, Message: opts.DBDir}
		}
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, &pkgcore.Error{Op: op, Kind: pkgcore.ErrNoAccess, Inner: err}
		}
		if mode != Create {
			return nil, &pkgcore.Error{Op: op, Kind: pkgcore.ErrNoDB, Message: path}
		}
	} else if err := checkOwnership(path, opts); err != nil {
		return nil, err
	}

	root, err := openRoot(opts.DBDir)
	if err != nil {
		return nil, err
	}

	u := url.URL{
		Scheme: "file",
		Opaque: path,
		RawQuery: url.Values{
			"_pragma": {
				"foreign_keys(1)",
				"busy_timeout(0)", // the core does its own busy-retry loop, see tx.go
			},
		}.Encode(),
	}
	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		root.Close()
		return nil, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite connections aren't safely shared across goroutines for writes
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		root.Close()
		return nil, &pkgcore.Error{Op: op, Kind: pkgcore.ErrNoAccess, Inner: err}
	}

	SetEpoch(opts.Epoch)
	e := &Engine{db: db, opts: opts, path: path, root: root}
	if err := e.migrate(ctx, mode); err != nil {
		db.Close()
		root.Close()
		return nil, err
	}

	_, file, line, _ := runtime.Caller(1)
	runtime.SetFinalizer(e, func(e *Engine) {
		panic(fmt.Sprintf("%s:%d: storage.Engine not closed", file, line))
	})

	zlog.Debug(ctx).Str("path", path).Msg("opened local database")
	return e, nil
}

// Close releases the underlying database handle. It must be called when
// the Engine is no longer needed.
func (e *Engine) Close() error {
	runtime.SetFinalizer(e, nil)
	e.root.Close()
	return e.db.Close()
}

// Path returns the local database's file path.
func (e *Engine) Path() string { return e.path }

// DB returns the underlying *sql.DB, for components (lockmgr) that need to
// run single statements outside of any caller-scoped transaction.
func (e *Engine) DB() *sql.DB { return e.db }
