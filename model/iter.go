package model

import (
	"context"
	"errors"

	pkgcore "github.com/pkgcore/corepkg"
	"github.com/pkgcore/corepkg/storage"
)

// IterMode selects an iterator's end-of-sequence behaviour (§4.2 "An
// iterator may be single-shot, cycling, or auto-freeing on end").
type IterMode int

const (
	// IterSingleShot returns ErrEnd once exhausted and stays exhausted.
	IterSingleShot IterMode = iota
	// IterCycling re-issues the underlying query and starts over once
	// exhausted, rather than ending.
	IterCycling
	// IterAutoFree behaves like IterSingleShot but also releases the
	// underlying cursor the moment it is exhausted, so the caller need not
	// call Close in the common drain-to-completion case.
	IterAutoFree
)

// query captures the parameters needed to re-issue a storage.Query call,
// used by cycling iterators to restart.
type query struct {
	e             *storage.Engine
	tx            *storage.Tx
	pattern       string
	mode          storage.MatchMode
	caseSensitive bool
}

func (q query) run(ctx context.Context) (*storage.Rows, error) {
	return q.e.Query(ctx, q.tx, q.pattern, q.mode, q.caseSensitive)
}

// Iterator walks a storage query's results, materialising each row into a
// pkgcore.Package with the requested collateral sections loaded.
type Iterator struct {
	q      query
	rows   *storage.Rows
	loader *Loader
	flags  pkgcore.LoadFlags
	mode   IterMode
	freed  bool
}

// NewIterator opens an Iterator over e's local store.
func NewIterator(ctx context.Context, e *storage.Engine, tx *storage.Tx, pattern string, match storage.MatchMode, caseSensitive bool, flags pkgcore.LoadFlags, mode IterMode) (*Iterator, error) {
	q := query{e: e, tx: tx, pattern: pattern, mode: match, caseSensitive: caseSensitive}
	rows, err := q.run(ctx)
	if err != nil {
		return nil, err
	}
	return &Iterator{q: q, rows: rows, loader: NewLoader(e), flags: flags, mode: mode}, nil
}

// Next advances the iterator and returns the next package, or an *Error
// with Kind ErrEnd once exhausted (IterCycling never returns ErrEnd; it
// restarts instead).
func (it *Iterator) Next(ctx context.Context) (*pkgcore.Package, error) {
	if it.freed {
		return nil, &pkgcore.Error{Op: "model.Iterator.Next", Kind: pkgcore.ErrEnd}
	}
	for {
		if it.rows.Next() {
			row, err := it.rows.Scan()
			if err != nil {
				return nil, wrapFatal("iterator scan", err)
			}
			pkg := &pkgcore.Package{}
			want := it.flags | pkgcore.LoadBasic
			if err := it.loader.Load(ctx, it.q.tx, row.ID, pkg, want); err != nil {
				return nil, err
			}
			return pkg, nil
		}
		if err := it.rows.Err(); err != nil {
			return nil, wrapFatal("iterator", err)
		}
		if it.mode != IterCycling {
			if it.mode == IterAutoFree {
				it.Close()
			}
			return nil, &pkgcore.Error{Op: "model.Iterator.Next", Kind: pkgcore.ErrEnd}
		}
		// Cycling: restart the query and loop again.
		if err := it.rows.Close(); err != nil {
			return nil, wrapFatal("iterator restart", err)
		}
		rows, err := it.q.run(ctx)
		if err != nil {
			return nil, err
		}
		it.rows = rows
	}
}

// Close releases the iterator's underlying cursor. Safe to call more than
// once.
func (it *Iterator) Close() error {
	if it.freed {
		return nil
	}
	it.freed = true
	return it.rows.Close()
}

// RemoteIterator is the repository side of a composite "all" iterator: any
// object that can yield packages on demand, exhausting with ErrEnd. Concrete
// repository adapters (package repo) implement this.
type RemoteIterator interface {
	Next(ctx context.Context) (*pkgcore.Package, error)
	Name() string
}

// repoStamp implements the Package.Repo field's interface, so a composed
// package's Repo.Name() reports which remote it came from (§4.2 "the
// iterator stamps the repo pointer into the package").
type repoStamp struct{ name string }

func (r repoStamp) Name() string { return r.name }

// AllIterator composes one local Iterator and zero or more RemoteIterators:
// it drains the local side first, then round-robins the remotes until all
// are exhausted (§4.2 "Composite iterators").
type AllIterator struct {
	local     *Iterator
	remotes   []RemoteIterator
	next      int
	done      []bool
	localDone bool
}

// NewAllIterator builds a composite iterator over local and remotes.
func NewAllIterator(local *Iterator, remotes []RemoteIterator) *AllIterator {
	return &AllIterator{local: local, remotes: remotes, done: make([]bool, len(remotes))}
}

// Next returns the next package from the local store, then round-robins
// the remaining remote iterators, returning ErrEnd once all are exhausted.
func (a *AllIterator) Next(ctx context.Context) (*pkgcore.Package, error) {
	if !a.localDone {
		pkg, err := a.local.Next(ctx)
		switch {
		case err == nil:
			return pkg, nil
		case isEnd(err):
			a.localDone = true
		default:
			return nil, err
		}
	}

	remaining := len(a.remotes)
	for remaining > 0 {
		if a.next >= len(a.remotes) {
			a.next = 0
		}
		i := a.next
		a.next++
		if a.done[i] {
			remaining--
			continue
		}
		pkg, err := a.remotes[i].Next(ctx)
		if err == nil {
			pkg.Repo = repoStamp{name: a.remotes[i].Name()}
			return pkg, nil
		}
		if !isEnd(err) {
			return nil, err
		}
		a.done[i] = true
		remaining--
	}
	return nil, &pkgcore.Error{Op: "model.AllIterator.Next", Kind: pkgcore.ErrEnd}
}

// Close releases the local iterator's cursor.
func (a *AllIterator) Close() error { return a.local.Close() }

func isEnd(err error) bool {
	var perr *pkgcore.Error
	if !errors.As(err, &perr) {
		return false
	}
	return perr.Kind == pkgcore.ErrEnd
}
