package main

import (
	"context"

	pkgcore "github.com/pkgcore/corepkg"
	"github.com/pkgcore/corepkg/repo"
)

// demoRepo is a single-package, in-memory repo.Repo standing in for a real
// catalog-backed repository, which this module does not implement (§1
// non-goals: repository-catalog fetching).
type demoRepo struct {
	name     string
	priority int
	pkg      *pkgcore.Package
}

func newDemoRepo(name string, priority int, pkg *pkgcore.Package) *demoRepo {
	return &demoRepo{name: name, priority: priority, pkg: pkg}
}

func (r *demoRepo) Name() string                    { return r.name }
func (r *demoRepo) Priority() int                    { return r.priority }
func (r *demoRepo) Mirror() repo.MirrorType          { return repo.MirrorNone }
func (r *demoRepo) Signature() repo.SignatureScheme  { return repo.SignatureNone }
func (r *demoRepo) Open(ctx context.Context, mode repo.AccessMode) error   { return nil }
func (r *demoRepo) Close(ctx context.Context) error                       { return nil }
func (r *demoRepo) Init(ctx context.Context) error                        { return nil }
func (r *demoRepo) Access(ctx context.Context, mode repo.AccessMode) error { return nil }

func (r *demoRepo) Stat(ctx context.Context, kind repo.StatKind) (repo.Stat, error) {
	return repo.Stat{Count: 1}, nil
}

func (r *demoRepo) EnsureLoaded(ctx context.Context, pkg *pkgcore.Package, flags pkgcore.LoadFlags) error {
	return nil
}

func (r *demoRepo) Search(ctx context.Context, pattern string, field repo.MatchField) (repo.Iterator, error) {
	if field != repo.FieldName || pattern != r.pkg.Name {
		return &demoIterator{name: r.name}, nil
	}
	return &demoIterator{name: r.name, pkg: r.pkg}, nil
}

// demoIterator yields its single package, if any, then ends.
type demoIterator struct {
	name string
	pkg  *pkgcore.Package
	done bool
}

func (it *demoIterator) Next(ctx context.Context) (*pkgcore.Package, error) {
	if it.pkg == nil || it.done {
		return nil, &pkgcore.Error{Op: "demoIterator.Next", Kind: pkgcore.ErrEnd}
	}
	it.done = true
	return it.pkg, nil
}

func (it *demoIterator) Name() string  { return it.name }
func (it *demoIterator) Close() error { return nil }
