package main

import (
	"context"

	pkgcore "github.com/pkgcore/corepkg"
	"github.com/pkgcore/corepkg/planner"
)

// demoArchive stands in for a real archive fetch/unpack pipeline, which
// this module does not implement (§1 non-goals: archive extraction). It
// simply hands back a copy of the candidate package whose metadata was
// already resolved by Solve.
type demoArchive struct {
	pkg *pkgcore.Package
}

func (a *demoArchive) Fetch(ctx context.Context, act planner.Action) (string, error) {
	return "memory://" + act.Name, nil
}

func (a *demoArchive) Stage(ctx context.Context, act planner.Action, cachePath string) (*pkgcore.Package, error) {
	cp := *a.pkg
	cp.Version = act.NewVersion
	return &cp, nil
}

func (a *demoArchive) Commit(ctx context.Context, pkg *pkgcore.Package) error { return nil }
func (a *demoArchive) Unlink(ctx context.Context, pkg *pkgcore.Package) error { return nil }
