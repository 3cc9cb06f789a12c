package model

import (
	"context"
	"testing"
	"time"

	"github.com/quay/zlog"
	"github.com/stretchr/testify/require"

	pkgcore "github.com/pkgcore/corepkg"
	"github.com/pkgcore/corepkg/storage"
)

func testEngine(t *testing.T) (context.Context, *storage.Engine) {
	t.Helper()
	ctx := zlog.Test(context.Background(), t)
	opts := &pkgcore.Options{DBDir: t.TempDir()}
	require.NoError(t, opts.Parse())
	e, err := storage.Open(ctx, opts, storage.Create)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return ctx, e
}

func samplePackage(name string) *pkgcore.Package {
	return &pkgcore.Package{
		UID:         name + "~1.0",
		Name:        name,
		Version:     "1.0",
		Origin:      "category/" + name,
		FlatSize:    2048,
		InstallTime: time.Unix(1700000000, 0),
		Deps:        []pkgcore.Dependency{{Name: "libc", Origin: "base/libc", Version: "2.0"}},
		Files: map[string]pkgcore.FileEntry{
			"/usr/bin/" + name: {SHA256: pkgcore.SumBytes([]byte(name))},
		},
		ConfigFiles: map[string]string{"/etc/" + name + ".conf": "# default\n"},
		Categories:  []string{"category"},
		Annotations: map[string]string{"repotag": "main"},
	}
}

func register(t *testing.T, ctx context.Context, e *storage.Engine, pkg *pkgcore.Package) int64 {
	t.Helper()
	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	id, err := e.Register(ctx, tx, pkg, storage.RegisterOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	return id
}

func TestLoadBasicAndCollaterals(t *testing.T) {
	ctx, e := testEngine(t)
	id := register(t, ctx, e, samplePackage("foo"))

	l := NewLoader(e)
	var pkg pkgcore.Package
	require.NoError(t, l.Load(ctx, nil, id, &pkg, pkgcore.LoadBasic|pkgcore.LoadDeps|pkgcore.LoadFiles|pkgcore.LoadCategories|pkgcore.LoadAnnotations))

	require.Equal(t, "foo", pkg.Name)
	require.Equal(t, "category/foo", pkg.Origin)
	require.Equal(t, int64(2048), pkg.FlatSize)
	require.Len(t, pkg.Deps, 1)
	require.Equal(t, "libc", pkg.Deps[0].Name)
	require.Contains(t, pkg.Files, "/usr/bin/foo")
	require.Contains(t, pkg.ConfigFiles, "/etc/foo.conf")
	require.Equal(t, []string{"category"}, pkg.Categories)
	require.Equal(t, "main", pkg.Annotations["repotag"])
	require.True(t, pkg.Loaded.Has(pkgcore.LoadBasic|pkgcore.LoadDeps))
}

func TestLoadIsIdempotentOnAlreadySetFlags(t *testing.T) {
	ctx, e := testEngine(t)
	id := register(t, ctx, e, samplePackage("bar"))

	l := NewLoader(e)
	var pkg pkgcore.Package
	require.NoError(t, l.Load(ctx, nil, id, &pkg, pkgcore.LoadBasic))
	pkg.Name = "mutated-by-test"
	require.NoError(t, l.Load(ctx, nil, id, &pkg, pkgcore.LoadBasic))
	require.Equal(t, "mutated-by-test", pkg.Name, "already-loaded flags must not be re-fetched")
}

func TestIteratorSingleShotEnds(t *testing.T) {
	ctx, e := testEngine(t)
	register(t, ctx, e, samplePackage("a"))
	register(t, ctx, e, samplePackage("b"))

	it, err := NewIterator(ctx, e, nil, "", storage.MatchAll, true, pkgcore.LoadBasic, IterSingleShot)
	require.NoError(t, err)
	defer it.Close()

	var names []string
	for {
		pkg, err := it.Next(ctx)
		if err != nil {
			var perr *pkgcore.Error
			require.ErrorAs(t, err, &perr)
			require.Equal(t, pkgcore.ErrEnd, perr.Kind)
			break
		}
		names = append(names, pkg.Name)
	}
	require.ElementsMatch(t, []string{"a", "b"}, names)

	_, err = it.Next(ctx)
	require.Error(t, err)
}

func TestIteratorCyclingRestarts(t *testing.T) {
	ctx, e := testEngine(t)
	register(t, ctx, e, samplePackage("only"))

	it, err := NewIterator(ctx, e, nil, "", storage.MatchAll, true, pkgcore.LoadBasic, IterCycling)
	require.NoError(t, err)
	defer it.Close()

	for i := 0; i < 3; i++ {
		pkg, err := it.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, "only", pkg.Name)
	}
}

type fakeRemote struct {
	name string
	pkgs []*pkgcore.Package
	i    int
}

func (f *fakeRemote) Name() string { return f.name }
func (f *fakeRemote) Next(ctx context.Context) (*pkgcore.Package, error) {
	if f.i >= len(f.pkgs) {
		return nil, &pkgcore.Error{Op: "fakeRemote.Next", Kind: pkgcore.ErrEnd}
	}
	p := f.pkgs[f.i]
	f.i++
	return p, nil
}

func TestAllIteratorDrainsLocalThenRemotes(t *testing.T) {
	ctx, e := testEngine(t)
	register(t, ctx, e, samplePackage("local1"))

	local, err := NewIterator(ctx, e, nil, "", storage.MatchAll, true, pkgcore.LoadBasic, IterSingleShot)
	require.NoError(t, err)
	remote := &fakeRemote{name: "remote-repo", pkgs: []*pkgcore.Package{{Name: "remote1"}, {Name: "remote2"}}}

	all := NewAllIterator(local, []RemoteIterator{remote})
	defer all.Close()

	var got []string
	for {
		pkg, err := all.Next(ctx)
		if err != nil {
			break
		}
		got = append(got, pkg.Name)
		if pkg.Repo != nil {
			require.Equal(t, "remote-repo", pkg.Repo.Name())
		}
	}
	require.Equal(t, []string{"local1", "remote1", "remote2"}, got)
}
