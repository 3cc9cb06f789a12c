package planner

import (
	"context"
	"testing"

	"github.com/quay/zlog"
	"github.com/stretchr/testify/require"

	pkgcore "github.com/pkgcore/corepkg"
	"github.com/pkgcore/corepkg/lockmgr"
	"github.com/pkgcore/corepkg/repo"
	"github.com/pkgcore/corepkg/storage"
)

func testSetup(t *testing.T) (context.Context, *storage.Engine, *lockmgr.Manager) {
	t.Helper()
	ctx := zlog.Test(context.Background(), t)
	opts := &pkgcore.Options{DBDir: t.TempDir()}
	require.NoError(t, opts.Parse())
	e, err := storage.Open(ctx, opts, storage.Create)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	lm := lockmgr.New(e.DB(), opts)
	t.Cleanup(lm.Close)
	return ctx, e, lm
}

// fakeIterator is a one-shot repo.Iterator over a fixed slice, used by
// fakeRepo.Search.
type fakeIterator struct {
	pkgs []*pkgcore.Package
	i    int
}

func (f *fakeIterator) Next(ctx context.Context) (*pkgcore.Package, error) {
	if f.i >= len(f.pkgs) {
		return nil, &pkgcore.Error{Op: "fakeIterator.Next", Kind: pkgcore.ErrEnd}
	}
	p := f.pkgs[f.i]
	f.i++
	return p, nil
}
func (f *fakeIterator) Name() string { return "fake" }
func (f *fakeIterator) Close() error { return nil }

// fakeRepo is a minimal repo.Repo backed by an in-memory name->Package map,
// standing in for the external catalog adapter (§6).
type fakeRepo struct {
	name     string
	priority int
	pkgs     map[string]*pkgcore.Package
}

func (r *fakeRepo) Name() string                    { return r.name }
func (r *fakeRepo) Priority() int                    { return r.priority }
func (r *fakeRepo) Mirror() repo.MirrorType          { return repo.MirrorNone }
func (r *fakeRepo) Signature() repo.SignatureScheme  { return repo.SignatureNone }
func (r *fakeRepo) Open(context.Context, repo.AccessMode) error  { return nil }
func (r *fakeRepo) Close(context.Context) error                  { return nil }
func (r *fakeRepo) Init(context.Context) error                   { return nil }
func (r *fakeRepo) Access(context.Context, repo.AccessMode) error { return nil }
func (r *fakeRepo) Stat(context.Context, repo.StatKind) (repo.Stat, error) {
	return repo.Stat{Count: int64(len(r.pkgs))}, nil
}
func (r *fakeRepo) EnsureLoaded(context.Context, *pkgcore.Package, pkgcore.LoadFlags) error {
	return nil
}
func (r *fakeRepo) Search(ctx context.Context, pattern string, field repo.MatchField) (repo.Iterator, error) {
	if p, ok := r.pkgs[pattern]; ok {
		return &fakeIterator{pkgs: []*pkgcore.Package{p}}, nil
	}
	return &fakeIterator{}, nil
}

// fakeArchive is an ArchiveRealizer that skips real archive I/O entirely:
// Stage just returns the candidate the repo already described, as a
// register-ready Package. Good enough to exercise the planner's solve/
// apply orchestration without a real package archive format (out of
// scope, §1).
type fakeArchive struct {
	pkgs map[string]*pkgcore.Package
}

func (a *fakeArchive) Fetch(ctx context.Context, act Action) (string, error) { return "cached", nil }
func (a *fakeArchive) Stage(ctx context.Context, act Action, cachePath string) (*pkgcore.Package, error) {
	src := a.pkgs[act.Name]
	cp := *src
	cp.Version = act.NewVersion
	return &cp, nil
}
func (a *fakeArchive) Commit(ctx context.Context, pkg *pkgcore.Package) error { return nil }
func (a *fakeArchive) Unlink(ctx context.Context, pkg *pkgcore.Package) error { return nil }

func exactSelector(name string) Selector {
	return Selector{Pattern: name, Mode: storage.MatchExact}
}

// TestScenarioSingleInstall implements §8 scenario 1.
func TestScenarioSingleInstall(t *testing.T) {
	ctx, e, lm := testSetup(t)
	pkgs := map[string]*pkgcore.Package{
		"A": {UID: "A~1.0", Name: "A", Origin: "cat/A", Version: "1.0"},
	}
	repos := []repo.Repo{&fakeRepo{name: "main", pkgs: pkgs}}

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	job := NewJob(KindInstall, Flags{}, exactSelector("A"))
	actions, err := Solve(ctx, e, tx, repos, job)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	require.Len(t, actions, 1)
	require.Equal(t, ActionInstall, actions[0].Type)
	require.Equal(t, "A", actions[0].Name)

	applier := NewApplier(e, lm, &fakeArchive{pkgs: pkgs}, nil, job)
	_, err = applier.Apply(ctx)
	require.NoError(t, err)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.LocalCount)

	tx2, err := e.Begin(ctx)
	require.NoError(t, err)
	rows, err := e.Query(ctx, tx2, "A", storage.MatchExact, true)
	require.NoError(t, err)
	require.True(t, rows.Next())
	row, err := rows.Scan()
	require.NoError(t, err)
	require.Equal(t, "1.0", row.Version)
	require.NoError(t, rows.Close())
	require.NoError(t, tx2.Rollback(ctx))
}

// TestScenarioDepThenDependent implements §8 scenario 2.
func TestScenarioDepThenDependent(t *testing.T) {
	ctx, e, lm := testSetup(t)
	pkgs := map[string]*pkgcore.Package{
		"A": {UID: "A~1.0", Name: "A", Origin: "cat/A", Version: "1.0"},
		"B": {UID: "B~1.0", Name: "B", Origin: "cat/B", Version: "1.0", DepFormula: "A >= 1.0",
			Deps: []pkgcore.Dependency{{Name: "A", Origin: "cat/A", Version: "1.0"}}},
	}
	repos := []repo.Repo{&fakeRepo{name: "main", pkgs: pkgs}}
	archive := &fakeArchive{pkgs: pkgs}

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	job := NewJob(KindInstall, Flags{}, exactSelector("B"))
	actions, err := Solve(ctx, e, tx, repos, job)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	require.Len(t, actions, 2)
	require.Equal(t, "A", actions[0].Name)
	require.Equal(t, "B", actions[1].Name)

	applier := NewApplier(e, lm, archive, nil, job)
	_, err = applier.Apply(ctx)
	require.NoError(t, err)

	// Deleting A without -R fails: B still requires it.
	txd, err := e.Begin(ctx)
	require.NoError(t, err)
	delJob := NewJob(KindDeinstall, Flags{}, exactSelector("A"))
	_, err = Solve(ctx, e, txd, repos, delJob)
	require.NoError(t, txd.Rollback(ctx))
	require.Error(t, err)
	require.Contains(t, err.Error(), "required by B")

	// With -R (Flags.Recursive), both are deleted.
	txd2, err := e.Begin(ctx)
	require.NoError(t, err)
	delJobR := NewJob(KindDeinstall, Flags{Recursive: true}, exactSelector("A"))
	delActions, err := Solve(ctx, e, txd2, repos, delJobR)
	require.NoError(t, err)
	require.NoError(t, txd2.Rollback(ctx))
	require.Len(t, delActions, 2)
	require.Equal(t, "B", delActions[0].Name, "revdep B must precede A's own delete")
	require.Equal(t, "A", delActions[1].Name)

	applierD := NewApplier(e, lm, archive, nil, delJobR)
	_, err = applierD.Apply(ctx)
	require.NoError(t, err)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.LocalCount)
}

// TestScenarioUpgrade implements §8 scenario 4.
func TestScenarioUpgrade(t *testing.T) {
	ctx, e, lm := testSetup(t)

	tx0, err := e.Begin(ctx)
	require.NoError(t, err)
	_, err = e.Register(ctx, tx0, &pkgcore.Package{UID: "A~1.0", Name: "A", Origin: "cat/A", Version: "1.0"}, storage.RegisterOptions{})
	require.NoError(t, err)
	require.NoError(t, tx0.Commit(ctx))

	pkgs := map[string]*pkgcore.Package{
		"A": {UID: "A~1.1", Name: "A", Origin: "cat/A", Version: "1.1"},
	}
	repos := []repo.Repo{&fakeRepo{name: "main", pkgs: pkgs}}

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	job := NewJob(KindUpgrade, Flags{}, exactSelector("A"))
	actions, err := Solve(ctx, e, tx, repos, job)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	require.Len(t, actions, 1)
	require.Equal(t, ActionUpgrade, actions[0].Type)
	require.Equal(t, "1.0", actions[0].OldVersion)
	require.Equal(t, "1.1", actions[0].NewVersion)

	applier := NewApplier(e, lm, &fakeArchive{pkgs: pkgs}, nil, job)
	_, err = applier.Apply(ctx)
	require.NoError(t, err)

	tx2, err := e.Begin(ctx)
	require.NoError(t, err)
	rows, err := e.Query(ctx, tx2, "A", storage.MatchExact, true)
	require.NoError(t, err)
	require.True(t, rows.Next())
	row, err := rows.Scan()
	require.NoError(t, err)
	require.Equal(t, "1.1", row.Version)
	require.False(t, rows.Next())
	require.NoError(t, rows.Close())
	require.NoError(t, tx2.Rollback(ctx))
}

// TestLockedPackageSkipsUpgrade exercises §4.5 rule 4.
func TestLockedPackageSkipsUpgrade(t *testing.T) {
	ctx, e, _ := testSetup(t)

	tx0, err := e.Begin(ctx)
	require.NoError(t, err)
	id, err := e.Register(ctx, tx0, &pkgcore.Package{UID: "A~1.0", Name: "A", Origin: "cat/A", Version: "1.0"}, storage.RegisterOptions{})
	require.NoError(t, err)
	locked := true
	require.NoError(t, e.SetAttributes(ctx, tx0, id, storage.Attributes{Locked: &locked}))
	require.NoError(t, tx0.Commit(ctx))

	pkgs := map[string]*pkgcore.Package{
		"A": {UID: "A~1.1", Name: "A", Origin: "cat/A", Version: "1.1"},
	}
	repos := []repo.Repo{&fakeRepo{name: "main", pkgs: pkgs}}

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	job := NewJob(KindUpgrade, Flags{}, exactSelector("A"))
	actions, err := Solve(ctx, e, tx, repos, job)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	require.Empty(t, actions, "a locked package's upgrade must be skipped, not emitted")
}

func TestAutoremoveOrphans(t *testing.T) {
	ctx, e, lm := testSetup(t)

	tx0, err := e.Begin(ctx)
	require.NoError(t, err)
	_, err = e.Register(ctx, tx0, &pkgcore.Package{UID: "A~1.0", Name: "A", Origin: "cat/A", Version: "1.0", Automatic: true}, storage.RegisterOptions{})
	require.NoError(t, err)
	require.NoError(t, tx0.Commit(ctx))

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	job := NewJob(KindAutoremove, Flags{})
	actions, err := Solve(ctx, e, tx, nil, job)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	require.Len(t, actions, 1)
	require.Equal(t, ActionDelete, actions[0].Type)
	require.Equal(t, "orphan", actions[0].Reason)

	applier := NewApplier(e, lm, &fakeArchive{}, nil, job)
	_, err = applier.Apply(ctx)
	require.NoError(t, err)
	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.LocalCount)
}

func TestDryRunDoesNotExecute(t *testing.T) {
	ctx, e, lm := testSetup(t)
	pkgs := map[string]*pkgcore.Package{
		"A": {UID: "A~1.0", Name: "A", Origin: "cat/A", Version: "1.0"},
	}
	repos := []repo.Repo{&fakeRepo{name: "main", pkgs: pkgs}}

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	job := NewJob(KindInstall, Flags{DryRun: true}, exactSelector("A"))
	require.True(t, job.Flags.SkipInstall, "dry run implies skip-install")
	actions, err := Solve(ctx, e, tx, repos, job)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	require.Len(t, actions, 1)

	applier := NewApplier(e, lm, &fakeArchive{pkgs: pkgs}, nil, job)
	applied, err := applier.Apply(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 1)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.LocalCount, "dry run must not mutate the store")
}
