package storage

import (
	"context"
	"testing"
	"time"

	"github.com/quay/zlog"
	"github.com/stretchr/testify/require"

	pkgcore "github.com/pkgcore/corepkg"
)

func testOptions(t *testing.T) *pkgcore.Options {
	t.Helper()
	opts := &pkgcore.Options{DBDir: t.TempDir()}
	require.NoError(t, opts.Parse())
	return opts
}

func openTest(t *testing.T) (context.Context, *Engine) {
	t.Helper()
	ctx := zlog.Test(context.Background(), t)
	e, err := Open(ctx, testOptions(t), Create)
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
		FlatSize:    1024,
		InstallTime: time.Unix(1700000000, 0),
		Files: map[string]pkgcore.FileEntry{
			"/usr/bin/" + name: {SHA256: pkgcore.SumBytes([]byte(name))},
		},
		Categories: []string{"category"},
	}
}

func TestOpenCreatesAndReopens(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	opts := testOptions(t)

	e, err := Open(ctx, opts, Create)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2, err := Open(ctx, opts, ReadWrite)
	require.NoError(t, err)
	require.NoError(t, e2.Close())
}

func TestOpenReadOnlyMissingFails(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	_, err := Open(ctx, testOptions(t), ReadOnly)
	require.Error(t, err)
	var perr *pkgcore.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, pkgcore.ErrNoDB, perr.Kind)
}

func TestRegisterAndQuery(t *testing.T) {
	ctx, e := openTest(t)

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	id, err := e.Register(ctx, tx, samplePackage("foo"), RegisterOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	require.NotZero(t, id)

	rows, err := e.Query(ctx, nil, "foo", MatchExact, false)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	row, err := rows.Scan()
	require.NoError(t, err)
	require.Equal(t, "foo", row.Name)
	require.Equal(t, "1.0", row.Version)
	require.False(t, rows.Next())
}

func TestRegisterFileConflict(t *testing.T) {
	// §8 scenario 3: a second package claiming the same path fails
	// without force, succeeds and takes ownership with it.
	ctx, e := openTest(t)

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	_, err = e.Register(ctx, tx, &pkgcore.Package{
		UID: "a~1.0", Name: "a", Version: "1.0",
		Files: map[string]pkgcore.FileEntry{"/usr/bin/x": {SHA256: pkgcore.SumBytes([]byte("a"))}},
	}, RegisterOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx2, err := e.Begin(ctx)
	require.NoError(t, err)
	_, err = e.Register(ctx, tx2, &pkgcore.Package{
		UID: "b~1.0", Name: "b", Version: "1.0",
		Files: map[string]pkgcore.FileEntry{"/usr/bin/x": {SHA256: pkgcore.SumBytes([]byte("b"))}},
	}, RegisterOptions{})
	require.Error(t, err)
	require.NoError(t, tx2.Rollback(ctx))

	tx3, err := e.Begin(ctx)
	require.NoError(t, err)
	bID, err := e.Register(ctx, tx3, &pkgcore.Package{
		UID: "b~1.0", Name: "b", Version: "1.0",
		Files: map[string]pkgcore.FileEntry{"/usr/bin/x": {SHA256: pkgcore.SumBytes([]byte("b"))}},
	}, RegisterOptions{Forced: true})
	require.NoError(t, err)
	require.NoError(t, tx3.Commit(ctx))

	var owner int64
	require.NoError(t, e.db.QueryRowContext(ctx, `SELECT package_id FROM files WHERE path = ?`, "/usr/bin/x").Scan(&owner))
	require.Equal(t, bID, owner)
}

func TestUnregisterReturnsCollateralsToBaseline(t *testing.T) {
	// §8 (P3): register then unregister returns collateral tables to
	// their prior contents.
	ctx, e := openTest(t)

	var catCountBefore int
	require.NoError(t, e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM categories`).Scan(&catCountBefore))

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	id, err := e.Register(ctx, tx, samplePackage("bar"), RegisterOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx2, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Unregister(ctx, tx2, id))
	require.NoError(t, tx2.Commit(ctx))

	var catCountAfter int
	require.NoError(t, e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM categories`).Scan(&catCountAfter))
	require.Equal(t, catCountBefore, catCountAfter)

	var pkgCount int
	require.NoError(t, e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM packages`).Scan(&pkgCount))
	require.Zero(t, pkgCount)
}

func TestStats(t *testing.T) {
	ctx, e := openTest(t)
	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	_, err = e.Register(ctx, tx, samplePackage("baz"), RegisterOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	s, err := e.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, s.LocalCount)
	require.EqualValues(t, 1024, s.FlatSize)
}

func TestNoFilePathOwnedByTwoPackages(t *testing.T) {
	// §8 (P1): across any sequence of registers, a path names at most one
	// owning package_id. Forced re-registration retargets ownership rather
	// than creating a second row.
	ctx, e := openTest(t)
	path := "/usr/bin/shared"

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	_, err = e.Register(ctx, tx, &pkgcore.Package{
		UID: "a~1.0", Name: "a", Version: "1.0",
		Files: map[string]pkgcore.FileEntry{path: {SHA256: pkgcore.SumBytes([]byte("a"))}},
	}, RegisterOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx2, err := e.Begin(ctx)
	require.NoError(t, err)
	bID, err := e.Register(ctx, tx2, &pkgcore.Package{
		UID: "b~1.0", Name: "b", Version: "1.0",
		Files: map[string]pkgcore.FileEntry{path: {SHA256: pkgcore.SumBytes([]byte("b"))}},
	}, RegisterOptions{Forced: true})
	require.NoError(t, err)
	require.NoError(t, tx2.Commit(ctx))

	var count int
	require.NoError(t, e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE path = ?`, path).Scan(&count))
	require.Equal(t, 1, count, "path must be owned by exactly one row")

	var owner int64
	require.NoError(t, e.db.QueryRowContext(ctx, `SELECT package_id FROM files WHERE path = ?`, path).Scan(&owner))
	require.Equal(t, bID, owner)
}

func TestPackageNamesUnique(t *testing.T) {
	// §8 (P2): packages.name carries a UNIQUE constraint; re-registering an
	// existing name updates that row rather than inserting a second one.
	ctx, e := openTest(t)

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	id1, err := e.Register(ctx, tx, samplePackage("dup"), RegisterOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	pkg2 := samplePackage("dup")
	pkg2.Version = "2.0"
	pkg2.Files = nil
	tx2, err := e.Begin(ctx)
	require.NoError(t, err)
	id2, err := e.Register(ctx, tx2, pkg2, RegisterOptions{})
	require.NoError(t, err)
	require.NoError(t, tx2.Commit(ctx))

	require.Equal(t, id1, id2, "re-registering an existing name must update, not duplicate, the row")

	var count int
	require.NoError(t, e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM packages WHERE name = ?`, "dup").Scan(&count))
	require.Equal(t, 1, count)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	// §8 (P7): applying migrations against an already-migrated database is
	// a no-op — reopening in Create mode must not fail or duplicate schema
	// objects.
	ctx := zlog.Test(context.Background(), t)
	opts := testOptions(t)

	e, err := Open(ctx, opts, Create)
	require.NoError(t, err)
	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	_, err = e.Register(ctx, tx, samplePackage("mig"), RegisterOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, e.Close())

	e2, err := Open(ctx, opts, Create)
	require.NoError(t, err)
	defer e2.Close()

	var count int
	require.NoError(t, e2.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM packages WHERE name = ?`, "mig").Scan(&count))
	require.Equal(t, 1, count, "re-migrating an existing database must not alter existing rows")
}

func TestAnnotationDuplicateIsWarn(t *testing.T) {
	ctx, e := openTest(t)
	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	id, err := e.Register(ctx, tx, samplePackage("qux"), RegisterOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx2, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, e.AddAnnotation(ctx, tx2, id, "repo_note", "from-core"))
	err = e.AddAnnotation(ctx, tx2, id, "repo_note", "again")
	require.Error(t, err)
	var perr *pkgcore.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, pkgcore.ErrWarn, perr.Kind)
	require.NoError(t, tx2.Commit(ctx))
}
