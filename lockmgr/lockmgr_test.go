package lockmgr

import (
	"context"
	"testing"
	"time"

	"github.com/quay/zlog"
	"github.com/stretchr/testify/require"

	pkgcore "github.com/pkgcore/corepkg"
	"github.com/pkgcore/corepkg/storage"
)

func testManager(t *testing.T) (context.Context, *storage.Engine, *Manager) {
	t.Helper()
	ctx := zlog.Test(context.Background(), t)
	opts := &pkgcore.Options{DBDir: t.TempDir(), LockWait: 10 * time.Millisecond, LockRetries: 0}
	require.NoError(t, opts.Parse())
	e, err := storage.Open(ctx, opts, storage.Create)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	m := New(e.DB(), opts)
	t.Cleanup(m.Close)
	return ctx, e, m
}

func TestReadersConcurrent(t *testing.T) {
	ctx, _, m := testManager(t)
	_, l1, err := m.Acquire(ctx, ReadOnly)
	require.NoError(t, err)
	_, l2, err := m.Acquire(ctx, ReadOnly)
	require.NoError(t, err)
	l1.Release()
	l2.Release()
}

func TestExclusiveExcludesReaders(t *testing.T) {
	ctx, _, m := testManager(t)
	_, excl, err := m.Acquire(ctx, Exclusive)
	require.NoError(t, err)
	defer excl.Release()

	_, _, err = m.TryAcquire(ctx, ReadOnly)
	require.Error(t, err)
	var perr *pkgcore.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, pkgcore.ErrLocked, perr.Kind)
}

func TestLockCountersNeverNegativeOrConflicting(t *testing.T) {
	// §8 (P5): pkg_lock's counters never go negative, and exclusive is
	// never observed set alongside a nonzero advisory or read count.
	ctx, e, m := testManager(t)

	assertInvariant := func() {
		t.Helper()
		var excl, adv, read int
		require.NoError(t, e.DB().QueryRowContext(ctx,
			`SELECT exclusive, advisory, read FROM pkg_lock`).Scan(&excl, &adv, &read))
		require.GreaterOrEqual(t, excl, 0)
		require.GreaterOrEqual(t, adv, 0)
		require.GreaterOrEqual(t, read, 0)
		if excl != 0 {
			require.Zero(t, adv, "exclusive must exclude advisory")
			require.Zero(t, read, "exclusive must exclude readers")
		}
	}

	assertInvariant()
	_, r1, err := m.Acquire(ctx, ReadOnly)
	require.NoError(t, err)
	assertInvariant()
	_, r2, err := m.Acquire(ctx, ReadOnly)
	require.NoError(t, err)
	assertInvariant()
	r1.Release()
	assertInvariant()
	r2.Release()
	assertInvariant()

	_, excl, err := m.Acquire(ctx, Exclusive)
	require.NoError(t, err)
	assertInvariant()
	excl.Release()
	assertInvariant()
}

func TestLockContentionScenario(t *testing.T) {
	// §8 scenario 5: process 1 holds advisory; process 2 requests
	// exclusive with LOCK_WAIT=0, LOCK_RETRIES=0 and is refused
	// immediately. After process 1's pid is no longer alive, process 2's
	// retry succeeds once the stale-pid sweep runs.
	ctx, e, m := testManager(t)

	_, adv, err := m.Acquire(ctx, Advisory)
	require.NoError(t, err)

	_, _, err = m.TryAcquire(ctx, Exclusive)
	require.Error(t, err)
	var perr *pkgcore.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, pkgcore.ErrLocked, perr.Kind)

	// Simulate process 1 dying without releasing: forge its pid record to
	// one that does not exist, so the next attempt's stale-pid sweep reaps
	// it and resets the lock counters.
	deadPID := 1 << 30
	_, err = e.DB().ExecContext(ctx, `UPDATE pkg_lock_pid SET pid = ? WHERE pid = ?`, deadPID, m.pid)
	require.NoError(t, err)

	_, excl, err := m.TryAcquire(ctx, Exclusive)
	require.NoError(t, err)
	excl.Release()
	_ = adv // process 1's handle; its row was forged dead above rather than released normally
}
