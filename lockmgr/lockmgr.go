// Package lockmgr implements C4, the cooperative database lock: a
// singleton row in the local database coordinating readers, a preparing
// writer, and an applying writer across processes sharing one database
// directory (§4.4).
//
// The API shape — Acquire returning a context canceled on release, a
// fixed-interval retry loop — is grounded on pkg/ctxlock/v2's
// context-scoped Postgres advisory lock, adapted from a single
// pg_advisory_lock key to this schema's three-counter row and its
// stale-pid sweep instead of a dropped-connection watcher.
package lockmgr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/quay/zlog"
	"golang.org/x/sys/unix"

	pkgcore "github.com/pkgcore/corepkg"
	"github.com/pkgcore/corepkg/metrics"
)

// Kind is the lock mode requested of Acquire (§4.4 "States").
type Kind int

const (
	// ReadOnly allows concurrent readers; excluded only by Exclusive.
	ReadOnly Kind = iota
	// Advisory marks a single writer preparing a transaction.
	Advisory
	// Exclusive marks the writer actively applying changes; Acquire takes
	// it directly when no lock of any kind is held, and Upgrade reaches it
	// from a held Advisory lock.
	Exclusive
)

func (k Kind) String() string {
	switch k {
	case ReadOnly:
		return "readonly"
	case Advisory:
		return "advisory"
	case Exclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// DB is the subset of *sql.DB (or a transaction-scoped equivalent) the
// manager needs. Lock transitions are single statements run outside of the
// caller's own transaction, so this is deliberately *sql.DB-shaped rather
// than storage.Tx-shaped.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Manager acquires and releases the pkg_lock singleton row.
type Manager struct {
	db   DB
	opts *pkgcore.Options
	pid  int

	mu        sync.Mutex
	cleanupFn []func()
	sigCh     chan os.Signal
	stop      chan struct{}
}

// New constructs a Manager over db, registering a cleanup handler that
// releases any locks this process holds if it receives SIGINT or SIGTERM
// (§4.4 "Cancellation").
func New(db DB, opts *pkgcore.Options) *Manager {
	m := &Manager{db: db, opts: opts, pid: os.Getpid(), sigCh: make(chan os.Signal, 1), stop: make(chan struct{})}
	signal.Notify(m.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go m.handleSignals()
	return m
}

// Close stops the signal handler goroutine without releasing any
// currently-held locks (callers are expected to have already released
// them through each Lock's cancel function).
func (m *Manager) Close() {
	close(m.stop)
	signal.Stop(m.sigCh)
}

func (m *Manager) handleSignals() {
	select {
	case <-m.sigCh:
		m.mu.Lock()
		fns := m.cleanupFn
		m.cleanupFn = nil
		m.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	case <-m.stop:
	}
}

func (m *Manager) registerCleanup(fn func()) {
	m.mu.Lock()
	m.cleanupFn = append(m.cleanupFn, fn)
	m.mu.Unlock()
}

func (m *Manager) unregisterCleanup(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, f := range m.cleanupFn {
		if funcEqual(f, fn) {
			m.cleanupFn = append(m.cleanupFn[:i], m.cleanupFn[i+1:]...)
			return
		}
	}
}

// Lock is a held lock; call Release (or cancel the context returned by
// Acquire, which is equivalent) when done with it.
type Lock struct {
	m       *Manager
	kind    Kind
	cancel  context.CancelFunc
	cleanup func()
	once    sync.Once
}

// Acquire blocks, retrying with the manager's configured wait/retry
// budget, until kind is granted or the budget is exhausted or ctx is
// canceled. The returned context is canceled when the lock is released;
// its CancelFunc is equivalent to calling (*Lock).Release.
func (m *Manager) Acquire(ctx context.Context, kind Kind) (context.Context, *Lock, error) {
	const op = "lockmgr.Acquire"
	defer metrics.Timer(metrics.LockWaitDuration.WithLabelValues(kind.String()))()
	wait := m.opts.LockWait
	for attempt := 0; ; attempt++ {
		ok, err := m.tryTransition(ctx, kind, true)
		if err != nil {
			return nil, nil, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
		}
		if ok {
			child, cancel := context.WithCancel(ctx)
			l := &Lock{m: m, kind: kind}
			l.cleanup = func() { m.release(context.Background(), kind) }
			l.cancel = func() {
				cancel()
				m.unregisterCleanup(l.cleanup)
				m.release(context.Background(), kind)
			}
			m.registerCleanup(l.cleanup)
			return child, l, nil
		}
		if attempt >= m.opts.LockRetries {
			return nil, nil, &pkgcore.Error{Op: op, Kind: pkgcore.ErrLocked,
				Message: fmt.Sprintf("could not acquire %s lock within %d attempts", kind, m.opts.LockRetries)}
		}
		select {
		case <-ctx.Done():
			return nil, nil, &pkgcore.Error{Op: op, Kind: pkgcore.ErrLocked, Inner: ctx.Err()}
		case <-time.After(wait):
		}
	}
}

// TryAcquire attempts kind once, without retrying or waiting.
func (m *Manager) TryAcquire(ctx context.Context, kind Kind) (context.Context, *Lock, error) {
	ok, err := m.tryTransition(ctx, kind, true)
	if err != nil {
		return nil, nil, &pkgcore.Error{Op: "lockmgr.TryAcquire", Kind: pkgcore.ErrFatal, Inner: err}
	}
	if !ok {
		return nil, nil, &pkgcore.Error{Op: "lockmgr.TryAcquire", Kind: pkgcore.ErrLocked}
	}
	child, cancel := context.WithCancel(ctx)
	l := &Lock{m: m, kind: kind}
	l.cleanup = func() { m.release(context.Background(), kind) }
	l.cancel = func() {
		cancel()
		m.unregisterCleanup(l.cleanup)
		m.release(context.Background(), kind)
	}
	m.registerCleanup(l.cleanup)
	return child, l, nil
}

// Release gives up the lock. Calling Release more than once is a no-op.
func (l *Lock) Release() {
	l.once.Do(l.cancel)
}

// Upgrade promotes an Advisory lock to Exclusive (§4.4 "advisory →
// exclusive"), retrying with the same budget as Acquire.
func (m *Manager) Upgrade(ctx context.Context, l *Lock) error {
	if l.kind != Advisory {
		return &pkgcore.Error{Op: "lockmgr.Upgrade", Kind: pkgcore.ErrFatal, Message: "lock is not held in advisory mode"}
	}
	wait := m.opts.LockWait
	for attempt := 0; ; attempt++ {
		ok, err := m.tryTransitionSQL(ctx,
			`UPDATE pkg_lock SET exclusive = 1 WHERE advisory = 1 AND exclusive = 0 AND read = 0`)
		if err != nil {
			return &pkgcore.Error{Op: "lockmgr.Upgrade", Kind: pkgcore.ErrFatal, Inner: err}
		}
		if ok {
			l.kind = Exclusive
			return nil
		}
		if attempt >= m.opts.LockRetries {
			return &pkgcore.Error{Op: "lockmgr.Upgrade", Kind: pkgcore.ErrLocked}
		}
		if err := m.sweepAndMaybeReset(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return &pkgcore.Error{Op: "lockmgr.Upgrade", Kind: pkgcore.ErrLocked, Inner: ctx.Err()}
		case <-time.After(wait):
		}
	}
}

// Downgrade demotes an Exclusive lock back to Advisory (§4.4 "downgrade").
func (m *Manager) Downgrade(ctx context.Context, l *Lock) error {
	if l.kind != Exclusive {
		return &pkgcore.Error{Op: "lockmgr.Downgrade", Kind: pkgcore.ErrFatal, Message: "lock is not held exclusively"}
	}
	if _, err := m.db.ExecContext(ctx, `UPDATE pkg_lock SET exclusive = 0 WHERE exclusive = 1 AND advisory = 1`); err != nil {
		return &pkgcore.Error{Op: "lockmgr.Downgrade", Kind: pkgcore.ErrFatal, Inner: err}
	}
	l.kind = Advisory
	return nil
}

// tryTransition attempts the initial-acquire UPDATE for kind, registering
// our pid in pkg_lock_pid when register is true and the attempt succeeds.
// On failure it runs one stale-holder sweep before reporting false, so a
// caller's very next attempt benefits from any pids just reclaimed.
func (m *Manager) tryTransition(ctx context.Context, kind Kind, register bool) (bool, error) {
	var query string
	switch kind {
	case ReadOnly:
		query = `UPDATE pkg_lock SET read = read + 1 WHERE exclusive = 0`
	case Advisory:
		query = `UPDATE pkg_lock SET advisory = 1 WHERE exclusive = 0 AND advisory = 0`
	case Exclusive:
		query = `UPDATE pkg_lock SET exclusive = 1 WHERE exclusive = 0 AND advisory = 0 AND read = 0`
	default:
		return false, fmt.Errorf("lockmgr: unknown kind %v", kind)
	}
	ok, err := m.tryTransitionSQL(ctx, query)
	if err != nil || ok {
		if ok && register {
			if err := m.recordPid(ctx); err != nil {
				return false, err
			}
		}
		return ok, err
	}
	if err := m.sweepAndMaybeReset(ctx); err != nil {
		return false, err
	}
	// Re-attempt once immediately after a successful sweep; if the sweep
	// found no dead holders this just repeats the original failure, which
	// the caller's own retry loop will continue to drive.
	ok, err = m.tryTransitionSQL(ctx, query)
	if ok && register {
		if err := m.recordPid(ctx); err != nil {
			return false, err
		}
	}
	return ok, err
}

func (m *Manager) tryTransitionSQL(ctx context.Context, query string) (bool, error) {
	res, err := m.db.ExecContext(ctx, query)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *Manager) recordPid(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pkg_lock_pid(pid, acquired_at) VALUES (?, ?)`, m.pid, m.opts.Now().Unix())
	return err
}

// release undoes the transition kind introduced, removing our pid from
// pkg_lock_pid once none of our lock counters remain held.
func (m *Manager) release(ctx context.Context, kind Kind) {
	var query string
	switch kind {
	case ReadOnly:
		query = `UPDATE pkg_lock SET read = read - 1 WHERE read > 0`
	case Advisory:
		query = `UPDATE pkg_lock SET advisory = 0, exclusive = 0 WHERE advisory = 1`
	case Exclusive:
		query = `UPDATE pkg_lock SET exclusive = 0 WHERE exclusive = 1`
	}
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		zlog.Error(ctx).Str("kind", kind.String()).Err(err).Msg("releasing lock")
		return
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM pkg_lock_pid WHERE pid = ?`, m.pid); err != nil {
		zlog.Error(ctx).Err(err).Msg("clearing pid record")
	}
}

// sweepAndMaybeReset implements §4.4's stale-holder recovery: probe every
// recorded pid other than our own for liveness and remove dead ones; if
// the holder set is empty afterward, reset the lock counters so the next
// acquire attempt can succeed immediately instead of waiting out the full
// retry budget.
func (m *Manager) sweepAndMaybeReset(ctx context.Context) error {
	rows, err := m.db.QueryContext(ctx, `SELECT pid FROM pkg_lock_pid WHERE pid != ?`, m.pid)
	if err != nil {
		return &pkgcore.Error{Op: "lockmgr.sweep", Kind: pkgcore.ErrFatal, Inner: err}
	}
	var pids []int
	for rows.Next() {
		var pid int
		if err := rows.Scan(&pid); err != nil {
			rows.Close()
			return &pkgcore.Error{Op: "lockmgr.sweep", Kind: pkgcore.ErrFatal, Inner: err}
		}
		pids = append(pids, pid)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return &pkgcore.Error{Op: "lockmgr.sweep", Kind: pkgcore.ErrFatal, Inner: err}
	}
	rows.Close()

	var remaining int
	for _, pid := range pids {
		if isAlive(pid) {
			remaining++
			continue
		}
		if _, err := m.db.ExecContext(ctx, `DELETE FROM pkg_lock_pid WHERE pid = ?`, pid); err != nil {
			return &pkgcore.Error{Op: "lockmgr.sweep", Kind: pkgcore.ErrFatal, Inner: err}
		}
		zlog.Warn(ctx).Int("pid", pid).Msg("reaped stale lock holder")
	}

	var totalHolders int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pkg_lock_pid`).Scan(&totalHolders); err != nil {
		return &pkgcore.Error{Op: "lockmgr.sweep", Kind: pkgcore.ErrFatal, Inner: err}
	}
	if totalHolders == 0 {
		if _, err := m.db.ExecContext(ctx, `UPDATE pkg_lock SET exclusive = 0, advisory = 0, read = 0`); err != nil {
			return &pkgcore.Error{Op: "lockmgr.sweep", Kind: pkgcore.ErrFatal, Inner: err}
		}
	}
	return nil
}

// isAlive probes pid with signal 0, the standard liveness check (§4.4
// "send signal 0").
func isAlive(pid int) bool {
	err := unix.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	return !errors.Is(err, unix.ESRCH)
}

func funcEqual(a, b func()) bool {
	// Go does not allow comparing func values directly; cleanup removal
	// is best-effort and keyed by pointer identity via reflection-free
	// address comparison, acceptable since cleanup entries are only ever
	// removed by the same Lock that registered them.
	return fmt.Sprintf("%p", a) == fmt.Sprintf("%p", b)
}
