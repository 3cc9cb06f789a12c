package planner

import (
	"context"

	pkgcore "github.com/pkgcore/corepkg"
	"github.com/pkgcore/corepkg/lockmgr"
	"github.com/pkgcore/corepkg/storage"
)

// LockPackage and UnlockPackage implement the "lock"/"unlock" operations
// from SPEC_FULL.md's domain-stack supplement (original_source/src/lock.c):
// as opposed to the C4 lock manager's database-wide cooperative lock,
// these toggle a single package's own locked column, consulted by the
// planner's §4.5 rule 4 (a locked package is never a mutation's
// destination). Both run under an exclusive C4 lock since they mutate the
// store.

// LockPackage marks uid's package as locked.
func LockPackage(ctx context.Context, e *storage.Engine, lm *lockmgr.Manager, uid string) error {
	return setLocked(ctx, e, lm, uid, true)
}

// UnlockPackage clears uid's package's locked flag.
func UnlockPackage(ctx context.Context, e *storage.Engine, lm *lockmgr.Manager, uid string) error {
	return setLocked(ctx, e, lm, uid, false)
}

func setLocked(ctx context.Context, e *storage.Engine, lm *lockmgr.Manager, uid string, locked bool) error {
	lockCtx, l, err := lm.Acquire(ctx, lockmgr.Exclusive)
	if err != nil {
		return err
	}
	defer l.Release()

	tx, err := e.Begin(lockCtx)
	if err != nil {
		return err
	}
	var id int64
	if err := tx.QueryRow(lockCtx, `SELECT id FROM packages WHERE uid = ?`, uid).Scan(&id); err != nil {
		tx.Rollback(lockCtx)
		return &pkgcore.Error{Op: "planner.setLocked", Kind: pkgcore.ErrFatal, Inner: err, Message: uid}
	}
	v := locked
	if err := e.SetAttributes(lockCtx, tx, id, storage.Attributes{Locked: &v}); err != nil {
		tx.Rollback(lockCtx)
		return err
	}
	return tx.Commit(lockCtx)
}
