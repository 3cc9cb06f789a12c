package planner

import (
	"context"
	"errors"
	"fmt"

	pkgcore "github.com/pkgcore/corepkg"
	"github.com/pkgcore/corepkg/lockmgr"
	"github.com/pkgcore/corepkg/metrics"
	"github.com/pkgcore/corepkg/model"
	"github.com/pkgcore/corepkg/storage"
)

// ArchiveRealizer resolves an action's archive and materialises its file
// tree. Archive extraction and transport are explicit non-goals of the
// core (§1); this is the external collaborator Apply calls out to for
// that work, in the same role indexer.Realizer plays for layer fetching
// in the teacher (indexer/realizer.go) — a narrow interface the core
// depends on and never implements.
type ArchiveRealizer interface {
	// Fetch resolves act's archive to a local cache path, verifying
	// packaged size and checksum; a cache hit must skip network I/O
	// (§4.5 apply step "fetch", §6 "Cached-name mapping").
	Fetch(ctx context.Context, act Action) (cachePath string, err error)
	// Stage unpacks cachePath and returns the fully-populated Package
	// value ready for registration.
	Stage(ctx context.Context, act Action, cachePath string) (*pkgcore.Package, error)
	// Commit moves a staged package's files into their final locations.
	Commit(ctx context.Context, pkg *pkgcore.Package) error
	// Unlink removes an installed package's files from disk ahead of
	// unregistration.
	Unlink(ctx context.Context, pkg *pkgcore.Package) error
}

// ScriptRunner executes a package's pre/post lifecycle scripts. Script
// execution is OS-process machinery outside the store; NoScript in the
// job's Flags suppresses all calls to it.
type ScriptRunner interface {
	Run(ctx context.Context, pkg *pkgcore.Package, kind pkgcore.ScriptKind) error
}

// AppliedAction records the outcome of one action once Apply has run it,
// returned alongside any error so a partially-applied job's progress is
// visible to the caller.
type AppliedAction struct {
	Action Action
	Err    error
}

// Applier drives a single Apply(job) call as an FSM (see fsm.go).
type Applier struct {
	e       *storage.Engine
	lm      *lockmgr.Manager
	archive ArchiveRealizer
	scripts ScriptRunner
	job     *Job

	ctx   context.Context
	lock  *lockmgr.Lock
	tx    *storage.Tx
	idx   int
	done  []AppliedAction

	currentState applyState
}

// NewApplier constructs an Applier for job, wired to e's store, lm's lock
// manager, and the archive/script collaborators.
func NewApplier(e *storage.Engine, lm *lockmgr.Manager, archive ArchiveRealizer, scripts ScriptRunner, job *Job) *Applier {
	return &Applier{e: e, lm: lm, archive: archive, scripts: scripts, job: job, currentState: stateAcquireLock}
}

// Apply runs job's solved action list per §4.5 "Apply". Dry-run jobs
// (§4.5 "Dry run") only acquire a read lock and return the action list
// without executing it.
func (a *Applier) Apply(ctx context.Context) ([]AppliedAction, error) {
	defer metrics.Timer(metrics.ApplyDuration.WithLabelValues(a.job.Kind.String()))()

	if a.job.Flags.DryRun {
		_, l, err := a.lm.Acquire(ctx, lockmgr.ReadOnly)
		if err != nil {
			return nil, err
		}
		defer l.Release()
		out := make([]AppliedAction, len(a.job.Actions))
		for i, act := range a.job.Actions {
			out[i] = AppliedAction{Action: act}
		}
		return out, nil
	}

	if err := a.run(ctx); err != nil {
		return a.done, err
	}
	return a.done, nil
}

func (a *Applier) doAcquireLock(ctx context.Context) (applyState, error) {
	lockCtx, l, err := a.lm.Acquire(ctx, lockmgr.Exclusive)
	if err != nil {
		return Terminal, err
	}
	a.lock = l
	a.ctx = lockCtx
	return stateBeginTx, nil
}

func (a *Applier) doBeginTx(ctx context.Context) (applyState, error) {
	tx, err := a.e.Begin(ctx)
	if err != nil {
		return Terminal, err
	}
	a.tx = tx
	if len(a.job.Actions) == 0 {
		return stateCommit, nil
	}
	return stateRunAction, nil
}

// doRunAction applies exactly one action inside its own savepoint, so a
// failure mid-action rolls back only that package's work; actions already
// applied earlier in the loop are left in place (§4.5 apply step 2).
func (a *Applier) doRunAction(ctx context.Context) (applyState, error) {
	act := a.job.Actions[a.idx]
	err := a.applyOne(ctx, act)
	a.done = append(a.done, AppliedAction{Action: act, Err: err})
	if err != nil {
		var perr *pkgcore.Error
		if errors.As(err, &perr) && perr.Kind == pkgcore.ErrConflict {
			return Terminal, err
		}
		// Non-conflict per-action failures are recorded on AppliedAction
		// and do not abort the rest of the job; the savepoint inside
		// applyOne has already been rolled back.
	}
	a.idx++
	if a.idx >= len(a.job.Actions) {
		return stateCommit, nil
	}
	return stateRunAction, nil
}

func (a *Applier) applyOne(ctx context.Context, act Action) error {
	sp, err := a.tx.Savepoint(ctx, fmt.Sprintf("apply_%d", a.idx))
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			sp.Rollback(ctx)
		}
	}()

	switch act.Type {
	case ActionFetch:
		_, err = a.archive.Fetch(ctx, act)
	case ActionDelete:
		err = a.applyDelete(ctx, sp, act)
	default:
		err = a.applyInstallLike(ctx, sp, act)
	}
	if err != nil {
		return err
	}
	return sp.Commit(ctx)
}

func (a *Applier) applyInstallLike(ctx context.Context, sp *storage.Tx, act Action) error {
	cachePath, err := a.archive.Fetch(ctx, act)
	if err != nil {
		return err
	}
	pkg, err := a.archive.Stage(ctx, act, cachePath)
	if err != nil {
		return err
	}
	if !a.job.Flags.NoScript {
		if err := a.runScript(ctx, pkg, act, true); err != nil {
			return err
		}
	}
	if err := a.archive.Commit(ctx, pkg); err != nil {
		return err
	}
	pkg.Automatic = a.job.Flags.Automatic
	if _, err := a.e.Register(ctx, sp, pkg, storage.RegisterOptions{Forced: a.job.Flags.Force}); err != nil {
		return err
	}
	if !a.job.Flags.NoScript {
		if err := a.runScript(ctx, pkg, act, false); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) applyDelete(ctx context.Context, sp *storage.Tx, act Action) error {
	loader := model.NewLoader(a.e)
	var pkg pkgcore.Package
	if err := loader.Load(ctx, sp, act.PackageID, &pkg, pkgcore.LoadBasic|pkgcore.LoadScripts|pkgcore.LoadFiles); err != nil {
		return err
	}
	if !a.job.Flags.NoScript {
		if err := a.runDeinstallScript(ctx, &pkg, pkgcore.ScriptPreDeinstall); err != nil {
			return err
		}
	}
	if err := a.e.Unregister(ctx, sp, act.PackageID); err != nil {
		return err
	}
	if err := a.archive.Unlink(ctx, &pkg); err != nil {
		return err
	}
	if !a.job.Flags.NoScript {
		if err := a.runDeinstallScript(ctx, &pkg, pkgcore.ScriptPostDeinstall); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) runScript(ctx context.Context, pkg *pkgcore.Package, act Action, pre bool) error {
	var kind pkgcore.ScriptKind
	switch act.Type {
	case ActionUpgrade, ActionUpgradeInstall, ActionUpgradeRemove:
		kind = pickScript(pre, pkgcore.ScriptPreUpgrade, pkgcore.ScriptPostUpgrade)
	default:
		kind = pickScript(pre, pkgcore.ScriptPreInstall, pkgcore.ScriptPostInstall)
	}
	return a.runDeinstallScript(ctx, pkg, kind)
}

func pickScript(pre bool, a, b pkgcore.ScriptKind) pkgcore.ScriptKind {
	if pre {
		return a
	}
	return b
}

// runDeinstallScript is named for its most common caller but runs any
// script kind present on pkg; it is a no-op if the script body is absent.
func (a *Applier) runDeinstallScript(ctx context.Context, pkg *pkgcore.Package, kind pkgcore.ScriptKind) error {
	if a.scripts == nil {
		return nil
	}
	if _, ok := pkg.Scripts[kind]; !ok {
		return nil
	}
	return a.scripts.Run(ctx, pkg, kind)
}

func (a *Applier) doCommit(ctx context.Context) (applyState, error) {
	if err := a.tx.Commit(ctx); err != nil {
		return Terminal, err
	}
	return stateReleaseLock, nil
}

func (a *Applier) doReleaseLock(ctx context.Context) (applyState, error) {
	a.lock.Release()
	return Terminal, nil
}

// cleanupOnError releases whatever resources were acquired so far when
// run() aborts on an error or a cancellation, mirroring §5's cancellation guarantee
// ("on cancellation the current savepoint is rolled back and held locks
// are released").
func (a *Applier) cleanupOnError(ctx context.Context) {
	if a.tx != nil {
		a.tx.Rollback(ctx)
	}
	if a.lock != nil {
		a.lock.Release()
	}
}
