package planner

import (
	"context"
	"errors"

	"github.com/quay/zlog"
)

// applyState enumerates Apply's state machine. Apply is structured as an
// FSM in the same shape as the teacher's indexer/controller.Controller: a
// currentState field, a stateToStateFunc dispatch map, and a Terminal
// sentinel the run loop checks for.
type applyState int

const (
	stateAcquireLock applyState = iota
	stateBeginTx
	stateRunAction
	stateCommit
	stateReleaseLock
	// Terminal ends the run loop.
	Terminal
	// stateError is set on a fatal error so the report reflects where
	// things went wrong; run() exits the loop as soon as err != nil
	// regardless of currentState, mirroring the teacher's IndexError state.
	stateError
)

func (s applyState) String() string {
	switch s {
	case stateAcquireLock:
		return "acquire-lock"
	case stateBeginTx:
		return "begin-tx"
	case stateRunAction:
		return "run-action"
	case stateCommit:
		return "commit"
	case stateReleaseLock:
		return "release-lock"
	case Terminal:
		return "terminal"
	case stateError:
		return "error"
	default:
		return "unknown"
	}
}

type applyStateFunc func(ctx context.Context, a *Applier) (applyState, error)

var applyStateToFunc = map[applyState]applyStateFunc{
	stateAcquireLock: (*Applier).doAcquireLock,
	stateBeginTx:     (*Applier).doBeginTx,
	stateRunAction:   (*Applier).doRunAction,
	stateCommit:      (*Applier).doCommit,
	stateReleaseLock: (*Applier).doReleaseLock,
}

// run executes each stateFunc in turn until an error occurs or Terminal is
// reached, in the same shape as indexer/controller.Controller.run. Each
// stateFunc reads/writes a.ctx rather than a parameter, since
// doAcquireLock must thread the lock-scoped context (canceled on release)
// into every later state.
func (a *Applier) run(ctx context.Context) error {
	a.ctx = ctx
	var err error
	for err == nil && a.currentState != Terminal {
		a.ctx = zlog.ContextWithValues(a.ctx, "state", a.currentState.String())
		fn, ok := applyStateToFunc[a.currentState]
		if !ok {
			return errors.New("planner: no state function for " + a.currentState.String())
		}
		var next applyState
		next, err = fn(a.ctx, a)
		switch {
		case err == nil && next != Terminal && a.ctx.Err() != nil:
			err = a.ctx.Err()
			a.cleanupOnError(ctx)
			continue
		case err == nil:
			// OK
		case errors.Is(err, context.Canceled):
			a.cleanupOnError(ctx)
			continue
		default:
			a.currentState = stateError
			zlog.Error(a.ctx).Err(err).Msg("apply failed")
			a.cleanupOnError(a.ctx)
			return err
		}
		if next == Terminal {
			break
		}
		a.setState(next)
	}
	return err
}

func (a *Applier) setState(s applyState) { a.currentState = s }
