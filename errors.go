package pkgcore

import (
	"errors"
	"strings"
)

// Error is the pkgcore error domain type.
//
// Errors coming from pkgcore components should be inspectable ([errors.As])
// as an *Error at some point in the error chain. Components create an Error
// at the system boundary (a store call, a file-system operation, a lock
// acquisition) and intermediate layers wrap with [fmt.Errorf] and "%w"
// rather than constructing another Error, except to add additional
// [ErrorKind] information.
type Error struct {
	Inner   error
	Kind    ErrorKind
	Message string
	Op      string
}

var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("]: ")
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Message != "" && e.Inner != nil {
		b.WriteString(": ")
	}
	if e.Op == "" && e.Message == "" && e.Kind == "" {
		b.Reset()
	}
	if e.Inner != nil {
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables [errors.Is].
//
// It compares the error kind. Callers should compare against a declared
// [ErrorKind] rather than a specific *Error value.
func (e *Error) Is(kind error) bool {
	return errors.Is(e.Kind, kind)
}

// Unwrap enables [errors.Unwrap].
func (e *Error) Unwrap() error {
	return e.Inner
}

// ErrorKind represents the classes of result named in the core's error
// taxonomy. If a component is unsure which kind applies, ErrFatal is used.
type ErrorKind string

// Error implements error, so an ErrorKind can be compared directly with
// [errors.Is] against a wrapped *Error.
func (k ErrorKind) Error() string { return string(k) }

// Defined error kinds.
var (
	ErrEnd          = ErrorKind("end")          // iterator exhausted
	ErrUpToDate     = ErrorKind("up-to-date")   // no work needed
	ErrWarn         = ErrorKind("warn")         // non-fatal condition; batch continues
	ErrFatal        = ErrorKind("fatal")        // unrecoverable; aborts the current transaction
	ErrNoDB         = ErrorKind("no-db")        // DB directory or file missing
	ErrNoAccess     = ErrorKind("no-access")    // insufficient permissions
	ErrInsecure     = ErrorKind("insecure")     // DB file ownership or mode wrong
	ErrLocked       = ErrorKind("locked")       // could not acquire lock within retry budget
	ErrConflict     = ErrorKind("conflict")     // solver discovered conflicts; re-solve required
	ErrNeedRestart  = ErrorKind("restart")      // the package manager updated itself
	ErrBusy         = ErrorKind("busy")         // transient store contention
	ErrIncompatible = ErrorKind("incompatible") // DB schema newer than this code supports
)

// Outcome is the small user-visible classification library entry points
// reduce an *Error into, per the propagation policy: low-level functions
// return a kind-tagged *Error; entry points classify it into one of these
// three buckets so callers don't need to pattern-match on every kind.
type Outcome int

const (
	// OutcomeSuccess means the operation completed, possibly with a Warn
	// recorded alongside it.
	OutcomeSuccess Outcome = iota
	// OutcomeRetry means the caller should retry the operation; surfaced
	// only after a kind's own internal retry budget is exhausted.
	OutcomeRetry
	// OutcomeFail means the operation did not complete and retrying
	// without changing something (unlocking, resolving a conflict) will
	// not help.
	OutcomeFail
)

// Classify reduces err into the three user-visible buckets described in
// the core's error-propagation policy. A nil error classifies as success.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrWarn), errors.Is(err, ErrUpToDate), errors.Is(err, ErrNeedRestart):
		return OutcomeSuccess
	case errors.Is(err, ErrLocked), errors.Is(err, ErrConflict), errors.Is(err, ErrBusy):
		return OutcomeRetry
	default:
		return OutcomeFail
	}
}

// newError is a small constructor used throughout the core to attach an Op
// and Kind to an underlying error without repeating the struct literal.
func newError(op string, kind ErrorKind, inner error, msg string) *Error {
	return &Error{Op: op, Kind: kind, Inner: inner, Message: msg}
}
