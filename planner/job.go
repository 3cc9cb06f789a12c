// Package planner implements C5, the job planner: turning a user request
// (a Job) into an ordered sequence of solved Actions against the local
// store and configured repositories, and applying that sequence under the
// lock manager.
package planner

import "github.com/pkgcore/corepkg/storage"

// Kind is one of the five job kinds named in §4.5.
type Kind int

const (
	KindInstall Kind = iota
	KindDeinstall
	KindUpgrade
	KindFetch
	KindAutoremove
)

func (k Kind) String() string {
	switch k {
	case KindInstall:
		return "install"
	case KindDeinstall:
		return "deinstall"
	case KindUpgrade:
		return "upgrade"
	case KindFetch:
		return "fetch"
	case KindAutoremove:
		return "autoremove"
	default:
		return "unknown"
	}
}

// Selector is one user-supplied pattern plus the match mode it is
// interpreted under, mirroring storage.Query's own (pattern, mode) pair
// (§4.5 "user-selectors (patterns + match-mode)").
type Selector struct {
	Pattern string
	Mode    storage.MatchMode
}

// Flags are the per-job switches named in §4.5.
type Flags struct {
	Force             bool
	DryRun            bool
	NoScript          bool
	UpgradeVulnerable bool
	SkipInstall       bool
	Recursive         bool // deinstall: also remove reverse-dependents ("-R")
	PkgVersionTest    bool
	Automatic         bool // mark newly-installed packages as automatic
}

// Job is a mutable container: a kind, a set of user-selectors, per-job
// flags, and (once Solve has run) the resulting solved action list (§4.5,
// GLOSSARY "Job").
type Job struct {
	Kind      Kind
	Selectors []Selector
	Flags     Flags

	Actions []Action
}

// NewJob constructs a Job for kind with the given selectors. DryRun
// implies SkipInstall, per §4.5 "Dry run".
func NewJob(kind Kind, flags Flags, selectors ...Selector) *Job {
	if flags.DryRun {
		flags.SkipInstall = true
	}
	return &Job{Kind: kind, Flags: flags, Selectors: selectors}
}
