// Package repo declares the repository-adapter interface the core
// consumes but does not implement (§6 "Repository adapter (consumed, not
// implemented by the core)"). Catalog fetching, signature verification and
// mirror transport are explicit non-goals of the core; this package exists
// only so the planner and package model have something concrete to hold a
// reference to and sort by priority.
package repo

import (
	"context"

	pkgcore "github.com/pkgcore/corepkg"
)

// AccessMode mirrors the storage engine's Mode for the repository side of
// the contract: a repo can be asked to open itself read-only or for
// writing (refreshing its catalog).
type AccessMode int

const (
	AccessRead AccessMode = iota
	AccessWrite
)

// StatKind selects which piece of repository metadata Stat reports.
type StatKind int

const (
	StatPackageCount StatKind = iota
	StatCatalogSize
	StatLastUpdate
)

// MirrorType is associated metadata the planner exposes but does not
// interpret (§6).
type MirrorType string

const (
	MirrorNone MirrorType = "none"
	MirrorSRV  MirrorType = "srv"
	MirrorHTTP MirrorType = "http"
)

// SignatureScheme is associated metadata the planner exposes but does not
// interpret (§6).
type SignatureScheme string

const (
	SignatureNone        SignatureScheme = "none"
	SignaturePubkey      SignatureScheme = "pubkey"
	SignatureFingerprint SignatureScheme = "fingerprint"
)

// MatchField selects which package attribute Search matches pattern
// against, mirroring storage.MatchMode's "pattern" side but scoped to a
// single remote repository's own search entry point.
type MatchField int

const (
	FieldName MatchField = iota
	FieldOrigin
	FieldComment
	FieldDescription
)

// Stat is the small metadata bundle Repo.Stat returns for a StatKind.
type Stat struct {
	Count     int64
	Bytes     int64
	UpdatedAt int64 // unix seconds; zero if unknown
}

// Iterator is what Search returns: a cursor over a single repository's
// matching packages, consumed by model.AllIterator as a
// model.RemoteIterator.
type Iterator interface {
	// Next returns the next matching package, or an *pkgcore.Error with
	// Kind ErrEnd once exhausted.
	Next(ctx context.Context) (*pkgcore.Package, error)
	// Name returns the owning repository's name, stamped onto yielded
	// packages' Repo field by the composite iterator.
	Name() string
	Close() error
}

// Repo is the full adapter surface a configured repository implements.
// The core's planner and package model consume a Repo purely through this
// interface; no concrete repository lives in this module (§1 non-goals:
// repository-catalog fetching and signature verification are out of
// scope).
type Repo interface {
	// Name is the repository's configured name, used for tie-breaking and
	// diagnostics.
	Name() string
	// Priority is planner sort weight; repositories are consulted
	// highest-priority first, with a stable tie-break on Name (§6).
	Priority() int
	// Mirror and Signature report associated metadata the planner
	// surfaces to callers without interpreting.
	Mirror() MirrorType
	Signature() SignatureScheme

	Open(ctx context.Context, mode AccessMode) error
	Close(ctx context.Context) error
	Init(ctx context.Context) error
	Access(ctx context.Context, mode AccessMode) error
	Stat(ctx context.Context, kind StatKind) (Stat, error)

	// EnsureLoaded lazily loads the requested collateral sections (the
	// same pkgcore.LoadFlags bitmask C2 uses) for a package this
	// repository produced, since a remote catalog may keep only a summary
	// row until a collateral section is actually needed.
	EnsureLoaded(ctx context.Context, pkg *pkgcore.Package, flags pkgcore.LoadFlags) error

	// Search returns an iterator over this repository's packages matching
	// pattern under field/match semantics local to the repository
	// implementation.
	Search(ctx context.Context, pattern string, field MatchField) (Iterator, error)
}

// SortByPriority orders repos highest-priority first, breaking ties by
// name for a deterministic order across runs (§6 "the planner sorts
// repositories by priority descending with stable tie-break").
func SortByPriority(repos []Repo) []Repo {
	out := make([]Repo, len(repos))
	copy(out, repos)
	// insertion sort: the configured repo set is small (tens, not
	// thousands) and this keeps the stable tie-break trivial to reason
	// about without importing sort for one call site.
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && less(out[j], out[j-1]) {
			out[j], out[j-1] = out[j-1], out[j]
			j--
		}
	}
	return out
}

func less(a, b Repo) bool {
	if a.Priority() != b.Priority() {
		return a.Priority() > b.Priority()
	}
	return a.Name() < b.Name()
}
