package planner

import (
	"context"
	"errors"
	"fmt"

	pkgcore "github.com/pkgcore/corepkg"
	"github.com/pkgcore/corepkg/formula"
	"github.com/pkgcore/corepkg/metrics"
	"github.com/pkgcore/corepkg/repo"
	"github.com/pkgcore/corepkg/storage"
)

// ErrNotFound is returned by solve when a named package cannot be located
// in either the local store or any configured repository.
var ErrNotFound = errors.New("planner: package not found")

// Solve consults tx (the local DB) and repos to produce job's ordered
// action list per §4.5 "Plan computation", storing the result on
// job.Actions and also returning it. Calling Solve again on the same Job
// (the "re-solve" path of §4.5 "Conflict handling") recomputes the list
// from scratch against the DB's current state.
func Solve(ctx context.Context, e *storage.Engine, tx *storage.Tx, repos []repo.Repo, job *Job) ([]Action, error) {
	metrics.SolveTotal.WithLabelValues(job.Kind.String()).Inc()
	var actions []Action
	var err error
	switch job.Kind {
	case KindInstall:
		actions, err = solveInstallLike(ctx, e, tx, repos, job, true)
	case KindUpgrade:
		actions, err = solveInstallLike(ctx, e, tx, repos, job, false)
	case KindDeinstall:
		actions, err = solveDeinstall(ctx, e, tx, job)
	case KindFetch:
		actions, err = solveFetch(ctx, e, tx, repos, job)
	case KindAutoremove:
		actions, err = solveAutoremove(ctx, e, tx)
	default:
		return nil, fmt.Errorf("planner: unknown job kind %d", job.Kind)
	}
	if err != nil {
		return nil, err
	}
	for _, act := range actions {
		metrics.SolveActionsEmitted.WithLabelValues(act.Type.String()).Inc()
	}
	job.Actions = actions
	return actions, nil
}

// solveInstallLike implements both "install" and "upgrade" job kinds,
// which share the same per-package decision (install/upgrade/downgrade/
// reinstall) and the same dependency-ordering recursion (§4.5 rules 1, 2,
// 4). allowInstall is false for KindUpgrade: a selector naming a package
// that is not currently installed is an error rather than an install.
func solveInstallLike(ctx context.Context, e *storage.Engine, tx *storage.Tx, repos []repo.Repo, job *Job, allowInstall bool) ([]Action, error) {
	visited := map[string]bool{}
	var out []Action
	for _, sel := range job.Selectors {
		acts, err := planInstall(ctx, e, tx, repos, sel.Pattern, reasonDirect(), allowInstall, job.Flags.Recursive, visited)
		if err != nil {
			return nil, err
		}
		out = append(out, acts...)
	}
	return out, nil
}

// planInstall recursively resolves name: its dependency formula is parsed,
// each clause's first satisfiable-or-installable item is recursively
// planned first (rule 2: a dependency install precedes its dependent's),
// and finally name's own action is appended.
func planInstall(ctx context.Context, e *storage.Engine, tx *storage.Tx, repos []repo.Repo, name, reason string, allowInstall, recursive bool, visited map[string]bool) ([]Action, error) {
	if visited[name] {
		return nil, nil
	}
	visited[name] = true

	local, foundLocal, err := queryExact(ctx, e, tx, name)
	if err != nil {
		return nil, err
	}

	candidate, candRepo, err := findCandidate(ctx, repos, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if candidate == nil {
		if foundLocal {
			// Nothing newer is on offer; nothing to do for this selector.
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	var out []Action
	if candidate.DepFormula != "" {
		depActions, err := planDeps(ctx, e, tx, repos, candidate.DepFormula, name, recursive, visited)
		if err != nil {
			return nil, err
		}
		out = append(out, depActions...)
	}

	repoName := ""
	if candRepo != nil {
		repoName = candRepo.Name()
	}

	if !foundLocal {
		if !allowInstall {
			return nil, fmt.Errorf("planner: %s is not installed, nothing to upgrade", name)
		}
		out = append(out, Action{
			Type: ActionInstall, Name: name, Origin: candidate.Origin, UID: candidate.UID,
			RepoTag: repoName, NewVersion: candidate.Version, Reason: reason,
		})
		return out, nil
	}

	cmp := formula.Compare(candidate.Version, local.Version)
	switch {
	case cmp == 0:
		if local.Locked {
			return out, nil
		}
		out = append(out, Action{
			Type: ActionReinstall, Name: name, Origin: candidate.Origin, UID: candidate.UID,
			PackageID: local.ID, RepoTag: repoName, OldVersion: local.Version, NewVersion: candidate.Version,
			Reason: reason,
		})
	case cmp > 0:
		if local.Locked {
			// §4.5 rule 4: a locked package's upgrade (like its reinstall
			// and downgrade) is skipped rather than emitted as an action,
			// and the caller continues planning the rest of the job. No
			// diagnostic is reported for the skipped action.
			return out, nil
		}
		out = append(out, Action{
			Type: ActionUpgrade, Name: name, Origin: candidate.Origin, UID: candidate.UID,
			PackageID: local.ID, RepoTag: repoName, OldVersion: local.Version, NewVersion: candidate.Version,
			Reason: reason,
		})
	default:
		if local.Locked {
			return out, nil
		}
		out = append(out, Action{
			Type: ActionDowngrade, Name: name, Origin: candidate.Origin, UID: candidate.UID,
			PackageID: local.ID, RepoTag: repoName, OldVersion: local.Version, NewVersion: candidate.Version,
			Reason: reason,
		})
	}
	return out, nil
}

// planDeps parses formulaText and, for each clause, recursively plans the
// first item not already satisfied by an installed package (the other
// items in an OR-group are alternatives the solver did not need).
func planDeps(ctx context.Context, e *storage.Engine, tx *storage.Tx, repos []repo.Repo, formulaText, of string, recursive bool, visited map[string]bool) ([]Action, error) {
	f, err := formula.Parse(formulaText)
	if err != nil {
		return nil, fmt.Errorf("planner: parsing dependency formula of %s: %w", of, err)
	}
	var out []Action
	for _, clause := range f.Clauses {
		satisfied := false
		var chosen formula.Item
		for _, item := range clause.Items {
			local, found, err := queryExact(ctx, e, tx, item.Name)
			if err != nil {
				return nil, err
			}
			if found && item.Match(local.Version, nil) {
				satisfied = true
				break
			}
			if chosen.Name == "" {
				chosen = item
			}
		}
		if satisfied {
			continue
		}
		acts, err := planInstall(ctx, e, tx, repos, chosen.Name, reasonDependencyOf(of), true, recursive, visited)
		if err != nil {
			return nil, err
		}
		out = append(out, acts...)
	}
	return out, nil
}

// solveDeinstall implements §4.5 rule 3: a reverse-dependency that must be
// removed precedes X's own delete action, and the "-R" (Flags.Recursive)
// semantics from §8 scenario 2 (delete without -R fails if still
// required).
func solveDeinstall(ctx context.Context, e *storage.Engine, tx *storage.Tx, job *Job) ([]Action, error) {
	visited := map[string]bool{}
	var out []Action
	for _, sel := range job.Selectors {
		acts, err := planDeinstall(ctx, e, tx, sel.Pattern, reasonDirect(), job.Flags.Recursive, visited)
		if err != nil {
			return nil, err
		}
		out = append(out, acts...)
	}
	return out, nil
}

func planDeinstall(ctx context.Context, e *storage.Engine, tx *storage.Tx, name, reason string, recursive bool, visited map[string]bool) ([]Action, error) {
	if visited[name] {
		return nil, nil
	}
	visited[name] = true

	row, found, err := queryExact(ctx, e, tx, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	revdeps, err := queryRevDeps(ctx, e, tx, name)
	if err != nil {
		return nil, err
	}

	var out []Action
	if len(revdeps) > 0 {
		if !recursive {
			return nil, &pkgcore.Error{Op: "planner.Solve", Kind: pkgcore.ErrFatal,
				Message: fmt.Sprintf("%s required by %s", name, revdeps[0])}
		}
		for _, r := range revdeps {
			acts, err := planDeinstall(ctx, e, tx, r, reasonRevdepOf(name), recursive, visited)
			if err != nil {
				return nil, err
			}
			out = append(out, acts...)
		}
	}

	if row.Locked {
		// §4.5 rule 4: a locked package's delete is skipped rather than
		// emitted as an action; no diagnostic is reported for it.
		return out, nil
	}
	out = append(out, Action{
		Type: ActionDelete, Name: name, Origin: row.Origin, UID: row.Name + "~" + row.Version,
		PackageID: row.ID, OldVersion: row.Version, Reason: reason,
	})
	return out, nil
}

// solveFetch resolves a fetch-only action per job's selectors: no install,
// archive retrieval happens entirely inside Apply.
func solveFetch(ctx context.Context, e *storage.Engine, tx *storage.Tx, repos []repo.Repo, job *Job) ([]Action, error) {
	var out []Action
	for _, sel := range job.Selectors {
		candidate, candRepo, err := findCandidate(ctx, repos, sel.Pattern)
		if err != nil {
			return nil, err
		}
		repoName := ""
		if candRepo != nil {
			repoName = candRepo.Name()
		}
		out = append(out, Action{
			Type: ActionFetch, Name: candidate.Name, Origin: candidate.Origin, UID: candidate.UID,
			RepoTag: repoName, NewVersion: candidate.Version, Reason: reasonDirect(),
		})
	}
	return out, nil
}

// solveAutoremove computes delete actions for every installed package
// marked automatic with zero reverse-dependents, per SPEC_FULL.md's
// autoremove supplement.
func solveAutoremove(ctx context.Context, e *storage.Engine, tx *storage.Tx) ([]Action, error) {
	orphans, err := queryAutomaticOrphans(ctx, e, tx)
	if err != nil {
		return nil, err
	}
	out := make([]Action, 0, len(orphans))
	for _, row := range orphans {
		out = append(out, Action{
			Type: ActionDelete, Name: row.Name, Origin: row.Origin, UID: row.Name + "~" + row.Version,
			PackageID: row.ID, OldVersion: row.Version, Reason: reasonOrphan(),
		})
	}
	return out, nil
}

// findCandidate returns the highest-priority repository's package named
// name, or (nil, nil, ErrNotFound) if no configured repository has one.
func findCandidate(ctx context.Context, repos []repo.Repo, name string) (*pkgcore.Package, repo.Repo, error) {
	for _, r := range repo.SortByPriority(repos) {
		it, err := r.Search(ctx, name, repo.FieldName)
		if err != nil {
			return nil, nil, err
		}
		pkg, nerr := it.Next(ctx)
		cerr := it.Close()
		if nerr == nil && pkg.Name == name {
			if cerr != nil {
				return nil, nil, cerr
			}
			return pkg, r, nil
		}
	}
	return nil, nil, ErrNotFound
}

