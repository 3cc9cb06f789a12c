package storage

import (
	"context"

	"github.com/quay/zlog"

	pkgcore "github.com/pkgcore/corepkg"
	"github.com/pkgcore/corepkg/metrics"
)

// orphanCleanupTables lists the interning tables whose rows may be left
// referenced by nothing after a package row is deleted. The delete-first,
// GC-after ordering is as specified (§9 open question): an interrupted
// process between these two steps leaves orphan rows behind, and the
// schema records no flag distinguishing a harmless orphan from one that
// should be investigated.
var orphanCleanupTables = []struct {
	table   string
	idCol   string
	joins   []string // join tables that reference idCol; orphan if absent from all
}{
	{"directories", "id", []string{"pkg_directories.directory_id"}},
	{"categories", "id", []string{"pkg_categories.category_id"}},
	{"licenses", "id", []string{"pkg_licenses.license_id"}},
	{"users", "id", []string{"pkg_users.user_id"}},
	{"groups", "id", []string{"pkg_groups.group_id"}},
	{"shlibs", "id", []string{"pkg_shlibs_required.shlib_id", "pkg_shlibs_provided.shlib_id"}},
	{"script", "script_id", []string{"pkg_script.script_id"}},
	{"lua_script", "lua_script_id", []string{"pkg_lua_script.lua_script_id"}},
}

// Unregister deletes the packages row for id (cascading to every
// collateral table via foreign keys) and then sweeps the interning tables
// for rows no longer referenced by any package (§4.1 "Unregister").
func (e *Engine) Unregister(ctx context.Context, tx *Tx, id int64) (err error) {
	const op = "storage.Unregister"
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "fatal"
		}
		metrics.UnregisterTotal.WithLabelValues(outcome).Inc()
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM packages WHERE id = ?`, id); err != nil {
		return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
	}
	if err := e.gcOrphans(ctx, tx); err != nil {
		return err
	}
	zlog.Debug(ctx).Int64("id", id).Msg("unregistered package")
	return nil
}

// gcOrphans removes rows from the interning tables that no join table
// references any longer.
func (e *Engine) gcOrphans(ctx context.Context, tx *Tx) error {
	const op = "storage.Unregister"
	for _, t := range orphanCleanupTables {
		var selects []string
		for _, join := range t.joins {
			selects = append(selects, "SELECT "+join+" FROM "+joinTableName(join))
		}
		stmt := "DELETE FROM " + t.table + " WHERE " + t.idCol + " NOT IN (" + unionAll(selects) + ")"
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err, Message: "gc " + t.table}
		}
	}
	return nil
}

func unionAll(selects []string) string {
	out := selects[0]
	for _, s := range selects[1:] {
		out += " UNION ALL " + s
	}
	return out
}

func joinTableName(qualifiedCol string) string {
	for i := 0; i < len(qualifiedCol); i++ {
		if qualifiedCol[i] == '.' {
			return qualifiedCol[:i]
		}
	}
	return qualifiedCol
}
