package storage

import (
	"context"

	"github.com/quay/zlog"

	pkgcore "github.com/pkgcore/corepkg"
)

// Stats summarizes the local database, grounded on original_source's
// src/stats.c local-mode report (package count and aggregate flat size).
type Stats struct {
	LocalCount int64
	FlatSize   int64
}

// Stats reports aggregate counts over the local database.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	const op = "storage.Stats"
	var s Stats
	row := e.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(flatsize), 0) FROM packages`)
	if err := row.Scan(&s.LocalCount, &s.FlatSize); err != nil {
		return Stats{}, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
	}
	return s, nil
}

// Compact runs SQLite's VACUUM against the local database, reclaiming
// space freed by Unregister's cascades and the orphan GC pass. VACUUM
// requires no other transaction be in flight.
func (e *Engine) Compact(ctx context.Context) error {
	const op = "storage.Compact"
	if _, err := e.db.ExecContext(ctx, `VACUUM`); err != nil {
		return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
	}
	zlog.Debug(ctx).Str("path", e.path).Msg("compacted local database")
	return nil
}
