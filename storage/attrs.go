package storage

import (
	"context"

	pkgcore "github.com/pkgcore/corepkg"
)

// Attributes is the subset of a package row that SetAttributes may mutate
// in place, covering the properties a user can flip post-install without a
// full re-register (automatic, locked, vital).
type Attributes struct {
	Automatic *bool
	Locked    *bool
	Vital     *bool
}

// SetAttributes updates the mutable flags on an already-registered package,
// mirroring libpkg's pkgdb_set_attr (§4.1 contract: "register, mutated by
// set and replace").
func (e *Engine) SetAttributes(ctx context.Context, tx *Tx, id int64, a Attributes) error {
	const op = "storage.SetAttributes"
	if a.Automatic != nil {
		if _, err := tx.Exec(ctx, `UPDATE packages SET automatic = ? WHERE id = ?`, *a.Automatic, id); err != nil {
			return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
		}
	}
	if a.Locked != nil {
		if _, err := tx.Exec(ctx, `UPDATE packages SET locked = ? WHERE id = ?`, *a.Locked, id); err != nil {
			return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
		}
	}
	if a.Vital != nil {
		if _, err := tx.Exec(ctx, `UPDATE packages SET vital = ? WHERE id = ?`, *a.Vital, id); err != nil {
			return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
		}
	}
	return nil
}

// ReplaceFileChecksum updates the recorded checksum for an owned file path,
// used after a config-file merge or a local modification is reconciled back
// into the DB without a full re-register.
func (e *Engine) ReplaceFileChecksum(ctx context.Context, tx *Tx, pkgID int64, path string, sum pkgcore.Digest) error {
	const op = "storage.ReplaceFileChecksum"
	res, err := tx.Exec(ctx,
		`UPDATE files SET sha256 = ? WHERE path = ? AND package_id = ?`,
		sum.String(), path, pkgID)
	if err != nil {
		return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
	}
	if n == 0 {
		return &pkgcore.Error{Op: op, Kind: pkgcore.ErrWarn, Message: "no such file owned by package"}
	}
	return nil
}
