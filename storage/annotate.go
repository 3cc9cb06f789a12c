package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/quay/zlog"

	pkgcore "github.com/pkgcore/corepkg"
)

// AddAnnotation adds a tag/value annotation pair to an installed package,
// failing with ErrWarn rather than ErrFatal if the tag already has a value
// recorded (§4.1's annotation operations are explicitly non-fatal on
// duplicates, matching the teacher's own "warn, don't abort a batch"
// convention for cosmetic metadata).
func (e *Engine) AddAnnotation(ctx context.Context, tx *Tx, pkgID int64, tag, value string) error {
	var exists int
	err := tx.QueryRow(ctx,
		`SELECT 1 FROM pkg_annotation a JOIN annotation t ON t.annotation_id = a.tag_id WHERE a.package_id = ? AND t.annotation = ?`,
		pkgID, tag).Scan(&exists)
	switch {
	case err == nil:
		zlog.Warn(ctx).Int64("package_id", pkgID).Str("tag", tag).Msg("annotation already present")
		return &pkgcore.Error{Op: "storage.AddAnnotation", Kind: pkgcore.ErrWarn, Message: "tag already annotated"}
	case !errors.Is(err, sql.ErrNoRows):
		return &pkgcore.Error{Op: "storage.AddAnnotation", Kind: pkgcore.ErrFatal, Inner: err}
	}
	return e.addAnnotationTx(ctx, tx, pkgID, tag, value)
}

func (e *Engine) addAnnotationTx(ctx context.Context, tx *Tx, pkgID int64, tag, value string) error {
	const op = "storage.addAnnotation"
	tagID, err := internID(ctx, tx, "annotation", "annotation", tag)
	if err != nil {
		return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
	}
	valueID, err := internID(ctx, tx, "annotation", "annotation", value)
	if err != nil {
		return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
	}
	if _, err := tx.Exec(ctx,
		`INSERT OR REPLACE INTO pkg_annotation(package_id, tag_id, value_id) VALUES (?,?,?)`,
		pkgID, tagID, valueID); err != nil {
		return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
	}
	return nil
}

// ModifyAnnotation changes the value associated with an existing tag,
// failing with ErrWarn if the tag is not currently annotated.
func (e *Engine) ModifyAnnotation(ctx context.Context, tx *Tx, pkgID int64, tag, newValue string) error {
	var tagID int64
	err := tx.QueryRow(ctx, `SELECT annotation_id FROM annotation WHERE annotation = ?`, tag).Scan(&tagID)
	if errors.Is(err, sql.ErrNoRows) {
		return &pkgcore.Error{Op: "storage.ModifyAnnotation", Kind: pkgcore.ErrWarn, Message: "no such tag"}
	} else if err != nil {
		return &pkgcore.Error{Op: "storage.ModifyAnnotation", Kind: pkgcore.ErrFatal, Inner: err}
	}
	var exists int
	err = tx.QueryRow(ctx, `SELECT 1 FROM pkg_annotation WHERE package_id = ? AND tag_id = ?`, pkgID, tagID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return &pkgcore.Error{Op: "storage.ModifyAnnotation", Kind: pkgcore.ErrWarn, Message: "tag not currently annotated"}
	} else if err != nil {
		return &pkgcore.Error{Op: "storage.ModifyAnnotation", Kind: pkgcore.ErrFatal, Inner: err}
	}
	return e.addAnnotationTx(ctx, tx, pkgID, tag, newValue)
}

// DeleteAnnotation removes a tag from a package. Deleting an absent tag is
// idempotent and returns no error, mirroring §4.1's annotation operations'
// non-fatal duplicate-handling posture.
func (e *Engine) DeleteAnnotation(ctx context.Context, tx *Tx, pkgID int64, tag string) error {
	if _, err := tx.Exec(ctx,
		`DELETE FROM pkg_annotation WHERE package_id = ? AND tag_id IN (SELECT annotation_id FROM annotation WHERE annotation = ?)`,
		pkgID, tag); err != nil {
		return &pkgcore.Error{Op: "storage.DeleteAnnotation", Kind: pkgcore.ErrFatal, Inner: err}
	}
	return nil
}
