package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/quay/zlog"

	pkgcore "github.com/pkgcore/corepkg"
	"github.com/pkgcore/corepkg/metrics"
)

// RegisterOptions tunes a single Register call.
type RegisterOptions struct {
	// Forced overwrites a conflicting file ownership row with a warning
	// instead of failing the register (§4.1 step 5).
	Forced bool
	// Permissive allows a non-"developer" caller to continue past a file
	// ownership conflict with a warning rather than failing, mirroring
	// the permissive-mode branch of §4.1 step 5.
	Permissive bool
	// Developer marks the caller as the package's developer for the
	// purposes of the permissive-mode branch.
	Developer bool
}

// Register performs the register_pkg insertion sequence from §4.1 inside
// the savepoint named "register". On success the caller's outer
// transaction still needs to be committed; on any fatal error the
// savepoint has already been rolled back and the returned error's Kind is
// ErrFatal.
func (e *Engine) Register(ctx context.Context, tx *Tx, pkg *pkgcore.Package, opts RegisterOptions) (id int64, err error) {
	const op = "storage.Register"
	defer metrics.Timer(metrics.RegisterDuration)()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "fatal"
		}
		metrics.RegisterTotal.WithLabelValues(outcome).Inc()
	}()

	sp, err := tx.Savepoint(ctx, "register")
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			sp.Rollback(ctx)
		}
	}()

	_, err = sp.Exec(ctx,
		`INSERT INTO packages
			(origin, name, version, comment, desc, message, arch, maintainer, www, prefix,
			 flatsize, has_pkgsize, pkgsize, automatic, locked, vital, licenselogic, time,
			 manifestdigest, dep_formula, uid)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET
			origin=excluded.origin, version=excluded.version, comment=excluded.comment,
			desc=excluded.desc, message=excluded.message, arch=excluded.arch,
			maintainer=excluded.maintainer, www=excluded.www, prefix=excluded.prefix,
			flatsize=excluded.flatsize, has_pkgsize=excluded.has_pkgsize,
			pkgsize=excluded.pkgsize, automatic=excluded.automatic, locked=excluded.locked,
			vital=excluded.vital, licenselogic=excluded.licenselogic, time=excluded.time,
			manifestdigest=excluded.manifestdigest, dep_formula=excluded.dep_formula,
			uid=excluded.uid`,
		pkg.Origin, pkg.Name, pkg.Version, pkg.Comment, pkg.Description, pkg.Message,
		pkg.Arch, pkg.Maintainer, pkg.WWW, pkg.Prefix, pkg.FlatSize, pkg.HasPackagedSize,
		pkg.PackagedSize, pkg.Automatic, pkg.Locked, pkg.Vital, string(pkg.LicenseLogic),
		pkg.InstallTime.Unix(), pkg.ManifestDigest.String(), pkg.DepFormula, pkg.UID,
	)
	if err != nil {
		return 0, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err, Message: "insert packages row"}
	}
	// On the ON CONFLICT UPDATE path LastInsertId does not report the
	// updated row's id, so the id is looked up by name on both paths.
	if serr := sp.QueryRow(ctx, `SELECT id FROM packages WHERE name = ?`, pkg.Name).Scan(&id); serr != nil {
		return 0, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: serr}
	}

	if _, err = sp.Exec(ctx,
		`UPDATE deps SET origin = ?, version = ? WHERE name = ?`,
		pkg.Origin, pkg.Version, pkg.Name); err != nil {
		return 0, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err, Message: "retarget existing dependency rows"}
	}

	for _, d := range pkg.Deps {
		if _, err = sp.Exec(ctx,
			`INSERT OR IGNORE INTO deps(origin, name, version, package_id) VALUES (?,?,?,?)`,
			d.Origin, d.Name, d.Version, id); err != nil {
			return 0, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err, Message: "insert deps"}
		}
	}

	for path, f := range pkg.Files {
		if err = e.insertFile(ctx, sp, id, pkg.Name, path, f, opts); err != nil {
			return 0, err
		}
	}
	for path, content := range pkg.ConfigFiles {
		if _, err = sp.Exec(ctx,
			`INSERT INTO config_files(path, content, package_id) VALUES (?,?,?)
			 ON CONFLICT(path) DO UPDATE SET content=excluded.content, package_id=excluded.package_id`,
			path, content, id); err != nil {
			return 0, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err, Message: "insert config_files"}
		}
	}
	for path, d := range pkg.Dirs {
		dirID, err2 := internID(ctx, sp, "directories", "path", path)
		if err2 != nil {
			err = err2
			return 0, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
		}
		if _, err = sp.Exec(ctx,
			`INSERT OR IGNORE INTO pkg_directories(package_id, directory_id, user, "group", perms, try)
			 VALUES (?,?,?,?,?,?)`,
			id, dirID, d.User, d.Group, d.Perms, d.Try); err != nil {
			return 0, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err, Message: "insert pkg_directories"}
		}
	}
	if err = internMany(ctx, sp, id, "categories", "pkg_categories", "category_id", pkg.Categories); err != nil {
		return 0, err
	}
	if err = internMany(ctx, sp, id, "licenses", "pkg_licenses", "license_id", pkg.Licenses); err != nil {
		return 0, err
	}
	if err = internMany(ctx, sp, id, "users", "pkg_users", "user_id", pkg.Users); err != nil {
		return 0, err
	}
	if err = internMany(ctx, sp, id, "groups", "pkg_groups", "group_id", pkg.Groups); err != nil {
		return 0, err
	}
	if err = internPositional(ctx, sp, id, "shlibs", "pkg_shlibs_required", "shlib_id", pkg.ShlibsRequired); err != nil {
		return 0, err
	}
	if err = internPositional(ctx, sp, id, "shlibs", "pkg_shlibs_provided", "shlib_id", pkg.ShlibsProvided); err != nil {
		return 0, err
	}
	if err = internPositional(ctx, sp, id, "provides", "pkg_provides", "provide_id", pkg.Provides); err != nil {
		return 0, err
	}
	if err = internPositional(ctx, sp, id, "requires", "pkg_requires", "require_id", pkg.Requires); err != nil {
		return 0, err
	}

	for kind, body := range pkg.Scripts {
		scriptID, err2 := internID(ctx, sp, "script", "script", body)
		if err2 != nil {
			err = err2
			return 0, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
		}
		if _, err = sp.Exec(ctx,
			`INSERT OR REPLACE INTO pkg_script(package_id, type, script_id) VALUES (?,?,?)`,
			id, int(kind), scriptID); err != nil {
			return 0, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err, Message: "insert pkg_script"}
		}
	}
	for kind, bodies := range pkg.LuaScripts {
		for pos, body := range bodies {
			luaID, err2 := internID(ctx, sp, "lua_script", "lua_script", body)
			if err2 != nil {
				err = err2
				return 0, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
			}
			if _, err = sp.Exec(ctx,
				`INSERT INTO pkg_lua_script(package_id, type, lua_script_id, position) VALUES (?,?,?,?)`,
				id, int(kind), luaID, pos); err != nil {
				return 0, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err, Message: "insert pkg_lua_script"}
			}
		}
	}

	for name, o := range pkg.Options {
		optID, err2 := internID(ctx, sp, "option", "option", name)
		if err2 != nil {
			err = err2
			return 0, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
		}
		if _, err = sp.Exec(ctx,
			`INSERT OR REPLACE INTO pkg_option(package_id, option_id, value) VALUES (?,?,?)`,
			id, optID, boolToOnOff(o.Value)); err != nil {
			return 0, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err, Message: "insert pkg_option"}
		}
		if _, err = sp.Exec(ctx,
			`INSERT OR REPLACE INTO pkg_option_default(package_id, option_id, default_value) VALUES (?,?,?)`,
			id, optID, boolToOnOff(o.Default)); err != nil {
			return 0, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err, Message: "insert pkg_option_default"}
		}
		if o.Description != "" {
			descID, err2 := internID(ctx, sp, "option_desc", "description", o.Description)
			if err2 != nil {
				err = err2
				return 0, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
			}
			if _, err = sp.Exec(ctx,
				`INSERT OR REPLACE INTO pkg_option_desc(package_id, option_id, option_desc_id) VALUES (?,?,?)`,
				id, optID, descID); err != nil {
				return 0, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err, Message: "insert pkg_option_desc"}
			}
		}
	}

	for tag, value := range pkg.Annotations {
		if err = e.addAnnotationTx(ctx, sp, id, tag, value); err != nil {
			return 0, err
		}
	}

	for _, conflictUID := range pkg.Conflicts {
		var conflictID int64
		row := sp.QueryRow(ctx, `SELECT id FROM packages WHERE uid = ?`, conflictUID)
		if serr := row.Scan(&conflictID); serr != nil {
			if errors.Is(serr, sql.ErrNoRows) {
				continue // the conflicting package isn't installed; nothing to record yet
			}
			return 0, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: serr}
		}
		if _, err = sp.Exec(ctx,
			`INSERT OR IGNORE INTO pkg_conflicts(package_id, conflict_id) VALUES (?,?)`,
			id, conflictID); err != nil {
			return 0, &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err, Message: "insert pkg_conflicts"}
		}
	}

	if err = sp.Commit(ctx); err != nil {
		return 0, err
	}
	zlog.Debug(ctx).Str("package", pkg.Name).Int64("id", id).Msg("registered package")
	return id, nil
}

// insertFile implements §4.1 step 5's file-path collision resolution.
func (e *Engine) insertFile(ctx context.Context, sp *Tx, id int64, name, path string, f pkgcore.FileEntry, opts RegisterOptions) error {
	const op = "storage.Register"
	var ownerID int64
	var ownerName string
	row := sp.QueryRow(ctx,
		`SELECT files.package_id, packages.name FROM files JOIN packages ON packages.id = files.package_id WHERE files.path = ?`, path)
	switch err := row.Scan(&ownerID, &ownerName); {
	case errors.Is(err, sql.ErrNoRows):
		// No existing owner: plain insert.
	case err != nil:
		return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err}
	case ownerID == id:
		// Re-registering the same package (upgrade in place): fall through to overwrite.
	default:
		var stillExists bool
		if qerr := sp.QueryRow(ctx, `SELECT 1 FROM packages WHERE id = ?`, ownerID).Scan(new(int)); qerr == nil {
			stillExists = true
		}
		switch {
		case !stillExists:
			// Stale ownership: the recorded owner no longer exists. Overwrite silently.
		case opts.Forced:
			zlog.Warn(ctx).Str("path", path).Str("owner", ownerName).Str("package", name).
				Msg("forced overwrite of file owned by another package")
		case opts.Permissive && !opts.Developer:
			zlog.Warn(ctx).Str("path", path).Str("owner", ownerName).Str("package", name).
				Msg("permissive mode: continuing past file ownership conflict")
		default:
			return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal,
				Message: fmt.Sprintf("%s already owned by %s", path, ownerName)}
		}
	}

	if _, err := sp.Exec(ctx,
		`INSERT INTO files(path, sha256, package_id) VALUES (?,?,?)
		 ON CONFLICT(path) DO UPDATE SET sha256=excluded.sha256, package_id=excluded.package_id`,
		path, f.SHA256.String(), id); err != nil {
		return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err, Message: "insert files"}
	}
	return nil
}

func boolToOnOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// internID returns the id of the existing row matching value in column col
// of table, inserting one if absent.
func internID(ctx context.Context, sp *Tx, table, col, value string) (int64, error) {
	idCol := "id"
	switch table {
	case "script":
		idCol = "script_id"
	case "lua_script":
		idCol = "lua_script_id"
	case "option":
		idCol = "option_id"
	case "option_desc":
		idCol = "option_desc_id"
	}
	row := sp.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?`, idCol, table, col), value)
	var id int64
	err := row.Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	res, err := sp.Exec(ctx, fmt.Sprintf(`INSERT INTO %s(%s) VALUES (?)`, table, col), value)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// internMany interns each value into table and links it to pkgID through
// joinTable(package_id, joinCol), for the simple un-ordered, un-valued
// collaterals (categories, licenses, users, groups).
func internMany(ctx context.Context, sp *Tx, pkgID int64, table, joinTable, joinCol string, values []string) error {
	const op = "storage.Register"
	for _, v := range values {
		id, err := internID(ctx, sp, table, "name", v)
		if err != nil {
			return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err, Message: "intern " + table}
		}
		if _, err := sp.Exec(ctx,
			fmt.Sprintf(`INSERT OR IGNORE INTO %s(package_id, %s) VALUES (?,?)`, joinTable, joinCol),
			pkgID, id); err != nil {
			return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err, Message: "link " + joinTable}
		}
	}
	return nil
}

// internPositional is internMany for collaterals that preserve order
// (shlibs, provides, requires).
func internPositional(ctx context.Context, sp *Tx, pkgID int64, table, joinTable, joinCol string, values []string) error {
	const op = "storage.Register"
	valCol := "name"
	switch table {
	case "provides":
		valCol = "provide"
	case "requires":
		valCol = "require"
	}
	for pos, v := range values {
		id, err := internID(ctx, sp, table, valCol, v)
		if err != nil {
			return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err, Message: "intern " + table}
		}
		if _, err := sp.Exec(ctx,
			fmt.Sprintf(`INSERT OR IGNORE INTO %s(package_id, %s, position) VALUES (?,?,?)`, joinTable, joinCol),
			pkgID, id, pos); err != nil {
			return &pkgcore.Error{Op: op, Kind: pkgcore.ErrFatal, Inner: err, Message: "link " + joinTable}
		}
	}
	return nil
}
