// Package model implements C2, the in-memory package value: lazy-loaded
// collateral sections gated by a LoadFlags bitmask, and the iterators that
// walk the local store and optional remote repositories.
package model

import (
	"context"
	"database/sql"

	pkgcore "github.com/pkgcore/corepkg"
	"github.com/pkgcore/corepkg/storage"
)

// Loader reads a package's basic row and lazily-requested collateral
// sections out of the local database.
type Loader struct {
	e *storage.Engine
}

// NewLoader constructs a Loader over e.
func NewLoader(e *storage.Engine) *Loader { return &Loader{e: e} }

// Load fills in pkg's collateral fields for any bit set in want that is not
// already set in pkg.Loaded, then sets those bits. Calling Load again with
// bits already loaded is a no-op for those bits (§4.2 "Reloading is
// idempotent").
func (l *Loader) Load(ctx context.Context, tx *storage.Tx, id int64, pkg *pkgcore.Package, want pkgcore.LoadFlags) error {
	missing := want &^ pkg.Loaded
	if missing == 0 {
		return nil
	}

	q := func(query string, args ...any) (*sql.Rows, error) {
		if tx != nil {
			return tx.Query(ctx, query, args...)
		}
		return l.e.DB().QueryContext(ctx, query, args...)
	}

	if missing.Has(pkgcore.LoadBasic) {
		if err := l.loadBasic(ctx, tx, id, pkg); err != nil {
			return err
		}
	}
	if missing.Has(pkgcore.LoadDeps) {
		deps, err := scanDeps(q, `SELECT name, origin, version FROM deps WHERE package_id = ?`, id)
		if err != nil {
			return wrapFatal("load deps", err)
		}
		pkg.Deps = deps
	}
	if missing.Has(pkgcore.LoadRDeps) {
		deps, err := scanDeps(q, `SELECT p.name, p.origin, p.version FROM deps d JOIN packages p ON p.id = d.package_id WHERE d.name = ?`, pkg.Name)
		if err != nil {
			return wrapFatal("load rdeps", err)
		}
		pkg.RDeps = deps
	}
	if missing.Has(pkgcore.LoadFiles) {
		rows, err := q(`SELECT path, sha256 FROM files WHERE package_id = ?`, id)
		if err != nil {
			return wrapFatal("load files", err)
		}
		pkg.Files = map[string]pkgcore.FileEntry{}
		if err := scanInto(rows, func() error {
			var path, sum string
			if err := rows.Scan(&path, &sum); err != nil {
				return err
			}
			var d pkgcore.Digest
			if sum != "" {
				if err := d.UnmarshalText([]byte(sum)); err != nil {
					return err
				}
			}
			pkg.Files[path] = pkgcore.FileEntry{SHA256: d}
			return nil
		}); err != nil {
			return wrapFatal("load files", err)
		}
	}
	if missing.Has(pkgcore.LoadFiles) {
		rows, err := q(`SELECT path, content FROM config_files WHERE package_id = ?`, id)
		if err != nil {
			return wrapFatal("load config files", err)
		}
		pkg.ConfigFiles = map[string]string{}
		if err := scanInto(rows, func() error {
			var path, content string
			if err := rows.Scan(&path, &content); err != nil {
				return err
			}
			pkg.ConfigFiles[path] = content
			return nil
		}); err != nil {
			return wrapFatal("load config files", err)
		}
	}
	if missing.Has(pkgcore.LoadDirs) {
		rows, err := q(`SELECT d.path, pd.user, pd."group", pd.perms, pd.try
			FROM pkg_directories pd JOIN directories d ON d.id = pd.directory_id WHERE pd.package_id = ?`, id)
		if err != nil {
			return wrapFatal("load dirs", err)
		}
		pkg.Dirs = map[string]pkgcore.DirEntry{}
		if err := scanInto(rows, func() error {
			var path, user, group string
			var perms int64
			var try int
			if err := rows.Scan(&path, &user, &group, &perms, &try); err != nil {
				return err
			}
			pkg.Dirs[path] = pkgcore.DirEntry{User: user, Group: group, Perms: uint32(perms), Try: try != 0}
			return nil
		}); err != nil {
			return wrapFatal("load dirs", err)
		}
	}
	if missing.Has(pkgcore.LoadCategories) {
		vs, err := scanStrings(q, `SELECT c.name FROM pkg_categories pc JOIN categories c ON c.id = pc.category_id WHERE pc.package_id = ?`, id)
		if err != nil {
			return wrapFatal("load categories", err)
		}
		pkg.Categories = vs
	}
	if missing.Has(pkgcore.LoadLicenses) {
		vs, err := scanStrings(q, `SELECT l.name FROM pkg_licenses pl JOIN licenses l ON l.id = pl.license_id WHERE pl.package_id = ?`, id)
		if err != nil {
			return wrapFatal("load licenses", err)
		}
		pkg.Licenses = vs
	}
	if missing.Has(pkgcore.LoadUsers) {
		vs, err := scanStrings(q, `SELECT u.name FROM pkg_users pu JOIN users u ON u.id = pu.user_id WHERE pu.package_id = ?`, id)
		if err != nil {
			return wrapFatal("load users", err)
		}
		pkg.Users = vs
	}
	if missing.Has(pkgcore.LoadGroups) {
		vs, err := scanStrings(q, `SELECT g.name FROM pkg_groups pg JOIN groups g ON g.id = pg.group_id WHERE pg.package_id = ?`, id)
		if err != nil {
			return wrapFatal("load groups", err)
		}
		pkg.Groups = vs
	}
	if missing.Has(pkgcore.LoadShlibsRequired) {
		vs, err := scanStrings(q, `SELECT s.name FROM pkg_shlibs_required ps JOIN shlibs s ON s.id = ps.shlib_id WHERE ps.package_id = ? ORDER BY ps.position`, id)
		if err != nil {
			return wrapFatal("load shlibs_required", err)
		}
		pkg.ShlibsRequired = vs
	}
	if missing.Has(pkgcore.LoadShlibsProvided) {
		vs, err := scanStrings(q, `SELECT s.name FROM pkg_shlibs_provided ps JOIN shlibs s ON s.id = ps.shlib_id WHERE ps.package_id = ? ORDER BY ps.position`, id)
		if err != nil {
			return wrapFatal("load shlibs_provided", err)
		}
		pkg.ShlibsProvided = vs
	}
	if missing.Has(pkgcore.LoadProvides) {
		vs, err := scanStrings(q, `SELECT p.provide FROM pkg_provides pp JOIN provides p ON p.id = pp.provide_id WHERE pp.package_id = ? ORDER BY pp.position`, id)
		if err != nil {
			return wrapFatal("load provides", err)
		}
		pkg.Provides = vs
	}
	if missing.Has(pkgcore.LoadRequires) {
		vs, err := scanStrings(q, `SELECT r.require FROM pkg_requires pr JOIN requires r ON r.id = pr.require_id WHERE pr.package_id = ? ORDER BY pr.position`, id)
		if err != nil {
			return wrapFatal("load requires", err)
		}
		pkg.Requires = vs
	}
	if missing.Has(pkgcore.LoadConflicts) {
		vs, err := scanStrings(q, `SELECT p.uid FROM pkg_conflicts pc JOIN packages p ON p.id = pc.conflict_id WHERE pc.package_id = ?`, id)
		if err != nil {
			return wrapFatal("load conflicts", err)
		}
		pkg.Conflicts = vs
	}
	if missing.Has(pkgcore.LoadAnnotations) {
		rows, err := q(`SELECT t.annotation, v.annotation FROM pkg_annotation pa
			JOIN annotation t ON t.annotation_id = pa.tag_id
			JOIN annotation v ON v.annotation_id = pa.value_id
			WHERE pa.package_id = ?`, id)
		if err != nil {
			return wrapFatal("load annotations", err)
		}
		pkg.Annotations = map[string]string{}
		if err := scanInto(rows, func() error {
			var tag, value string
			if err := rows.Scan(&tag, &value); err != nil {
				return err
			}
			pkg.Annotations[tag] = value
			return nil
		}); err != nil {
			return wrapFatal("load annotations", err)
		}
	}
	if missing.Has(pkgcore.LoadOptions) {
		if err := l.loadOptions(ctx, q, id, pkg); err != nil {
			return err
		}
	}
	if missing.Has(pkgcore.LoadScripts) {
		if err := l.loadScripts(ctx, q, id, pkg); err != nil {
			return err
		}
	}
	if missing.Has(pkgcore.LoadLuaScripts) {
		if err := l.loadLuaScripts(ctx, q, id, pkg); err != nil {
			return err
		}
	}

	pkg.Loaded |= missing
	return nil
}

func (l *Loader) loadBasic(ctx context.Context, tx *storage.Tx, id int64, pkg *pkgcore.Package) error {
	var row *sql.Row
	const query = `SELECT origin, name, version, comment, desc, message, arch, maintainer, www, prefix,
		flatsize, has_pkgsize, pkgsize, automatic, locked, vital, licenselogic, time, manifestdigest, dep_formula, uid
		FROM packages WHERE id = ?`
	if tx != nil {
		row = tx.QueryRow(ctx, query, id)
	} else {
		row = l.e.DB().QueryRowContext(ctx, query, id)
	}
	var licLogic string
	var t int64
	var digest string
	if err := row.Scan(&pkg.Origin, &pkg.Name, &pkg.Version, &pkg.Comment, &pkg.Description, &pkg.Message,
		&pkg.Arch, &pkg.Maintainer, &pkg.WWW, &pkg.Prefix, &pkg.FlatSize, &pkg.HasPackagedSize, &pkg.PackagedSize,
		&pkg.Automatic, &pkg.Locked, &pkg.Vital, &licLogic, &t, &digest, &pkg.DepFormula, &pkg.UID); err != nil {
		return wrapFatal("load basic", err)
	}
	pkg.LicenseLogic = pkgcore.LicenseLogic(licLogic)
	pkg.InstallTime = unixTime(t)
	if digest != "" {
		if err := pkg.ManifestDigest.UnmarshalText([]byte(digest)); err != nil {
			return wrapFatal("load basic: manifest digest", err)
		}
	}
	pkg.Lifecycle = pkgcore.LifecycleInstalled
	return nil
}

func (l *Loader) loadOptions(ctx context.Context, q func(string, ...any) (*sql.Rows, error), id int64, pkg *pkgcore.Package) error {
	rows, err := q(`SELECT o.option, po.value, pod.default_value, COALESCE(od.description, '')
		FROM pkg_option po
		JOIN option o ON o.option_id = po.option_id
		LEFT JOIN pkg_option_default pod ON pod.package_id = po.package_id AND pod.option_id = po.option_id
		LEFT JOIN pkg_option_desc pd ON pd.package_id = po.package_id AND pd.option_id = po.option_id
		LEFT JOIN option_desc od ON od.option_desc_id = pd.option_desc_id
		WHERE po.package_id = ?`, id)
	if err != nil {
		return wrapFatal("load options", err)
	}
	pkg.Options = map[string]pkgcore.Option{}
	return wrapFatal("load options", scanInto(rows, func() error {
		var name, value, defVal, desc string
		if err := rows.Scan(&name, &value, &defVal, &desc); err != nil {
			return err
		}
		pkg.Options[name] = pkgcore.Option{Value: value == "on", Default: defVal == "on", Description: desc}
		return nil
	}))
}

func (l *Loader) loadScripts(ctx context.Context, q func(string, ...any) (*sql.Rows, error), id int64, pkg *pkgcore.Package) error {
	rows, err := q(`SELECT ps.type, s.script FROM pkg_script ps JOIN script s ON s.script_id = ps.script_id WHERE ps.package_id = ?`, id)
	if err != nil {
		return wrapFatal("load scripts", err)
	}
	pkg.Scripts = map[pkgcore.ScriptKind]string{}
	return wrapFatal("load scripts", scanInto(rows, func() error {
		var kind int
		var body string
		if err := rows.Scan(&kind, &body); err != nil {
			return err
		}
		pkg.Scripts[pkgcore.ScriptKind(kind)] = body
		return nil
	}))
}

func (l *Loader) loadLuaScripts(ctx context.Context, q func(string, ...any) (*sql.Rows, error), id int64, pkg *pkgcore.Package) error {
	rows, err := q(`SELECT pl.type, l.lua_script FROM pkg_lua_script pl JOIN lua_script l ON l.lua_script_id = pl.lua_script_id
		WHERE pl.package_id = ? ORDER BY pl.type, pl.position`, id)
	if err != nil {
		return wrapFatal("load lua scripts", err)
	}
	pkg.LuaScripts = map[pkgcore.LuaScriptKind][]string{}
	return wrapFatal("load lua scripts", scanInto(rows, func() error {
		var kind int
		var body string
		if err := rows.Scan(&kind, &body); err != nil {
			return err
		}
		k := pkgcore.LuaScriptKind(kind)
		pkg.LuaScripts[k] = append(pkg.LuaScripts[k], body)
		return nil
	}))
}
