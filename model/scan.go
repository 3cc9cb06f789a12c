package model

import (
	"database/sql"
	"time"

	pkgcore "github.com/pkgcore/corepkg"
)

func wrapFatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &pkgcore.Error{Op: "model." + op, Kind: pkgcore.ErrFatal, Inner: err}
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// scanInto drains rows, calling scan once per row, and always closes rows.
func scanInto(rows *sql.Rows, scan func() error) error {
	defer rows.Close()
	for rows.Next() {
		if err := scan(); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanStrings(q func(string, ...any) (*sql.Rows, error), query string, args ...any) ([]string, error) {
	rows, err := q(query, args...)
	if err != nil {
		return nil, err
	}
	var out []string
	err = scanInto(rows, func() error {
		var v string
		if err := rows.Scan(&v); err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

func scanDeps(q func(string, ...any) (*sql.Rows, error), query string, args ...any) ([]pkgcore.Dependency, error) {
	rows, err := q(query, args...)
	if err != nil {
		return nil, err
	}
	var out []pkgcore.Dependency
	err = scanInto(rows, func() error {
		var d pkgcore.Dependency
		if err := rows.Scan(&d.Name, &d.Origin, &d.Version); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	return out, err
}
