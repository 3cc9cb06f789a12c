package storage

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	pkgcore "github.com/pkgcore/corepkg"
)

// checkOwnership enforces the secure-mode requirement (§6) that the local
// database file be owned by the effective uid of the running process and
// not be group- or world-writable, unless Options.InstallAsUser relaxes
// the ownership half of the check to accept the real uid as well.
func checkOwnership(path string, opts *pkgcore.Options) error {
	const op = "storage.checkOwnership"
	fi, err := os.Stat(path)
	if err != nil {
		return &pkgcore.Error{Op: op, Kind: pkgcore.ErrNoAccess, Inner: err}
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		// Platform without a Stat_t (non-Unix): skip the ownership check,
		// the core's secure mode is a Unix-specific concern (§1 scope).
		return nil
	}

	euid := unix.Geteuid()
	owner := int(st.Uid)
	if owner != euid {
		if !(opts.InstallAsUser && owner == unix.Getuid()) {
			return &pkgcore.Error{Op: op, Kind: pkgcore.ErrInsecure,
				Message: "database file is not owned by this process"}
		}
	}
	if fi.Mode().Perm()&0o022 != 0 {
		return &pkgcore.Error{Op: op, Kind: pkgcore.ErrInsecure,
			Message: "database file is group- or world-writable"}
	}
	return nil
}
