package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	pkgcore "github.com/pkgcore/corepkg"
)

// rootFD preserves the "resolve every path relative to a directory fd
// opened once at startup" property (§9 "VFS shim") without a custom SQLite
// VFS plug-in: a full VFS override is the C implementation's
// defence-in-depth strategy against symlink attacks on the DB directory,
// and writing one in Go to intercept modernc.org/sqlite's I/O is out of
// proportion to this core (the driver is pure Go and does not expose a
// pluggable-VFS hook the way SQLite's C amalgamation does). Instead this
// core opens Options.DBDir once via O_DIRECTORY and keeps the fd for the
// Engine's lifetime; Open below resolves a relative path against it with
// openat(2). No storage code path calls Open: the secure-mode ownership
// check and Engine.Open's existence checks use path-based os.Stat, and
// SQLite's own file I/O against local.sqlite goes through the regular
// path-based VFS. The directory's device/inode is not recorded or
// compared, so a symlink swap of the DB directory after Open is not
// detected.
type rootFD struct {
	fd   int
	path string
}

// openRoot opens dir with O_DIRECTORY so subsequent accesses can be
// resolved against it with openat-family calls.
func openRoot(dir string) (*rootFD, error) {
	fd, err := unix.Open(dir, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return nil, &pkgcore.Error{Op: "storage.openRoot", Kind: pkgcore.ErrNoAccess, Inner: err, Message: dir}
	}
	return &rootFD{fd: fd, path: dir}, nil
}

func (r *rootFD) Close() error {
	if r == nil || r.fd < 0 {
		return nil
	}
	return unix.Close(r.fd)
}

// Open resolves rel against the directory fd rather than concatenating
// paths and opening absolutely, so a symlink planted at an intermediate
// path component after the root was opened cannot redirect the access.
func (r *rootFD) Open(rel string, flags int, mode uint32) (*os.File, error) {
	if filepath.IsAbs(rel) {
		return nil, fmt.Errorf("storage: rootFD.Open: %q must be relative", rel)
	}
	fd, err := unix.Openat(r.fd, rel, flags, mode)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), filepath.Join(r.path, rel)), nil
}
