// Package remote defines the abstract remote-filesystem capability that
// the cache manager and sync worker depend on. Concrete backends (NFS,
// SMB, SSHFS, WebDAV) are out of scope here; only the interface
// contract and a POSIX-backed reference implementation (used by every
// backend once kernel-mounted locally, and by tests) live here, the way
// muxfys_test.go's localAccessor stands in for an S3 backend in tests.
package remote

import (
	"context"
	"os"
	"time"
)

// FileType enumerates the kinds of node a backend can report or create.
type FileType int

const (
	TypeFile FileType = iota
	TypeDir
	TypeSymlink
	TypeSocket
	TypeFIFO
	TypeDevice
)

// Attr is the subset of POSIX metadata the planner and sync worker need
// from a stat/lstat call.
type Attr struct {
	Type     FileType
	Mode     os.FileMode
	UID      uint32
	GID      uint32
	Size     int64
	Mtime    time.Time
	Atime    time.Time
	Ctime    time.Time
	Revision string // opaque monotonic token; synthesized if the backend has none
	DevMajor uint32
	DevMinor uint32
	Target   string // symlink target, when Type == TypeSymlink
}

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Name string
	Attr Attr
}

// Handle is an opaque open-file handle returned by Open.
type Handle interface{}

// Backend is the capability set every remote (NFS, SMB, SSHFS, WebDAV,
// or the Posix reference backend) must supply. Every method returns a
// *remote.Error via Errorf so callers can categorize failures. Methods
// take a context so that a future backend with a network round-trip can
// honor cancellation; the reference Posix backend ignores it since
// local syscalls don't block indefinitely.
type Backend interface {
	// Ping reports whether the remote is currently reachable.
	Ping(ctx context.Context) bool

	Open(ctx context.Context, path string, flags int) (Handle, error)
	Read(ctx context.Context, h Handle, off int64, n int) ([]byte, error)
	Write(ctx context.Context, h Handle, off int64, data []byte) (int, error)
	Close(ctx context.Context, h Handle) error

	Truncate(ctx context.Context, path string, size int64) error
	Lstat(ctx context.Context, path string) (Attr, error)
	Readdir(ctx context.Context, path string) ([]DirEntry, error)

	Mkdir(ctx context.Context, path string, mode os.FileMode) error
	Rmdir(ctx context.Context, path string) error
	Unlink(ctx context.Context, path string) error

	Symlink(ctx context.Context, target, path string) error
	Readlink(ctx context.Context, path string) (string, error)

	Rename(ctx context.Context, oldPath, newPath string) error

	Chmod(ctx context.Context, path string, mode os.FileMode) error
	Chown(ctx context.Context, path string, uid, gid uint32) error
	Utime(ctx context.Context, path string, atime, mtime time.Time) error

	Getxattr(ctx context.Context, path, name string) ([]byte, error)
	Setxattr(ctx context.Context, path, name string, value []byte) error
	Listxattr(ctx context.Context, path string) ([]string, error)

	// Mknod creates a special file (device/socket/fifo). Backends that
	// can't (most can't) return a KindUnsupported error.
	Mknod(ctx context.Context, path string, typ FileType, mode os.FileMode, major, minor uint32) error

	Mount(ctx context.Context) error
	Unmount(ctx context.Context) error
}
