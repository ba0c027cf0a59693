// Package fsbridge adapts the cache manager to go-fuse's
// pathfs.FileSystem, the way muxfys.go/filesystem.go.teacher adapt a
// remote to the same interface: one FS struct embedding
// pathfs.NewDefaultFileSystem(), Mount/Unmount lifecycle methods around
// fuse.NewServer, and one method per POSIX entry point, translating
// path + *fuse.Context into cachemgr.CallerContext calls and translating
// cachemgr/remote errors back into fuse.Status.
package fsbridge

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/fuse"
	"github.com/hanwen/go-fuse/fuse/nodefs"
	"github.com/hanwen/go-fuse/fuse/pathfs"
	"github.com/inconshreveable/log15"

	"github.com/sb10/l15h"
	"github.com/sb10/tsumufs/cachemgr"
	"github.com/sb10/tsumufs/metastore"
	"github.com/sb10/tsumufs/remote"
	"github.com/sb10/tsumufs/xattrs"
)

// FS is the pathfs.FileSystem implementation backing one mount point.
type FS struct {
	pathfs.FileSystem

	Manager *cachemgr.Manager
	Xattrs  *xattrs.Registry
	Log15   log15.Logger

	mountPoint string
	mu         sync.Mutex
	server     *fuse.Server
	mounted    bool
	logStore   *l15h.Store
}

// New wires a cache manager and xattr registry into a mountable
// filesystem. The returned FS's logger always keeps an in-memory record
// retrievable via Logs(), in addition to whatever handler the caller
// supplies; verbose also records info/warn messages, not just errors.
func New(mgr *cachemgr.Manager, xreg *xattrs.Registry, mountPoint string, verbose bool) *FS {
	logger, store := newMountLogger(mountPoint, verbose)
	return &FS{
		FileSystem: pathfs.NewDefaultFileSystem(),
		Manager:    mgr,
		Xattrs:     xreg,
		Log15:      logger,
		logStore:   store,
	}
}

// Mount starts serving the filesystem at mountPoint. mountPoint must
// already exist and be empty, as with any FUSE mount.
func (fs *FS) Mount(mountPoint string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.mounted {
		return errAlreadyMounted
	}

	opts := &nodefs.Options{
		NegativeTimeout: time.Second,
		AttrTimeout:     time.Second,
		EntryTimeout:    time.Second,
	}
	pathFs := pathfs.NewPathNodeFs(fs, &pathfs.PathNodeFsOptions{ClientInodes: false})
	conn := nodefs.NewFileSystemConnector(pathFs.Root(), opts)
	mOpts := &fuse.MountOptions{
		AllowOther:     true,
		FsName:         "tsumufs",
		Name:           "tsumufs",
		RememberInodes: true,
	}
	server, err := fuse.NewServer(conn.RawFS(), mountPoint, mOpts)
	if err != nil {
		return err
	}

	fs.server = server
	fs.mountPoint = mountPoint
	fs.mounted = true
	go server.Serve()
	return nil
}

// Unmount tears down the FUSE mount.
func (fs *FS) Unmount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return nil
	}
	if err := fs.server.Unmount(); err != nil {
		return err
	}
	fs.mounted = false
	return nil
}

var errAlreadyMounted = errors.New("fsbridge: already mounted")

func caller(ctx *fuse.Context) cachemgr.CallerContext {
	if ctx == nil {
		return cachemgr.CallerContext{}
	}
	return cachemgr.CallerContext{UID: ctx.Owner.Uid, GID: ctx.Owner.Gid, PID: ctx.Pid}
}

// statusFor maps a cachemgr/remote error to the corresponding
// fuse.Status.
func statusFor(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	switch remote.KindOf(err) {
	case remote.KindNotFound:
		return fuse.ENOENT
	case remote.KindPermission:
		return fuse.EPERM
	case remote.KindExists:
		return fuse.Status(syscall.EEXIST)
	case remote.KindNotEmpty:
		return fuse.Status(syscall.ENOTEMPTY)
	case remote.KindUnsupported:
		return fuse.Status(syscall.EOPNOTSUPP)
	default:
		return fuse.EIO
	}
}

// toAttr converts a metadata record into the *fuse.Attr GetAttr/OpenDir
// need, translating the os.FileMode type bits metastore stores into the
// raw POSIX mode bits fuse expects (mirroring the S_IFREG/S_IFDIR
// literals filesystem.go.teacher sets by hand).
func toAttr(rec metastore.FileRecord) *fuse.Attr {
	mode := os.FileMode(rec.Mode)
	return &fuse.Attr{
		Size:  uint64(rec.Size),
		Mode:  posixMode(mode),
		Mtime: uint64(rec.Mtime.Unix()),
		Atime: uint64(rec.Atime.Unix()),
		Ctime: uint64(rec.Ctime.Unix()),
		Nlink: 1,
		Owner: fuse.Owner{Uid: rec.UID, Gid: rec.GID},
	}
}

func posixMode(mode os.FileMode) uint32 {
	perm := uint32(mode.Perm())
	switch {
	case mode&os.ModeDir != 0:
		return syscall.S_IFDIR | perm
	case mode&os.ModeSymlink != 0:
		return syscall.S_IFLNK | perm
	case mode&os.ModeSocket != 0:
		return syscall.S_IFSOCK | perm
	case mode&os.ModeNamedPipe != 0:
		return syscall.S_IFIFO | perm
	case mode&os.ModeCharDevice != 0:
		return syscall.S_IFCHR | perm
	case mode&os.ModeDevice != 0:
		return syscall.S_IFBLK | perm
	default:
		return syscall.S_IFREG | perm
	}
}

// GetAttr implements getattr(2).
func (fs *FS) GetAttr(name string, fctx *fuse.Context) (*fuse.Attr, fuse.Status) {
	rec, err := fs.Manager.Getattr(context.Background(), caller(fctx), "/"+name)
	if err != nil {
		return nil, statusFor(err)
	}
	return toAttr(rec), fuse.OK
}

// Access implements access(2).
func (fs *FS) Access(name string, mode uint32, fctx *fuse.Context) fuse.Status {
	rec, err := fs.Manager.Getattr(context.Background(), caller(fctx), "/"+name)
	if err != nil {
		return statusFor(err)
	}
	if !cachemgr.Accessible(os.FileMode(rec.Mode), rec.UID, rec.GID, caller(fctx), nil, cachemgr.AccessMode(mode)) {
		return fuse.EACCES
	}
	return fuse.OK
}

// OpenDir implements readdir(2).
func (fs *FS) OpenDir(name string, fctx *fuse.Context) ([]fuse.DirEntry, fuse.Status) {
	ctx := context.Background()
	names, err := fs.Manager.Readdir(ctx, "/"+name)
	if err != nil {
		return nil, statusFor(err)
	}

	out := make([]fuse.DirEntry, 0, len(names))
	for _, n := range names {
		mode := uint32(syscall.S_IFREG)
		if rec, err := fs.Manager.Getattr(ctx, caller(fctx), join(name, n)); err == nil {
			mode = posixMode(os.FileMode(rec.Mode))
		}
		out = append(out, fuse.DirEntry{Name: n, Mode: mode})
	}
	return out, fuse.OK
}

func join(dir, name string) string {
	if dir == "" {
		return "/" + name
	}
	return "/" + dir + "/" + name
}

// Readlink implements readlink(2).
func (fs *FS) Readlink(name string, fctx *fuse.Context) (string, fuse.Status) {
	target, err := fs.Manager.Readlink(context.Background(), caller(fctx), "/"+name)
	return target, statusFor(err)
}

// Symlink implements symlink(2).
func (fs *FS) Symlink(target, dest string, fctx *fuse.Context) fuse.Status {
	return statusFor(fs.Manager.Symlink(context.Background(), caller(fctx), target, "/"+dest))
}

// Link implements link(2). Hardlinks are an open question resolved as
// unsupported, matching tsumufs's own stub.
func (fs *FS) Link(orig, newName string, fctx *fuse.Context) fuse.Status {
	return fuse.Status(syscall.EOPNOTSUPP)
}

// Mkdir implements mkdir(2).
func (fs *FS) Mkdir(name string, mode uint32, fctx *fuse.Context) fuse.Status {
	return statusFor(fs.Manager.Mkdir(context.Background(), caller(fctx), "/"+name, os.FileMode(mode)))
}

// Rmdir implements rmdir(2).
func (fs *FS) Rmdir(name string, fctx *fuse.Context) fuse.Status {
	return statusFor(fs.Manager.Rmdir(context.Background(), "/"+name))
}

// Unlink implements unlink(2).
func (fs *FS) Unlink(name string, fctx *fuse.Context) fuse.Status {
	return statusFor(fs.Manager.Unlink(context.Background(), "/"+name))
}

// Rename implements rename(2).
func (fs *FS) Rename(oldName, newName string, fctx *fuse.Context) fuse.Status {
	ctx := context.Background()
	rec, err := fs.Manager.Getattr(ctx, caller(fctx), "/"+oldName)
	isDir := err == nil && os.FileMode(rec.Mode)&os.ModeDir != 0
	return statusFor(fs.Manager.Rename(ctx, "/"+oldName, "/"+newName, isDir))
}

// Chmod implements chmod(2).
func (fs *FS) Chmod(name string, mode uint32, fctx *fuse.Context) fuse.Status {
	return statusFor(fs.Manager.Chmod(context.Background(), "/"+name, os.FileMode(mode)))
}

// Chown implements chown(2).
func (fs *FS) Chown(name string, uid, gid uint32, fctx *fuse.Context) fuse.Status {
	return statusFor(fs.Manager.Chown(context.Background(), "/"+name, int(uid), int(gid)))
}

// Utimens implements utime(2).
func (fs *FS) Utimens(name string, atime, mtime *time.Time, fctx *fuse.Context) fuse.Status {
	var at, mt time.Time
	if atime != nil {
		at = *atime
	}
	if mtime != nil {
		mt = *mtime
	}
	return statusFor(fs.Manager.Utime(context.Background(), "/"+name, at, mt))
}

// Truncate implements truncate(2).
func (fs *FS) Truncate(name string, size uint64, fctx *fuse.Context) fuse.Status {
	return statusFor(fs.Manager.Truncate(context.Background(), caller(fctx), "/"+name, int64(size)))
}

// Mknod implements mknod(2), restricted to uid 0 and passed through to
// the remote backend; most backends report unsupported.
func (fs *FS) Mknod(name string, mode uint32, dev uint32, fctx *fuse.Context) fuse.Status {
	if fctx == nil || fctx.Owner.Uid != 0 {
		return fuse.EPERM
	}
	typ := remote.TypeFile
	switch {
	case mode&syscall.S_IFCHR != 0:
		typ = remote.TypeDevice
	case mode&syscall.S_IFBLK != 0:
		typ = remote.TypeDevice
	case mode&syscall.S_IFIFO != 0:
		typ = remote.TypeFIFO
	case mode&syscall.S_IFSOCK != 0:
		typ = remote.TypeSocket
	}
	major, minor := unpackDev(dev)
	return statusFor(fs.Manager.Mknod(context.Background(), caller(fctx), "/"+name, typ, os.FileMode(mode).Perm(), major, minor))
}

func unpackDev(dev uint32) (major, minor uint32) {
	return (dev >> 8) & 0xfff, dev & 0xff
}

// StatFs reports a constant, large filesystem, the way
// filesystem.go.teacher fakes an S3-backed StatFs.
func (fs *FS) StatFs(name string) *fuse.StatfsOut {
	const blockSize = uint64(4096)
	const totalBlocks = uint64(274877906944)
	const inodes = uint64(1000000000)
	return &fuse.StatfsOut{
		Bsize:  uint32(blockSize),
		Blocks: totalBlocks,
		Bfree:  totalBlocks,
		Bavail: totalBlocks,
		Files:  inodes,
		Ffree:  inodes,
	}
}
