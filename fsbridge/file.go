package fsbridge

import (
	"context"
	"os"

	"github.com/hanwen/go-fuse/fuse"
	"github.com/hanwen/go-fuse/fuse/nodefs"

	"github.com/sb10/tsumufs/cachemgr"
)

// handle adapts a cachemgr.Handle to nodefs.File, the way
// filesystem.go.teacher's remoteFile/cachedFile adapt a remote/cached
// file to the same interface: embed nodefs.NewDefaultFile() for the
// methods that don't apply (Fsync, Allocate, GetAttr, Chmod, Chown,
// Utimens are all handled at the path level instead) and override
// Read/Write/Flush/Release/Truncate.
type handle struct {
	nodefs.File

	fs     *FS
	h      *cachemgr.Handle
	caller cachemgr.CallerContext
}

func newHandle(fs *FS, h *cachemgr.Handle, c cachemgr.CallerContext) nodefs.File {
	return &handle{File: nodefs.NewDefaultFile(), fs: fs, h: h, caller: c}
}

func (f *handle) Read(dest []byte, off int64) (fuse.ReadResult, fuse.Status) {
	data, err := f.fs.Manager.Read(context.Background(), f.h, off, len(dest))
	if err != nil {
		return nil, statusFor(err)
	}
	return fuse.ReadResultData(data), fuse.OK
}

func (f *handle) Write(data []byte, off int64) (uint32, fuse.Status) {
	n, err := f.fs.Manager.Write(context.Background(), f.h, off, data)
	if err != nil {
		return uint32(n), statusFor(err)
	}
	return uint32(n), fuse.OK
}

func (f *handle) Flush() fuse.Status {
	return fuse.OK
}

func (f *handle) Release() {
	_ = f.fs.Manager.Release(context.Background(), f.h)
}

func (f *handle) Truncate(size uint64) fuse.Status {
	return statusFor(f.fs.Manager.Truncate(context.Background(), f.caller, f.h.Path, int64(size)))
}

// Open implements open(2).
func (fs *FS) Open(name string, flags uint32, fctx *fuse.Context) (nodefs.File, fuse.Status) {
	c := caller(fctx)
	h, err := fs.Manager.Open(context.Background(), c, "/"+name, int(flags))
	if err != nil {
		return nil, statusFor(err)
	}
	return newHandle(fs, h, c), fuse.OK
}

// Create implements open(2) with O_CREAT.
func (fs *FS) Create(name string, flags uint32, mode uint32, fctx *fuse.Context) (nodefs.File, fuse.Status) {
	c := caller(fctx)
	h, err := fs.Manager.Open(context.Background(), c, "/"+name, int(flags)|os.O_CREATE)
	if err != nil {
		return nil, statusFor(err)
	}
	return newHandle(fs, h, c), fuse.OK
}
