package fsbridge

import (
	"syscall"

	"github.com/hanwen/go-fuse/fuse"

	"github.com/sb10/tsumufs/xattrs"
)

// GetXAttr implements getxattr(2), dispatched through the xattrs
// registry.
func (fs *FS) GetXAttr(name, attr string, fctx *fuse.Context) ([]byte, fuse.Status) {
	val, err := fs.Xattrs.Get("/"+name, attr)
	if err != nil {
		return nil, xattrStatus(err)
	}
	return []byte(val), fuse.OK
}

// SetXAttr implements setxattr(2).
func (fs *FS) SetXAttr(name, attr string, data []byte, flags int, fctx *fuse.Context) fuse.Status {
	return xattrStatus(fs.Xattrs.Set("/"+name, attr, string(data)))
}

// RemoveXAttr implements removexattr(2).
func (fs *FS) RemoveXAttr(name, attr string, fctx *fuse.Context) fuse.Status {
	return xattrStatus(fs.Xattrs.Remove("/"+name, attr))
}

// ListXAttr implements listxattr(2).
func (fs *FS) ListXAttr(name string, fctx *fuse.Context) ([]string, fuse.Status) {
	return fs.Xattrs.Names(), fuse.OK
}

func xattrStatus(err error) fuse.Status {
	switch err {
	case nil:
		return fuse.OK
	case xattrs.ErrUnknown:
		return fuse.Status(syscall.ENODATA)
	case xattrs.ErrReadOnly:
		return fuse.EPERM
	default:
		return fuse.EIO
	}
}
