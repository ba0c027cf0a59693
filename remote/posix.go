package remote

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Posix is the reference Backend: it treats an already-locally-mounted
// tree (an NFS/SMB/SSHFS/WebDAV mount, or just a local directory in
// tests) as the remote, the same "mount it, then walk it like a POSIX
// tree" shape muxfys_test.go's localAccessor uses to stand in for S3.
//
// Real backend-specific connection setup (mount options, credentials,
// protocol negotiation) is out of scope here; Mount/Unmount only toggle
// an internal flag so Ping/Mount/Unmount honor the Backend contract.
type Posix struct {
	Root string

	mu      sync.RWMutex
	mounted bool
	forced  bool // true once explicitly unmounted; Ping then reports down

	xattrMu sync.Mutex
	xattrs  map[string]map[string][]byte // path -> name -> value (sidecar store)
}

// NewPosix returns a Backend rooted at root.
func NewPosix(root string) *Posix {
	return &Posix{Root: root, xattrs: make(map[string]map[string][]byte)}
}

func (p *Posix) real(path string) string {
	return filepath.Join(p.Root, filepath.FromSlash(path))
}

func (p *Posix) Ping(ctx context.Context) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.forced {
		return false
	}
	_, err := os.Stat(p.Root)
	return err == nil
}

func (p *Posix) Mount(ctx context.Context) error {
	if _, err := os.Stat(p.Root); err != nil {
		return Errorf(KindIOTransient, "mount", p.Root, err)
	}
	p.mu.Lock()
	p.mounted = true
	p.forced = false
	p.mu.Unlock()
	return nil
}

func (p *Posix) Unmount(ctx context.Context) error {
	p.mu.Lock()
	p.mounted = false
	p.forced = true
	p.mu.Unlock()
	return nil
}

type posixHandle struct {
	f *os.File
}

func (p *Posix) classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case os.IsNotExist(err):
		return Errorf(KindNotFound, op, path, err)
	case os.IsPermission(err):
		return Errorf(KindPermission, op, path, err)
	case os.IsExist(err):
		return Errorf(KindExists, op, path, err)
	}
	if perr, ok := err.(*os.PathError); ok {
		switch perr.Err {
		case syscall.ENOTEMPTY:
			return Errorf(KindNotEmpty, op, path, err)
		case syscall.ESTALE, syscall.EIO, syscall.ECONNRESET, syscall.ETIMEDOUT:
			return Errorf(KindIOTransient, op, path, err)
		}
	}
	return Errorf(KindIOTransient, op, path, err)
}

func (p *Posix) Open(ctx context.Context, path string, flags int) (Handle, error) {
	f, err := os.OpenFile(p.real(path), flags, 0)
	if err != nil {
		return nil, p.classify("open", path, err)
	}
	return &posixHandle{f: f}, nil
}

func (p *Posix) Read(ctx context.Context, h Handle, off int64, n int) ([]byte, error) {
	ph := h.(*posixHandle)
	buf := make([]byte, n)
	read, err := ph.f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, p.classify("read", ph.f.Name(), err)
	}
	return buf[:read], nil
}

func (p *Posix) Write(ctx context.Context, h Handle, off int64, data []byte) (int, error) {
	ph := h.(*posixHandle)
	n, err := ph.f.WriteAt(data, off)
	if err != nil {
		return n, p.classify("write", ph.f.Name(), err)
	}
	return n, nil
}

func (p *Posix) Close(ctx context.Context, h Handle) error {
	ph := h.(*posixHandle)
	return p.classify("close", ph.f.Name(), ph.f.Close())
}

func (p *Posix) Truncate(ctx context.Context, path string, size int64) error {
	return p.classify("truncate", path, os.Truncate(p.real(path), size))
}

// syntheticRevision hashes (size, mtime) into an opaque monotonic-enough
// token for backends, like this reference POSIX mount, that have no
// native revision number.
func syntheticRevision(size int64, mtime time.Time) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%d", size, mtime.UnixNano())
	return strconv.FormatUint(h.Sum64(), 16)
}

func (p *Posix) Lstat(ctx context.Context, path string) (Attr, error) {
	fi, err := os.Lstat(p.real(path))
	if err != nil {
		return Attr{}, p.classify("lstat", path, err)
	}
	a := Attr{
		Mode:     fi.Mode(),
		Size:     fi.Size(),
		Mtime:    fi.ModTime(),
		Atime:    fi.ModTime(),
		Ctime:    fi.ModTime(),
		Revision: syntheticRevision(fi.Size(), fi.ModTime()),
	}
	switch {
	case fi.IsDir():
		a.Type = TypeDir
	case fi.Mode()&os.ModeSymlink != 0:
		a.Type = TypeSymlink
		if target, err := os.Readlink(p.real(path)); err == nil {
			a.Target = target
		}
	case fi.Mode()&os.ModeSocket != 0:
		a.Type = TypeSocket
	case fi.Mode()&os.ModeNamedPipe != 0:
		a.Type = TypeFIFO
	case fi.Mode()&os.ModeDevice != 0:
		a.Type = TypeDevice
	default:
		a.Type = TypeFile
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		a.UID = st.Uid
		a.GID = st.Gid
	}
	return a, nil
}

func (p *Posix) Readdir(ctx context.Context, path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(p.real(path))
	if err != nil {
		return nil, p.classify("readdir", path, err)
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		childPath := filepath.ToSlash(filepath.Join(path, e.Name()))
		attr, err := p.Lstat(ctx, childPath)
		if err != nil {
			continue
		}
		out = append(out, DirEntry{Name: e.Name(), Attr: attr})
	}
	return out, nil
}

func (p *Posix) Mkdir(ctx context.Context, path string, mode os.FileMode) error {
	return p.classify("mkdir", path, os.Mkdir(p.real(path), mode))
}

func (p *Posix) Rmdir(ctx context.Context, path string) error {
	err := os.Remove(p.real(path))
	if os.IsNotExist(err) {
		return nil // remote's ENOENT on unlink/rmdir is treated as success (§4.6)
	}
	return p.classify("rmdir", path, err)
}

func (p *Posix) Unlink(ctx context.Context, path string) error {
	err := os.Remove(p.real(path))
	if os.IsNotExist(err) {
		return nil
	}
	return p.classify("unlink", path, err)
}

func (p *Posix) Symlink(ctx context.Context, target, path string) error {
	return p.classify("symlink", path, os.Symlink(target, p.real(path)))
}

func (p *Posix) Readlink(ctx context.Context, path string) (string, error) {
	t, err := os.Readlink(p.real(path))
	if err != nil {
		return "", p.classify("readlink", path, err)
	}
	return t, nil
}

func (p *Posix) Rename(ctx context.Context, oldPath, newPath string) error {
	return p.classify("rename", oldPath, os.Rename(p.real(oldPath), p.real(newPath)))
}

func (p *Posix) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	return p.classify("chmod", path, os.Chmod(p.real(path), mode))
}

func (p *Posix) Chown(ctx context.Context, path string, uid, gid uint32) error {
	return p.classify("chown", path, os.Chown(p.real(path), int(uid), int(gid)))
}

func (p *Posix) Utime(ctx context.Context, path string, atime, mtime time.Time) error {
	return p.classify("utime", path, os.Chtimes(p.real(path), atime, mtime))
}

func (p *Posix) Getxattr(ctx context.Context, path, name string) ([]byte, error) {
	p.xattrMu.Lock()
	defer p.xattrMu.Unlock()
	vals, ok := p.xattrs[path]
	if !ok {
		return nil, Errorf(KindNotFound, "getxattr", path, nil)
	}
	v, ok := vals[name]
	if !ok {
		return nil, Errorf(KindNotFound, "getxattr", path, nil)
	}
	return v, nil
}

func (p *Posix) Setxattr(ctx context.Context, path, name string, value []byte) error {
	p.xattrMu.Lock()
	defer p.xattrMu.Unlock()
	vals, ok := p.xattrs[path]
	if !ok {
		vals = make(map[string][]byte)
		p.xattrs[path] = vals
	}
	vals[name] = append([]byte(nil), value...)
	return nil
}

func (p *Posix) Listxattr(ctx context.Context, path string) ([]string, error) {
	p.xattrMu.Lock()
	defer p.xattrMu.Unlock()
	vals := p.xattrs[path]
	names := make([]string, 0, len(vals))
	for n := range vals {
		names = append(names, n)
	}
	return names, nil
}

func (p *Posix) Mknod(ctx context.Context, path string, typ FileType, mode os.FileMode, major, minor uint32) error {
	return Errorf(KindUnsupported, "mknod", path, nil)
}
