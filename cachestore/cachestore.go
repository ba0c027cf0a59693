// Package cachestore owns the on-disk cache tree: it mirrors the
// mount's directory hierarchy under cache.base_dir and performs the
// local open/read/write/chmod/chown/rename/unlink/readdir operations
// the cache manager's plans call for.
//
// WithFileLock offers a per-file advisory lock built on
// github.com/alexflint/go-filemutex, the same advisory file-lock library
// muxfys's filesystem.go imports for its own cache-file handling. The
// cache manager and sync worker do not take it; they serialize access to
// a path through the pathlock table only.
package cachestore

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alexflint/go-filemutex"

	"github.com/sb10/tsumufs/remote"
)

// Store mirrors a directory tree on local disk to serve as the cache.
type Store struct {
	base string

	fileMutexesMu sync.Mutex
	fileMutexes   map[string]*filemutex.FileMutex
}

// Open returns a Store rooted at base, creating base if necessary.
func Open(base string) (*Store, error) {
	if err := os.MkdirAll(base, 0700); err != nil {
		return nil, remote.Errorf(remote.KindIOFatal, "mkdir", base, err)
	}
	return &Store{base: base, fileMutexes: make(map[string]*filemutex.FileMutex)}, nil
}

func (s *Store) real(path string) string {
	return filepath.Join(s.base, filepath.FromSlash(path))
}

// lockFor returns the process-local advisory lock guarding concurrent
// writers to path's cache file.
func (s *Store) lockFor(path string) (*filemutex.FileMutex, error) {
	s.fileMutexesMu.Lock()
	defer s.fileMutexesMu.Unlock()
	if fm, ok := s.fileMutexes[path]; ok {
		return fm, nil
	}
	lockPath := s.real(path) + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		return nil, remote.Errorf(remote.KindIOFatal, "mkdir", path, err)
	}
	fm, err := filemutex.New(lockPath)
	if err != nil {
		return nil, remote.Errorf(remote.KindIOFatal, "lock", path, err)
	}
	s.fileMutexes[path] = fm
	return fm, nil
}

// WithFileLock runs fn while holding the cross-process lock for path.
// Nothing in this module calls it.
func (s *Store) WithFileLock(path string, fn func() error) error {
	fm, err := s.lockFor(path)
	if err != nil {
		return err
	}
	if err := fm.Lock(); err != nil {
		return remote.Errorf(remote.KindIOFatal, "lock", path, err)
	}
	defer fm.Unlock()
	return fn()
}

func classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return remote.Errorf(remote.KindNotFound, op, path, err)
	}
	if os.IsPermission(err) {
		return remote.Errorf(remote.KindPermission, op, path, err)
	}
	if os.IsExist(err) {
		return remote.Errorf(remote.KindExists, op, path, err)
	}
	return remote.Errorf(remote.KindIOFatal, op, path, err)
}

// Exists reports whether path has a cached copy.
func (s *Store) Exists(path string) bool {
	_, err := os.Lstat(s.real(path))
	return err == nil
}

// Create makes an empty cache file (and its parent directories) with the
// given mode. It fails if the cache file already exists.
func (s *Store) Create(path string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(s.real(path)), 0700); err != nil {
		return classify("mkdir", path, err)
	}
	f, err := os.OpenFile(s.real(path), os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return classify("create", path, err)
	}
	return f.Close()
}

// Open opens (or creates, per flags) the cache file for path.
func (s *Store) Open(path string, flags int, mode os.FileMode) (*os.File, error) {
	if flags&os.O_CREATE != 0 {
		if err := os.MkdirAll(filepath.Dir(s.real(path)), 0700); err != nil {
			return nil, classify("mkdir", path, err)
		}
	}
	f, err := os.OpenFile(s.real(path), flags, mode)
	if err != nil {
		return nil, classify("open", path, err)
	}
	return f, nil
}

// ReadAt/WriteAt operate directly against an already-open cache file.
func ReadAt(f *os.File, off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, classify("read", f.Name(), err)
	}
	return buf[:read], nil
}

func WriteAt(f *os.File, off int64, data []byte) (int, error) {
	n, err := f.WriteAt(data, off)
	if err != nil {
		return n, classify("write", f.Name(), err)
	}
	return n, nil
}

// ReadAll reads the whole cached file.
func (s *Store) ReadAll(path string) ([]byte, error) {
	data, err := os.ReadFile(s.real(path))
	if err != nil {
		return nil, classify("read", path, err)
	}
	return data, nil
}

// WriteAll overwrites the whole cached file's content (used to populate
// the cache-file opcode from remote content).
func (s *Store) WriteAll(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(s.real(path)), 0700); err != nil {
		return classify("mkdir", path, err)
	}
	if err := os.WriteFile(s.real(path), data, mode); err != nil {
		return classify("write", path, err)
	}
	return nil
}

func (s *Store) Truncate(path string, size int64) error {
	return classify("truncate", path, os.Truncate(s.real(path), size))
}

func (s *Store) Chmod(path string, mode os.FileMode) error {
	return classify("chmod", path, os.Chmod(s.real(path), mode))
}

func (s *Store) Chown(path string, uid, gid int) error {
	return classify("chown", path, os.Chown(s.real(path), uid, gid))
}

func (s *Store) Utime(path string, atime, mtime time.Time) error {
	return classify("utime", path, os.Chtimes(s.real(path), atime, mtime))
}

func (s *Store) Mkdir(path string, mode os.FileMode) error {
	return classify("mkdir", path, os.MkdirAll(s.real(path), mode))
}

func (s *Store) Rmdir(path string) error {
	return classify("rmdir", path, os.Remove(s.real(path)))
}

func (s *Store) Unlink(path string) error {
	s.fileMutexesMu.Lock()
	delete(s.fileMutexes, path)
	s.fileMutexesMu.Unlock()
	err := os.Remove(s.real(path))
	if os.IsNotExist(err) {
		return nil
	}
	return classify("unlink", path, err)
}

func (s *Store) Symlink(target, path string) error {
	if err := os.MkdirAll(filepath.Dir(s.real(path)), 0700); err != nil {
		return classify("mkdir", path, err)
	}
	return classify("symlink", path, os.Symlink(target, s.real(path)))
}

func (s *Store) Readlink(path string) (string, error) {
	t, err := os.Readlink(s.real(path))
	if err != nil {
		return "", classify("readlink", path, err)
	}
	return t, nil
}

func (s *Store) Rename(oldPath, newPath string) error {
	if err := os.MkdirAll(filepath.Dir(s.real(newPath)), 0700); err != nil {
		return classify("mkdir", newPath, err)
	}
	if err := os.Rename(s.real(oldPath), s.real(newPath)); err != nil {
		return classify("rename", oldPath, err)
	}
	s.fileMutexesMu.Lock()
	if fm, ok := s.fileMutexes[oldPath]; ok {
		s.fileMutexes[newPath] = fm
		delete(s.fileMutexes, oldPath)
	}
	s.fileMutexesMu.Unlock()
	return nil
}

func (s *Store) Lstat(path string) (os.FileInfo, error) {
	fi, err := os.Lstat(s.real(path))
	if err != nil {
		return nil, classify("lstat", path, err)
	}
	return fi, nil
}

func (s *Store) Readdir(path string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(s.real(path))
	if err != nil {
		return nil, classify("readdir", path, err)
	}
	return entries, nil
}

// RemoveAll wipes the whole cache tree, including its base directory.
func (s *Store) RemoveAll() error {
	return os.RemoveAll(s.base)
}
