package cachemgr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/sb10/tsumufs/cachepolicy"
	"github.com/sb10/tsumufs/cachestore"
	"github.com/sb10/tsumufs/metastore"
	"github.com/sb10/tsumufs/pathlock"
	"github.com/sb10/tsumufs/region"
	"github.com/sb10/tsumufs/remote"
	"github.com/sb10/tsumufs/synclog"
)

// remoteReadChunk bounds a single remote.Read call while pulling a whole
// file into the cache (cache-file opcode).
const remoteReadChunk = 256 * 1024

// Manager is the cache manager.
type Manager struct {
	Locks     *pathlock.Table
	Meta      *metastore.Store
	Cache     *cachestore.Store
	Remote    remote.Backend
	Log       *synclog.Log
	Policy    *cachepolicy.Policy
	Avail     Availability
	Conflicts ConflictQuarantiner

	DefaultCacheMode os.FileMode
	Log15            log15.Logger
}

func (m *Manager) logger() log15.Logger {
	if m.Log15 != nil {
		return m.Log15
	}
	return log15.New()
}

// inputs gathers the planner's predicates for path.
func (m *Manager) inputs(ctx context.Context, path string, forStat, create bool) Inputs {
	in := Inputs{
		Cached:      m.Cache.Exists(path),
		ShouldCache: m.Policy.ShouldCache(path),
		RemoteUp:    m.Avail.Up(),
		CachedDirty: m.Log.IsDirty(path),
		Unlinked:    m.Log.IsUnlinked(path),
		ForStat:     forStat,
		Create:      create,
	}
	if in.Cached && in.ShouldCache && in.RemoteUp {
		changed, err := m.remoteChanged(ctx, path)
		if err != nil {
			// The remote stat itself failed: degrade to "down" for this
			// decision. The availability controller's own heartbeat is
			// what actually flips the shared flag; this only affects the
			// single plan being computed right now.
			in.RemoteUp = false
		} else {
			in.RemoteChanged = changed
		}
	}
	return in
}

// remoteChanged implements RemoteChanged(p): cached_revision < remote_revision
// AND cached_mtime != remote_mtime. Revision tokens are opaque strings;
// backends that hand out zero-padded monotonic counters order correctly
// under "<", which is the comparison being made.
func (m *Manager) remoteChanged(ctx context.Context, path string) (bool, error) {
	rec, err := m.Meta.Get(path)
	if err != nil {
		return true, nil
	}
	attr, err := m.Remote.Lstat(ctx, path)
	if err != nil {
		return false, err
	}
	cr, err := m.Meta.GetCachedRev(rec.ID)
	if err != nil {
		return true, nil
	}
	return cr.Rev < attr.Revision && !cr.Mtime.Equal(attr.Mtime), nil
}

// execute runs the side-effecting opcodes of plan (cache-file,
// remove-cache, merge-conflict) against path, returning the terminal
// read/write source the caller should use.
func (m *Manager) execute(ctx context.Context, plan Plan, path string) (source, error) {
	for _, op := range plan {
		switch op {
		case OpENOENT:
			return 0, remote.Errorf(remote.KindNotFound, "plan", path, nil)
		case OpUseRemote:
			return sourceRemote, nil
		case OpUseCache:
			return sourceCache, nil
		case OpCacheFile:
			if err := m.cacheFileFromRemote(ctx, path); err != nil {
				return 0, err
			}
		case OpRemoveCache:
			if err := m.removeCacheEntry(path); err != nil {
				return 0, err
			}
		case OpMergeConflict:
			if err := m.quarantine(path); err != nil {
				return 0, err
			}
		}
	}
	// A plan always ends in a terminal opcode per the decision table; this
	// is only reached if Compute returned an empty plan, which never
	// happens for the well-formed Inputs this package produces.
	return 0, fmt.Errorf("cachemgr: plan for %s had no terminal opcode", path)
}

// cacheFileFromRemote pulls path's current remote content (or, for
// directories and symlinks, its node) into the local cache tree and
// records its revision (the cache-file opcode).
func (m *Manager) cacheFileFromRemote(ctx context.Context, path string) error {
	attr, err := m.Remote.Lstat(ctx, path)
	if err != nil {
		return err
	}

	switch attr.Type {
	case remote.TypeDir:
		if err := m.Cache.Mkdir(path, attr.Mode); err != nil {
			return err
		}
	case remote.TypeSymlink:
		if err := m.Cache.Symlink(attr.Target, path); err != nil && remote.KindOf(err) != remote.KindExists {
			return err
		}
	case remote.TypeFile:
		if err := m.copyFileContent(ctx, path, attr); err != nil {
			return err
		}
	default:
		// Sockets, fifos, and devices have no representable on-disk cache
		// content; only their metadata is tracked (see metastore's doc
		// comment). Cached(p) will keep reporting false for these, so
		// every access re-resolves against the remote, which is
		// acceptable for node types this system never reads/writes bytes
		// through anyway.
	}

	rec, err := m.Meta.Get(path)
	if err != nil {
		rec = metastore.FileRecord{Path: path}
	}
	rec.Path = path
	rec.Mode = uint32(attr.Mode)
	rec.UID = attr.UID
	rec.GID = attr.GID
	rec.Size = attr.Size
	rec.Mtime = attr.Mtime
	rec.Atime = attr.Atime
	rec.Ctime = attr.Ctime
	rec.RemoteRevision = attr.Revision
	if err := m.Meta.Put(&rec); err != nil {
		return err
	}
	return m.Meta.PutCachedRev(rec.ID, attr.Revision, attr.Mtime)
}

func (m *Manager) copyFileContent(ctx context.Context, path string, attr remote.Attr) error {
	h, err := m.Remote.Open(ctx, path, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer m.Remote.Close(ctx, h)

	mode := attr.Mode
	if mode == 0 {
		mode = m.cacheMode()
	}
	if err := m.Cache.WriteAll(path, nil, mode); err != nil {
		return err
	}
	f, err := m.Cache.Open(path, os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer f.Close()

	var off int64
	for {
		data, err := m.Remote.Read(ctx, h, off, remoteReadChunk)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			break
		}
		if _, err := cachestore.WriteAt(f, off, data); err != nil {
			return err
		}
		off += int64(len(data))
		if len(data) < remoteReadChunk {
			break
		}
	}
	return nil
}

func (m *Manager) cacheMode() os.FileMode {
	if m.DefaultCacheMode != 0 {
		return m.DefaultCacheMode
	}
	return 0600
}

// removeCacheEntry evicts path's cached content and cached-revision
// record (the remove-cache opcode). Directories are removed
// recursively; metadata (the FileRecord) is kept, since the remote is
// still authoritative for this path.
func (m *Manager) removeCacheEntry(path string) error {
	fi, err := m.Cache.Lstat(path)
	if err != nil {
		if remote.KindOf(err) == remote.KindNotFound {
			return m.forgetCachedRev(path)
		}
		return err
	}
	if fi.IsDir() {
		entries, err := m.Cache.Readdir(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := m.removeCacheEntry(filepath.ToSlash(filepath.Join(path, e.Name()))); err != nil {
				return err
			}
		}
		if err := m.Cache.Rmdir(path); err != nil {
			return err
		}
	} else if err := m.Cache.Unlink(path); err != nil {
		return err
	}
	return m.forgetCachedRev(path)
}

func (m *Manager) forgetCachedRev(path string) error {
	rec, err := m.Meta.Get(path)
	if err != nil {
		return nil
	}
	return m.Meta.DeleteCachedRev(rec.ID)
}

// quarantine hands path to the conflict quarantiner, or (if none is
// wired) falls back to discarding its pending changes so the remote's
// version serves cleanly, per the rule that the remote always wins.
func (m *Manager) quarantine(path string) error {
	if m.Conflicts != nil {
		return m.Conflicts.Quarantine(path)
	}
	m.Log.DrainPath(path)
	return m.removeCacheEntry(path)
}

// Access implements the access(2) bridge entry point.
func (m *Manager) Access(caller CallerContext, path string, mode AccessMode, supplementaryGIDs []uint32) error {
	rec, err := m.Meta.Get(path)
	if err != nil {
		return remote.Errorf(remote.KindNotFound, "access", path, err)
	}
	if !Accessible(os.FileMode(rec.Mode), rec.UID, rec.GID, caller, supplementaryGIDs, mode) {
		return remote.Errorf(remote.KindPermission, "access", path, nil)
	}
	return nil
}

// Getattr resolves path's attributes, refreshing from the remote only
// when the plan calls for it (ForStat keeps a plain stat from triggering
// a full cache-file pull).
func (m *Manager) Getattr(ctx context.Context, caller CallerContext, path string) (metastore.FileRecord, error) {
	tok := m.Locks.NewToken()
	m.Locks.Acquire(tok, path)
	defer m.Locks.Release(tok, path)

	in := m.inputs(ctx, path, true, false)
	plan := Compute(in)
	src, err := m.execute(ctx, plan, path)
	if err != nil {
		return metastore.FileRecord{}, err
	}

	if src == sourceCache {
		return m.Meta.Get(path)
	}

	attr, err := m.Remote.Lstat(ctx, path)
	if err != nil {
		return metastore.FileRecord{}, err
	}
	return metastore.FileRecord{
		Path:           path,
		Mode:           uint32(attr.Mode),
		UID:            attr.UID,
		GID:            attr.GID,
		Size:           attr.Size,
		Mtime:          attr.Mtime,
		Atime:          attr.Atime,
		Ctime:          attr.Ctime,
		RemoteRevision: attr.Revision,
	}, nil
}

// Open implements the open(2) bridge entry point.
func (m *Manager) Open(ctx context.Context, caller CallerContext, path string, flags int) (*Handle, error) {
	tok := m.Locks.NewToken()
	m.Locks.Acquire(tok, path)
	defer m.Locks.Release(tok, path)

	create := flags&os.O_CREATE != 0
	in := m.inputs(ctx, path, false, create)
	plan := Compute(in)
	src, err := m.execute(ctx, plan, path)
	if err != nil {
		return nil, err
	}

	switch src {
	case sourceCache:
		mode := m.cacheMode()
		f, err := m.Cache.Open(path, flags, mode)
		if err != nil {
			return nil, err
		}
		if create && !in.Cached {
			if err := m.recordNewFile(path, mode, caller); err != nil {
				f.Close()
				return nil, err
			}
		}
		return &Handle{Path: path, src: sourceCache, cacheF: f, creating: create && !in.Cached}, nil
	default:
		h, err := m.Remote.Open(ctx, path, flags)
		if err != nil {
			return nil, err
		}
		return &Handle{Path: path, src: sourceRemote, remoteH: h}, nil
	}
}

func (m *Manager) recordNewFile(path string, mode os.FileMode, caller CallerContext) error {
	rec := metastore.FileRecord{
		Path:  path,
		Mode:  uint32(mode),
		UID:   caller.UID,
		GID:   caller.GID,
		Mtime: time.Now(),
		Atime: time.Now(),
		Ctime: time.Now(),
	}
	if err := m.Meta.Put(&rec); err != nil {
		return err
	}
	return m.Log.AppendNew(path, remote.TypeFile, 0, 0)
}

// Read implements the read(2) bridge entry point. Reads that land past
// EOF return whatever short data exists, unchanged.
func (m *Manager) Read(ctx context.Context, h *Handle, off int64, n int) ([]byte, error) {
	if h.src == sourceCache {
		return cachestore.ReadAt(h.cacheF, off, n)
	}
	return m.Remote.Read(ctx, h.remoteH, off, n)
}

// Write implements the write(2) bridge entry point. Writes land in the
// cache and are fused into the sync log's pending region set for cached
// paths; never-cache paths write straight through to the remote.
func (m *Manager) Write(ctx context.Context, h *Handle, off int64, data []byte) (int, error) {
	tok := m.Locks.NewToken()
	m.Locks.Acquire(tok, h.Path)
	defer m.Locks.Release(tok, h.Path)

	if h.src == sourceRemote {
		n, err := m.Remote.Write(ctx, h.remoteH, off, data)
		if err != nil {
			return n, err
		}
		m.refreshAttrFromRemote(ctx, h.Path)
		return n, nil
	}

	n, err := cachestore.WriteAt(h.cacheF, off, data)
	if err != nil {
		return n, err
	}

	r, err := region.New(off, off+int64(n), append([]byte(nil), data[:n]...))
	if err != nil {
		return n, err
	}
	if err := m.Log.AppendChange(h.Path, r); err != nil {
		return n, err
	}
	m.bumpSize(h.Path, off+int64(n))
	return n, nil
}

func (m *Manager) bumpSize(path string, atLeast int64) {
	rec, err := m.Meta.Get(path)
	if err != nil {
		return
	}
	now := time.Now()
	rec.Mtime = now
	rec.Ctime = now
	if atLeast > rec.Size {
		rec.Size = atLeast
	}
	m.Meta.Put(&rec)
}

func (m *Manager) refreshAttrFromRemote(ctx context.Context, path string) {
	attr, err := m.Remote.Lstat(ctx, path)
	if err != nil {
		return
	}
	rec, err := m.Meta.Get(path)
	if err != nil {
		rec = metastore.FileRecord{Path: path}
	}
	rec.Size = attr.Size
	rec.Mtime = attr.Mtime
	rec.RemoteRevision = attr.Revision
	m.Meta.Put(&rec)
}

// Release implements the release(2)/close bridge entry point.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h.src == sourceCache {
		return h.cacheF.Close()
	}
	return m.Remote.Close(ctx, h.remoteH)
}

// Truncate implements truncate(2). Truncation against a dirty file
// rewrites its outstanding regions so none extends past size; it never
// rewrites remote pass-through content's log since never-cache paths
// have no pending regions.
func (m *Manager) Truncate(ctx context.Context, caller CallerContext, path string, size int64) error {
	tok := m.Locks.NewToken()
	m.Locks.Acquire(tok, path)
	defer m.Locks.Release(tok, path)

	in := m.inputs(ctx, path, false, false)
	plan := Compute(in)
	src, err := m.execute(ctx, plan, path)
	if err != nil {
		return err
	}

	if src == sourceRemote {
		if err := m.Remote.Truncate(ctx, path, size); err != nil {
			return err
		}
		m.refreshAttrFromRemote(ctx, path)
		return nil
	}

	if err := m.Cache.Truncate(path, size); err != nil {
		return err
	}
	if err := m.Log.TruncateChanges(path, size); err != nil {
		return err
	}
	rec, err := m.Meta.Get(path)
	if err == nil {
		rec.Size = size
		rec.Mtime = time.Now()
		m.Meta.Put(&rec)
	}
	return nil
}

// Unlink implements unlink(2). The sync log's append_unlink takes care
// of compacting away a file created and deleted entirely offline, which
// leaves no trace in the log.
func (m *Manager) Unlink(ctx context.Context, path string) error {
	tok := m.Locks.NewToken()
	m.Locks.Acquire(tok, path)
	defer m.Locks.Release(tok, path)
	return m.unlinkLocked(ctx, path, remote.TypeFile)
}

func (m *Manager) Rmdir(ctx context.Context, path string) error {
	tok := m.Locks.NewToken()
	m.Locks.Acquire(tok, path)
	defer m.Locks.Release(tok, path)
	return m.unlinkLocked(ctx, path, remote.TypeDir)
}

func (m *Manager) unlinkLocked(ctx context.Context, path string, typ remote.FileType) error {
	if m.Cache.Exists(path) {
		var err error
		if typ == remote.TypeDir {
			err = m.Cache.Rmdir(path)
		} else {
			err = m.Cache.Unlink(path)
		}
		if err != nil {
			return err
		}
	}
	m.forgetCachedRev(path)
	if err := m.Meta.Delete(path); err != nil {
		return err
	}
	return m.Log.AppendUnlink(path, typ)
}

// Mkdir implements mkdir(2).
func (m *Manager) Mkdir(ctx context.Context, caller CallerContext, path string, mode os.FileMode) error {
	tok := m.Locks.NewToken()
	m.Locks.Acquire(tok, path)
	defer m.Locks.Release(tok, path)

	if err := m.Cache.Mkdir(path, mode); err != nil {
		return err
	}
	rec := metastore.FileRecord{Path: path, Mode: uint32(mode | os.ModeDir), UID: caller.UID, GID: caller.GID, Mtime: time.Now(), Atime: time.Now(), Ctime: time.Now()}
	if err := m.Meta.Put(&rec); err != nil {
		return err
	}
	return m.Log.AppendNew(path, remote.TypeDir, 0, 0)
}

// Symlink implements symlink(2).
func (m *Manager) Symlink(ctx context.Context, caller CallerContext, target, path string) error {
	tok := m.Locks.NewToken()
	m.Locks.Acquire(tok, path)
	defer m.Locks.Release(tok, path)

	if err := m.Cache.Symlink(target, path); err != nil {
		return err
	}
	rec := metastore.FileRecord{Path: path, Mode: uint32(os.ModeSymlink | 0777), UID: caller.UID, GID: caller.GID, Mtime: time.Now(), Atime: time.Now(), Ctime: time.Now()}
	if err := m.Meta.Put(&rec); err != nil {
		return err
	}
	return m.Log.AppendNew(path, remote.TypeSymlink, 0, 0)
}

// Readlink implements readlink(2).
func (m *Manager) Readlink(ctx context.Context, caller CallerContext, path string) (string, error) {
	in := m.inputs(ctx, path, true, false)
	if in.Cached {
		return m.Cache.Readlink(path)
	}
	return m.Remote.Readlink(ctx, path)
}

// Rename implements rename(2), acquiring both paths' locks in
// lexicographic order to avoid deadlocking against a concurrent reverse
// rename.
func (m *Manager) Rename(ctx context.Context, oldPath, newPath string, isDir bool) error {
	tok := m.Locks.NewToken()
	acquired := m.Locks.AcquireAll(tok, oldPath, newPath)
	defer m.Locks.ReleaseAll(tok, acquired)

	if m.Cache.Exists(oldPath) {
		if err := m.Cache.Rename(oldPath, newPath); err != nil {
			return err
		}
	}
	if rec, err := m.Meta.Get(oldPath); err == nil {
		rec.Path = newPath
		if err := m.Meta.Put(&rec); err != nil {
			return err
		}
		m.Meta.Delete(oldPath)
	}
	return m.Log.AppendRename(oldPath, newPath, isDir)
}

// chmodChownUtime share the same shape: mutate the cache (or remote for
// never-cache paths), the metadata record, and the sync log.

func (m *Manager) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	tok := m.Locks.NewToken()
	m.Locks.Acquire(tok, path)
	defer m.Locks.Release(tok, path)

	in := m.inputs(ctx, path, false, false)
	if in.ShouldCache || in.Cached {
		if err := m.Cache.Chmod(path, mode); err != nil {
			return err
		}
		rec, err := m.Meta.Get(path)
		if err == nil {
			rec.Mode = uint32(mode)
			m.Meta.Put(&rec)
		}
		m32 := uint32(mode)
		return m.Log.AppendMetadataChange(path, synclog.MetaChange{Mode: &m32})
	}
	if err := m.Remote.Chmod(ctx, path, mode); err != nil {
		return err
	}
	m.refreshAttrFromRemote(ctx, path)
	return nil
}

func (m *Manager) Chown(ctx context.Context, path string, uid, gid int) error {
	tok := m.Locks.NewToken()
	m.Locks.Acquire(tok, path)
	defer m.Locks.Release(tok, path)

	in := m.inputs(ctx, path, false, false)
	if in.ShouldCache || in.Cached {
		if err := m.Cache.Chown(path, uid, gid); err != nil {
			return err
		}
		rec, err := m.Meta.Get(path)
		if err == nil {
			rec.UID = uint32(uid)
			rec.GID = uint32(gid)
			m.Meta.Put(&rec)
		}
		u, g := uint32(uid), uint32(gid)
		return m.Log.AppendMetadataChange(path, synclog.MetaChange{UID: &u, GID: &g})
	}
	if err := m.Remote.Chown(ctx, path, uint32(uid), uint32(gid)); err != nil {
		return err
	}
	m.refreshAttrFromRemote(ctx, path)
	return nil
}

func (m *Manager) Utime(ctx context.Context, path string, atime, mtime time.Time) error {
	tok := m.Locks.NewToken()
	m.Locks.Acquire(tok, path)
	defer m.Locks.Release(tok, path)

	in := m.inputs(ctx, path, false, false)
	if in.ShouldCache || in.Cached {
		if err := m.Cache.Utime(path, atime, mtime); err != nil {
			return err
		}
		rec, err := m.Meta.Get(path)
		if err == nil {
			rec.Atime = atime
			rec.Mtime = mtime
			m.Meta.Put(&rec)
		}
		return m.Log.AppendMetadataChange(path, synclog.MetaChange{Atime: &atime, Mtime: &mtime})
	}
	if err := m.Remote.Utime(ctx, path, atime, mtime); err != nil {
		return err
	}
	m.refreshAttrFromRemote(ctx, path)
	return nil
}

// Mknod implements mknod(2). Special files are root-only (SPEC_FULL.md
// open-question decision) and are never propagated to backends that
// can't represent them (remote.KindUnsupported).
func (m *Manager) Mknod(ctx context.Context, caller CallerContext, path string, typ remote.FileType, mode os.FileMode, major, minor uint32) error {
	if caller.UID != 0 {
		return remote.Errorf(remote.KindPermission, "mknod", path, nil)
	}
	tok := m.Locks.NewToken()
	m.Locks.Acquire(tok, path)
	defer m.Locks.Release(tok, path)

	rec := metastore.FileRecord{Path: path, Mode: uint32(mode), UID: caller.UID, GID: caller.GID, Mtime: time.Now(), Atime: time.Now(), Ctime: time.Now()}
	if err := m.Meta.Put(&rec); err != nil {
		return err
	}
	return m.Log.AppendNew(path, typ, major, minor)
}

// Readdir implements readdir(2): the union of the cached listing and the
// remote listing when the remote is up; entries unique to the remote
// that aren't cached and are known-not-cached are filtered out when the
// remote is down.
func (m *Manager) Readdir(ctx context.Context, path string) ([]string, error) {
	names := make(map[string]bool)

	if m.Cache.Exists(path) {
		entries, err := m.Cache.Readdir(path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			names[e.Name()] = true
		}
	}

	if m.Avail.Up() {
		entries, err := m.Remote.Readdir(ctx, path)
		if err == nil {
			for _, e := range entries {
				names[e.Name] = true
			}
		}
	}

	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	return out, nil
}
