// Package syncworker implements the sync worker: a single long-running
// reconciler that drains the sync log against the remote,
// probing each "change" entry for conflicts by re-reading the same
// regions from the remote before trusting the cached write, and
// quarantining the loser when a conflict is found.
//
// Grounded on syncthread.py's SyncThread.run state machine and its
// per-kind _syncX handlers (_syncNew/_syncUnlink/_syncChange/_syncRename),
// generalized from tsumufs's fixed local<->NFS shape to the abstract
// remote.Backend/cachestore.Store pair used throughout this module.
package syncworker

import (
	"bytes"
	"context"
	"os"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/jpillora/backoff"

	"github.com/sb10/tsumufs/cachestore"
	"github.com/sb10/tsumufs/metastore"
	"github.com/sb10/tsumufs/pathlock"
	"github.com/sb10/tsumufs/remote"
	"github.com/sb10/tsumufs/synclog"
)

// Worker drains Log against Remote, one entry at a time, in strict seq
// order.
type Worker struct {
	Log       *synclog.Log
	Remote    remote.Backend
	Cache     *cachestore.Store
	Meta      *metastore.Store
	Locks     *pathlock.Table
	Avail     Availability
	Conflicts ConflictQuarantiner

	ConflictDir string // default "/.conflicts"

	Log15 log15.Logger

	mu            sync.Mutex
	state         State
	stateBeforePause State
	pauseRequested bool

	backoff *backoff.Backoff

	conflictDirEnsured bool
}

// New builds a Worker in the DISCONNECTED state.
func New(w Worker) *Worker {
	if w.Log15 == nil {
		w.Log15 = log15.New()
	}
	w.Log15 = w.Log15.New("component", "syncworker")
	w.backoff = &backoff.Backoff{Min: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 3, Jitter: true}
	w.state = StateDisconnected
	return &w
}

func (w *Worker) conflictDir() string {
	if w.ConflictDir != "" {
		return w.ConflictDir
	}
	return "/.conflicts"
}

// State reports the worker's current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Pause transitions the worker to PAUSED from whatever it's doing,
// remembering the prior state so Resume can restore it: any state goes
// to PAUSED when the user pauses, and PAUSED returns to the previous
// state on resume.
func (w *Worker) Pause() {
	w.mu.Lock()
	if w.state != StatePaused {
		w.stateBeforePause = w.state
		w.state = StatePaused
	}
	w.pauseRequested = true
	w.mu.Unlock()
}

func (w *Worker) Resume() {
	w.mu.Lock()
	w.pauseRequested = false
	if w.state == StatePaused {
		w.state = w.stateBeforePause
	}
	w.mu.Unlock()
}

func (w *Worker) paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pauseRequested
}

// Run drives the state machine until ctx is cancelled, at which point it
// transitions to STOPPING and returns once the in-flight entry (if any)
// reaches a finish() boundary.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			w.setState(StateStopping)
			return
		}
		if w.paused() {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if !w.Avail.Up() {
			w.setState(StateDisconnected)
			time.Sleep(w.backoff.Duration())
			continue
		}
		w.backoff.Reset()

		if w.State() == StateDisconnected {
			w.setState(StateMounting)
			if err := w.Remote.Mount(ctx); err != nil {
				w.Log15.Debug("mount failed, staying disconnected", "err", err)
				w.setState(StateDisconnected)
				continue
			}
		}
		w.setState(StateIdleConnected)

		if w.Log.Len() == 0 {
			if !w.Log.WaitNonEmpty(ctx) {
				continue
			}
		}

		w.setState(StateDraining)
		w.drainOne(ctx)
	}
}

// drainOne propagates exactly the oldest live entry, per I2.
func (w *Worker) drainOne(ctx context.Context) {
	e, fc, ok := w.Log.Oldest()
	if !ok {
		return
	}

	paths := w.entryPaths(e)
	tok := w.Locks.NewToken()
	locked := w.Locks.AcquireAll(tok, paths...)
	defer w.Locks.ReleaseAll(tok, locked)

	err := w.propagate(ctx, e, fc)
	switch {
	case err == nil:
		_ = w.Log.Finish(e.Seq, true)
		if rec, gerr := w.Meta.Get(targetPath(e)); gerr == nil {
			if attr, serr := w.Remote.Lstat(ctx, targetPath(e)); serr == nil {
				_ = w.Meta.PutCachedRev(rec.ID, attr.Revision, attr.Mtime)
			}
		}
	case remote.IsTransient(err):
		w.Log15.Warn("remote went away mid-propagation, keeping entry for retry", "seq", e.Seq, "err", err)
		_ = w.Log.Finish(e.Seq, false)
		w.setState(StateDisconnected)
		_ = w.Remote.Unmount(ctx)
	case remote.KindOf(err) == remote.KindConflict:
		// The quarantiner drains (and so removes) every log entry naming
		// this path itself, including e; nothing left to Finish.
		w.quarantine(ctx, targetPath(e))
	default:
		w.Log15.Error("propagation failed, dropping entry", "seq", e.Seq, "err", err)
		_ = w.Log.Finish(e.Seq, true)
	}
}

func targetPath(e *synclog.Entry) string {
	if e.Kind == synclog.KindRename {
		return e.NewPath
	}
	return e.Path
}

func (w *Worker) entryPaths(e *synclog.Entry) []string {
	if e.Kind == synclog.KindRename {
		return []string{e.OldPath, e.NewPath}
	}
	return []string{e.Path}
}

func (w *Worker) propagate(ctx context.Context, e *synclog.Entry, fc *synclog.FileChange) error {
	switch e.Kind {
	case synclog.KindNew:
		return w.propagateNew(ctx, e)
	case synclog.KindUnlink:
		return w.propagateUnlink(ctx, e)
	case synclog.KindChange:
		return w.propagateChange(ctx, e, fc)
	case synclog.KindRename:
		return w.Remote.Rename(ctx, e.OldPath, e.NewPath)
	default:
		return nil
	}
}

func (w *Worker) propagateNew(ctx context.Context, e *synclog.Entry) error {
	rec, err := w.Meta.Get(e.Path)
	if err != nil {
		// Entries queued without a metadata record (the conflict
		// directory and conflict files) take their mode from the cache.
		fi, lerr := w.Cache.Lstat(e.Path)
		if lerr != nil {
			return err
		}
		rec = metastore.FileRecord{Path: e.Path, Mode: uint32(fi.Mode().Perm())}
	}

	switch e.FileType {
	case remote.TypeSymlink:
		target, err := w.Cache.Readlink(e.Path)
		if err != nil {
			return err
		}
		if err := w.Remote.Symlink(ctx, target, e.Path); err != nil && remote.KindOf(err) != remote.KindExists {
			return err
		}
	case remote.TypeDir:
		if err := w.Remote.Mkdir(ctx, e.Path, os.FileMode(rec.Mode)); err != nil && remote.KindOf(err) != remote.KindExists {
			return err
		}
		if err := w.Remote.Chown(ctx, e.Path, rec.UID, rec.GID); err != nil {
			w.Log15.Debug("best-effort chown failed", "path", e.Path, "err", err)
		}
	case remote.TypeSocket, remote.TypeFIFO, remote.TypeDevice:
		if err := w.Remote.Mknod(ctx, e.Path, e.FileType, os.FileMode(rec.Mode), e.DevMajor, e.DevMinor); err != nil && remote.KindOf(err) != remote.KindExists {
			return err
		}
	default:
		if err := w.copyContentToRemote(ctx, e.Path); err != nil {
			return err
		}
		if err := w.Remote.Chmod(ctx, e.Path, os.FileMode(rec.Mode)); err != nil {
			return err
		}
		if err := w.Remote.Chown(ctx, e.Path, rec.UID, rec.GID); err != nil {
			w.Log15.Debug("best-effort chown failed", "path", e.Path, "err", err)
		}
	}
	return nil
}

func (w *Worker) copyContentToRemote(ctx context.Context, p string) error {
	data, err := w.Cache.ReadAll(p)
	if err != nil {
		return err
	}
	h, err := w.Remote.Open(ctx, p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return err
	}
	defer w.Remote.Close(ctx, h)
	_, err = w.Remote.Write(ctx, h, 0, data)
	return err
}

func (w *Worker) propagateUnlink(ctx context.Context, e *synclog.Entry) error {
	var err error
	if e.FileType == remote.TypeDir {
		err = w.Remote.Rmdir(ctx, e.Path)
	} else {
		err = w.Remote.Unlink(ctx, e.Path)
	}
	if err != nil && remote.KindOf(err) == remote.KindNotFound {
		return nil
	}
	return err
}

func (w *Worker) propagateChange(ctx context.Context, e *synclog.Entry, fc *synclog.FileChange) error {
	if fc == nil {
		return nil
	}

	attr, err := w.Remote.Lstat(ctx, e.Path)
	if err != nil {
		return err
	}

	if conflicted, err := w.regionsConflict(ctx, e.Path, fc, attr); err != nil {
		return err
	} else if conflicted {
		return remote.Errorf(remote.KindConflict, "change", e.Path, nil)
	}

	h, err := w.Remote.Open(ctx, e.Path, os.O_WRONLY)
	if err != nil {
		return err
	}
	defer w.Remote.Close(ctx, h)

	regions := append(fc.Regions[:0:0], fc.Regions...)
	for _, r := range regions {
		if _, err := w.Remote.Write(ctx, h, r.Start, r.Bytes); err != nil {
			return err
		}
	}

	if fc.ModeChanged {
		if err := w.Remote.Chmod(ctx, e.Path, os.FileMode(fc.NewMode)); err != nil {
			return err
		}
	}
	if fc.TimesChanged {
		if err := w.Remote.Utime(ctx, e.Path, fc.NewAtime, fc.NewMtime); err != nil {
			return err
		}
	}
	if fc.UIDChanged || fc.GIDChanged {
		uid, gid := attr.UID, attr.GID
		if fc.UIDChanged {
			uid = fc.NewUID
		}
		if fc.GIDChanged {
			gid = fc.NewGID
		}
		if err := w.Remote.Chown(ctx, e.Path, uid, gid); err != nil {
			w.Log15.Debug("best-effort chown failed", "path", e.Path, "err", err)
		}
	}
	for name, val := range fc.XattrsChanged {
		if err := w.Remote.Setxattr(ctx, e.Path, name, []byte(val)); err != nil {
			w.Log15.Debug("best-effort setxattr failed", "path", e.Path, "name", name, "err", err)
		}
	}

	if cacheFI, err := w.Cache.Lstat(e.Path); err == nil {
		if remoteAttr, err := w.Remote.Lstat(ctx, e.Path); err == nil {
			if cacheFI.Size() < remoteAttr.Size {
				if err := w.Remote.Truncate(ctx, e.Path, cacheFI.Size()); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// regionsConflict implements the conflict probe: the remote's type must
// match, and every pending region's bytes must match what's currently
// on the remote at that offset.
func (w *Worker) regionsConflict(ctx context.Context, p string, fc *synclog.FileChange, attr remote.Attr) (bool, error) {
	localFI, err := w.Cache.Lstat(p)
	if err != nil {
		return false, err
	}
	if localFI.Mode().Type() != attr.Mode.Type() {
		return true, nil
	}

	h, err := w.Remote.Open(ctx, p, os.O_RDONLY)
	if err != nil {
		return false, err
	}
	defer w.Remote.Close(ctx, h)

	for _, r := range fc.Regions {
		got, err := w.Remote.Read(ctx, h, r.Start, len(r.Bytes))
		if err != nil {
			return false, err
		}
		if !bytes.Equal(got, r.Bytes) {
			return true, nil
		}
	}
	return false, nil
}

// quarantine hands the conflicted path to the wired ConflictQuarantiner.
// With none wired, it falls back to the same draining the conflict
// package would otherwise do minus the changeset file: pending entries
// for the path are dropped and the cache copy is evicted, so the
// drain loop doesn't spin on the same entry forever and the next read
// still refetches the remote's winning content.
func (w *Worker) quarantine(ctx context.Context, p string) {
	w.ensureConflictDir(ctx)
	if w.Conflicts == nil {
		w.Log15.Warn("conflict detected but no quarantiner wired, dropping pending changes", "path", p)
		w.Log.DrainPath(p)
		_ = w.Cache.Unlink(p)
		return
	}
	if err := w.Conflicts.Quarantine(p); err != nil {
		w.Log15.Error("quarantine failed", "path", p, "err", err)
	}
}

func (w *Worker) ensureConflictDir(ctx context.Context) {
	w.mu.Lock()
	already := w.conflictDirEnsured
	w.mu.Unlock()
	if already {
		return
	}
	if _, err := w.Remote.Lstat(ctx, w.conflictDir()); remote.KindOf(err) == remote.KindNotFound {
		_ = w.Log.AppendNew(w.conflictDir(), remote.TypeDir, 0, 0)
	}
	w.mu.Lock()
	w.conflictDirEnsured = true
	w.mu.Unlock()
}
