package synclog

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/sb10/tsumufs/metastore"
	"github.com/sb10/tsumufs/region"
	"github.com/sb10/tsumufs/remote"
)

// ConsumerName is the sole consumer of this log: the sync worker. The
// checkpoint table is keyed by consumer name (see SPEC_FULL.md §3) so
// additional independent consumers could be added without a format
// change, though only this one is driven by the current sync worker.
const ConsumerName = "sync-worker"

// Log is the sync log.
type Log struct {
	mu   sync.Mutex
	cond *sync.Cond

	entries     []*Entry
	fileChanges map[uint64]*FileChange
	nextSeq     uint64
	paused      bool

	meta        *metastore.Store
	persistPath string
	log         log15.Logger
}

// Open loads (or creates) a sync log persisted at path, advancing its
// internal sequence counter past anything recorded in meta's checkpoint so
// new entries never collide with ones a past run already assigned (crash
// recovery, P5).
func Open(path string, meta *metastore.Store, logger log15.Logger) (*Log, error) {
	if logger == nil {
		logger = log15.New()
	}
	l := &Log{
		fileChanges: make(map[uint64]*FileChange),
		meta:        meta,
		persistPath: path,
		log:         logger.New("component", "synclog"),
	}
	l.cond = sync.NewCond(&l.mu)
	if err := l.load(); err != nil {
		return nil, err
	}
	if meta != nil {
		if cs := meta.ConsumerSeq(ConsumerName); cs > l.nextSeq {
			l.nextSeq = cs
		}
	}
	return l, nil
}

type onDiskSnapshot struct {
	Entries     []Entry
	FileChanges map[uint64]FileChange
	NextSeq     uint64
}

func (l *Log) load() error {
	f, err := os.Open(l.persistPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var snap onDiskSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("synclog: corrupt log file %s: %w", l.persistPath, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range snap.Entries {
		e := snap.Entries[i]
		l.entries = append(l.entries, &e)
	}
	for seq, fc := range snap.FileChanges {
		f := fc
		l.fileChanges[seq] = &f
	}
	l.nextSeq = snap.NextSeq
	return nil
}

// Checkpoint fsyncs the log to disk (atomic temp-file + rename).
func (l *Log) Checkpoint() error {
	l.mu.Lock()
	snap := onDiskSnapshot{
		FileChanges: make(map[uint64]FileChange, len(l.fileChanges)),
		NextSeq:     l.nextSeq,
	}
	for _, e := range l.entries {
		snap.Entries = append(snap.Entries, *e)
	}
	for seq, fc := range l.fileChanges {
		snap.FileChanges[seq] = *fc
	}
	l.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return err
	}

	dir := filepath.Dir(l.persistPath)
	tmp, err := os.CreateTemp(dir, ".synclog-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, l.persistPath)
}

func (l *Log) appendLocked(e *Entry) *Entry {
	l.nextSeq++
	e.Seq = l.nextSeq
	e.Timestamp = time.Now()
	l.entries = append(l.entries, e)
	l.cond.Broadcast()
	return e
}

// AppendNew records the creation of a new file/dir/symlink/etc. at path.
// Precondition: no live "new" entry already exists for path.
func (l *Log) AppendNew(path string, fileType remote.FileType, devMajor, devMinor uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isNewLocked(path) {
		return fmt.Errorf("synclog: a new entry already pending for %s", path)
	}
	l.appendLocked(&Entry{Kind: KindNew, Path: path, FileType: fileType, DevMajor: devMajor, DevMinor: devMinor})
	return nil
}

// AppendLink records a hardlink creation. Hardlinks are unsupported at
// the bridge; this exists so the data model's enumeration of kinds is
// complete, and so a future backend that does support them has
// somewhere to record it.
func (l *Log) AppendLink(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked(&Entry{Kind: KindLink, Path: path})
	return nil
}

// AppendUnlink compacts the log for path and, unless path was never
// synced to the remote (isNew), appends a fresh unlink entry.
func (l *Log) AppendUnlink(path string, fileType remote.FileType) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	isNewAlready := l.isNewLocked(path)
	current := path

	if l.isDirtyLocked(path) {
		for i := len(l.entries) - 1; i >= 0; i-- {
			e := l.entries[i]
			switch e.Kind {
			case KindNew, KindChange, KindLink:
				if e.Path == current {
					l.removeAtLocked(i)
				}
			case KindRename:
				if e.NewPath == current {
					current = e.OldPath
					l.removeAtLocked(i)
				}
			}
		}
	}

	if !isNewAlready {
		l.appendLocked(&Entry{Kind: KindUnlink, Path: current, FileType: fileType})
	} else {
		l.cond.Broadcast()
	}
	return nil
}

// removeAtLocked deletes the entry at index i (and its file-change, if
// any) from the live log. Callers iterating newest-to-oldest may call
// this at decreasing indices without invalidating earlier ones.
func (l *Log) removeAtLocked(i int) {
	e := l.entries[i]
	delete(l.fileChanges, e.Seq)
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
}

// AppendChange fuses region into the pending change entry for path,
// creating one if none exists.
func (l *Log) AppendChange(path string, r region.Region) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	fc := l.changeForLocked(path)
	fc.Regions = fc.Regions.Fuse(r)
	l.cond.Broadcast()
	return nil
}

// AppendMetadataChange records a metadata-only mutation against path's
// pending change entry, creating one if none exists.
func (l *Log) AppendMetadataChange(path string, mc MetaChange) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	fc := l.changeForLocked(path)
	fc.applyMeta(mc)
	l.cond.Broadcast()
	return nil
}

// changeForLocked finds or creates the live "change" entry/file-change
// pair for path.
func (l *Log) changeForLocked(path string) *FileChange {
	for _, e := range l.entries {
		if e.Kind == KindChange && e.Path == path {
			return l.fileChanges[e.Seq]
		}
	}
	e := l.appendLocked(&Entry{Kind: KindChange, Path: path})
	fc := &FileChange{}
	l.fileChanges[e.Seq] = fc
	return fc
}

// TruncateChanges rewrites path's pending regions so none extends past
// size.
func (l *Log) TruncateChanges(path string, size int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Kind == KindChange && e.Path == path {
			fc := l.fileChanges[e.Seq]
			fc.Regions = fc.Regions.Truncate(size)
			return nil
		}
	}
	return nil
}

// AppendRename records a rename. If old was never synced to the remote
// (isNew), the rename is folded into the existing entries by retargeting
// their paths, rather than emitting a rename entry the remote has no use
// for. isDir additionally retargets every descendant
// entry when old is a directory being renamed with its subtree.
func (l *Log) AppendRename(oldPath, newPath string, isDir bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.isNewLocked(oldPath) {
		l.rewritePrefixLocked(oldPath, newPath, isDir)
		l.cond.Broadcast()
		return nil
	}

	l.appendLocked(&Entry{Kind: KindRename, OldPath: oldPath, NewPath: newPath})
	return nil
}

func retarget(path, oldPath, newPath string, isDir bool) (string, bool) {
	if path == oldPath {
		return newPath, true
	}
	if isDir && strings.HasPrefix(path, oldPath+"/") {
		return newPath + path[len(oldPath):], true
	}
	return path, false
}

func (l *Log) rewritePrefixLocked(oldPath, newPath string, isDir bool) {
	for _, e := range l.entries {
		switch e.Kind {
		case KindRename:
			if np, ok := retarget(e.OldPath, oldPath, newPath, isDir); ok {
				e.OldPath = np
			}
			if np, ok := retarget(e.NewPath, oldPath, newPath, isDir); ok {
				e.NewPath = np
			}
		default:
			if np, ok := retarget(e.Path, oldPath, newPath, isDir); ok {
				e.Path = np
			}
		}
	}
}

// DrainEntry is one entry pulled out of the log by DrainPath.
type DrainEntry struct {
	Entry  Entry
	Change *FileChange // non-nil iff Entry.Kind == KindChange
}

// DrainPath removes and returns every entry naming path, oldest first.
// It is used by the conflict quarantine routine to lift a dirty file's
// about-to-be-discarded changes out of the log before
// writing them to a conflict file, and by the cache manager's
// merge-conflict opcode as a fallback when no richer quarantine writer
// is wired.
func (l *Log) DrainPath(path string) []DrainEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []DrainEntry
	kept := l.entries[:0:0]
	for _, e := range l.entries {
		if e.Path == path || (e.Kind == KindRename && (e.OldPath == path || e.NewPath == path)) {
			d := DrainEntry{Entry: *e}
			if e.Kind == KindChange {
				if fc, ok := l.fileChanges[e.Seq]; ok {
					d.Change = fc
				}
				delete(l.fileChanges, e.Seq)
			}
			out = append(out, d)
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
	return out
}

// IsNew reports whether a "new" entry exists for path with no subsequent
// unlink.
func (l *Log) IsNew(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isNewLocked(path)
}

func (l *Log) isNewLocked(path string) bool {
	for _, e := range l.entries {
		if e.Kind == KindNew && e.Path == path {
			return true
		}
	}
	return false
}

// IsDirty reports whether the log contains any entry naming path.
func (l *Log) IsDirty(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isDirtyLocked(path)
}

func (l *Log) isDirtyLocked(path string) bool {
	for _, e := range l.entries {
		switch e.Kind {
		case KindRename:
			if e.OldPath == path || e.NewPath == path {
				return true
			}
		default:
			if e.Path == path {
				return true
			}
		}
	}
	return false
}

// IsUnlinked reports whether the most recent entry naming path is an
// unlink (SPEC_FULL.md §3, grounded on synclog.py's isUnlinkedFile).
func (l *Log) IsUnlinked(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	unlinked := false
	for _, e := range l.entries {
		switch e.Kind {
		case KindRename:
			if e.OldPath == path || e.NewPath == path {
				unlinked = false
			}
		default:
			if e.Path == path {
				unlinked = e.Kind == KindUnlink
			}
		}
	}
	return unlinked
}

// Len reports how many entries remain in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Pause stops WaitNonEmpty from releasing new entries to a consumer until
// Resume is called, implementing sync.pause.
func (l *Log) Pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
}

func (l *Log) Resume() {
	l.mu.Lock()
	l.paused = false
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (l *Log) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// WaitNonEmpty blocks until the log has an entry and is not paused, or
// ctx is done, returning false in the latter case. It never busy-waits:
// it parks on a condition variable, woken by appends, Resume, or ctx
// cancellation.
func (l *Log) WaitNonEmpty(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if done := ctx.Done(); done != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-done:
				l.mu.Lock()
				l.cond.Broadcast()
				l.mu.Unlock()
			case <-stop:
			}
		}()
	}

	for len(l.entries) == 0 || l.paused {
		if ctx.Err() != nil {
			return false
		}
		l.cond.Wait()
	}
	return true
}

// Oldest returns the oldest live entry (in seq order) without removing
// it, plus its file-change if it's a "change" entry. This is the
// restartable equivalent of pop_changes's generator: the sync worker
// calls Oldest, processes it, then calls Finish.
func (l *Log) Oldest() (*Entry, *FileChange, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return nil, nil, false
	}
	e := l.entries[0]
	var fc *FileChange
	if e.Kind == KindChange {
		fc = l.fileChanges[e.Seq]
	}
	return e, fc, true
}

// Finish removes seq's entry and file-change atomically and advances
// the consumer checkpoint, unless remove is false, in which case the
// entry is left in place (used when propagation must resume later
// after a disconnect mid-entry).
func (l *Log) Finish(seq uint64, remove bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := -1
	for i, e := range l.entries {
		if e.Seq == seq {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("synclog: finish of unknown seq %d", seq)
	}
	if !remove {
		return nil
	}

	l.removeAtLocked(idx)
	if l.meta != nil {
		l.meta.SetConsumerSeq(ConsumerName, seq)
	}
	return nil
}

// Dump renders the pending queue as text (the sys.synclog xattr,
// SPEC_FULL.md §3).
func (l *Log) Dump() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b strings.Builder
	for _, e := range l.entries {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
