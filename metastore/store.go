package metastore

import (
	"bytes"
	"container/list"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned by Get/GetCachedRev when no record exists.
var ErrNotFound = fmt.Errorf("metastore: not found")

const defaultLRUTTL = 60 * time.Second

type lruEntry struct {
	record   FileRecord
	expires  time.Time
	listElem *list.Element
}

// Store is the metadata store. The zero value is not usable; construct
// with Open.
type Store struct {
	mu          sync.RWMutex
	byPath      map[string]*FileRecord
	cachedRev   map[string]*CachedRevision
	checkpoints map[string]uint64

	lruMu sync.Mutex
	lru   map[string]*lruEntry
	lruLL *list.List
	ttl   time.Duration

	group singleflight.Group

	persistPath string
	log         log15.Logger
}

// Open loads (or creates) a metadata store persisted at path.
func Open(path string, logger log15.Logger) (*Store, error) {
	if logger == nil {
		logger = log15.New()
	}
	s := &Store{
		byPath:      make(map[string]*FileRecord),
		cachedRev:   make(map[string]*CachedRevision),
		checkpoints: make(map[string]uint64),
		lru:         make(map[string]*lruEntry),
		lruLL:       list.New(),
		ttl:         defaultLRUTTL,
		persistPath: path,
		log:         logger.New("component", "metastore"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

type onDiskSnapshot struct {
	Files       map[string]FileRecord
	CachedRev   map[string]CachedRevision
	Checkpoints map[string]uint64
}

func (s *Store) load() error {
	f, err := os.Open(s.persistPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var snap onDiskSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("metastore: corrupt metadata file %s: %w", s.persistPath, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for path, rec := range snap.Files {
		r := rec
		s.byPath[path] = &r
	}
	for id, cr := range snap.CachedRev {
		c := cr
		s.cachedRev[id] = &c
	}
	for consumer, seq := range snap.Checkpoints {
		s.checkpoints[consumer] = seq
	}
	return nil
}

// Checkpoint forces durability: it serializes the whole store to
// persistPath atomically (temp file + rename) and fsyncs it.
func (s *Store) Checkpoint() error {
	s.mu.RLock()
	snap := onDiskSnapshot{
		Files:       make(map[string]FileRecord, len(s.byPath)),
		CachedRev:   make(map[string]CachedRevision, len(s.cachedRev)),
		Checkpoints: make(map[string]uint64, len(s.checkpoints)),
	}
	for path, rec := range s.byPath {
		snap.Files[path] = rec.clone()
	}
	for id, cr := range s.cachedRev {
		snap.CachedRev[id] = *cr
	}
	for consumer, seq := range s.checkpoints {
		snap.Checkpoints[consumer] = seq
	}
	s.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return err
	}

	dir := filepath.Dir(s.persistPath)
	tmp, err := os.CreateTemp(dir, ".metastore-*")
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
	if err := os.Rename(tmpName, s.persistPath); err != nil {
		os.Remove(tmpName)
		return err
	}
	s.log.Debug("checkpoint written", "path", s.persistPath, "files", len(snap.Files))
	return nil
}

func (s *Store) invalidate(path string) {
	s.lruMu.Lock()
	if e, ok := s.lru[path]; ok {
		s.lruLL.Remove(e.listElem)
		delete(s.lru, path)
	}
	s.lruMu.Unlock()
}

func (s *Store) cachePut(path string, rec FileRecord) {
	s.lruMu.Lock()
	defer s.lruMu.Unlock()
	if e, ok := s.lru[path]; ok {
		e.record = rec
		e.expires = time.Now().Add(s.ttl)
		s.lruLL.MoveToFront(e.listElem)
		return
	}
	e := &lruEntry{record: rec, expires: time.Now().Add(s.ttl)}
	e.listElem = s.lruLL.PushFront(path)
	s.lru[path] = e
	const maxLRU = 4096
	for s.lruLL.Len() > maxLRU {
		back := s.lruLL.Back()
		if back == nil {
			break
		}
		s.lruLL.Remove(back)
		delete(s.lru, back.Value.(string))
	}
}

func (s *Store) cacheGet(path string) (FileRecord, bool) {
	s.lruMu.Lock()
	defer s.lruMu.Unlock()
	e, ok := s.lru[path]
	if !ok || time.Now().After(e.expires) {
		return FileRecord{}, false
	}
	s.lruLL.MoveToFront(e.listElem)
	return e.record, true
}

// Get returns the record for path, or ErrNotFound. Concurrent misses for
// the same path are coalesced into a single backing lookup.
func (s *Store) Get(path string) (FileRecord, error) {
	if rec, ok := s.cacheGet(path); ok {
		return rec, nil
	}

	v, err, _ := s.group.Do(path, func() (interface{}, error) {
		s.mu.RLock()
		rec, ok := s.byPath[path]
		s.mu.RUnlock()
		if !ok {
			return nil, ErrNotFound
		}
		clone := rec.clone()
		s.cachePut(path, clone)
		return clone, nil
	})
	if err != nil {
		return FileRecord{}, err
	}
	return v.(FileRecord), nil
}

// Put creates or updates a record. Writes both update the authoritative
// map and invalidate the read cache. If rec.ID is empty (a record never
// seen before), Put assigns a fresh UUID and writes it back into *rec,
// so callers that need the id (e.g. to key a CachedRevision) see it
// without a follow-up Get.
func (s *Store) Put(rec *FileRecord) error {
	if rec.Path == "" {
		return fmt.Errorf("metastore: record has no path")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	clone := rec.clone()

	s.mu.Lock()
	s.byPath[rec.Path] = &clone
	s.mu.Unlock()

	s.invalidate(rec.Path)
	return nil
}

// Delete removes the record for path.
func (s *Store) Delete(path string) error {
	s.mu.Lock()
	delete(s.byPath, path)
	s.mu.Unlock()
	s.invalidate(path)
	return nil
}

// ListPrefixFunc lazily yields every record whose Path is an immediate
// child of prefix, calling fn for each. Iteration stops early if fn
// returns false.
func (s *Store) ListPrefixFunc(prefix string, fn func(FileRecord) bool) {
	s.mu.RLock()
	matches := make([]FileRecord, 0, 8)
	for path, rec := range s.byPath {
		if isImmediateChild(prefix, path) {
			matches = append(matches, rec.clone())
		}
	}
	s.mu.RUnlock()

	for _, m := range matches {
		if !fn(m) {
			return
		}
	}
}

func isImmediateChild(prefix, path string) bool {
	if prefix == path {
		return false
	}
	base := prefix
	if base != "/" {
		base += "/"
	}
	if len(path) <= len(base) || path[:len(base)] != base {
		return false
	}
	rest := path[len(base):]
	for _, c := range rest {
		if c == '/' {
			return false
		}
	}
	return true
}

// GetCachedRev returns the cached-revision record for a file id, or
// ErrNotFound.
func (s *Store) GetCachedRev(id string) (CachedRevision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cr, ok := s.cachedRev[id]
	if !ok {
		return CachedRevision{}, ErrNotFound
	}
	return *cr, nil
}

// PutCachedRev records that the local cache now holds rev/mtime for id.
func (s *Store) PutCachedRev(id, rev string, mtime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cachedRev[id] = &CachedRevision{ID: id, Rev: rev, Mtime: mtime}
	return nil
}

// DeleteCachedRev removes the cached-revision record for id (cache
// eviction).
func (s *Store) DeleteCachedRev(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cachedRev, id)
	return nil
}

// Checkpoint metadata for consumers (e.g. the sync worker), keyed by
// consumer name so more than one independent consumer could in principle
// track its own progress through the sync log.

// ConsumerSeq returns the last seq the named consumer finished, or 0.
func (s *Store) ConsumerSeq(consumer string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[consumer]
}

// SetConsumerSeq advances the named consumer's checkpoint.
func (s *Store) SetConsumerSeq(consumer string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.checkpoints[consumer] {
		s.checkpoints[consumer] = seq
	}
}
