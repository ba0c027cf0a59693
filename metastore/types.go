// Package metastore implements the transactional key-value metadata store:
// per-file records, cached-revision tracking, and the sync worker's
// consumer checkpoints, all persisted to a single file.
//
// TsumuFS's own database.py wraps sqlite3 behind a single RLock; nothing in
// the retrieved pack ships a pure-Go embedded database (no sqlite/bolt
// binding is present), so the backing store here is a plain in-memory map
// guarded by sync.RWMutex, checkpointed to disk with encoding/gob — see
// DESIGN.md for why no pack library could serve this concern. The read
// path layers a bounded, TTL'd LRU in front and coalesces concurrent
// misses with golang.org/x/sync/singleflight, mirroring how muxfys's own
// CacheTracker coalesces interval bookkeeping under one mutex.
package metastore

import "time"

// FileRecord is the per-file metadata record. It carries a stable file
// ID, but the Store indexes records by Path. Path is mutable (renames);
// ID is not.
type FileRecord struct {
	ID             string
	Path           string
	Mode           uint32
	UID            uint32
	GID            uint32
	Mtime          time.Time
	Atime          time.Time
	Ctime          time.Time
	Size           int64
	RemoteRevision string
	Xattrs         map[string]string
	Tags           []string
	ACL            string
}

func (r FileRecord) clone() FileRecord {
	c := r
	if r.Xattrs != nil {
		c.Xattrs = make(map[string]string, len(r.Xattrs))
		for k, v := range r.Xattrs {
			c.Xattrs[k] = v
		}
	}
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	return c
}

// CachedRevision is the last remote revision held in the local cache for a
// file id. Absence means the file has never been cached.
type CachedRevision struct {
	ID     string
	Rev    string
	Mtime  time.Time
}
