package cachemgr

import (
	"os"

	"github.com/sb10/tsumufs/remote"
)

// Availability reports the "remote available" flag the availability
// controller maintains.
type Availability interface {
	Up() bool
}

// ConflictQuarantiner writes out a dirty file's about-to-be-discarded
// pending changes as a quarantined changeset when the planner's
// merge-conflict opcode fires, and clears them from the sync log. Wired
// to the conflict package's Writer in normal operation.
type ConflictQuarantiner interface {
	Quarantine(path string) error
}

type source int

const (
	sourceCache source = iota
	sourceRemote
)

// Handle is an open file as seen by the cache manager: either backed by
// the local cache file, or (for never-cache paths, or a plain stat
// pass-through) backed directly by a remote.Handle.
type Handle struct {
	Path     string
	src      source
	cacheF   *os.File
	remoteH  remote.Handle
	creating bool
}
