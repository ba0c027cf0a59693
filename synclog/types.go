// Package synclog implements the durable, ordered journal of mutations
// performed while disconnected, with entry fusion/compaction rules and
// a region-fusion rule for overlapping pending writes.
//
// It follows synclog.py's shape closely: a single queue of sync-change
// entries, a one-to-one file-change record for "change" entries, and the
// same compaction behavior in appendUnlink/appendRename (walk newest to
// oldest, collapse renames, drop anything that never left the cache).
package synclog

import (
	"fmt"
	"time"

	"github.com/sb10/tsumufs/region"
	"github.com/sb10/tsumufs/remote"
)

// Kind identifies the kind of a sync-change entry.
type Kind int

const (
	KindNew Kind = iota
	KindLink
	KindUnlink
	KindChange
	KindRename
)

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "new"
	case KindLink:
		return "link"
	case KindUnlink:
		return "unlink"
	case KindChange:
		return "change"
	case KindRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Entry is one sync-change log record.
type Entry struct {
	Seq       uint64
	Timestamp time.Time
	Kind      Kind
	Path      string
	OldPath   string
	NewPath   string
	FileType  remote.FileType
	DevMajor  uint32
	DevMinor  uint32
}

func (e *Entry) String() string {
	switch e.Kind {
	case KindRename:
		return fmt.Sprintf("#%d rename %s -> %s", e.Seq, e.OldPath, e.NewPath)
	default:
		return fmt.Sprintf("#%d %s %s", e.Seq, e.Kind, e.Path)
	}
}

// MetaChange describes a metadata-only mutation to apply on top of a
// change entry's FileChange record. Nil fields mean "unchanged".
type MetaChange struct {
	Mode   *uint32
	UID    *uint32
	GID    *uint32
	Atime  *time.Time
	Mtime  *time.Time
	Xattrs map[string]string // name -> new value; marks each name changed
	ACL    *string
}

// FileChange is the at-most-one-per-change-entry record of what changed
// about a file.
type FileChange struct {
	ModeChanged bool
	NewMode     uint32

	UIDChanged bool
	NewUID     uint32

	GIDChanged bool
	NewGID     uint32

	TimesChanged bool
	NewAtime     time.Time
	NewMtime     time.Time

	XattrsChanged map[string]string // name -> value

	ACLChanged bool
	NewACL     string

	Regions region.Set
}

func (fc *FileChange) applyMeta(mc MetaChange) {
	if mc.Mode != nil {
		fc.ModeChanged = true
		fc.NewMode = *mc.Mode
	}
	if mc.UID != nil {
		fc.UIDChanged = true
		fc.NewUID = *mc.UID
	}
	if mc.GID != nil {
		fc.GIDChanged = true
		fc.NewGID = *mc.GID
	}
	if mc.Atime != nil || mc.Mtime != nil {
		fc.TimesChanged = true
		if mc.Atime != nil {
			fc.NewAtime = *mc.Atime
		}
		if mc.Mtime != nil {
			fc.NewMtime = *mc.Mtime
		}
	}
	if mc.ACL != nil {
		fc.ACLChanged = true
		fc.NewACL = *mc.ACL
	}
	if len(mc.Xattrs) > 0 {
		if fc.XattrsChanged == nil {
			fc.XattrsChanged = make(map[string]string)
		}
		for k, v := range mc.Xattrs {
			fc.XattrsChanged[k] = v
		}
	}
}
