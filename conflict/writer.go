// Package conflict implements the quarantine changeset writer: when the
// sync worker (or the cache manager's merge-conflict opcode) finds that
// a dirty local file has diverged from a remote that changed underneath
// it, its pending changes are written out as an append-only textual
// changeset under the mount's conflict directory instead of being
// silently merged or discarded, and the cached copy is evicted so the
// next read refetches the remote's (winning) version.
//
// The text format is ported from syncthread.py's _writeChangeSet: a
// preamble naming a timestamped ChangeSet, one addChange/addUnlink line
// per pending mutation, and a postamble that appends the set to a
// module-level accumulator so a future replay interpreter (left as a
// followup) can exec the file as Python-like statements.
package conflict

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/sb10/tsumufs/cachestore"
	"github.com/sb10/tsumufs/region"
	"github.com/sb10/tsumufs/remote"
	"github.com/sb10/tsumufs/synclog"
)

const (
	preambleFmt = "\n# New changeset at %d\nset = ChangeSet(%d)\n"
	postamble   = "\ntry:\n  changesets.append(set)\nexcept NameError:\n  changesets = [set]\n"
)

// nowFunc is overridden in tests so changeset output is deterministic;
// production code leaves it as time.Now.
var nowFunc = time.Now

// Writer quarantines conflicted files.
type Writer struct {
	Cache       *cachestore.Store
	Log         *synclog.Log
	ConflictDir string // default "/.conflicts", mirrors the daemon's conflict.dir option

	Log15 log15.Logger
}

func (w *Writer) dir() string {
	if w.ConflictDir != "" {
		return w.ConflictDir
	}
	return "/.conflicts"
}

func (w *Writer) logger() log15.Logger {
	if w.Log15 != nil {
		return w.Log15
	}
	return log15.New()
}

// escape renders origPath as a single flat filename inside the conflict
// directory, replacing every path separator with '-' ("/b.txt" becomes
// "-b.txt").
func escape(origPath string) string {
	return strings.ReplaceAll(origPath, "/", "-")
}

// Quarantine drains origPath's pending sync-log entries, renders them as
// a changeset appended to the conflict file, re-enters the conflict file
// itself into the sync log so it eventually propagates, and evicts
// origPath's cached copy so the remote's version is what gets served
// next: the remote always wins over a quarantined local change.
func (w *Writer) Quarantine(origPath string) error {
	entries := w.Log.DrainPath(origPath)
	if len(entries) == 0 {
		return w.evict(origPath)
	}

	conflictPath := path.Join(w.dir(), escape(origPath))
	isNewFile := !w.Cache.Exists(conflictPath)

	var body strings.Builder
	fmt.Fprintf(&body, preambleFmt, nowFunc().Unix(), nowFunc().Unix())

	for _, de := range entries {
		switch de.Entry.Kind {
		case synclog.KindChange:
			if de.Change == nil {
				continue
			}
			regions := append([]changeRegion{}, toRegions(de.Change)...)
			sort.Slice(regions, func(i, j int) bool { return regions[i].start < regions[j].start })
			for _, r := range regions {
				fmt.Fprintf(&body, "set.addChange(type_=\"patch\", start=%d, end=%d, data=%s)\n",
					r.start, r.end, pyRepr(r.data))
			}
		case synclog.KindUnlink:
			body.WriteString("set.addUnlink()\n")
		case synclog.KindNew, synclog.KindLink, synclog.KindRename:
			w.logger().Debug("skipping unreplayable entry kind in conflict changeset", "kind", de.Entry.Kind.String(), "path", origPath)
		}
	}
	body.WriteString(postamble)

	mode := os.FileMode(0700)
	flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
	f, err := w.Cache.Open(conflictPath, flags, mode)
	if err != nil {
		return err
	}
	var startPos int64
	if fi, statErr := f.Stat(); statErr == nil {
		startPos = fi.Size()
	}
	n, werr := f.Write([]byte(body.String()))
	closeErr := f.Close()
	if werr != nil {
		return werr
	}
	if closeErr != nil {
		return closeErr
	}

	if isNewFile {
		if err := w.Log.AppendNew(conflictPath, remote.TypeFile, 0, 0); err != nil {
			return err
		}
	} else {
		r, err := region.New(startPos, startPos+int64(n), []byte(body.String()))
		if err != nil {
			return err
		}
		if err := w.Log.AppendChange(conflictPath, r); err != nil {
			return err
		}
	}

	return w.evict(origPath)
}

// evict removes origPath's cached copy (if any) so the next read falls
// through to the remote, the winner of every conflict.
func (w *Writer) evict(origPath string) error {
	if !w.Cache.Exists(origPath) {
		return nil
	}
	if fi, err := w.Cache.Lstat(origPath); err == nil && fi.IsDir() {
		return w.Cache.Rmdir(origPath)
	}
	return w.Cache.Unlink(origPath)
}

type changeRegion struct {
	start, end int64
	data       []byte
}

func toRegions(fc *synclog.FileChange) []changeRegion {
	out := make([]changeRegion, 0, len(fc.Regions))
	for _, r := range fc.Regions {
		out = append(out, changeRegion{start: r.Start, end: r.End, data: r.Bytes})
	}
	return out
}

// pyRepr renders data the way Python's repr() would for a bytes literal,
// close enough for a human or a future replay tool to read back: a
// single-quoted string in which quote and backslash bytes get a
// backslash prefix, newline and carriage return are written as \n and
// \r, and other non-printable bytes are escaped as \xNN.
func pyRepr(data []byte) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, c := range data {
		switch {
		case c == '\'' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c >= 0x20 && c < 0x7f:
			b.WriteByte(c)
		default:
			b.WriteString(`\x`)
			s := strconv.FormatUint(uint64(c), 16)
			if len(s) < 2 {
				b.WriteByte('0')
			}
			b.WriteString(s)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
