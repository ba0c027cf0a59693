package syncworker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/sb10/tsumufs/cachestore"
	"github.com/sb10/tsumufs/metastore"
	"github.com/sb10/tsumufs/pathlock"
	"github.com/sb10/tsumufs/region"
	"github.com/sb10/tsumufs/remote"
	"github.com/sb10/tsumufs/synclog"
)

type fakeAvail struct{ up bool }

func (f *fakeAvail) Up() bool { return f.up }

// fakeConflict records quarantined paths and, like the real quarantiner,
// drains their pending log entries.
type fakeConflict struct {
	log         *synclog.Log
	quarantined []string
}

func (f *fakeConflict) Quarantine(p string) error {
	f.quarantined = append(f.quarantined, p)
	if f.log != nil {
		f.log.DrainPath(p)
	}
	return nil
}

func newTestWorker(t *testing.T) (*Worker, *metastore.Store, *cachestore.Store, *remote.Posix, *synclog.Log, *fakeConflict) {
	dir := t.TempDir()
	meta, err := metastore.Open(filepath.Join(dir, "meta.gob"), nil)
	if err != nil {
		t.Fatal(err)
	}
	sl, err := synclog.Open(filepath.Join(dir, "synclog.gob"), meta, nil)
	if err != nil {
		t.Fatal(err)
	}
	cache, err := cachestore.Open(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatal(err)
	}
	remoteRoot := filepath.Join(dir, "remote")
	if err := os.MkdirAll(remoteRoot, 0755); err != nil {
		t.Fatal(err)
	}
	rb := remote.NewPosix(remoteRoot)
	if err := rb.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}

	conflicts := &fakeConflict{log: sl}
	w := New(Worker{
		Log:       sl,
		Remote:    rb,
		Cache:     cache,
		Meta:      meta,
		Locks:     pathlock.New(),
		Avail:     &fakeAvail{up: true},
		Conflicts: conflicts,
	})
	return w, meta, cache, rb, sl, conflicts
}

func TestScenario1DrainOfflineCreate(t *testing.T) {
	Convey("Given a newly created offline file with pending new+change entries", t, func() {
		w, meta, cache, rb, sl, _ := newTestWorker(t)
		ctx := context.Background()

		So(cache.WriteAll("/a.txt", []byte("hello"), 0600), ShouldBeNil)
		So(meta.Put(&metastore.FileRecord{Path: "/a.txt", Mode: 0600, Mtime: time.Now()}), ShouldBeNil)
		So(sl.AppendNew("/a.txt", remote.TypeFile, 0, 0), ShouldBeNil)
		r, err := region.New(0, 5, []byte("hello"))
		So(err, ShouldBeNil)
		So(sl.AppendChange("/a.txt", r), ShouldBeNil)
		So(sl.Len(), ShouldEqual, 2)

		Convey("draining both entries copies the file to the remote and empties the log", func() {
			w.drainOne(ctx)
			w.drainOne(ctx)

			So(sl.Len(), ShouldEqual, 0)
			data, err := os.ReadFile(filepath.Join(rb.Root, "a.txt"))
			So(err, ShouldBeNil)
			So(string(data), ShouldEqual, "hello")
		})
	})
}

func TestScenario2ConflictQuarantinesLoser(t *testing.T) {
	Convey("Given a cached dirty file whose remote copy changed underneath it", t, func() {
		w, meta, cache, rb, sl, conflicts := newTestWorker(t)
		ctx := context.Background()

		remotePath := filepath.Join(rb.Root, "b.txt")
		So(os.WriteFile(remotePath, []byte("AAAAA"), 0600), ShouldBeNil)
		So(cache.WriteAll("/b.txt", []byte("BBAAA"), 0600), ShouldBeNil)
		So(meta.Put(&metastore.FileRecord{Path: "/b.txt", Mode: 0600, Mtime: time.Now()}), ShouldBeNil)

		r, err := region.New(0, 2, []byte("BB"))
		So(err, ShouldBeNil)
		So(sl.AppendChange("/b.txt", r), ShouldBeNil)

		Convey("a remote write that lands before drain makes the probe detect a conflict", func() {
			So(os.WriteFile(remotePath, []byte("CCAAA"), 0600), ShouldBeNil)

			w.drainOne(ctx)

			So(conflicts.quarantined, ShouldContain, "/b.txt")
			// Only the new(conflict dir) entry queued by the first conflict
			// remains.
			So(sl.Len(), ShouldEqual, 1)
			So(sl.IsDirty("/b.txt"), ShouldBeFalse)
		})

		Convey("a remote that already holds the pending bytes probes clean and the entry is applied", func() {
			// The probe compares the remote's current bytes
			// against the pending region's bytes, not against some
			// remembered pre-image; a remote already carrying the write
			// (e.g. relayed by another path) is the only way the probe
			// passes for a "change" entry.
			So(os.WriteFile(remotePath, []byte("BBAAA"), 0600), ShouldBeNil)

			w.drainOne(ctx)

			So(conflicts.quarantined, ShouldBeEmpty)
			So(sl.Len(), ShouldEqual, 0)
			data, err := os.ReadFile(remotePath)
			So(err, ShouldBeNil)
			So(string(data), ShouldEqual, "BBAAA")
		})
	})
}
