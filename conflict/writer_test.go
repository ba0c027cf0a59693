package conflict

import (
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/sb10/tsumufs/cachestore"
	"github.com/sb10/tsumufs/metastore"
	"github.com/sb10/tsumufs/region"
	"github.com/sb10/tsumufs/synclog"
)

func TestQuarantineWritesConflictChangeset(t *testing.T) {
	Convey("Given a dirty file with one pending change region", t, func() {
		dir := t.TempDir()

		meta, err := metastore.Open(filepath.Join(dir, "meta.gob"), nil)
		So(err, ShouldBeNil)
		sl, err := synclog.Open(filepath.Join(dir, "synclog.gob"), meta, nil)
		So(err, ShouldBeNil)
		cache, err := cachestore.Open(filepath.Join(dir, "cache"))
		So(err, ShouldBeNil)

		So(cache.WriteAll("/b.txt", []byte("BBAAA"), 0600), ShouldBeNil)
		r, err := region.New(0, 2, []byte("BB"))
		So(err, ShouldBeNil)
		So(sl.AppendChange("/b.txt", r), ShouldBeNil)

		w := &Writer{Cache: cache, Log: sl}

		Convey("quarantining it writes a changeset and evicts the cache copy", func() {
			So(w.Quarantine("/b.txt"), ShouldBeNil)

			So(cache.Exists("/b.txt"), ShouldBeFalse)
			So(cache.Exists("/.conflicts/-b.txt"), ShouldBeTrue)

			data, err := cache.ReadAll("/.conflicts/-b.txt")
			So(err, ShouldBeNil)
			So(string(data), ShouldContainSubstring, `set.addChange(type_="patch", start=0, end=2, data='BB')`)
			So(string(data), ShouldContainSubstring, "# New changeset at")
			So(string(data), ShouldContainSubstring, "changesets.append(set)")

			So(sl.Len(), ShouldEqual, 1)
			e, _, ok := sl.Oldest()
			So(ok, ShouldBeTrue)
			So(e.Path, ShouldEqual, "/.conflicts/-b.txt")
			So(e.Kind, ShouldEqual, synclog.KindNew)
		})
	})
}

func TestQuarantineWithNoPendingEntriesJustEvicts(t *testing.T) {
	Convey("Given a clean cached file with nothing pending in the log", t, func() {
		dir := t.TempDir()

		meta, err := metastore.Open(filepath.Join(dir, "meta.gob"), nil)
		So(err, ShouldBeNil)
		sl, err := synclog.Open(filepath.Join(dir, "synclog.gob"), meta, nil)
		So(err, ShouldBeNil)
		cache, err := cachestore.Open(filepath.Join(dir, "cache"))
		So(err, ShouldBeNil)

		So(cache.WriteAll("/c.txt", []byte("hello"), 0600), ShouldBeNil)

		w := &Writer{Cache: cache, Log: sl}

		Convey("quarantining it just evicts the cache copy, no conflict file appears", func() {
			So(w.Quarantine("/c.txt"), ShouldBeNil)
			So(cache.Exists("/c.txt"), ShouldBeFalse)
			So(cache.Exists("/.conflicts/-c.txt"), ShouldBeFalse)
		})
	})
}

func TestQuarantineAppendsToExistingConflictFile(t *testing.T) {
	Convey("Given a conflict file that already exists from a prior quarantine", t, func() {
		dir := t.TempDir()

		meta, err := metastore.Open(filepath.Join(dir, "meta.gob"), nil)
		So(err, ShouldBeNil)
		sl, err := synclog.Open(filepath.Join(dir, "synclog.gob"), meta, nil)
		So(err, ShouldBeNil)
		cache, err := cachestore.Open(filepath.Join(dir, "cache"))
		So(err, ShouldBeNil)

		w := &Writer{Cache: cache, Log: sl}

		So(cache.WriteAll("/d.txt", []byte("AAA"), 0600), ShouldBeNil)
		r1, err := region.New(0, 1, []byte("X"))
		So(err, ShouldBeNil)
		So(sl.AppendChange("/d.txt", r1), ShouldBeNil)
		So(w.Quarantine("/d.txt"), ShouldBeNil)

		beforeLen := sl.Len()

		Convey("a second quarantine for the same escaped name appends rather than overwriting", func() {
			So(cache.WriteAll("/d.txt", []byte("AAA"), 0600), ShouldBeNil)
			r2, err := region.New(1, 2, []byte("Y"))
			So(err, ShouldBeNil)
			So(sl.AppendChange("/d.txt", r2), ShouldBeNil)

			So(w.Quarantine("/d.txt"), ShouldBeNil)

			data, err := cache.ReadAll("/.conflicts/-d.txt")
			So(err, ShouldBeNil)
			So(string(data), ShouldContainSubstring, "start=0, end=1, data='X'")
			So(string(data), ShouldContainSubstring, "start=1, end=2, data='Y'")

			So(sl.Len(), ShouldEqual, beforeLen+1)
		})
	})
}
