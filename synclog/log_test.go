package synclog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/sb10/tsumufs/metastore"
	"github.com/sb10/tsumufs/region"
	"github.com/sb10/tsumufs/remote"
)

func openTestLog(t *testing.T) (*Log, *metastore.Store) {
	dir := t.TempDir()
	meta, err := metastore.Open(filepath.Join(dir, "meta.gob"), nil)
	if err != nil {
		t.Fatal(err)
	}
	l, err := Open(filepath.Join(dir, "synclog.gob"), meta, nil)
	if err != nil {
		t.Fatal(err)
	}
	return l, meta
}

func TestSyncLogBasics(t *testing.T) {
	Convey("Given an empty sync log", t, func() {
		l, meta := openTestLog(t)

		Convey("appending a new entry makes the log non-empty", func() {
			So(l.AppendNew("/a", remote.TypeFile, 0, 0), ShouldBeNil)
			So(l.Len(), ShouldEqual, 1)
			So(l.IsNew("/a"), ShouldBeTrue)
			So(l.IsDirty("/a"), ShouldBeTrue)
		})

		Convey("appending a change creates exactly one change entry regardless of region count", func() {
			r1, _ := region.New(0, 10, make([]byte, 10))
			r2, _ := region.New(20, 30, make([]byte, 10))
			So(l.AppendChange("/a", r1), ShouldBeNil)
			So(l.AppendChange("/a", r2), ShouldBeNil)
			So(l.Len(), ShouldEqual, 1)

			e, fc, ok := l.Oldest()
			So(ok, ShouldBeTrue)
			So(e.Kind, ShouldEqual, KindChange)
			So(len(fc.Regions), ShouldEqual, 2)
		})

		Convey("unlinking a file that was never synced (isNew) compacts away all trace of it", func() {
			So(l.AppendNew("/a", remote.TypeFile, 0, 0), ShouldBeNil)
			r1, _ := region.New(0, 5, make([]byte, 5))
			So(l.AppendChange("/a", r1), ShouldBeNil)
			So(l.AppendUnlink("/a", remote.TypeFile), ShouldBeNil)
			So(l.Len(), ShouldEqual, 0)
			So(l.IsDirty("/a"), ShouldBeFalse)
		})

		Convey("unlinking a file that was already synced appends a plain unlink entry", func() {
			So(l.AppendUnlink("/a", remote.TypeFile), ShouldBeNil)
			So(l.Len(), ShouldEqual, 1)
			So(l.IsUnlinked("/a"), ShouldBeTrue)
		})

		Convey("a rename of a never-synced file folds into its existing entries instead of emitting a rename", func() {
			So(l.AppendNew("/a", remote.TypeFile, 0, 0), ShouldBeNil)
			So(l.AppendRename("/a", "/b", false), ShouldBeNil)
			So(l.Len(), ShouldEqual, 1)
			So(l.IsNew("/b"), ShouldBeTrue)
			So(l.IsNew("/a"), ShouldBeFalse)
		})

		Convey("a rename of an already-synced file appends a rename entry", func() {
			So(l.AppendRename("/a", "/b", false), ShouldBeNil)
			So(l.Len(), ShouldEqual, 1)
			e, _, _ := l.Oldest()
			So(e.Kind, ShouldEqual, KindRename)
			So(e.OldPath, ShouldEqual, "/a")
			So(e.NewPath, ShouldEqual, "/b")
		})

		Convey("a directory rename retargets descendant entries too", func() {
			So(l.AppendNew("/dir", remote.TypeDir, 0, 0), ShouldBeNil)
			So(l.AppendNew("/dir/child", remote.TypeFile, 0, 0), ShouldBeNil)
			So(l.AppendRename("/dir", "/dir2", true), ShouldBeNil)
			So(l.IsNew("/dir2"), ShouldBeTrue)
			So(l.IsNew("/dir2/child"), ShouldBeTrue)
			So(l.IsNew("/dir/child"), ShouldBeFalse)
		})

		Convey("Finish removes the entry and advances the consumer checkpoint", func() {
			So(l.AppendUnlink("/a", remote.TypeFile), ShouldBeNil)
			e, _, _ := l.Oldest()
			So(l.Finish(e.Seq, true), ShouldBeNil)
			So(l.Len(), ShouldEqual, 0)
			So(meta.ConsumerSeq(ConsumerName), ShouldEqual, e.Seq)
		})

		Convey("WaitNonEmpty on an empty log returns false once the context is cancelled", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			ok := l.WaitNonEmpty(ctx)
			So(ok, ShouldBeFalse)
		})

		Convey("Pause prevents WaitNonEmpty from observing new entries until Resume", func() {
			l.Pause()
			So(l.AppendNew("/a", remote.TypeFile, 0, 0), ShouldBeNil)

			done := make(chan bool, 1)
			go func() { done <- l.WaitNonEmpty(context.Background()) }()

			select {
			case <-done:
				t.Fatal("WaitNonEmpty returned while paused")
			case <-time.After(30 * time.Millisecond):
			}

			l.Resume()
			select {
			case ok := <-done:
				So(ok, ShouldBeTrue)
			case <-time.After(time.Second):
				t.Fatal("WaitNonEmpty did not wake after Resume")
			}
		})
	})
}

func TestSyncLogCheckpointRoundTrip(t *testing.T) {
	Convey("Given a log with pending entries", t, func() {
		dir := t.TempDir()
		meta, err := metastore.Open(filepath.Join(dir, "meta.gob"), nil)
		So(err, ShouldBeNil)
		logPath := filepath.Join(dir, "synclog.gob")
		l, err := Open(logPath, meta, nil)
		So(err, ShouldBeNil)

		So(l.AppendUnlink("/a", remote.TypeFile), ShouldBeNil)
		r, _ := region.New(0, 4, make([]byte, 4))
		So(l.AppendChange("/b", r), ShouldBeNil)

		Convey("Checkpoint then reopening recovers all entries and file-changes", func() {
			So(l.Checkpoint(), ShouldBeNil)

			l2, err := Open(logPath, meta, nil)
			So(err, ShouldBeNil)
			So(l2.Len(), ShouldEqual, 2)
			So(l2.IsUnlinked("/a"), ShouldBeTrue)

			e, fc, ok := l2.Oldest()
			So(ok, ShouldBeTrue)
			So(e.Kind, ShouldEqual, KindUnlink)
			So(fc, ShouldBeNil)

			So(l2.Finish(e.Seq, true), ShouldBeNil)
			e, fc, ok = l2.Oldest()
			So(ok, ShouldBeTrue)
			So(e.Kind, ShouldEqual, KindChange)
			So(len(fc.Regions), ShouldEqual, 1)
		})
	})
}
