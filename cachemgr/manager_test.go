package cachemgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/sb10/tsumufs/cachepolicy"
	"github.com/sb10/tsumufs/cachestore"
	"github.com/sb10/tsumufs/metastore"
	"github.com/sb10/tsumufs/pathlock"
	"github.com/sb10/tsumufs/region"
	"github.com/sb10/tsumufs/remote"
	"github.com/sb10/tsumufs/synclog"
)

type fakeAvail struct{ up bool }

func (f *fakeAvail) Up() bool { return f.up }

type fakeConflict struct{ quarantined []string }

func (f *fakeConflict) Quarantine(path string) error {
	f.quarantined = append(f.quarantined, path)
	return nil
}

func newTestManager(t *testing.T, up bool) (*Manager, *fakeAvail, *fakeConflict) {
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
	rb := remote.NewPosix(filepath.Join(dir, "remote"))
	if err := os.MkdirAll(rb.Root, 0755); err != nil {
		t.Fatal(err)
	}

	avail := &fakeAvail{up: up}
	conflicts := &fakeConflict{}

	m := &Manager{
		Locks:            pathlock.New(),
		Meta:             meta,
		Cache:            cache,
		Remote:           rb,
		Log:              sl,
		Policy:           cachepolicy.New(),
		Avail:            avail,
		Conflicts:        conflicts,
		DefaultCacheMode: 0600,
	}
	return m, avail, conflicts
}

func TestScenario1OfflineCreateThenReconnect(t *testing.T) {
	Convey("Given a disconnected manager", t, func() {
		m, _, _ := newTestManager(t, false)
		caller := CallerContext{UID: 1000, GID: 1000}
		ctx := context.Background()

		Convey("creating and writing a new file logs new+change and nothing else", func() {
			h, err := m.Open(ctx, caller, "/a.txt", os.O_CREATE|os.O_WRONLY)
			So(err, ShouldBeNil)

			n, err := m.Write(ctx, h, 0, []byte("hello"))
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 5)
			So(m.Release(ctx, h), ShouldBeNil)

			So(m.Log.IsNew("/a.txt"), ShouldBeTrue)
			So(m.Log.Len(), ShouldEqual, 2)

			e, fc, ok := m.Log.Oldest()
			So(ok, ShouldBeTrue)
			So(e.Kind, ShouldEqual, synclog.KindNew)
			_ = fc

			data, err := m.Cache.ReadAll("/a.txt")
			So(err, ShouldBeNil)
			So(string(data), ShouldEqual, "hello")
		})
	})
}

func TestScenario5UnlinkOfCachedNeverRemoteFile(t *testing.T) {
	Convey("Given a disconnected manager with a freshly created file", t, func() {
		m, _, _ := newTestManager(t, false)
		caller := CallerContext{UID: 1000, GID: 1000}
		ctx := context.Background()

		h, err := m.Open(ctx, caller, "/x", os.O_CREATE|os.O_WRONLY)
		So(err, ShouldBeNil)
		_, err = m.Write(ctx, h, 0, []byte("Z"))
		So(err, ShouldBeNil)
		So(m.Release(ctx, h), ShouldBeNil)

		Convey("unlinking it offline leaves no trace anywhere", func() {
			So(m.Unlink(ctx, "/x"), ShouldBeNil)
			So(m.Log.Len(), ShouldEqual, 0)
			So(m.Cache.Exists("/x"), ShouldBeFalse)
			_, err := m.Meta.Get("/x")
			So(err, ShouldEqual, metastore.ErrNotFound)
		})
	})
}

func TestScenario6PlannerMergeConflictOnStat(t *testing.T) {
	Convey("Given a manager with a cached, dirty file whose remote copy changed underneath it", t, func() {
		m, _, conflicts := newTestManager(t, true)
		ctx := context.Background()

		posixRemote := m.Remote.(*remote.Posix)
		remotePath := filepath.Join(posixRemote.Root, "c.txt")
		So(os.WriteFile(remotePath, []byte("AAAAA"), 0600), ShouldBeNil)

		So(m.Cache.WriteAll("/c.txt", []byte("AAAAA"), 0600), ShouldBeNil)
		rec := metastore.FileRecord{Path: "/c.txt", Mode: 0600, Mtime: time.Now()}
		So(m.Meta.Put(&rec), ShouldBeNil)
		got, err := m.Meta.Get("/c.txt")
		So(err, ShouldBeNil)
		So(m.Meta.PutCachedRev(got.ID, "0", time.Now().Add(-time.Hour)), ShouldBeNil)

		r, err := region.New(0, 2, []byte("BB"))
		So(err, ShouldBeNil)
		So(m.Log.AppendChange("/c.txt", r), ShouldBeNil)

		Convey("a getattr plans merge-conflict, use-remote and quarantines the path", func() {
			_, err := m.Getattr(ctx, CallerContext{}, "/c.txt")
			So(err, ShouldBeNil)
			So(conflicts.quarantined, ShouldContain, "/c.txt")
		})
	})
}

func TestReaddirUnionsCacheAndRemote(t *testing.T) {
	Convey("Given a manager with a directory cached partially and present on the remote", t, func() {
		m, avail, _ := newTestManager(t, true)
		ctx := context.Background()

		posixRemote := m.Remote.(*remote.Posix)
		So(os.Mkdir(filepath.Join(posixRemote.Root, "d"), 0755), ShouldBeNil)
		So(os.WriteFile(filepath.Join(posixRemote.Root, "d", "remote-only"), []byte("x"), 0600), ShouldBeNil)

		So(m.Cache.Mkdir("/d", 0755), ShouldBeNil)
		So(m.Cache.WriteAll("/d/cache-only", []byte("y"), 0600), ShouldBeNil)

		Convey("readdir while connected returns the union", func() {
			names, err := m.Readdir(ctx, "/d")
			So(err, ShouldBeNil)
			So(names, ShouldContain, "remote-only")
			So(names, ShouldContain, "cache-only")
		})

		Convey("readdir while disconnected returns only the cached listing", func() {
			avail.up = false
			names, err := m.Readdir(ctx, "/d")
			So(err, ShouldBeNil)
			So(names, ShouldContain, "cache-only")
			So(names, ShouldNotContain, "remote-only")
		})
	})
}
