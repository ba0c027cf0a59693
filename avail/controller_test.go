package avail

import (
	"context"
	"os"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/sb10/tsumufs/remote"
)

func TestControllerTick(t *testing.T) {
	Convey("Given a controller over a reachable Posix remote", t, func() {
		dir := t.TempDir()
		So(os.MkdirAll(dir, 0755), ShouldBeNil)
		rb := remote.NewPosix(dir)
		ctx := context.Background()

		var transitions []bool
		c := New(rb, nil, func(up bool) { transitions = append(transitions, up) })

		Convey("the first tick mounts and flips the flag up", func() {
			c.tick(ctx)
			So(c.Up(), ShouldBeTrue)
			So(transitions, ShouldResemble, []bool{true})
		})

		Convey("a forced disconnect takes it down regardless of reachability", func() {
			c.tick(ctx)
			So(c.Up(), ShouldBeTrue)

			c.ForceDisconnect(true)
			So(c.Up(), ShouldBeFalse)
			So(c.Forced(), ShouldBeTrue)

			c.tick(ctx)
			So(c.Up(), ShouldBeFalse)
		})

		Convey("once unreachable a connected controller goes back down", func() {
			c.tick(ctx)
			So(c.Up(), ShouldBeTrue)

			So(os.RemoveAll(dir), ShouldBeNil)
			c.tick(ctx)
			So(c.Up(), ShouldBeFalse)
		})
	})
}
