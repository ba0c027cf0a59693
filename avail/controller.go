// Package avail implements the availability controller: a heartbeat
// that probes the remote every 5s while disconnected and attempts to
// mount it, or verifies the mount is still live while connected,
// publishing a single up/down flag the cache manager and sync worker
// both read.
//
// Grounded on muxfys's own remote-probe/backoff pattern (New/clientBackoff
// in muxfys.go): the controller carries the same jpillora/backoff config
// (100ms min, 10s max, factor 3, jitter), but only reports its next
// duration in the debug log of a failed mount attempt and resets it on a
// successful one. Probes and mount attempts always run on the fixed 5s
// heartbeat; the backoff does not change that cadence.
package avail

import (
	"context"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/jpillora/backoff"

	"github.com/sb10/tsumufs/remote"
)

const heartbeatInterval = 5 * time.Second

// Controller runs the heartbeat goroutine and exposes Up() to readers
// (cachemgr.Availability, syncworker's own Availability interface).
type Controller struct {
	Remote remote.Backend
	Log15  log15.Logger

	mu               sync.RWMutex
	up               bool
	forcedDisconnect bool

	backoff *backoff.Backoff

	notify func(up bool) // optional, called on every transition
}

// New builds a Controller. notify, if non-nil, is called (off the
// heartbeat goroutine's own lock) on every up/down transition; UI
// consumption of the notification is out of scope here, so the default
// is a no-op.
func New(remoteBackend remote.Backend, logger log15.Logger, notify func(up bool)) *Controller {
	if logger == nil {
		logger = log15.New()
	}
	c := &Controller{
		Remote: remoteBackend,
		Log15:  logger.New("component", "avail"),
		notify: notify,
		backoff: &backoff.Backoff{
			Min:    100 * time.Millisecond,
			Max:    10 * time.Second,
			Factor: 3,
			Jitter: true,
		},
	}
	return c
}

// Up reports the current availability flag.
func (c *Controller) Up() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.up
}

// ForceDisconnect sets or clears the user-forced-disconnect flag (wired
// to the `force_disconnect` config option and the `sys.force-disconnect`
// xattr). While set, the heartbeat never attempts to mount, and setting
// it forces an immediate down transition.
func (c *Controller) ForceDisconnect(forced bool) {
	c.mu.Lock()
	c.forcedDisconnect = forced
	wasUp := c.up
	if forced {
		c.up = false
	}
	c.mu.Unlock()
	if forced && wasUp {
		c.fire(false)
	}
}

func (c *Controller) Forced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.forcedDisconnect
}

func (c *Controller) setUp(up bool) {
	c.mu.Lock()
	changed := c.up != up
	c.up = up
	c.mu.Unlock()
	if changed {
		c.fire(up)
	}
}

func (c *Controller) fire(up bool) {
	c.Log15.Info("availability changed", "up", up)
	if c.notify != nil {
		c.notify(up)
	}
}

// Run drives the heartbeat until ctx is cancelled. Intended to run in
// its own goroutine for the lifetime of the daemon, as the sole
// availability-heartbeat thread.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	if c.Forced() {
		c.setUp(false)
		return
	}

	if c.Up() {
		if !c.Remote.Ping(ctx) {
			c.setUp(false)
			_ = c.Remote.Unmount(ctx)
		}
		return
	}

	if !c.Remote.Ping(ctx) {
		return
	}
	if err := c.Remote.Mount(ctx); err != nil {
		c.Log15.Debug("mount attempt failed", "err", err, "backoff", c.backoff.Duration())
		return
	}
	c.backoff.Reset()
	c.setUp(true)
}
