package xattrs

import (
	"github.com/sb10/tsumufs/cachemgr"
	"github.com/sb10/tsumufs/cachepolicy"
	"github.com/sb10/tsumufs/synclog"
)

// Syncer is the subset of the sync worker's controls sys.pause-sync
// needs; satisfied by *syncworker.Worker.
type Syncer interface {
	Pause()
	Resume()
}

// Forcer is the subset of the availability controller's controls
// sys.force-disconnect and sys.connected need; satisfied by
// *avail.Controller.
type Forcer interface {
	Up() bool
	ForceDisconnect(forced bool)
	Forced() bool
}

// RegisterStandard wires every control/introspection xattr into r,
// against the cache manager, cache policy, sync log, sync worker and
// availability controller of one running daemon.
func RegisterStandard(r *Registry, mgr *cachemgr.Manager, policy *cachepolicy.Policy, log *synclog.Log, syncer Syncer, avail Forcer) {
	r.Register("sys.in-cache", Handler{
		Get: func(path string) (string, error) {
			if mgr.Cache.Exists(path) {
				return "1", nil
			}
			return "0", nil
		},
	})

	r.Register("sys.dirty", Handler{
		Get: func(path string) (string, error) {
			if log.IsDirty(path) {
				return "1", nil
			}
			return "0", nil
		},
	})

	r.Register("sys.should-cache", Handler{
		Get: func(path string) (string, error) {
			return policy.Xattr(path), nil
		},
		Set: func(path, value string) error {
			return policy.SetXattr(path, value)
		},
	})

	r.Register("sys.pause-sync", Handler{
		Get: func(path string) (string, error) {
			if log.Paused() {
				return "1", nil
			}
			return "0", nil
		},
		Set: func(path, value string) error {
			if value == "1" {
				log.Pause()
				syncer.Pause()
			} else {
				log.Resume()
				syncer.Resume()
			}
			return nil
		},
	})

	r.Register("sys.force-disconnect", Handler{
		Get: func(path string) (string, error) {
			if avail.Forced() {
				return "1", nil
			}
			return "0", nil
		},
		Set: func(path, value string) error {
			avail.ForceDisconnect(value == "1")
			return nil
		},
	})

	r.Register("sys.connected", Handler{
		Get: func(path string) (string, error) {
			if avail.Up() {
				return "1", nil
			}
			return "0", nil
		},
	})

	r.Register("sys.synclog", Handler{
		Get: func(path string) (string, error) {
			return log.Dump(), nil
		},
	})
}
