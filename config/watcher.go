package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/inconshreveable/log15"

	"github.com/sb10/tsumufs/cachepolicy"
)

// SpecWatcher reloads a cache.spec_dir into a cachepolicy.Policy whenever
// the directory changes, so edits to the policy files take effect without
// a daemon restart.
type SpecWatcher struct {
	fsw  *fsnotify.Watcher
	done chan struct{}
}

// WatchSpecDir loads specDir into p once, then starts watching it for
// further writes/creates/removes, reloading p on every change. Rules are
// not unset between reloads, so a prefix whose policy file disappears
// keeps its last-loaded rule until explicitly overridden; this is the
// conservative choice in the absence of defined file-removal semantics.
func WatchSpecDir(specDir string, p *cachepolicy.Policy, logger log15.Logger) (*SpecWatcher, error) {
	if logger == nil {
		logger = log15.New()
	}

	if err := LoadCachePolicy(specDir, p); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if specDir != "" {
		if err := fsw.Add(specDir); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	w := &SpecWatcher{fsw: fsw, done: make(chan struct{})}
	go w.run(specDir, p, logger)
	return w, nil
}

func (w *SpecWatcher) run(specDir string, p *cachepolicy.Policy, logger log15.Logger) {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := LoadCachePolicy(specDir, p); err != nil {
				logger.Warn("reloading cache policy spec dir", "dir", specDir, "err", err)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("watching cache policy spec dir", "dir", specDir, "err", err)
		}
	}
}

// Close stops the watcher goroutine.
func (w *SpecWatcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
