// Command tsumufsd mounts a disconnected, offline-caching overlay
// filesystem at a local mount point, backed by a remote the daemon
// caches against and periodically reconciles with.
//
// Wiring follows New()/Mount()/Unmount() in muxfys.go.teacher: build
// every component, start the availability heartbeat and sync worker as
// background goroutines, mount, then block until signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/inconshreveable/log15"

	"github.com/sb10/tsumufs/avail"
	"github.com/sb10/tsumufs/cachemgr"
	"github.com/sb10/tsumufs/cachepolicy"
	"github.com/sb10/tsumufs/cachestore"
	"github.com/sb10/tsumufs/conflict"
	"github.com/sb10/tsumufs/config"
	"github.com/sb10/tsumufs/fsbridge"
	"github.com/sb10/tsumufs/metastore"
	"github.com/sb10/tsumufs/pathlock"
	"github.com/sb10/tsumufs/remote"
	"github.com/sb10/tsumufs/synclog"
	"github.com/sb10/tsumufs/syncworker"
	"github.com/sb10/tsumufs/xattrs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tsumufsd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("c", "tsumufsd.yml", "path to the daemon's YAML config file")
	mountPoint := flag.String("mount", "", "local mount point (required)")
	verbose := flag.Bool("v", false, "log at info level instead of error level")
	flag.Parse()

	if *mountPoint == "" {
		return fmt.Errorf("-mount is required")
	}

	logLevel := log15.LvlError
	if *verbose {
		logLevel = log15.LvlInfo
	}
	logger := log15.New()
	logger.SetHandler(log15.LvlFilterHandler(logLevel, log15.StderrHandler))
	fsbridge.SetLogHandler(log15.StderrHandler)

	cfg, err := config.Load(*configPath, "tsumufsd")
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := os.MkdirAll(cfg.Cache.BaseDir, 0700); err != nil {
		return fmt.Errorf("creating cache base dir: %w", err)
	}
	if cfg.Metadata.Path == "" {
		cfg.Metadata.Path = filepath.Join(cfg.Cache.BaseDir, "metadata.db")
	}

	cache, err := cachestore.Open(filepath.Join(cfg.Cache.BaseDir, "files"))
	if err != nil {
		return fmt.Errorf("opening cache store: %w", err)
	}

	meta, err := metastore.Open(cfg.Metadata.Path, logger)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}

	synclogPath := filepath.Join(cfg.Cache.BaseDir, "synclog.db")
	synclogger, err := synclog.Open(synclogPath, meta, logger)
	if err != nil {
		return fmt.Errorf("opening sync log: %w", err)
	}

	if cfg.Remote.Type != "" && cfg.Remote.Type != "posix" {
		return fmt.Errorf("unsupported remote.type %q (only \"posix\" is implemented)", cfg.Remote.Type)
	}
	remoteBackend := remote.NewPosix(cfg.Remote.Source)

	policy := cachepolicy.New()
	if err := config.LoadCachePolicy(cfg.Cache.SpecDir, policy); err != nil {
		return fmt.Errorf("loading cache policy: %w", err)
	}
	if cfg.Cache.SpecDir != "" {
		watcher, err := config.WatchSpecDir(cfg.Cache.SpecDir, policy, logger)
		if err != nil {
			return fmt.Errorf("watching cache policy spec dir: %w", err)
		}
		defer watcher.Close()
	}

	locks := pathlock.New()

	availNotify := func(up bool) {
		if up {
			logger.Info("remote became available")
		} else {
			logger.Warn("remote became unavailable")
		}
	}
	availCtl := avail.New(remoteBackend, logger, availNotify)
	if cfg.ForceDisconnect {
		availCtl.ForceDisconnect(true)
	}

	conflictDir := cfg.Conflict.Dir
	if conflictDir == "" {
		conflictDir = "/.conflicts"
	}
	quarantiner := &conflict.Writer{
		Cache:       cache,
		Log:         synclogger,
		ConflictDir: conflictDir,
		Log15:       logger,
	}

	mgr := &cachemgr.Manager{
		Locks:            locks,
		Meta:             meta,
		Cache:            cache,
		Remote:           remoteBackend,
		Log:              synclogger,
		Policy:           policy,
		Avail:            availCtl,
		Conflicts:        quarantiner,
		DefaultCacheMode: os.FileMode(cfg.DefaultCacheMode),
		Log15:            logger,
	}

	worker := syncworker.New(syncworker.Worker{
		Log:         synclogger,
		Remote:      remoteBackend,
		Cache:       cache,
		Meta:        meta,
		Locks:       locks,
		Avail:       availCtl,
		Conflicts:   quarantiner,
		ConflictDir: conflictDir,
		Log15:       logger,
	})
	if cfg.Sync.Pause {
		worker.Pause()
		synclogger.Pause()
	}

	xreg := xattrs.New()
	xattrs.RegisterStandard(xreg, mgr, policy, synclogger, worker, availCtl)

	bridge := fsbridge.New(mgr, xreg, *mountPoint, *verbose)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go availCtl.Run(ctx)
	go worker.Run(ctx)

	if err := os.MkdirAll(*mountPoint, 0755); err != nil {
		return fmt.Errorf("creating mount point: %w", err)
	}
	if err := bridge.Mount(*mountPoint); err != nil {
		return fmt.Errorf("mounting: %w", err)
	}
	logger.Info("mounted", "mountpoint", *mountPoint)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("unmounting", "mountpoint", *mountPoint)
	cancel()
	if err := meta.Checkpoint(); err != nil {
		logger.Warn("final metadata checkpoint failed", "err", err)
	}
	if err := synclogger.Checkpoint(); err != nil {
		logger.Warn("final sync log checkpoint failed", "err", err)
	}
	return bridge.Unmount()
}
