package fsbridge

import (
	"github.com/inconshreveable/log15"
	"github.com/sb10/l15h"
)

// logHandlerSetter/pkgLogger mirror muxfys's own package-level logger: a
// changeable handler that starts out discarding everything, so that by
// default nothing is logged anywhere except into each FS's own in-memory
// store, until a caller opts in with SetLogHandler.
var (
	logHandlerSetter = l15h.NewChanger(log15.DiscardHandler())
	pkgLogger        = log15.New("pkg", "tsumufs")
)

func init() {
	pkgLogger.SetHandler(l15h.ChangeableHandler(logHandlerSetter))
}

// SetLogHandler defines how log messages (globally for this package) are
// logged as they're emitted. Regardless of this, each FS's own Logs()
// keeps returning what that mount's store has recorded.
func SetLogHandler(h log15.Handler) {
	logHandlerSetter.SetHandler(h)
}

// Logs returns the messages this FS's logger has recorded since New:
// error-level messages only, or info level and above when the FS was
// built verbose. Useful for inspecting a crashed mount's history after
// Unmount.
func (fs *FS) Logs() []string {
	return fs.logStore.Logs()
}

func newMountLogger(mountPoint string, verbose bool) (log15.Logger, *l15h.Store) {
	logger := pkgLogger.New("mount", mountPoint)
	store := l15h.NewStore()

	level := log15.LvlError
	if verbose {
		level = log15.LvlInfo
	}
	l15h.AddHandler(logger, log15.LvlFilterHandler(level, l15h.CallerInfoHandler(l15h.StoreHandler(store, log15.LogfmtFormat()))))
	return logger, store
}
