package remote

import "fmt"

// Kind categorizes a remote error so the cache manager and sync worker
// can decide how to react without string-matching.
type Kind int

const (
	// KindNotFound: no such path. Reported to the caller as ENOENT; never
	// triggers disconnect.
	KindNotFound Kind = iota
	// KindPermission: access denied.
	KindPermission
	// KindExists: create over an existing path.
	KindExists
	// KindNotEmpty: rmdir of a non-empty directory.
	KindNotEmpty
	// KindUnsupported: hardlink, mknod of a special file the backend
	// can't make, etc.
	KindUnsupported
	// KindIOTransient: remote I/O failure or a stale handle. Clears the
	// availability flag, unmounts the remote, and causes a retry loop.
	KindIOTransient
	// KindIOFatal: cache disk full, metadata corrupt. Logged; the
	// operation fails with EIO; not recovered.
	KindIOFatal
	// KindConflict: the sync worker detected divergence between the
	// cached write and the remote's current content.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindPermission:
		return "permission"
	case KindExists:
		return "exists"
	case KindNotEmpty:
		return "not-empty"
	case KindUnsupported:
		return "unsupported"
	case KindIOTransient:
		return "io-transient"
	case KindIOFatal:
		return "io-fatal"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is the categorical error type every Backend method returns on
// failure.
type Error struct {
	Kind Kind
	Path string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote: %s %s: %s (%s)", e.Op, e.Path, e.Err, e.Kind)
	}
	return fmt.Sprintf("remote: %s %s: %s", e.Op, e.Path, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error with the given kind.
func Errorf(kind Kind, op, path string, err error) error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindIOFatal for errors
// that didn't come from this package (an unexpected local failure should
// fail closed rather than silently disconnect).
func KindOf(err error) Kind {
	if err == nil {
		return -1
	}
	var re *Error
	if e, ok := err.(*Error); ok {
		re = e
	} else {
		return KindIOFatal
	}
	return re.Kind
}

// IsTransient reports whether err should clear the availability flag.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == KindIOTransient
}
