// Package cachepolicy implements the cache-policy lookup: a mapping
// from path-prefix to always-cache/never-cache, inherited from the
// deepest listed ancestor, defaulting to always-cache, with root always
// cached. The rules themselves are loaded from INI rule files under
// cache.spec_dir (see the config package); this package is just the
// lookup structure and the sys.should-cache xattr's three-state rendering.
package cachepolicy

import (
	"fmt"
	"strings"
	"sync"
)

// Decision is an explicit rule set on a path prefix.
type Decision int

const (
	// Inherit means "use whatever the deepest listed ancestor says",
	// which is the implicit state of any prefix with no explicit rule.
	Inherit Decision = iota
	Always
	Never
)

// Policy holds the explicit per-prefix rules.
type Policy struct {
	mu    sync.RWMutex
	rules map[string]Decision
}

// New returns an empty Policy (everything defaults to always-cache).
func New() *Policy {
	return &Policy{rules: make(map[string]Decision)}
}

// SetRule pins prefix to d. Setting Inherit removes any explicit rule,
// falling back to ancestor lookup.
func (p *Policy) SetRule(prefix string, d Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d == Inherit {
		delete(p.rules, prefix)
		return
	}
	p.rules[prefix] = d
}

func ancestors(path string) []string {
	if path == "/" {
		return []string{"/"}
	}
	out := []string{path}
	for p := path; p != "/" && p != "."; {
		p = strings.TrimSuffix(p, "/")
		idx := strings.LastIndexByte(p, '/')
		if idx <= 0 {
			out = append(out, "/")
			break
		}
		p = p[:idx]
		out = append(out, p)
	}
	return out
}

// ruleLocked returns the explicit rule at path and whether one exists.
func (p *Policy) ruleLocked(path string) (Decision, bool) {
	d, ok := p.rules[path]
	return d, ok
}

// resolve walks path's ancestors from deepest to root, returning the
// first explicit rule found, or Always if none exists (root is always
// cached, and unlisted paths default to always-cache).
func (p *Policy) resolve(path string) Decision {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, anc := range ancestors(path) {
		if d, ok := p.ruleLocked(anc); ok {
			return d
		}
	}
	return Always
}

// ShouldCache implements the ShouldCache(p) predicate.
func (p *Policy) ShouldCache(path string) bool {
	if path == "/" {
		return true
	}
	return p.resolve(path) == Always
}

// Xattr renders the sys.should-cache value for path: "+" when path itself
// is explicitly pinned always-cache, "-" when explicitly never-cache, or
// "= (+)"/"= (-)" when it inherits the shown resolved value.
func (p *Policy) Xattr(path string) string {
	p.mu.RLock()
	d, explicit := p.ruleLocked(path)
	p.mu.RUnlock()

	if explicit {
		if d == Always {
			return "+"
		}
		return "-"
	}
	if p.ShouldCache(path) {
		return "= (+)"
	}
	return "= (-)"
}

// SetXattr applies a sys.should-cache set: "+" pins always-cache, "-" pins
// never-cache, "=" clears any explicit rule (inherit).
func (p *Policy) SetXattr(path, value string) error {
	switch value {
	case "+":
		p.SetRule(path, Always)
	case "-":
		p.SetRule(path, Never)
	case "=":
		p.SetRule(path, Inherit)
	default:
		return fmt.Errorf("cachepolicy: invalid sys.should-cache value %q", value)
	}
	return nil
}
