// Package xattrs implements the extended-attribute dispatch table: a
// small explicit registry of {get, set} handlers keyed by xattr name,
// replacing extendedattributes.py's ExtendedAttributes._attributeCallbacks
// class-level dict-of-dicts with a single flat map (no per-node-type
// partitioning survives since every xattr here applies to any path
// type).
package xattrs

import "fmt"

// Handler is one registered extended attribute's get/set pair. Set is
// nil for read-only attributes (sys.in-cache, sys.dirty, sys.connected,
// sys.synclog); calling Set on one of those returns ErrReadOnly.
type Handler struct {
	Get func(path string) (string, error)
	Set func(path string, value string) error
}

// ErrReadOnly is returned by Set/Remove for attributes with no setter.
var ErrReadOnly = fmt.Errorf("xattrs: attribute is read-only")

// ErrUnknown is returned for a name with no registered handler.
var ErrUnknown = fmt.Errorf("xattrs: no such attribute")

// Registry is the live set of registered xattr handlers.
type Registry struct {
	handlers map[string]Handler
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds (or replaces) the handler for name.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Names lists every registered attribute name (for listxattr).
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}

// Get dispatches a getxattr request.
func (r *Registry) Get(path, name string) (string, error) {
	h, ok := r.handlers[name]
	if !ok {
		return "", ErrUnknown
	}
	return h.Get(path)
}

// Set dispatches a setxattr request.
func (r *Registry) Set(path, name, value string) error {
	h, ok := r.handlers[name]
	if !ok {
		return ErrUnknown
	}
	if h.Set == nil {
		return ErrReadOnly
	}
	return h.Set(path, value)
}

// Remove dispatches a removexattr request; none of the registered
// attributes support removal (pin/unpin is done via Set with '='), so
// this always reports read-only for a known name.
func (r *Registry) Remove(path, name string) error {
	if _, ok := r.handlers[name]; !ok {
		return ErrUnknown
	}
	return ErrReadOnly
}
