// Package pathlock implements the keyed, re-entrant mutex registry that
// serializes every cache and remote operation on a given path.
//
// Unlike a fixed-size striped lock pool (compare
// upspin.io/directory/gcp's pathLock, which hashes into a pool of 100
// shared mutexes and accepts false contention between unrelated paths),
// this table allocates one entry per path actually in use and reclaims it
// once nothing references it, so concurrent operations on unrelated paths
// never block each other. Waiters block on a condition variable rather
// than spinning: no goroutine here busy-waits for a lock.
package pathlock

import "sync"

type entry struct {
	cond sync.Cond
	mu   sync.Mutex

	ref       int
	held      bool
	holder    uint64
	holdDepth int
}

func newEntry() *entry {
	e := &entry{}
	e.cond.L = &e.mu
	return e
}

// Table is a registry of per-path locks.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry

	tokenMu   sync.Mutex
	nextToken uint64
}

// New returns a ready-to-use Table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Token identifies one logical operation, so that its re-entrant
// acquisitions of the same path are counted against the same holder (an
// operation that re-enters a path it already holds does not deadlock
// itself, but must release once per acquire).
type Token uint64

// NewToken returns a fresh token for a new logical operation.
func (t *Table) NewToken() Token {
	t.tokenMu.Lock()
	defer t.tokenMu.Unlock()
	t.nextToken++
	return Token(t.nextToken)
}

func (t *Table) refEntry(path string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[path]
	if !ok {
		e = newEntry()
		t.entries[path] = e
	}
	e.ref++
	return e
}

func (t *Table) unrefEntry(path string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.ref--
	if e.ref <= 0 {
		delete(t.entries, path)
	}
}

// Acquire blocks until tok holds exclusive access to path. Re-entry by the
// same token is permitted and counted: a token that acquires N times must
// release N times before another token can proceed.
func (t *Table) Acquire(tok Token, path string) {
	e := t.refEntry(path)

	e.mu.Lock()
	defer e.mu.Unlock()
	for e.held && e.holder != uint64(tok) {
		e.cond.Wait()
	}
	if e.held {
		e.holdDepth++
	} else {
		e.held = true
		e.holder = uint64(tok)
		e.holdDepth = 1
	}
}

// AcquireAll acquires every path in a globally consistent (lexicographic)
// order, as required for multi-path operations like rename to avoid
// deadlock. Paths are deduplicated; a path appearing twice is only
// acquired once.
func (t *Table) AcquireAll(tok Token, paths ...string) []string {
	ordered := sortedUnique(paths)
	for _, p := range ordered {
		t.Acquire(tok, p)
	}
	return ordered
}

// ReleaseAll releases paths previously returned by AcquireAll, in reverse
// order.
func (t *Table) ReleaseAll(tok Token, paths []string) {
	for i := len(paths) - 1; i >= 0; i-- {
		t.Release(tok, paths[i])
	}
}

func sortedUnique(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Release releases one level of tok's hold on path. Panics if tok does not
// hold path (programmer error: callers must pair Acquire/Release 1:1).
func (t *Table) Release(tok Token, path string) {
	t.mu.Lock()
	e, ok := t.entries[path]
	t.mu.Unlock()
	if !ok {
		panic("pathlock: release of unheld path " + path)
	}

	e.mu.Lock()
	if !e.held || e.holder != uint64(tok) {
		e.mu.Unlock()
		panic("pathlock: release by non-holder of " + path)
	}
	e.holdDepth--
	if e.holdDepth == 0 {
		e.held = false
		e.holder = 0
		e.cond.Broadcast()
	}
	e.mu.Unlock()

	t.unrefEntry(path, e)
}
