// Package cachemgr implements the cache manager: the per-path-locked
// policy engine that decides, for every filesystem operation, between
// remote pass-through, cache-read, cache-refresh, or conflict, and
// executes the chosen plan.
package cachemgr

// Opcode is one step of a plan emitted by the planner.
type Opcode int

const (
	OpENOENT Opcode = iota
	OpUseRemote
	OpUseCache
	OpCacheFile
	OpRemoveCache
	OpMergeConflict
)

func (o Opcode) String() string {
	switch o {
	case OpENOENT:
		return "enoent"
	case OpUseRemote:
		return "use-remote"
	case OpUseCache:
		return "use-cache"
	case OpCacheFile:
		return "cache-file"
	case OpRemoveCache:
		return "remove-cache"
	case OpMergeConflict:
		return "merge-conflict"
	default:
		return "unknown"
	}
}

// Plan is an ordered list of opcodes.
type Plan []Opcode

// Inputs are the planner's predicates.
type Inputs struct {
	Cached        bool
	ShouldCache   bool
	RemoteUp      bool
	RemoteChanged bool
	CachedDirty   bool
	ForStat       bool
	// Unlinked is true when the sync log's compaction already shows this
	// path as deleted locally (the footnote on row 2: "unless path is in
	// unlinked-set -> use-cache").
	Unlinked bool
	// Create is true for an O_CREAT open; it rewrites any enoent plan into
	// use-cache.
	Create bool
}

// Compute returns the unique plan for in, per the decision table this
// package implements.
func Compute(in Inputs) Plan {
	p := compute(in)
	if in.Create && len(p) == 1 && p[0] == OpENOENT {
		return Plan{OpUseCache}
	}
	return p
}

func compute(in Inputs) Plan {
	if !in.Cached {
		if !in.RemoteUp {
			return Plan{OpENOENT}
		}
		if !in.ShouldCache {
			if in.Unlinked {
				return Plan{OpUseCache}
			}
			return Plan{OpUseRemote}
		}
		// ShouldCache && RemoteUp
		if in.ForStat {
			return Plan{OpUseRemote}
		}
		return Plan{OpCacheFile, OpUseCache}
	}

	// Cached
	if !in.ShouldCache {
		if in.RemoteUp {
			return Plan{OpRemoveCache, OpUseRemote}
		}
		return Plan{OpRemoveCache, OpENOENT}
	}

	// Cached && ShouldCache
	if in.RemoteUp && in.RemoteChanged {
		if in.CachedDirty {
			return Plan{OpMergeConflict, OpUseRemote}
		}
		return Plan{OpCacheFile, OpUseCache}
	}
	return Plan{OpUseCache}
}
