// Package region implements the fused, non-overlapping byte-region
// bookkeeping used by the sync log to describe pending writes to a
// cached file ahead of propagation to the remote.
//
// The merge case-split (perfect/left-adjacent/right-adjacent/inner-overlap/
// outer-overlap/left-overlap/right-overlap) follows dataregion.py's
// DataRegionDocument.canMerge/mergeWith from the original TsumuFS source.
package region

import "fmt"

// Region is a contiguous byte range with the bytes that were written there.
// The invariant End-Start == len(Bytes) is enforced by New.
type Region struct {
	Start int64
	End   int64
	Bytes []byte
}

// New builds a Region, rejecting empty or malformed ranges (B1, B2).
func New(start, end int64, data []byte) (Region, error) {
	if end < start {
		return Region{}, fmt.Errorf("region: end %d before start %d", end, start)
	}
	if end-start != int64(len(data)) {
		return Region{}, fmt.Errorf("region: range %d-%d does not match data length %d", start, end, len(data))
	}
	if end == start {
		return Region{}, fmt.Errorf("region: empty range %d-%d", start, end)
	}
	return Region{Start: start, End: end, Bytes: data}, nil
}

func (r Region) String() string {
	return fmt.Sprintf("[%d:%d](%d)", r.Start, r.End, len(r.Bytes))
}

type mergeKind int

const (
	noMerge mergeKind = iota
	perfectOverlap
	leftAdjacent
	rightAdjacent
	innerOverlap
	outerOverlap
	leftOverlap
	rightOverlap
)

// canMerge classifies how `incoming` relates to `existing`, mirroring
// DataRegionDocument.canMerge exactly (existing is "self", incoming is the
// argument).
func canMerge(existing, incoming Region) mergeKind {
	switch {
	case incoming.Start == existing.Start && incoming.End == existing.End:
		return perfectOverlap
	case incoming.Start < existing.Start && incoming.End == existing.Start:
		return leftAdjacent
	case incoming.End > existing.End && incoming.Start == existing.End:
		return rightAdjacent
	case incoming.Start > existing.Start && incoming.End < existing.End:
		return innerOverlap
	case incoming.Start < existing.Start && incoming.End > existing.End:
		return outerOverlap
	case incoming.End >= existing.Start && incoming.End <= existing.End && incoming.Start <= existing.Start:
		return leftOverlap
	case incoming.Start >= existing.Start && incoming.Start <= existing.End && incoming.End >= existing.End:
		return rightOverlap
	default:
		return noMerge
	}
}

// mergeWith merges `incoming` into `existing`, with later writes (incoming)
// taking precedence over earlier ones (existing) in any overlap, matching
// mergeWith's byte-slicing for each case.
func mergeWith(existing, incoming Region) Region {
	switch canMerge(existing, incoming) {
	case outerOverlap, perfectOverlap:
		return incoming
	case innerOverlap:
		startOffset := incoming.Start - existing.Start
		endOffset := int64(len(existing.Bytes)) - (existing.End - incoming.End)
		data := make([]byte, 0, len(existing.Bytes)-len(incoming.Bytes)+len(incoming.Bytes))
		data = append(data, existing.Bytes[:startOffset]...)
		data = append(data, incoming.Bytes...)
		data = append(data, existing.Bytes[endOffset:]...)
		return Region{Start: existing.Start, End: existing.End, Bytes: data}
	case leftOverlap:
		startOffset := incoming.End - existing.Start
		data := make([]byte, 0, len(incoming.Bytes)+len(existing.Bytes)-int(startOffset))
		data = append(data, incoming.Bytes...)
		data = append(data, existing.Bytes[startOffset:]...)
		return Region{Start: incoming.Start, End: existing.End, Bytes: data}
	case rightOverlap:
		endOffset := int64(len(existing.Bytes)) - (existing.End - incoming.Start)
		data := make([]byte, 0, int(endOffset)+len(incoming.Bytes))
		data = append(data, existing.Bytes[:endOffset]...)
		data = append(data, incoming.Bytes...)
		return Region{Start: existing.Start, End: incoming.End, Bytes: data}
	case leftAdjacent:
		data := make([]byte, 0, len(incoming.Bytes)+len(existing.Bytes))
		data = append(data, incoming.Bytes...)
		data = append(data, existing.Bytes...)
		return Region{Start: incoming.Start, End: existing.End, Bytes: data}
	case rightAdjacent:
		data := make([]byte, 0, len(existing.Bytes)+len(incoming.Bytes))
		data = append(data, existing.Bytes...)
		data = append(data, incoming.Bytes...)
		return Region{Start: existing.Start, End: incoming.End, Bytes: data}
	default:
		panic("region: mergeWith called on non-overlapping, non-adjacent regions")
	}
}

// Set is a sorted, non-overlapping, non-adjacent collection of Regions.
type Set []Region

// Fuse inserts `incoming` into the set, merging it with every region it
// overlaps or touches, and returns the updated, still-sorted, still
// non-overlapping/non-adjacent set. It follows FileChangeDocument.addDataChange:
// walk the existing regions in order, accumulating merges into `incoming`
// while they touch, flushing the accumulator out whenever a gap is found.
func (s Set) Fuse(incoming Region) Set {
	if len(s) == 0 {
		return Set{incoming}
	}

	out := make(Set, 0, len(s)+1)
	acc := incoming
	for _, existing := range s {
		if canMerge(existing, acc) != noMerge {
			acc = mergeWith(existing, acc)
		} else {
			out = append(out, existing)
		}
	}
	out = append(out, acc)

	return out.sorted()
}

func (s Set) sorted() Set {
	out := make(Set, len(s))
	copy(out, s)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Start > out[j].Start; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Truncate rewrites the set so that no region has End > newSize: regions
// fully beyond newSize are dropped, partially-straddling ones clipped.
func (s Set) Truncate(newSize int64) Set {
	out := make(Set, 0, len(s))
	for _, r := range s {
		if r.Start >= newSize {
			continue
		}
		if r.End <= newSize {
			out = append(out, r)
			continue
		}
		out = append(out, Region{Start: r.Start, End: newSize, Bytes: r.Bytes[:newSize-r.Start]})
	}
	return out
}

// Apply renders the effect of applying every region in the set, in
// start-offset order, over base (the previously cached content), returning
// the resulting content. base may be shorter than needed; gaps past len(base)
// not covered by any region are zero-filled (holes left by seek-past-EOF).
func (s Set) Apply(base []byte) []byte {
	size := int64(len(base))
	for _, r := range s {
		if r.End > size {
			size = r.End
		}
	}
	out := make([]byte, size)
	copy(out, base)
	for _, r := range s {
		copy(out[r.Start:r.End], r.Bytes)
	}
	return out
}
