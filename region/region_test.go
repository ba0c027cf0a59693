package region

import (
	"bytes"
	"testing"
)

func mustRegion(t *testing.T, start, end int64, data string) Region {
	t.Helper()
	r, err := New(start, end, []byte(data))
	if err != nil {
		t.Fatalf("New(%d,%d,%q): %s", start, end, data, err)
	}
	return r
}

func TestNewRejectsEmptyAndMismatched(t *testing.T) {
	if _, err := New(5, 5, nil); err == nil {
		t.Fatal("expected error for empty range")
	}
	if _, err := New(0, 5, []byte("ab")); err == nil {
		t.Fatal("expected error for length mismatch")
	}
	if _, err := New(5, 2, []byte("ab")); err == nil {
		t.Fatal("expected error for end before start")
	}
}

func TestFuseAdjacentAndOverlap(t *testing.T) {
	var s Set
	s = s.Fuse(mustRegion(t, 0, 5, "hello"))
	if len(s) != 1 {
		t.Fatalf("expected 1 region, got %d", len(s))
	}

	// right-adjacent
	s = s.Fuse(mustRegion(t, 5, 11, " world"))
	if len(s) != 1 || s[0].Start != 0 || s[0].End != 11 {
		t.Fatalf("expected single fused region [0:11], got %+v", s)
	}
	if string(s[0].Bytes) != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", s[0].Bytes)
	}

	// left overlap sharing the start offset, later write wins
	s = s.Fuse(mustRegion(t, 0, 2, "HE"))
	if string(s[0].Bytes) != "HEllo world" {
		t.Fatalf("expected %q, got %q", "HEllo world", s[0].Bytes)
	}

	// disjoint region stays separate
	s = s.Fuse(mustRegion(t, 100, 103, "xyz"))
	if len(s) != 2 {
		t.Fatalf("expected 2 disjoint regions, got %d: %+v", len(s), s)
	}
	if s[0].Start != 0 || s[1].Start != 100 {
		t.Fatalf("expected sorted regions, got %+v", s)
	}
}

func TestFuseOuterAndLeftOverlap(t *testing.T) {
	var s Set
	s = s.Fuse(mustRegion(t, 10, 15, "BBBBB"))

	// left-overlap: new region starts before, ends inside
	s = s.Fuse(mustRegion(t, 5, 12, "AAAAAAA"))
	if s[0].Start != 5 || s[0].End != 15 {
		t.Fatalf("expected [5:15], got %+v", s[0])
	}
	if string(s[0].Bytes) != "AAAAAAABBB" {
		t.Fatalf("expected %q, got %q", "AAAAAAABBB", s[0].Bytes)
	}

	// outer-overlap: new region fully contains existing
	s = Set{}
	s = s.Fuse(mustRegion(t, 10, 15, "BBBBB"))
	s = s.Fuse(mustRegion(t, 0, 20, bytesOf(20, 'C')))
	if len(s) != 1 || s[0].Start != 0 || s[0].End != 20 {
		t.Fatalf("expected [0:20], got %+v", s)
	}
}

func bytesOf(n int, b byte) string {
	buf := bytes.Repeat([]byte{b}, n)
	return string(buf)
}

func TestTruncateClipsAndDrops(t *testing.T) {
	var s Set
	s = s.Fuse(mustRegion(t, 0, 5, "hello"))
	s = s.Fuse(mustRegion(t, 100, 105, "world"))

	s = s.Truncate(3)
	if len(s) != 1 {
		t.Fatalf("expected region beyond truncation dropped, got %+v", s)
	}
	if s[0].Start != 0 || s[0].End != 3 || string(s[0].Bytes) != "hel" {
		t.Fatalf("expected clipped [0:3] 'hel', got %+v", s[0])
	}
}

func TestApplyZeroFillsGapsAndAppliesInOrder(t *testing.T) {
	var s Set
	s = s.Fuse(mustRegion(t, 2, 4, "XX"))
	out := s.Apply([]byte("aaaaaaaa"))
	if string(out) != "aaXXaaaa" {
		t.Fatalf("expected %q, got %q", "aaXXaaaa", out)
	}

	// region beyond base length extends and zero-fills the gap
	s = Set{}
	s = s.Fuse(mustRegion(t, 10, 12, "ZZ"))
	out = s.Apply([]byte("abc"))
	if len(out) != 12 {
		t.Fatalf("expected length 12, got %d", len(out))
	}
	for i := 3; i < 10; i++ {
		if out[i] != 0 {
			t.Fatalf("expected zero-fill at %d, got %v", i, out[i])
		}
	}
	if string(out[10:12]) != "ZZ" {
		t.Fatalf("expected ZZ at end, got %q", out[10:12])
	}
}
