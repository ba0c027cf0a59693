package cachemgr

import "testing"

// TestDecisionTable exercises the full decision table: every named row,
// plus the O_CREAT enoent rewrite.
func TestDecisionTable(t *testing.T) {
	cases := []struct {
		name string
		in   Inputs
		want Plan
	}{
		{"row1 not-cached remote-down", Inputs{Cached: false, RemoteUp: false}, Plan{OpENOENT}},
		{"row2 not-cached never-cache remote-up", Inputs{Cached: false, ShouldCache: false, RemoteUp: true}, Plan{OpUseRemote}},
		{"row2 footnote unlinked", Inputs{Cached: false, ShouldCache: false, RemoteUp: true, Unlinked: true}, Plan{OpUseCache}},
		{"row3 not-cached always-cache remote-up for-stat", Inputs{Cached: false, ShouldCache: true, RemoteUp: true, ForStat: true}, Plan{OpUseRemote}},
		{"row4 not-cached always-cache remote-up not-for-stat", Inputs{Cached: false, ShouldCache: true, RemoteUp: true, ForStat: false}, Plan{OpCacheFile, OpUseCache}},
		{"row5 not-cached always-cache remote-down", Inputs{Cached: false, ShouldCache: true, RemoteUp: false}, Plan{OpENOENT}},
		{"row6 cached never-cache remote-up", Inputs{Cached: true, ShouldCache: false, RemoteUp: true}, Plan{OpRemoveCache, OpUseRemote}},
		{"row7 cached never-cache remote-down", Inputs{Cached: true, ShouldCache: false, RemoteUp: false}, Plan{OpRemoveCache, OpENOENT}},
		{"row8 cached dirty remote-changed", Inputs{Cached: true, ShouldCache: true, RemoteUp: true, RemoteChanged: true, CachedDirty: true}, Plan{OpMergeConflict, OpUseRemote}},
		{"row9 cached clean remote-changed", Inputs{Cached: true, ShouldCache: true, RemoteUp: true, RemoteChanged: true, CachedDirty: false}, Plan{OpCacheFile, OpUseCache}},
		{"row10a cached remote-up not-changed", Inputs{Cached: true, ShouldCache: true, RemoteUp: true, RemoteChanged: false}, Plan{OpUseCache}},
		{"row10b cached remote-down", Inputs{Cached: true, ShouldCache: true, RemoteUp: false}, Plan{OpUseCache}},
		{"O_CREAT rewrites row1 enoent into use-cache", Inputs{Cached: false, RemoteUp: false, Create: true}, Plan{OpUseCache}},
		{"O_CREAT rewrites row5 enoent into use-cache", Inputs{Cached: false, ShouldCache: true, RemoteUp: false, Create: true}, Plan{OpUseCache}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Compute(c.in)
			if len(got) != len(c.want) {
				t.Fatalf("%v: got %v, want %v", c.in, got, c.want)
			}
			for i := range got {
				if got[i] != c.want[i] {
					t.Fatalf("%v: got %v, want %v", c.in, got, c.want)
				}
			}
		})
	}
}
