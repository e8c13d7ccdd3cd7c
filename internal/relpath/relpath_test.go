package relpath

import "testing"

func TestPathRoundTrip(t *testing.T) {
	cases := []RelRef{
		{RelOid: 1262},                                              // global/1262
		{DBOid: 16384, RelOid: 2001},                                 // base/16384/2001
		{DBOid: 16384, RelOid: 2001, Fork: ForkFSM},                  // base/16384/2001_fsm
		{DBOid: 16384, RelOid: 2001, Segment: 3},                     // base/16384/2001.3
		{DBOid: 16384, RelOid: 2001, Fork: ForkVM, Segment: 2},       // base/16384/2001_vm.2
		{Tablespace: 16385, VersionLabel: "PG_16_202307071", DBOid: 5, RelOid: 99},
	}
	for _, want := range cases {
		path := want.Path()
		got, ok := Classify(path)
		if !ok {
			t.Fatalf("Classify(%q) failed to match", path)
		}
		if got != want {
			t.Errorf("Classify(%q) = %+v, want %+v", path, got, want)
		}
	}
}

func TestClassifyRejectsNonRelationPaths(t *testing.T) {
	nonRel := []string{
		"PG_VERSION",
		"postgresql.conf",
		"pg_wal/000000010000000000000001",
		"base/16384/PG_VERSION",
		"global/pg_control",
		"base/16384/2001_bogus",
	}
	for _, p := range nonRel {
		if _, ok := Classify(p); ok {
			t.Errorf("Classify(%q) unexpectedly matched", p)
		}
	}
}

func TestIsSpecialFile(t *testing.T) {
	if !IsSpecialFile("postmaster.pid") || !IsSpecialFile("postmaster.opts") {
		t.Error("expected postmaster files to be special")
	}
	if IsSpecialFile("base/1/2") {
		t.Error("base/1/2 should not be special")
	}
}

func TestIsTemporaryFile(t *testing.T) {
	temp := []string{
		"base/16384/pgsql_tmp",
		"base/16384/pgsql_tmp/pgsql_tmp12345.0",
		"base/16384/pgsql_tmp12345.0",
	}
	for _, p := range temp {
		if !IsTemporaryFile(p) {
			t.Errorf("IsTemporaryFile(%q) = false, want true", p)
		}
	}
	if IsTemporaryFile("base/16384/2001") {
		t.Error("regular relation file misclassified as temporary")
	}
}

func TestGlobalBlockToSegment(t *testing.T) {
	cases := []struct {
		block   uint32
		wantSeg int
		wantLoc uint32
	}{
		{0, 0, 0},
		{SegmentBlocks - 1, 0, SegmentBlocks - 1},
		{SegmentBlocks, 1, 0},
		{SegmentBlocks + 100, 1, 100},
		{2 * SegmentBlocks, 2, 0},
	}
	for _, c := range cases {
		seg, loc := GlobalBlockToSegment(c.block)
		if seg != c.wantSeg || loc != c.wantLoc {
			t.Errorf("GlobalBlockToSegment(%d) = (%d, %d), want (%d, %d)",
				c.block, seg, loc, c.wantSeg, c.wantLoc)
		}
	}
}
