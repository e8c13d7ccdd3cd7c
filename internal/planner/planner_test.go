package planner

import (
	"testing"

	"github.com/chocapikk/pgresync/internal/filemap"
	"github.com/chocapikk/pgresync/internal/relpath"
)

type fakeTarget struct {
	entries map[string]struct {
		typ  filemap.FileType
		size int64
	}
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{entries: make(map[string]struct {
		typ  filemap.FileType
		size int64
	})}
}

func (f *fakeTarget) put(path string, typ filemap.FileType, size int64) {
	f.entries[path] = struct {
		typ  filemap.FileType
		size int64
	}{typ, size}
}

func (f *fakeTarget) Stat(path string) (bool, filemap.FileType, int64, string, error) {
	e, ok := f.entries[path]
	if !ok {
		return false, 0, 0, "", nil
	}
	return true, e.typ, e.size, "", nil
}

func TestOnSourceEntryNewDirectory(t *testing.T) {
	target := newFakeTarget()
	p := New(target)
	if err := p.OnSourceEntry("pg_tblspc", filemap.TypeDirectory, 0, ""); err != nil {
		t.Fatalf("OnSourceEntry: %v", err)
	}
	plan := finalizePlan(t, p)
	if plan[0].Action != filemap.ActionCreate {
		t.Errorf("got %v, want Create", plan[0].Action)
	}
}

func TestOnSourceEntryRelationFileSizeComparisons(t *testing.T) {
	target := newFakeTarget()
	target.put("base/16384/2001", filemap.TypeRegular, 3*8192)
	p := New(target)
	if err := p.OnSourceEntry("base/16384/2001", filemap.TypeRegular, 5*8192, ""); err != nil {
		t.Fatalf("OnSourceEntry: %v", err)
	}
	entry, ok := p.fm.Lookup("base/16384/2001")
	if !ok || entry.Action != filemap.ActionCopyTail {
		t.Fatalf("got %+v, want CopyTail", entry)
	}
}

func TestOnSourceEntryTruncate(t *testing.T) {
	target := newFakeTarget()
	target.put("base/16384/2001", filemap.TypeRegular, 9*8192)
	p := New(target)
	if err := p.OnSourceEntry("base/16384/2001", filemap.TypeRegular, 5*8192, ""); err != nil {
		t.Fatalf("OnSourceEntry: %v", err)
	}
	entry, _ := p.fm.Lookup("base/16384/2001")
	if entry.Action != filemap.ActionTruncate {
		t.Errorf("got %v, want Truncate", entry.Action)
	}
}

func TestOnSourceEntryPGVersionNeverOverwritten(t *testing.T) {
	target := newFakeTarget()
	target.put("PG_VERSION", filemap.TypeRegular, 4)
	p := New(target)
	if err := p.OnSourceEntry("PG_VERSION", filemap.TypeRegular, 4, ""); err != nil {
		t.Fatalf("OnSourceEntry: %v", err)
	}
	entry, _ := p.fm.Lookup("PG_VERSION")
	if entry.Action != filemap.ActionNone {
		t.Errorf("got %v, want None", entry.Action)
	}
}

func TestOnSourceEntryIgnoresSpecialAndTempFiles(t *testing.T) {
	target := newFakeTarget()
	p := New(target)
	for _, path := range []string{"postmaster.pid", "base/1/pgsql_tmp/pgsql_tmp1.0"} {
		if err := p.OnSourceEntry(path, filemap.TypeRegular, 0, ""); err != nil {
			t.Fatalf("OnSourceEntry(%q): %v", path, err)
		}
	}
	if p.fm.Len() != 0 {
		t.Errorf("expected special/temp files to be ignored, got %d entries", p.fm.Len())
	}
}

func TestOnSourceEntryRejectsNonRegularDataFile(t *testing.T) {
	target := newFakeTarget()
	p := New(target)
	if err := p.OnSourceEntry("base/16384/2001", filemap.TypeDirectory, 0, ""); err == nil {
		t.Fatal("expected an error for a relation path that isn't a regular file")
	}
}

func TestOnTargetEntryMarksRemoveForMissingSourcePath(t *testing.T) {
	target := newFakeTarget()
	p := New(target)
	if err := p.OnSourceEntry("base/16384/1", filemap.TypeRegular, 8192, ""); err != nil {
		t.Fatalf("OnSourceEntry: %v", err)
	}
	if err := p.OnTargetEntry(TargetEntry{Path: "base/16384/1", Type: filemap.TypeRegular}); err != nil {
		t.Fatalf("OnTargetEntry: %v", err)
	}
	if err := p.OnTargetEntry(TargetEntry{Path: "base/16384/stale", Type: filemap.TypeRegular}); err != nil {
		t.Fatalf("OnTargetEntry: %v", err)
	}
	entry, ok := p.fm.Lookup("base/16384/stale")
	if !ok || entry.Action != filemap.ActionRemove {
		t.Fatalf("got %+v, want Remove", entry)
	}
}

func TestOnPageChangeBeforeBeginPageChangesErrors(t *testing.T) {
	p := New(newFakeTarget())
	if err := p.OnPageChange(relpath.RelRef{DBOid: 1, RelOid: 2}, 0); err == nil {
		t.Fatal("expected an error when page changes start before BeginPageChanges")
	}
}

func TestOnPageChangeAddsBlockWithinNewSize(t *testing.T) {
	target := newFakeTarget()
	target.put("base/16384/2001", filemap.TypeRegular, 3*8192)
	p := New(target)
	if err := p.OnSourceEntry("base/16384/2001", filemap.TypeRegular, 10*8192, ""); err != nil {
		t.Fatalf("OnSourceEntry: %v", err)
	}
	if err := p.BeginPageChanges(); err != nil {
		t.Fatalf("BeginPageChanges: %v", err)
	}
	if err := p.OnPageChange(relpath.RelRef{DBOid: 16384, RelOid: 2001}, 2); err != nil {
		t.Fatalf("OnPageChange: %v", err)
	}
	entry, _ := p.fm.Lookup("base/16384/2001")
	if entry.Pages == nil || !entry.Pages.Has(2) {
		t.Errorf("expected block 2 recorded, got %v", entry.Pages)
	}
}

func TestFinalizeOrdering(t *testing.T) {
	target := newFakeTarget()
	target.put("base/16384/old", filemap.TypeRegular, 0)
	p := New(target)
	if err := p.OnSourceEntry("base/16384/new", filemap.TypeRegular, 8192, ""); err != nil {
		t.Fatalf("OnSourceEntry: %v", err)
	}
	if err := p.OnTargetEntry(TargetEntry{Path: "base/16384/new", Type: filemap.TypeRegular}); err != nil {
		t.Fatalf("OnTargetEntry: %v", err)
	}
	if err := p.OnTargetEntry(TargetEntry{Path: "base/16384/old", Type: filemap.TypeRegular}); err != nil {
		t.Fatalf("OnTargetEntry: %v", err)
	}
	plan := p.Finalize()
	if len(plan) != 2 {
		t.Fatalf("got %d entries, want 2", len(plan))
	}
	if plan[0].Action == filemap.ActionRemove {
		t.Error("REMOVE entries should sort after COPY entries")
	}
}

func finalizePlan(t *testing.T, p *Planner) []*filemap.Entry {
	t.Helper()
	if err := p.BeginPageChanges(); err != nil {
		t.Fatalf("BeginPageChanges: %v", err)
	}
	return p.Finalize()
}
