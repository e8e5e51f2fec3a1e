package region

import "testing"

func TestListInsertRejectsOverlap(t *testing.T) {
	var l List

	if err := l.Insert(Record{Node: Mgmt, Bar: 0, Type: TypeMgmtVQ, Start: 0x1000, End: 0x1fff}); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	err := l.Insert(Record{Node: Ops, Bar: 0, Type: TypeOpsVQ, Start: 0x1800, End: 0x27ff})
	if err == nil {
		t.Fatalf("expected overlap error")
	}

	if got := l.Snapshot(); len(got) != 1 {
		t.Fatalf("expected rejected insert to leave list untouched, got %d entries", len(got))
	}
}

func TestListInsertAllowsDisjointRanges(t *testing.T) {
	var l List

	if err := l.Insert(Record{Node: Mgmt, Bar: 0, Type: TypeMgmtVQ, Start: 0x1000, End: 0x1fff}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := l.Insert(Record{Node: Ops, Bar: 0, Type: TypeOpsVQ, Start: 0x2000, End: 0x2fff}); err != nil {
		t.Fatalf("second insert: %v", err)
	}

	if got := l.Snapshot(); len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
}

func TestListInsertAllowsSameRangeDifferentBar(t *testing.T) {
	var l List

	if err := l.Insert(Record{Node: Mgmt, Bar: 0, Type: TypeMgmtVQ, Start: 0x1000, End: 0x1fff}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := l.Insert(Record{Node: Ops, Bar: 2, Type: TypeOpsVQ, Start: 0x1000, End: 0x1fff}); err != nil {
		t.Fatalf("same range different bar: %v", err)
	}
}

func TestListRemove(t *testing.T) {
	var l List
	rec := Record{Node: Mgmt, Bar: 0, Type: TypeMgmtVQ, Start: 0x1000, End: 0x1fff}
	if err := l.Insert(rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	l.Remove(Mgmt, TypeMgmtVQ)

	if got := l.Snapshot(); len(got) != 0 {
		t.Fatalf("expected empty list after remove, got %d", len(got))
	}

	// Removing should free the range for reuse.
	if err := l.Insert(rec); err != nil {
		t.Fatalf("reinsert after remove: %v", err)
	}
}

func TestAccessDescriptorAccessibleFrom(t *testing.T) {
	a := AccessDescriptor{MgmtAccessible: true, OpsAccessible: false}

	if !a.AccessibleFrom(Mgmt) {
		t.Fatalf("expected mgmt accessible")
	}
	if a.AccessibleFrom(Ops) {
		t.Fatalf("expected ops not accessible")
	}
}

func TestAccessDescriptorAlignBytes(t *testing.T) {
	a := AccessDescriptor{DMAAlignCode: 2}
	if got, want := a.AlignBytes(), uint64(64); got != want {
		t.Fatalf("align bytes = %d, want %d", got, want)
	}
}

func TestTableGetUnsetEntry(t *testing.T) {
	var tbl Table
	m := tbl.Get(TypeTrace)
	if m.Valid {
		t.Fatalf("expected unset entry to be invalid")
	}
}

func TestTableSetGet(t *testing.T) {
	var tbl Table
	tbl.Set(TypeScratch, Mapped{Valid: true, Size: 4096})

	m := tbl.Get(TypeScratch)
	if !m.Valid || m.Size != 4096 {
		t.Fatalf("unexpected entry: %+v", m)
	}
}
