package p2pdma

import (
	"testing"

	"github.com/etsoc/etsoc-driver/dstatus"
	"github.com/etsoc/etsoc-driver/region"
)

func rec(node region.NodeKind, start, end uint64) region.Record {
	return region.Record{Node: node, Bar: 3, Type: region.TypeScratch, Start: start, End: end}
}

func TestAddResourceSymmetricCompat(t *testing.T) {
	r := New(AlwaysCompatible)

	if _, err := r.AddResource(0, region.TypeScratch, rec(region.Ops, 0, 0x1fffff), 0x80000000); err != nil {
		t.Fatalf("add dev0: %v", err)
	}
	if _, err := r.AddResource(1, region.TypeScratch, rec(region.Ops, 0, 0x1fffff), 0x90000000); err != nil {
		t.Fatalf("add dev1: %v", err)
	}

	b0, _ := r.GetCompatBitmap(0)
	b1, _ := r.GetCompatBitmap(1)

	if b0&(1<<1) == 0 {
		t.Fatalf("expected dev0 compat bit for dev1 set")
	}
	if b1&(1<<0) == 0 {
		t.Fatalf("expected dev1 compat bit for dev0 set")
	}
}

func TestAddResourceIncompatibleDistanceLeavesBitsClear(t *testing.T) {
	incompatible := func(a, b int) (bool, error) { return false, nil }
	r := New(incompatible)

	if _, err := r.AddResource(0, region.TypeScratch, rec(region.Ops, 0, 0xfff), 0x1000); err != nil {
		t.Fatalf("add dev0: %v", err)
	}
	if _, err := r.AddResource(1, region.TypeScratch, rec(region.Ops, 0, 0xfff), 0x2000); err != nil {
		t.Fatalf("add dev1: %v", err)
	}

	b0, _ := r.GetCompatBitmap(0)
	if b0 != 0 {
		t.Fatalf("expected no compat bits set, got %#x", b0)
	}
}

func TestReleaseResourceClearsPeerBit(t *testing.T) {
	r := New(AlwaysCompatible)

	if _, err := r.AddResource(0, region.TypeScratch, rec(region.Ops, 0, 0xfff), 0x1000); err != nil {
		t.Fatalf("add dev0: %v", err)
	}
	if _, err := r.AddResource(1, region.TypeScratch, rec(region.Ops, 0, 0xfff), 0x2000); err != nil {
		t.Fatalf("add dev1: %v", err)
	}

	if err := r.ReleaseResource(1, region.TypeScratch); err != nil {
		t.Fatalf("release dev1: %v", err)
	}

	b0, _ := r.GetCompatBitmap(0)
	if b0 != 0 {
		t.Fatalf("expected dev0's bit for dev1 cleared, got %#x", b0)
	}

	b1, _ := r.GetCompatBitmap(1)
	if b1 != 0 {
		t.Fatalf("expected dev1's own bitmap cleared on last release, got %#x", b1)
	}
}

func TestReleaseResourceUnknownTypeFails(t *testing.T) {
	r := New(AlwaysCompatible)
	if _, err := r.AddResource(0, region.TypeScratch, rec(region.Ops, 0, 0xfff), 0x1000); err != nil {
		t.Fatalf("add dev0: %v", err)
	}

	err := r.ReleaseResource(0, region.TypeTrace)
	if dstatus.CodeOf(err) != dstatus.EINVAL {
		t.Fatalf("expected EINVAL releasing unregistered type, got %v", err)
	}
}

func TestTranslateRejectsAbsentPeer(t *testing.T) {
	r := New(AlwaysCompatible)
	if _, err := r.AddResource(0, region.TypeScratch, rec(region.Ops, 0, 0xfff), 0x1000); err != nil {
		t.Fatalf("add dev0: %v", err)
	}

	_, err := r.Translate(0, []Peer{{Devnum: 5, PhysAddr: 0x1000, Size: 16}})
	if dstatus.CodeOf(err) != dstatus.EOPNOTSUPP {
		t.Fatalf("expected EOPNOTSUPP for absent peer, got %v", err)
	}
}

func TestTranslateRejectsIncompatiblePeer(t *testing.T) {
	incompatible := func(a, b int) (bool, error) { return false, nil }
	r := New(incompatible)

	if _, err := r.AddResource(0, region.TypeScratch, rec(region.Ops, 0, 0xfff), 0x1000); err != nil {
		t.Fatalf("add dev0: %v", err)
	}
	if _, err := r.AddResource(1, region.TypeScratch, rec(region.Ops, 0, 0xfff), 0x2000); err != nil {
		t.Fatalf("add dev1: %v", err)
	}

	_, err := r.Translate(0, []Peer{{Devnum: 1, PhysAddr: 0x2000, Size: 16}})
	if dstatus.CodeOf(err) != dstatus.EOPNOTSUPP {
		t.Fatalf("expected EOPNOTSUPP for incompatible peer, got %v", err)
	}
}

func TestTranslateResolvesEnclosingRegion(t *testing.T) {
	r := New(AlwaysCompatible)
	if _, err := r.AddResource(0, region.TypeScratch, rec(region.Ops, 0, 0xfff), 0x1000); err != nil {
		t.Fatalf("add dev0: %v", err)
	}
	if _, err := r.AddResource(1, region.TypeScratch, rec(region.Ops, 0, 0xfff), 0x2000); err != nil {
		t.Fatalf("add dev1: %v", err)
	}

	got, err := r.Translate(0, []Peer{{Devnum: 1, PhysAddr: 0x2010, Size: 16}})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 translated entry, got %d", len(got))
	}

	wantBase := syntheticBusAddr(1, region.TypeScratch)
	if got[0].BusAddr != wantBase+0x10 {
		t.Fatalf("bus addr = %#x, want %#x", got[0].BusAddr, wantBase+0x10)
	}
}

func TestTranslateRejectsOutOfRangeTransfer(t *testing.T) {
	r := New(AlwaysCompatible)
	if _, err := r.AddResource(0, region.TypeScratch, rec(region.Ops, 0, 0xfff), 0x1000); err != nil {
		t.Fatalf("add dev0: %v", err)
	}
	if _, err := r.AddResource(1, region.TypeScratch, rec(region.Ops, 0, 0xfff), 0x2000); err != nil {
		t.Fatalf("add dev1: %v", err)
	}

	_, err := r.Translate(0, []Peer{{Devnum: 1, PhysAddr: 0x2ff0, Size: 0x100}})
	if dstatus.CodeOf(err) != dstatus.EINVAL {
		t.Fatalf("expected EINVAL for overrunning transfer, got %v", err)
	}
}
