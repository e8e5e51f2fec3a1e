package dmabuf

import (
	"testing"

	"github.com/etsoc/etsoc-driver/dstatus"
)

func TestMappingRefcountFirstAndLast(t *testing.T) {
	m, err := NewMapping(4096)
	if err != nil {
		t.Fatalf("new mapping: %v", err)
	}

	if first := m.Open(); !first {
		t.Fatalf("expected first open to report firstOpen=true")
	}
	if first := m.Open(); first {
		t.Fatalf("expected second open to report firstOpen=false")
	}

	if last := m.Close(); last {
		t.Fatalf("expected first close (of two) to report lastClose=false")
	}
	if last := m.Close(); !last {
		t.Fatalf("expected second close to report lastClose=true")
	}
}

func TestNewMappingRejectsNonPositiveLength(t *testing.T) {
	if _, err := NewMapping(0); dstatus.CodeOf(err) != dstatus.EINVAL {
		t.Fatalf("expected EINVAL for zero length, got %v", err)
	}
}

func TestRegistryMmapAndFindVMAFor(t *testing.T) {
	var reg Registry

	vma, err := reg.Mmap("dev0:ops", 8192)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	if vma.Mapping.RefCount() != 1 {
		t.Fatalf("expected refcount 1 after mmap, got %d", vma.Mapping.RefCount())
	}

	found, err := reg.FindVMAFor(vma.Start, "dev0:ops")
	if err != nil {
		t.Fatalf("find vma: %v", err)
	}
	if found != vma {
		t.Fatalf("expected to resolve back to the same vma")
	}
}

func TestRegistryFindVMAForWrongEndpointFails(t *testing.T) {
	var reg Registry

	vma, err := reg.Mmap("dev0:ops", 4096)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}

	_, err = reg.FindVMAFor(vma.Start, "dev1:ops")
	if dstatus.CodeOf(err) != dstatus.EFAULT {
		t.Fatalf("expected EFAULT for endpoint mismatch, got %v", err)
	}
}

func TestRegistryFindVMAForUnknownAddrFails(t *testing.T) {
	var reg Registry
	if _, err := reg.FindVMAFor(0xdeadbeef, "dev0:ops"); dstatus.CodeOf(err) != dstatus.EFAULT {
		t.Fatalf("expected EFAULT for unknown address, got %v", err)
	}
}

func TestRegistryUnmapLastCloseFreesAndRemoves(t *testing.T) {
	var reg Registry

	vma, err := reg.Mmap("dev0:ops", 4096)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}

	if last := reg.Unmap(vma); !last {
		t.Fatalf("expected last close on single-ref mapping")
	}
	if reg.Len() != 0 {
		t.Fatalf("expected registry empty after unmap, got %d entries", reg.Len())
	}

	if _, err := reg.FindVMAFor(vma.Start, "dev0:ops"); err == nil {
		t.Fatalf("expected lookup to fail after unmap")
	}
}

func TestCorrelatorInsertRemove(t *testing.T) {
	c := NewCorrelator()

	if err := c.Insert(42, DMAInfo{Tag: 42, Size: 8192}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 pending entry, got %d", c.Len())
	}

	info, ok := c.Remove(42)
	if !ok {
		t.Fatalf("expected tag 42 present")
	}
	if info.Size != 8192 {
		t.Fatalf("unexpected info: %+v", info)
	}

	if _, ok := c.Remove(42); ok {
		t.Fatalf("expected tag 42 gone after removal")
	}
}

func TestCorrelatorRejectsDuplicateInsert(t *testing.T) {
	c := NewCorrelator()
	if err := c.Insert(7, DMAInfo{Tag: 7}); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	err := c.Insert(7, DMAInfo{Tag: 7})
	if dstatus.CodeOf(err) != dstatus.EINVAL {
		t.Fatalf("expected EINVAL on duplicate insert, got %v", err)
	}
}

func TestCorrelatorDiscardAll(t *testing.T) {
	c := NewCorrelator()
	for _, tag := range []uint16{1, 2, 3} {
		if err := c.Insert(tag, DMAInfo{Tag: tag}); err != nil {
			t.Fatalf("insert %d: %v", tag, err)
		}
	}

	discarded := c.DiscardAll()
	if len(discarded) != 3 {
		t.Fatalf("expected 3 discarded entries, got %d", len(discarded))
	}
	if c.Len() != 0 {
		t.Fatalf("expected correlator empty after discard, got %d", c.Len())
	}
}
