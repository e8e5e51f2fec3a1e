package loopback

import (
	"bytes"
	"testing"

	"github.com/etsoc/etsoc-driver/dstatus"
	"github.com/etsoc/etsoc-driver/mmio"
	"github.com/etsoc/etsoc-driver/p2pdma"
)

func TestMoverCopiesBytesBetweenRegisteredDevices(t *testing.T) {
	bus := NewBusRegistry()

	srcMem := mmio.NewRegion(make([]byte, 64))
	dstMem := mmio.NewRegion(make([]byte, 64))

	bus.Register(0, srcMem, 0, 0x1000, 64)
	bus.Register(1, dstMem, 0, 0x2000, 64)

	copy(srcMem.Buf[0x10:0x18], []byte("deadbeef"))

	mover := &Mover{Bus: bus}
	translated := []p2pdma.Translated{{
		Peer:    p2pdma.Peer{Devnum: 1, PhysAddr: 0x2020, Size: 8},
		BusAddr: 0,
	}}

	if err := mover.Move(0, 0x1010, translated); err != nil {
		t.Fatalf("move: %v", err)
	}

	if got := dstMem.Buf[0x20:0x28]; !bytes.Equal(got, []byte("deadbeef")) {
		t.Fatalf("unexpected dst contents: %q", got)
	}
}

func TestMoverRejectsUnregisteredSource(t *testing.T) {
	bus := NewBusRegistry()
	mover := &Mover{Bus: bus}

	translated := []p2pdma.Translated{{Peer: p2pdma.Peer{Devnum: 1, PhysAddr: 0x10, Size: 4}}}
	err := mover.Move(0, 0x10, translated)
	if dstatus.CodeOf(err) != dstatus.ENODEV {
		t.Fatalf("expected ENODEV, got %v", err)
	}
}

func TestMoverRejectsOutOfRangeTransfer(t *testing.T) {
	bus := NewBusRegistry()
	srcMem := mmio.NewRegion(make([]byte, 16))
	dstMem := mmio.NewRegion(make([]byte, 16))
	bus.Register(0, srcMem, 0, 0x1000, 16)
	bus.Register(1, dstMem, 0, 0x2000, 16)

	mover := &Mover{Bus: bus}
	translated := []p2pdma.Translated{{Peer: p2pdma.Peer{Devnum: 1, PhysAddr: 0x2000, Size: 32}}}
	err := mover.Move(0, 0x1000, translated)
	if dstatus.CodeOf(err) != dstatus.ENODEV {
		t.Fatalf("expected ENODEV for out-of-range peer transfer, got %v", err)
	}
}
