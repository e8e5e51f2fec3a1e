package loopback

import (
	"sync"

	"github.com/etsoc/etsoc-driver/dstatus"
	"github.com/etsoc/etsoc-driver/mmio"
	"github.com/etsoc/etsoc-driver/p2pdma"
)

// BusRegistry is the loopback build's stand-in for the PCIe fabric: every
// simulated device lives in this one host process, so once
// p2pdma.Registry.Translate has resolved a peer's device-physical address
// against its enclosing region, the actual transfer is a memcpy rather
// than a DMA engine kick, provided something records which host buffer
// backs which devnum's device-physical address range. BusRegistry is that
// record; it is filled only through Register (dir.Parser does not call
// it), independently of p2pdma.Registry's own bus-address bookkeeping.
//
// Grounded on et_p2pdma_loopback.c (move_data serviced in-process for the
// no-hardware build) and on p2pdma.Registry.translateOne's
// enclosing-range lookup, reused here for the backing-buffer side.
type BusRegistry struct {
	mu      sync.RWMutex
	backing map[int][]regionBacking
}

type regionBacking struct {
	mem        *mmio.Region
	offset     int
	deviceBase uint64
	size       uint64
}

// NewBusRegistry constructs an empty BusRegistry.
func NewBusRegistry() *BusRegistry {
	return &BusRegistry{backing: make(map[int][]regionBacking)}
}

// Register records that devnum's device-physical range
// [deviceBase, deviceBase+size) is backed by mem.Buf[offset:offset+size].
func (b *BusRegistry) Register(devnum int, mem *mmio.Region, offset int, deviceBase, size uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backing[devnum] = append(b.backing[devnum], regionBacking{
		mem:        mem,
		offset:     offset,
		deviceBase: deviceBase,
		size:       size,
	})
}

// resolve finds the host byte slice backing [physAddr, physAddr+size) for
// devnum, failing if no registered range encloses it.
func (b *BusRegistry) resolve(devnum int, physAddr, size uint64) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, rb := range b.backing[devnum] {
		if physAddr < rb.deviceBase || physAddr+size > rb.deviceBase+rb.size {
			continue
		}
		off := rb.offset + int(physAddr-rb.deviceBase)
		return rb.mem.Buf[off : off+int(size)], nil
	}
	return nil, dstatus.Newf(dstatus.ENODEV, "loopback: dev %d has no registered buffer enclosing phys range [%#x,%#x)", devnum, physAddr, physAddr+size)
}

// Mover is the loopback implementation of move_data's data-transfer half:
// p2pdma.Registry.Translate resolves and authorizes the peer addresses,
// Mover.Move actually copies the bytes.
type Mover struct {
	Bus *BusRegistry
}

// Move copies, for each resolved peer, Peer.Size bytes from
// (srcDev, srcPhysAddr) into the peer's backing buffer at Peer.PhysAddr.
// Callers must have already authorized the transfer via
// p2pdma.Registry.Translate; Move only resolves host memory and copies.
func (m *Mover) Move(srcDev int, srcPhysAddr uint64, translated []p2pdma.Translated) error {
	for _, t := range translated {
		src, err := m.Bus.resolve(srcDev, srcPhysAddr, t.Peer.Size)
		if err != nil {
			return err
		}
		dst, err := m.Bus.resolve(t.Peer.Devnum, t.Peer.PhysAddr, t.Peer.Size)
		if err != nil {
			return err
		}
		copy(dst, src)
	}
	return nil
}
