// Package p2pdma implements the peer-to-peer DMA resource registry: a
// module-global, devnum-indexed array of per-device region lists plus a
// pairwise compatibility bitmap, maintained under strict lock ordering as
// devices attach and detach, per spec §4.4.
//
// Grounded on tamago's dma/dma.go global-registry-with-mutex pattern
// (package-level Default/Init guarding a single *Region), generalized here
// to an array of per-device entries; pairwise locking is modeled on the
// lowest-address-first merge order dma/region.go uses when splitting
// adjacent free blocks, re-read as "lowest-devnum-first".
//
// https://github.com/etsoc/etsoc-driver
package p2pdma

import (
	"sync"

	"github.com/etsoc/etsoc-driver/bitmap"
	"github.com/etsoc/etsoc-driver/dstatus"
	"github.com/etsoc/etsoc-driver/region"
)

// MaxDevs bounds the registry; it also matches bitmap.Bitmap's 64-bit
// width, since the compat bitmap has one bit per devnum.
const MaxDevs = 64

// DistanceFunc reports whether two devices are P2P-compatible, standing in
// for a PCIe topology distance query (spec §4.4: "query pairwise P2P
// distance, on success set both compat bits"). The real query walks the
// host bridge topology, which is out of scope here; callers supply the
// policy.
type DistanceFunc func(a, b int) (compatible bool, err error)

// AlwaysCompatible is the DistanceFunc the loopback backend uses: every
// pair of in-process loopback devices shares the same address space, so
// they are unconditionally compatible.
func AlwaysCompatible(a, b int) (bool, error) { return true, nil }

type resource struct {
	typ        region.Type
	rec        region.Record
	deviceBase uint64
	busAddr    uint64
}

type entry struct {
	mu        sync.RWMutex
	active    bool
	resources []resource
	compat    bitmap.Bitmap
}

// Registry is the cross-node P2PDMA singleton, indexed by device number.
type Registry struct {
	distance DistanceFunc
	entries  [MaxDevs]entry
}

// New constructs a Registry. distance may be nil, in which case
// AlwaysCompatible is used.
func New(distance DistanceFunc) *Registry {
	if distance == nil {
		distance = AlwaysCompatible
	}
	return &Registry{distance: distance}
}

func checkDevnum(d int) error {
	if d < 0 || d >= MaxDevs {
		return dstatus.Newf(dstatus.EINVAL, "p2pdma: devnum %d out of range [0,%d)", d, MaxDevs)
	}
	return nil
}

// syntheticBusAddr stands in for the PCI bus address a real P2P-capable
// IOMMU/bridge would hand back for a BAR-backed allocation; there is no
// physical fabric in this module, so the address just needs to be stable
// and unique per (devnum, region type).
func syntheticBusAddr(devnum int, typ region.Type) uint64 {
	return 1<<40 | uint64(devnum)<<16 | uint64(typ)
}

// AddResource implements add_resource: allocates a synthetic P2P bus
// address for rec, appends it under this device's exclusive lock, and — if
// this is the first resource registered for thisDev — computes pairwise
// compatibility against every other already-active device, lower-devnum
// first.
//
// On a distance-query failure the newly added resource is rolled back
// before returning, per spec §7 ("P2P resource addition rolls back
// allocated P2P memory ... on later failure in the same function").
func (r *Registry) AddResource(thisDev int, typ region.Type, rec region.Record, deviceBase uint64) (uint64, error) {
	if err := checkDevnum(thisDev); err != nil {
		return 0, err
	}

	busAddr := syntheticBusAddr(thisDev, typ)

	e := &r.entries[thisDev]
	e.mu.Lock()
	firstResource := !e.active
	e.active = true
	e.resources = append(e.resources, resource{typ: typ, rec: rec, deviceBase: deviceBase, busAddr: busAddr})
	e.mu.Unlock()

	if firstResource {
		if err := r.computeCompat(thisDev); err != nil {
			_ = r.ReleaseResource(thisDev, typ)
			return 0, err
		}
	}

	return busAddr, nil
}

// computeCompat pairs thisDev against every other active device, acquiring
// min(thisDev,e) then max(thisDev,e) exclusively for the duration of the
// distance query, per spec §4.4's lock ordering.
func (r *Registry) computeCompat(thisDev int) error {
	for other := 0; other < MaxDevs; other++ {
		if other == thisDev {
			continue
		}

		r.entries[other].mu.RLock()
		active := r.entries[other].active
		r.entries[other].mu.RUnlock()
		if !active {
			continue
		}

		var distErr error
		r.withOrderedPair(thisDev, other, func() {
			compatible, err := r.distance(thisDev, other)
			if err != nil {
				distErr = err
				return
			}
			if compatible {
				r.entries[thisDev].compat.Set(other)
				r.entries[other].compat.Set(thisDev)
			}
		})
		if distErr != nil {
			return distErr
		}
	}
	return nil
}

// withOrderedPair acquires entries[a] and entries[b]'s exclusive locks in
// ascending devnum order, runs fn, then releases in reverse.
func (r *Registry) withOrderedPair(a, b int, fn func()) {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	r.entries[lo].mu.Lock()
	defer r.entries[lo].mu.Unlock()
	if hi != lo {
		r.entries[hi].mu.Lock()
		defer r.entries[hi].mu.Unlock()
	}
	fn()
}

// ReleaseResource implements release_resource: removes the matching entry
// under this device's exclusive lock, and if that empties the list, clears
// this device's endpoint state and, for every other device, clears its
// compat bit for thisDev under that device's own exclusive lock.
func (r *Registry) ReleaseResource(thisDev int, typ region.Type) error {
	if err := checkDevnum(thisDev); err != nil {
		return err
	}

	e := &r.entries[thisDev]
	e.mu.Lock()
	idx := -1
	for i, res := range e.resources {
		if res.typ == typ {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return dstatus.Newf(dstatus.EINVAL, "p2pdma: dev %d has no resource of type %s", thisDev, typ)
	}
	e.resources = append(e.resources[:idx], e.resources[idx+1:]...)
	empty := len(e.resources) == 0
	if empty {
		e.active = false
		e.compat.Store(0)
	}
	e.mu.Unlock()

	if empty {
		for other := 0; other < MaxDevs; other++ {
			if other == thisDev {
				continue
			}
			oe := &r.entries[other]
			oe.mu.Lock()
			if oe.active {
				oe.compat.Clear(thisDev)
			}
			oe.mu.Unlock()
		}
	}

	return nil
}

// GetCompatBitmap reads d's 64-bit compatibility bitmap atomically.
func (r *Registry) GetCompatBitmap(d int) (uint64, error) {
	if err := checkDevnum(d); err != nil {
		return 0, err
	}
	return r.entries[d].compat.Load(), nil
}

// Peer is one entry of a move_data command's peer list: the target device
// number, the device-physical address the peer claims, and the transfer
// size.
type Peer struct {
	Devnum   int
	PhysAddr uint64
	Size     uint64
}

// Translated is a Peer with its device-physical address resolved to the
// PCI bus address of the enclosing registered region.
type Translated struct {
	Peer    Peer
	BusAddr uint64
}

// Translate implements the address-translation half of move_data: for each
// peer, under that peer's own shared lock, verify it exists and is
// compatible with thisDev, locate the region enclosing the claimed
// device-physical address, and translate to a PCI bus address. The caller
// (the node's PUSH_SQ path) is responsible for forwarding the filled-in
// command on the appropriate SQ.
func (r *Registry) Translate(thisDev int, peers []Peer) ([]Translated, error) {
	if err := checkDevnum(thisDev); err != nil {
		return nil, err
	}

	out := make([]Translated, 0, len(peers))
	for _, p := range peers {
		if err := checkDevnum(p.Devnum); err != nil {
			return nil, err
		}

		busAddr, err := r.translateOne(thisDev, p)
		if err != nil {
			return nil, err
		}
		out = append(out, Translated{Peer: p, BusAddr: busAddr})
	}
	return out, nil
}

func (r *Registry) translateOne(thisDev int, p Peer) (uint64, error) {
	pe := &r.entries[p.Devnum]
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	if !pe.active {
		return 0, dstatus.Newf(dstatus.EOPNOTSUPP, "p2pdma: peer %d not present", p.Devnum)
	}
	if !r.entries[thisDev].compat.Test(p.Devnum) {
		return 0, dstatus.Newf(dstatus.EOPNOTSUPP, "p2pdma: dev %d incompatible with peer %d", thisDev, p.Devnum)
	}

	for _, res := range pe.resources {
		if p.PhysAddr < res.deviceBase {
			continue
		}
		end := res.deviceBase + res.rec.End - res.rec.Start // inclusive
		if p.PhysAddr > end {
			continue
		}
		if p.PhysAddr+p.Size-1 > end {
			return 0, dstatus.Newf(dstatus.EINVAL, "p2pdma: peer %d transfer of size %d at %#x overruns enclosing region", p.Devnum, p.Size, p.PhysAddr)
		}
		offset := p.PhysAddr - res.deviceBase
		return res.busAddr + offset, nil
	}

	return 0, dstatus.Newf(dstatus.EINVAL, "p2pdma: peer %d has no region enclosing %#x", p.Devnum, p.PhysAddr)
}
