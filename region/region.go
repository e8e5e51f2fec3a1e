// Package region implements the BAR Region Record list and the fixed
// enum-indexed Mapped Region table that the DIR parser (package dir)
// populates, per spec §3/§4.3.
//
// Grounded on tamago's dma/region.go block-list bookkeeping, adapted from a
// single free-list allocator to a fixed set of typed, overlap-checked
// windows, per the design note "the region map uses a fixed enum of region
// types and a parallel array of records; no inheritance is required."
//
// https://github.com/etsoc/etsoc-driver
package region

import (
	"fmt"
	"sync"

	"github.com/etsoc/etsoc-driver/mmio"
)

// NodeKind distinguishes the Management and Operations personalities.
type NodeKind int

const (
	Mgmt NodeKind = iota
	Ops
)

func (k NodeKind) String() string {
	if k == Mgmt {
		return "mgmt"
	}
	return "ops"
}

// Type enumerates the region tags a DIR can advertise. The set here covers
// both nodes; CompulsoryRegions in package dir selects the per-node subset.
type Type int

const (
	// TypeHostManaged is the ops host-managed DRAM/kernel-launch window
	// (GET_USER_DRAM_INFO targets this).
	TypeHostManaged Type = iota
	// TypeTrace is the trace-extraction buffer (mgmt).
	TypeTrace
	// TypeScratch is the firmware-update staging scratch region (mgmt).
	TypeScratch
	// TypeMgmtVQ is the mgmt node's VQ descriptor window.
	TypeMgmtVQ
	// TypeOpsVQ is the ops node's VQ descriptor window.
	TypeOpsVQ
	// TypeInterrupt is the doorbell/interrupt-trigger window.
	TypeInterrupt

	numTypes
)

func (t Type) String() string {
	switch t {
	case TypeHostManaged:
		return "host-managed"
	case TypeTrace:
		return "trace"
	case TypeScratch:
		return "scratch"
	case TypeMgmtVQ:
		return "mgmt-vq"
	case TypeOpsVQ:
		return "ops-vq"
	case TypeInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Valid reports whether t is a known region type, i.e. t < numTypes, the
// region-type count across both nodes; unknown types are warned and
// skipped by the DIR walk.
func (t Type) Valid() bool {
	return t >= 0 && t < numTypes
}

// Privilege is the access-attribute privilege mode of a region.
type Privilege int

const (
	PrivilegeUser Privilege = iota
	PrivilegePrivileged
)

// AccessDescriptor is the DIR-advertised access attribute set for one
// region: io/p2p enable, privilege, node accessibility, DMA alignment code,
// and DMA element size/count, per spec §3's Mapped Region entity.
type AccessDescriptor struct {
	IOAccess  bool
	P2PAccess bool
	Privilege Privilege

	MgmtAccessible bool
	OpsAccessible  bool

	// DMAAlignCode is the 2-bit alignment code the DIR encodes; the
	// decoded alignment in bits is 4 + code (16, 32, 64, or 128 bytes).
	DMAAlignCode uint8
	DMAElemSize  uint32
	DMAElemCount uint32

	// DeviceBase is the compulsory device-side base address for
	// host-managed regions (§4.3 step 7: "presence of compulsory
	// fields (e.g. non-zero device-side base address...)").
	DeviceBase uint64
}

// AlignBytes decodes DMAAlignCode into a byte alignment requirement.
func (a AccessDescriptor) AlignBytes() uint64 {
	return 1 << (4 + a.DMAAlignCode)
}

// AccessibleFrom reports whether the given node may use this region.
func (a AccessDescriptor) AccessibleFrom(k NodeKind) bool {
	if k == Mgmt {
		return a.MgmtAccessible
	}
	return a.OpsAccessible
}

// P2PSubRecord is the optional P2P-specific data attached to a Mapped
// Region once it has been registered with the P2PDMA registry.
type P2PSubRecord struct {
	// BusAddr is the PCI bus address returned by the P2P allocator.
	BusAddr uint64
}

// Mapped is one populated entry of a Node's Region Table.
type Mapped struct {
	Valid          bool
	Size           uint64
	DevicePhysAddr uint64
	HostPhysAddr   uint64
	// IOBase is nil when IO is disabled for this region (e.g. a
	// P2P-only region, or one not yet mapped).
	IOBase *mmio.Region
	Access AccessDescriptor
	P2P    *P2PSubRecord
}

// Table is the fixed-size array of Mapped Regions indexed by Type, one per
// (node, region type).
type Table struct {
	entries [numTypes]Mapped
}

// Get returns the entry for typ. Callers must check Valid before using it.
func (t *Table) Get(typ Type) *Mapped {
	if !typ.Valid() {
		return &Mapped{}
	}
	return &t.entries[typ]
}

// Set stores m at typ.
func (t *Table) Set(typ Type, m Mapped) {
	if !typ.Valid() {
		return
	}
	t.entries[typ] = m
}

// Record is one entry of a device's BAR region list: the host-physical
// range a node has claimed within a BAR, used solely to detect overlap
// between the Mgmt and Ops nodes (and within a node).
type Record struct {
	Node  NodeKind
	Bar   int
	Type  Type
	Start uint64
	End   uint64 // inclusive
}

func (r Record) overlaps(o Record) bool {
	if r.Bar != o.Bar {
		return false
	}
	return r.Start <= o.End && o.Start <= r.End
}

// List is the per-device BAR region list: "contains no two entries whose
// [start,end] ranges overlap (across both nodes)" (spec invariant).
type List struct {
	mu      sync.Mutex
	records []Record
}

// ErrOverlap is returned by Insert when the candidate range overlaps an
// existing entry.
var ErrOverlap = fmt.Errorf("region: overlapping BAR range")

// Insert adds r to the list if it does not overlap any existing entry.
func (l *List) Insert(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.records {
		if existing.overlaps(r) {
			return fmt.Errorf("%w: %s/%s bar%d [%#x,%#x] overlaps %s/%s bar%d [%#x,%#x]",
				ErrOverlap, r.Node, r.Type, r.Bar, r.Start, r.End,
				existing.Node, existing.Type, existing.Bar, existing.Start, existing.End)
		}
	}

	l.records = append(l.records, r)
	return nil
}

// Remove deletes the entry matching node and typ, if present.
func (l *List) Remove(node NodeKind, typ Type) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, r := range l.records {
		if r.Node == node && r.Type == typ {
			l.records = append(l.records[:i], l.records[i+1:]...)
			return
		}
	}
}

// Snapshot returns a copy of the current records, for diagnostics.
func (l *List) Snapshot() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}
