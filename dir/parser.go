package dir

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log"
	"time"

	"github.com/etsoc/etsoc-driver/dstatus"
	"github.com/etsoc/etsoc-driver/mmio"
	"github.com/etsoc/etsoc-driver/region"
)

// readyBit is the node-specific value the 16-bit status word must take
// before the DIR is safe to read, per spec §4.3 step 1 (DEV_READY for
// Mgmt, MM_READY for Ops).
type readyBit uint16

const (
	devReady readyBit = 0x1
	mmReady  readyBit = 0x2
)

func readyBitFor(node region.NodeKind) readyBit {
	if node == region.Mgmt {
		return devReady
	}
	return mmReady
}

// pollGranularity and logInterval implement "poll at 1s granularity, log a
// progress line every 10s" from spec §4.3 step 1.
const (
	pollGranularity = time.Second
	logInterval     = 10 * time.Second
)

// Layout describes where the DIR handshake lives within a node's BAR-2
// window: the status word and the DIR header itself, plus the total size
// of the window the DIR may not exceed (spec §4.3 step 2).
type Layout struct {
	StatusOffset int
	DIROffset    int
	WindowSize   uint64
}

// Parser owns one DIR handshake for one node.
type Parser struct {
	Region *mmio.Region
	Layout Layout
	Node   region.NodeKind
	Log    *log.Logger
}

// New constructs a Parser. logger may be nil, in which case log.Default()
// is used.
func New(mem *mmio.Region, layout Layout, node region.NodeKind, logger *log.Logger) *Parser {
	if logger == nil {
		logger = log.Default()
	}
	return &Parser{Region: mem, Layout: layout, Node: node, Log: logger}
}

// Result is the fully validated DIR contents a node needs to finish
// bringing itself up: the VQ descriptor and a populated region.Table.
type Result struct {
	Header Header
	VQ     VQDescriptor
	Table  *region.Table
}

// Parse runs the complete handshake: wait for ready, bulk read, validate
// header/CRC/VQ descriptor, walk regions, map IO regions and register P2P
// regions, and check every compulsory region type is present. On any fatal
// error the caller must treat the node as failed to initialize. Parse
// performs no BAR-list rollback: records inserted into bars for regions
// accepted before the failure stay there, and removing them is left to
// the caller.
func (p *Parser) Parse(timeout time.Duration, bars *region.List, p2p P2PRegistrar, barIndex int, compulsory map[region.Type]bool) (*Result, error) {
	if err := p.waitReady(timeout); err != nil {
		return nil, err
	}

	totalSize := p.Region.ReadU32(p.Layout.DIROffset + 4)
	if totalSize == 0 || uint64(totalSize) > p.Layout.WindowSize {
		return nil, dstatus.Newf(dstatus.EFAULT, "dir(%s): total size %d invalid (window %d)", p.Node, totalSize, p.Layout.WindowSize)
	}

	raw := make([]byte, totalSize)
	p.Region.ReadBytes(p.Layout.DIROffset, raw)

	hdr := DecodeHeader(raw)

	if hdr.Version != ExpectedVersion {
		p.Log.Printf("dir(%s): version mismatch: got %d want %d, continuing", p.Node, hdr.Version, ExpectedVersion)
	}

	if hdr.AttrSize > HeaderSize {
		p.Log.Printf("dir(%s): header attribute size %d exceeds known schema %d, ignoring extra bytes", p.Node, hdr.AttrSize, HeaderSize)
	} else if hdr.AttrSize < HeaderSize {
		return nil, dstatus.Newf(dstatus.EFAULT, "dir(%s): header attribute size %d smaller than required %d", p.Node, hdr.AttrSize, HeaderSize)
	}

	if int(hdr.AttrSize) >= len(raw) {
		return nil, dstatus.Newf(dstatus.EFAULT, "dir(%s): header attribute size %d leaves no room for CRC coverage", p.Node, hdr.AttrSize)
	}
	got := crc32.ChecksumIEEE(raw[hdr.AttrSize:])
	if got != hdr.CRC32 {
		return nil, dstatus.Newf(dstatus.EFAULT, "dir(%s): crc32 mismatch: got %#x want %#x", p.Node, got, hdr.CRC32)
	}

	cursor := int(hdr.AttrSize)
	if cursor+vqDescriptorSize > len(raw) {
		return nil, dstatus.Newf(dstatus.EFAULT, "dir(%s): vq descriptor overruns dir", p.Node)
	}
	vq := decodeVQDescriptor(raw[cursor:])
	if int(vq.AttrSize) > vqDescriptorSize {
		p.Log.Printf("dir(%s): vq descriptor attribute size %d exceeds known schema %d, ignoring extra bytes", p.Node, vq.AttrSize, vqDescriptorSize)
	} else if int(vq.AttrSize) < vqDescriptorSize {
		return nil, dstatus.Newf(dstatus.EFAULT, "dir(%s): vq descriptor attribute size %d smaller than required %d", p.Node, vq.AttrSize, vqDescriptorSize)
	}
	if !vq.Valid() {
		return nil, dstatus.Newf(dstatus.EFAULT, "dir(%s): vq descriptor missing compulsory fields: %+v", p.Node, vq)
	}
	cursor += int(vq.AttrSize)

	table := &region.Table{}
	seen := make(map[region.Type]bool)

	for i := uint32(0); i < hdr.RegionCount; i++ {
		if cursor+4 > len(raw) {
			return nil, dstatus.Newf(dstatus.EFAULT, "dir(%s): region %d header overruns dir", p.Node, i)
		}

		// Peek the type + declared attribute size before committing to
		// the full fixed-size decode, so an out-of-range attribute size
		// can be reported without reading past the buffer.
		entryType := binary.LittleEndian.Uint16(raw[cursor : cursor+2])
		declaredAttrSize := int(binary.LittleEndian.Uint16(raw[cursor+2 : cursor+4]))

		if cursor+declaredAttrSize > len(raw) {
			return nil, dstatus.Newf(dstatus.EFAULT, "dir(%s): region %d (type %d) section overruns dir total size", p.Node, i, entryType)
		}
		if declaredAttrSize < regionEntrySize {
			return nil, dstatus.Newf(dstatus.EFAULT, "dir(%s): region %d (type %d) attribute size %d smaller than required %d", p.Node, i, entryType, declaredAttrSize, regionEntrySize)
		}
		if declaredAttrSize > regionEntrySize {
			p.Log.Printf("dir(%s): region %d (type %d) attribute size %d exceeds known schema %d, ignoring extra bytes", p.Node, i, entryType, declaredAttrSize, regionEntrySize)
		}

		entry := decodeRegionEntry(raw[cursor:])
		cursor += declaredAttrSize

		typ := region.Type(entry.Type)
		if !typ.Valid() {
			p.Log.Printf("dir(%s): region %d has unknown type %d, skipping", p.Node, i, entry.Type)
			continue
		}
		if seen[typ] {
			return nil, dstatus.Newf(dstatus.EFAULT, "dir(%s): duplicate region type %s", p.Node, typ)
		}

		if err := p.validateRegion(typ, entry); err != nil {
			return nil, err
		}

		access := entry.access()
		if !access.AccessibleFrom(p.Node) {
			p.Log.Printf("dir(%s): region %s not accessible from this node, skipping", p.Node, typ)
			continue
		}

		mapped, err := p.materialize(typ, entry, access, bars, p2p, barIndex)
		if err != nil {
			return nil, err
		}

		seen[typ] = true
		table.Set(typ, mapped)
	}

	for typ, required := range compulsory {
		if required && !table.Get(typ).Valid {
			return nil, dstatus.Newf(dstatus.EFAULT, "dir(%s): compulsory region %s missing or invalid", p.Node, typ)
		}
	}

	return &Result{Header: hdr, VQ: vq, Table: table}, nil
}

// validateRegion enforces the per-type compulsory-field checks from spec
// §4.3 step 7 (e.g. host-managed regions must carry a non-zero device-side
// base address).
func (p *Parser) validateRegion(typ region.Type, e regionEntry) error {
	if e.Size == 0 {
		return dstatus.Newf(dstatus.EFAULT, "dir(%s): region %s has zero size", p.Node, typ)
	}
	if typ == region.TypeHostManaged && e.DeviceBase == 0 {
		return dstatus.Newf(dstatus.EFAULT, "dir(%s): region %s missing compulsory device-side base address", p.Node, typ)
	}
	if e.AccessFlags&flagP2PAccess != 0 && e.Size%(2<<20) != 0 {
		return dstatus.Newf(dstatus.EFAULT, "dir(%s): p2p-enabled region %s size %d not a multiple of 2MiB", p.Node, typ, e.Size)
	}
	return nil
}

// P2PRegistrar is the subset of the p2pdma registry the DIR walk needs to
// register a P2P-enabled region; implemented by *p2pdma.Registry.
// deviceBase is the region's device-side physical base address (distinct
// from rec's host-BAR range), used later to translate a peer's claimed
// device-phys address during move_data.
type P2PRegistrar interface {
	AddResource(devnum int, typ region.Type, rec region.Record, deviceBase uint64) (busAddr uint64, err error)
}

// materialize decides IO vs P2P mapping (preferring IO when both are set,
// per spec §4.3 step 7), inserts the BAR record for overlap checking, and
// returns the populated Mapped region.
func (p *Parser) materialize(typ region.Type, e regionEntry, access region.AccessDescriptor, bars *region.List, p2p P2PRegistrar, devnum int) (region.Mapped, error) {
	rec := region.Record{
		Node:  p.Node,
		Bar:   int(e.Bar),
		Type:  typ,
		Start: uint64(e.Offset),
		End:   uint64(e.Offset) + e.Size - 1,
	}
	if err := bars.Insert(rec); err != nil {
		return region.Mapped{}, dstatus.Wrap(dstatus.EFAULT, fmt.Sprintf("dir(%s): region %s", p.Node, typ), err)
	}

	mapped := region.Mapped{
		Valid:          true,
		Size:           e.Size,
		DevicePhysAddr: e.DeviceBase,
		Access:         access,
	}

	switch {
	case access.IOAccess && access.P2PAccess:
		p.Log.Printf("dir(%s): region %s advertises both io and p2p access, choosing io", p.Node, typ)
		fallthrough
	case access.IOAccess:
		mapped.IOBase = mmio.NewRegion(p.Region.Buf[int(e.Offset) : int(e.Offset)+int(e.Size)])
	case access.P2PAccess:
		busAddr, err := p2p.AddResource(devnum, typ, rec, e.DeviceBase)
		if err != nil {
			bars.Remove(p.Node, typ)
			return region.Mapped{}, dstatus.Wrap(dstatus.ENOMEM, fmt.Sprintf("dir(%s): p2p register %s", p.Node, typ), err)
		}
		mapped.P2P = &region.P2PSubRecord{BusAddr: busAddr}
	}

	return mapped, nil
}

// waitReady polls the status word at 1s granularity up to timeout, logging
// a progress line every 10s, per spec §4.3 step 1.
func (p *Parser) waitReady(timeout time.Duration) error {
	want := readyBitFor(p.Node)
	deadline := time.Now().Add(timeout)
	lastLog := time.Now()

	for {
		status := readyBit(p.Region.ReadU32(p.Layout.StatusOffset))
		if status&want != 0 {
			return nil
		}

		if time.Now().After(deadline) {
			return dstatus.Newf(dstatus.ENODEV, "dir(%s): timed out after %s waiting for ready", p.Node, timeout)
		}

		if time.Since(lastLog) >= logInterval {
			p.Log.Printf("dir(%s): still waiting for ready (status=%#x)", p.Node, status)
			lastLog = time.Now()
		}

		time.Sleep(pollGranularity)
	}
}
