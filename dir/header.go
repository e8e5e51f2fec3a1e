// Package dir implements the Device Information Region handshake: wait for
// ready, bulk read, header/CRC/size validation, VQ descriptor validation,
// and the region walk that populates a region.Table, per spec §4.3.
//
// Grounded on the original driver's et_mgmt_dir.h / et_ops_dir.h schemas
// (header + nested region-list structs) and the tamago usb/device.go
// reset/ready-poll idiom (see DESIGN.md). The header layout below is a
// re-derivation of the shape those headers describe, not a transcription.
//
// https://github.com/etsoc/etsoc-driver
package dir

import (
	"encoding/binary"

	"github.com/etsoc/etsoc-driver/region"
)

// ExpectedVersion is the DIR schema version this parser was written
// against. A mismatch is a warning, not a fatal error (spec §4.3 step 4).
const ExpectedVersion = 1

// HeaderSize is the fixed, versioned DIR header layout:
//
//	u16 version
//	u16 reserved
//	u32 totalSize        (bytes, DIR header included)
//	u32 attrSize         (bytes of header the producer claims to have
//	                      populated; >HeaderSize is warned and ignored,
//	                      <HeaderSize is fatal)
//	u32 regionCount
//	u32 crc32            (covers DIR[attrSize:totalSize])
//	[16]byte deviceConfig (opaque, surfaced verbatim by
//	                      GET_DEVICE_CONFIGURATION; never interpreted here)
const HeaderSize = 2 + 2 + 4 + 4 + 4 + 4 + 16

// Header is the decoded fixed DIR header.
type Header struct {
	Version      uint16
	TotalSize    uint32
	AttrSize     uint32
	RegionCount  uint32
	CRC32        uint32
	DeviceConfig [16]byte
}

// DecodeHeader parses the fixed portion of buf, which must be at least
// HeaderSize bytes.
func DecodeHeader(buf []byte) Header {
	var h Header
	h.Version = binary.LittleEndian.Uint16(buf[0:2])
	h.TotalSize = binary.LittleEndian.Uint32(buf[4:8])
	h.AttrSize = binary.LittleEndian.Uint32(buf[8:12])
	h.RegionCount = binary.LittleEndian.Uint32(buf[12:16])
	h.CRC32 = binary.LittleEndian.Uint32(buf[16:20])
	copy(h.DeviceConfig[:], buf[20:36])
	return h
}

// Encode writes h into buf (used by the loopback backend to synthesize a
// DIR image), which must be at least HeaderSize bytes.
func (h Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], h.Version)
	binary.LittleEndian.PutUint16(buf[2:4], 0)
	binary.LittleEndian.PutUint32(buf[4:8], h.TotalSize)
	binary.LittleEndian.PutUint32(buf[8:12], h.AttrSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.RegionCount)
	binary.LittleEndian.PutUint32(buf[16:20], h.CRC32)
	copy(buf[20:36], h.DeviceConfig[:])
}

// vqDescriptorSize is the fixed VQ descriptor layout following the header:
//
//	u32 attrSize
//	u16 sqCount
//	u16 cqCount
//	u32 sqSize            (bytes, per SQ)
//	u32 cqSize             (bytes, per CQ)
//	u32 interruptTriggerSize
//	u32 interruptOffset
//	u8  bar
//	[3]byte pad
const vqDescriptorSize = 4 + 2 + 2 + 4 + 4 + 4 + 4 + 1 + 3

// VQDescriptor is the decoded VQ sizing/location block, grounded on
// et_mgmt_vqueue's {bar, bar_size, sq_offset, sq_count, per_sq_size,
// cq_offset, cq_count, per_cq_size} shape, collapsed to the fields this
// parser actually needs to size and locate the rings.
type VQDescriptor struct {
	AttrSize             uint32
	SQCount              uint16
	CQCount              uint16
	SQSize               uint32
	CQSize               uint32
	InterruptTriggerSize uint32
	InterruptOffset      uint32
	Bar                  uint8
}

func decodeVQDescriptor(buf []byte) VQDescriptor {
	var d VQDescriptor
	d.AttrSize = binary.LittleEndian.Uint32(buf[0:4])
	d.SQCount = binary.LittleEndian.Uint16(buf[4:6])
	d.CQCount = binary.LittleEndian.Uint16(buf[6:8])
	d.SQSize = binary.LittleEndian.Uint32(buf[8:12])
	d.CQSize = binary.LittleEndian.Uint32(buf[12:16])
	d.InterruptTriggerSize = binary.LittleEndian.Uint32(buf[16:20])
	d.InterruptOffset = binary.LittleEndian.Uint32(buf[20:24])
	d.Bar = buf[24]
	return d
}

// Encode writes d into buf (loopback DIR synthesis), at least
// vqDescriptorSize bytes.
func (d VQDescriptor) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], d.AttrSize)
	binary.LittleEndian.PutUint16(buf[4:6], d.SQCount)
	binary.LittleEndian.PutUint16(buf[6:8], d.CQCount)
	binary.LittleEndian.PutUint32(buf[8:12], d.SQSize)
	binary.LittleEndian.PutUint32(buf[12:16], d.CQSize)
	binary.LittleEndian.PutUint32(buf[16:20], d.InterruptTriggerSize)
	binary.LittleEndian.PutUint32(buf[20:24], d.InterruptOffset)
	buf[24] = d.Bar
	buf[25], buf[26], buf[27] = 0, 0, 0
}

// Valid enforces the VQ descriptor's compulsory fields per spec §4.3 step 6:
// non-zero SQ/CQ counts and sizes, non-zero interrupt trigger size.
func (d VQDescriptor) Valid() bool {
	return d.SQCount > 0 && d.CQCount > 0 && d.SQSize > 0 && d.CQSize > 0 && d.InterruptTriggerSize > 0
}

// regionEntrySize is the fixed per-region descriptor layout following the
// VQ descriptor, re-derived from et_mgmt_ddr_region's {attr, bar, offset,
// devaddr, size} plus the access-attribute fields spec §3 assigns to every
// Mapped Region:
//
//	u16 regionType
//	u16 attrSize
//	u8  bar
//	[3]byte pad
//	u32 offset             (within bar)
//	u64 deviceBase
//	u64 size
//	u32 accessFlags        (bitfield, see flag* constants)
//	u8  dmaAlignCode
//	[3]byte pad
//	u32 dmaElemSize
//	u32 dmaElemCount
const regionEntrySize = 2 + 2 + 1 + 3 + 4 + 8 + 8 + 4 + 1 + 3 + 4 + 4

const (
	flagIOAccess = 1 << iota
	flagP2PAccess
	flagPrivileged
	flagMgmtAccessible
	flagOpsAccessible
)

// regionEntry is one decoded region descriptor from the DIR's region walk.
type regionEntry struct {
	Type        uint16
	AttrSize    uint16
	Bar         uint8
	Offset      uint32
	DeviceBase  uint64
	Size        uint64
	AccessFlags uint32
	AlignCode   uint8
	ElemSize    uint32
	ElemCount   uint32
}

func decodeRegionEntry(buf []byte) regionEntry {
	var e regionEntry
	e.Type = binary.LittleEndian.Uint16(buf[0:2])
	e.AttrSize = binary.LittleEndian.Uint16(buf[2:4])
	e.Bar = buf[4]
	e.Offset = binary.LittleEndian.Uint32(buf[8:12])
	e.DeviceBase = binary.LittleEndian.Uint64(buf[12:20])
	e.Size = binary.LittleEndian.Uint64(buf[20:28])
	e.AccessFlags = binary.LittleEndian.Uint32(buf[28:32])
	e.AlignCode = buf[32]
	e.ElemSize = binary.LittleEndian.Uint32(buf[36:40])
	e.ElemCount = binary.LittleEndian.Uint32(buf[40:44])
	return e
}

// Encode writes e into buf (loopback DIR synthesis), at least
// regionEntrySize bytes.
func (e regionEntry) Encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], e.Type)
	binary.LittleEndian.PutUint16(buf[2:4], e.AttrSize)
	buf[4] = e.Bar
	buf[5], buf[6], buf[7] = 0, 0, 0
	binary.LittleEndian.PutUint32(buf[8:12], e.Offset)
	binary.LittleEndian.PutUint64(buf[12:20], e.DeviceBase)
	binary.LittleEndian.PutUint64(buf[20:28], e.Size)
	binary.LittleEndian.PutUint32(buf[28:32], e.AccessFlags)
	buf[32] = e.AlignCode
	buf[33], buf[34], buf[35] = 0, 0, 0
	binary.LittleEndian.PutUint32(buf[36:40], e.ElemSize)
	binary.LittleEndian.PutUint32(buf[40:44], e.ElemCount)
}

func (e regionEntry) access() region.AccessDescriptor {
	priv := region.PrivilegeUser
	if e.AccessFlags&flagPrivileged != 0 {
		priv = region.PrivilegePrivileged
	}
	return region.AccessDescriptor{
		IOAccess:       e.AccessFlags&flagIOAccess != 0,
		P2PAccess:      e.AccessFlags&flagP2PAccess != 0,
		Privilege:      priv,
		MgmtAccessible: e.AccessFlags&flagMgmtAccessible != 0,
		OpsAccessible:  e.AccessFlags&flagOpsAccessible != 0,
		DMAAlignCode:   e.AlignCode,
		DMAElemSize:    e.ElemSize,
		DMAElemCount:   e.ElemCount,
		DeviceBase:     e.DeviceBase,
	}
}
