package dir

import (
	"hash/crc32"

	"github.com/etsoc/etsoc-driver/region"
)

// Flag bits for RegionSpec.AccessFlags, exported so a DIR producer (the
// loopback backend, or a test standing in for real hardware) can set the
// same access-attribute bitfield regionEntry.access decodes.
const (
	FlagIOAccess       = flagIOAccess
	FlagP2PAccess      = flagP2PAccess
	FlagPrivileged     = flagPrivileged
	FlagMgmtAccessible = flagMgmtAccessible
	FlagOpsAccessible  = flagOpsAccessible
)

// RegionSpec is one region.Table entry to synthesize into a DIR image.
type RegionSpec struct {
	Type        region.Type
	Bar         uint8
	Offset      uint32
	DeviceBase  uint64
	Size        uint64
	AccessFlags uint32
	AlignCode   uint8
	ElemSize    uint32
	ElemCount   uint32
}

// EncodeImage synthesizes a complete DIR image (header, VQ descriptor, and
// region list) with a correct CRC32: the device side of Parse, used by the
// loopback backend to present a DIR without real hardware, and by tests
// that exercise device.Probe end to end.
func EncodeImage(vq VQDescriptor, deviceConfig [16]byte, regions []RegionSpec) []byte {
	total := HeaderSize + vqDescriptorSize + len(regions)*regionEntrySize
	raw := make([]byte, total)

	vq.AttrSize = vqDescriptorSize
	vq.Encode(raw[HeaderSize:])

	cursor := HeaderSize + vqDescriptorSize
	for _, rs := range regions {
		e := regionEntry{
			Type:        uint16(rs.Type),
			AttrSize:    regionEntrySize,
			Bar:         rs.Bar,
			Offset:      rs.Offset,
			DeviceBase:  rs.DeviceBase,
			Size:        rs.Size,
			AccessFlags: rs.AccessFlags,
			AlignCode:   rs.AlignCode,
			ElemSize:    rs.ElemSize,
			ElemCount:   rs.ElemCount,
		}
		e.Encode(raw[cursor:])
		cursor += regionEntrySize
	}

	hdr := Header{
		Version:      ExpectedVersion,
		TotalSize:    uint32(total),
		AttrSize:     HeaderSize,
		RegionCount:  uint32(len(regions)),
		CRC32:        crc32.ChecksumIEEE(raw[HeaderSize:]),
		DeviceConfig: deviceConfig,
	}
	hdr.Encode(raw[:HeaderSize])

	return raw
}
