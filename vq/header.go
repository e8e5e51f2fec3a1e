// Package vq implements the submission/completion virtual-queue messaging
// fabric: SQ push, CQ drain, common message framing, and the
// producer/consumer availability bitmaps that back the poll mask.
//
// Grounded on tamago's kvm/gvnic admin queue (command header framing with a
// status/result field, counter-driven completion wait used as the model for
// the missed-IRQ watchdog poll) and on go-ublk's per-tag state tracking
// (internal/queue/runner.go) as the model for CQ's pop-serializer plus
// list-serializer split.
//
// https://github.com/etsoc/etsoc-driver
package vq

import "encoding/binary"

// HeaderSize is the byte length of the common message header.
const HeaderSize = 6

// CommonHeader is the framing every SQ/CQ message carries at its front.
// Size is the byte length of the framed message including this header.
type CommonHeader struct {
	Size  uint16
	TagID uint16
	MsgID uint16
}

// Encode writes the header little-endian into the first HeaderSize bytes
// of dst, which must be at least that long.
func (h CommonHeader) Encode(dst []byte) {
	binary.LittleEndian.PutUint16(dst[0:2], h.Size)
	binary.LittleEndian.PutUint16(dst[2:4], h.TagID)
	binary.LittleEndian.PutUint16(dst[4:6], h.MsgID)
}

// DecodeHeader parses a CommonHeader from the first HeaderSize bytes of src.
func DecodeHeader(src []byte) CommonHeader {
	return CommonHeader{
		Size:  binary.LittleEndian.Uint16(src[0:2]),
		TagID: binary.LittleEndian.Uint16(src[2:4]),
		MsgID: binary.LittleEndian.Uint16(src[4:6]),
	}
}

// EventSink is the external collaborator that turns device-generated
// events into syndrome strings and increments per-class counters. It is
// consulted by CQ.Drain to decide whether a message is a user-facing
// response or a device event.
type EventSink interface {
	// IsEvent reports whether msgID falls in the device-event range.
	IsEvent(msgID uint16) bool
	// HandleEvent is invoked for messages IsEvent returns true for; it
	// must not block the drain loop for long.
	HandleEvent(hdr CommonHeader, payload []byte)
}
