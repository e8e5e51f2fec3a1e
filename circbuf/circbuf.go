// Package circbuf implements the device-shared circular buffer that backs
// every submission and completion virtual queue.
//
// A circular buffer is a device-side structure `{ head, tail, len, buf[len] }`
// laid out contiguously in MMIO space. The driver keeps a local shadow of
// head/tail/len and operates on it with whole-message push/pop/peek; the
// caller is responsible for framing (see package vq).
//
// Grounded on tamago's kvm/gvnic admin queue (wrap-around index arithmetic,
// doorbell-after-advance) and dma/region.go's block bookkeeping, generalized
// from a single free-list allocator to a fixed-size ring.
//
// https://github.com/etsoc/etsoc-driver
package circbuf

import (
	"fmt"

	"github.com/etsoc/etsoc-driver/mmio"
)

// Layout offsets within the device-shared header, matching
// `{ head: u64, tail: u64, len: u64, buf[len] }`.
const (
	offHead = 0
	offTail = 8
	offLen  = 16
	// HeaderSize is the size in bytes of the head/tail/len header that
	// precedes buf in device memory.
	HeaderSize = 24
)

// SyncFlags controls which side effects a push/pop performs around the
// data transfer, per the spec's push/pop contract.
type SyncFlags uint8

const (
	// SyncRefresh re-reads the peer's pointer (tail for push, head for
	// pop) before computing free/used space.
	SyncRefresh SyncFlags = 1 << iota
	// SyncDoorbell writes the advanced pointer back to the device
	// (head for push, tail for pop) after the transfer.
	SyncDoorbell
)

// Shadow is the local copy of a circular buffer's head/tail/len, kept in
// sync with the device copy under the discipline described in the spec:
// the shadow only advances on full success.
type Shadow struct {
	Head uint64
	Tail uint64
	Len  uint64
}

// Free returns the number of bytes available for a producer, given the
// current shadow.
func (s *Shadow) Free() uint64 {
	return s.Len - s.used()
}

// Used returns the number of bytes available for a consumer.
func (s *Shadow) Used() uint64 {
	return s.used()
}

func (s *Shadow) used() uint64 {
	if s.Head >= s.Tail {
		return s.Head - s.Tail
	}
	return s.Len - s.Tail + s.Head
}

// Buffer is a circular buffer: a local shadow plus a handle to the device
// copy, reachable via an mmio.Region at a fixed offset (headerOff) for the
// header and (headerOff+HeaderSize) for the payload ring.
type Buffer struct {
	Remote    *mmio.Region
	HeaderOff int

	Local Shadow
}

// New constructs a Buffer whose local shadow is seeded from the device
// header (used at VQ-init time, when head/tail are whatever the device
// firmware left them at, typically zero).
func New(remote *mmio.Region, headerOff int, length uint64) *Buffer {
	b := &Buffer{Remote: remote, HeaderOff: headerOff}
	b.Local.Len = length
	b.refreshHead()
	b.refreshTail()
	return b
}

func (b *Buffer) bufOff(pos uint64) int {
	return b.HeaderOff + HeaderSize + int(pos)
}

func (b *Buffer) refreshHead() {
	b.Local.Head = b.Remote.ReadU64(b.HeaderOff + offHead)
}

func (b *Buffer) refreshTail() {
	b.Local.Tail = b.Remote.ReadU64(b.HeaderOff + offTail)
}

func (b *Buffer) writeHead() {
	b.Remote.WriteU64(b.HeaderOff+offHead, b.Local.Head)
}

func (b *Buffer) writeTail() {
	b.Remote.WriteU64(b.HeaderOff+offTail, b.Local.Tail)
}

// ErrInsufficientSpace is returned by Push when the buffer has too little
// free space to hold len bytes.
var ErrInsufficientSpace = fmt.Errorf("circbuf: insufficient space")

// ErrInsufficientData is returned by Pop/Peek when the buffer holds fewer
// than len bytes.
var ErrInsufficientData = fmt.Errorf("circbuf: insufficient data")

// Push writes buf (whole message) into the device ring, advancing the local
// head. Pre: len(buf) <= b.Local.Len.
func (b *Buffer) Push(buf []byte, flags SyncFlags) error {
	n := uint64(len(buf))
	if n > b.Local.Len {
		return fmt.Errorf("circbuf: message of %d bytes exceeds buffer of %d bytes", n, b.Local.Len)
	}

	if flags&SyncRefresh != 0 {
		b.refreshTail()
	}

	if b.Local.Free() < n {
		return ErrInsufficientSpace
	}

	b.splitWrite(b.Local.Head, buf)
	b.Local.Head = (b.Local.Head + n) % b.Local.Len

	if flags&SyncDoorbell != 0 {
		b.writeHead()
	}

	return nil
}

// Pop reads len(buf) bytes (whole message) out of the device ring into buf,
// advancing the local tail.
func (b *Buffer) Pop(buf []byte, flags SyncFlags) error {
	n := uint64(len(buf))

	if flags&SyncRefresh != 0 {
		b.refreshHead()
	}

	if b.Local.Used() < n {
		return ErrInsufficientData
	}

	b.splitRead(b.Local.Tail, buf)
	b.Local.Tail = (b.Local.Tail + n) % b.Local.Len

	if flags&SyncDoorbell != 0 {
		b.writeTail()
	}

	return nil
}

// Peek performs a non-consuming read at an offset relative to the current
// tail, used to read a fixed-size header before the payload length is
// known. It does not refresh the shadow or require a minimum used() count
// beyond what the caller requests; callers that want a refreshed head must
// call Refresh first.
func (b *Buffer) Peek(offset uint64, buf []byte) error {
	if uint64(len(buf))+offset > b.Local.Used() {
		return ErrInsufficientData
	}
	b.splitRead((b.Local.Tail+offset)%b.Local.Len, buf)
	return nil
}

// Refresh re-reads the device head pointer into the local shadow, used by
// the CQ drainer before peeking a header.
func (b *Buffer) Refresh() {
	b.refreshHead()
}

// splitWrite writes buf into the device ring starting at local position
// pos, splitting the write at the wrap boundary if necessary.
func (b *Buffer) splitWrite(pos uint64, buf []byte) {
	n := uint64(len(buf))
	tail := b.Local.Len - pos
	if n <= tail {
		b.Remote.WriteBytes(b.bufOff(pos), buf)
		return
	}
	b.Remote.WriteBytes(b.bufOff(pos), buf[:tail])
	b.Remote.WriteBytes(b.bufOff(0), buf[tail:])
}

// splitRead reads from the device ring starting at local position pos into
// buf, splitting the read at the wrap boundary if necessary.
func (b *Buffer) splitRead(pos uint64, buf []byte) {
	n := uint64(len(buf))
	tail := b.Local.Len - pos
	if n <= tail {
		b.Remote.ReadBytes(b.bufOff(pos), buf)
		return
	}
	b.Remote.ReadBytes(b.bufOff(pos), buf[:tail])
	b.Remote.ReadBytes(b.bufOff(0), buf[tail:])
}
