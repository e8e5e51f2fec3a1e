// Package mmio provides primitives for retrieving and modifying device
// memory-mapped registers and buffers.
//
// Unlike the bare-metal tamago runtime this module descends from — where a
// register is a fixed physical address the Go runtime maps at boot —
// every Region here is backed by a plain byte slice, supplied either by a
// real host mapping (package hostio, via mmap of a BAR) or by an in-process
// synthetic buffer (package loopback). The accessor contract is otherwise
// identical: successive 8/16/32-bit alignment build-up, a run of 64-bit
// transfers, and a matching tear-down tail, per the byte-serializer
// contract in the spec's external-interfaces section.
//
// https://github.com/etsoc/etsoc-driver
package mmio

import (
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"
)

// Region is a mapped window of device memory. Atomic64 indicates whether
// the mapping attributes permit true atomic 64-bit MMIO transfers; when
// false, ReadU64/WriteU64 fall back to the byte-serializer.
type Region struct {
	mu sync.Mutex

	// Buf is the mapped byte slice. Offsets passed to the accessors below
	// are relative to the start of Buf.
	Buf []byte

	// Atomic64 enables the fast path for 64-bit accesses.
	Atomic64 bool
}

// NewRegion wraps buf as a Region using the byte-serializer exclusively.
func NewRegion(buf []byte) *Region {
	return &Region{Buf: buf}
}

func (r *Region) bounds(off, n int) bool {
	return off >= 0 && n >= 0 && off+n <= len(r.Buf)
}

// ReadU32 reads a little-endian 32-bit word at offset off.
func (r *Region) ReadU32(off int) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.bounds(off, 4) {
		return 0
	}
	return binary.LittleEndian.Uint32(r.Buf[off:])
}

// WriteU32 writes a little-endian 32-bit word at offset off.
func (r *Region) WriteU32(off int, val uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.bounds(off, 4) {
		return
	}
	binary.LittleEndian.PutUint32(r.Buf[off:], val)
}

// ReadU64 reads a little-endian 64-bit word, using the atomic path when the
// region supports it.
func (r *Region) ReadU64(off int) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.bounds(off, 8) {
		return 0
	}
	if r.Atomic64 {
		p := (*uint64)(ptrAt(r.Buf, off))
		return atomic.LoadUint64(p)
	}
	return binary.LittleEndian.Uint64(r.Buf[off:])
}

// WriteU64 writes a little-endian 64-bit word, using the atomic path when
// the region supports it.
func (r *Region) WriteU64(off int, val uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.bounds(off, 8) {
		return
	}
	if r.Atomic64 {
		p := (*uint64)(ptrAt(r.Buf, off))
		atomic.StoreUint64(p, val)
		return
	}
	binary.LittleEndian.PutUint64(r.Buf[off:], val)
}

// ReadBytes fills dst from the region at offset off using the byte
// serializer contract: 8→16→32 alignment build-up, a run of 64-bit
// transfers, then a matching tear-down tail. On mappings that support
// Atomic64 the 64-bit run uses atomic loads.
func (r *Region) ReadBytes(off int, dst []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serialize(off, dst, false)
}

// WriteBytes writes src into the region at offset off using the same
// byte-serializer contract as ReadBytes.
func (r *Region) WriteBytes(off int, src []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// serialize takes a mutable slice it both reads from and writes to
	// depending on the write flag; copy src since callers may reuse it.
	buf := make([]byte, len(src))
	copy(buf, src)
	r.serialize(off, buf, true)
}

// serialize implements the 8→16→32→64…→32→16→8 transfer shape. buf is
// read from the region (write=false) or written to it (write=true). The
// caller holds r.mu.
func (r *Region) serialize(off int, buf []byte, write bool) {
	n := len(buf)
	if !r.bounds(off, n) {
		return
	}

	pos := 0
	cur := off

	// Build up alignment: 1, 2, 4 bytes, only as needed and only while
	// the current offset is not yet 8-byte aligned.
	for _, step := range []int{1, 2, 4} {
		if n-pos < step {
			break
		}
		if cur&step == 0 {
			continue
		}
		r.xfer(cur, buf[pos:pos+step], write)
		pos += step
		cur += step

		// cooperative yield matches the spec's allowance for a
		// yield inside the 64-bit loop; harmless here too.
		runtime.Gosched()
	}

	// Run of 64-bit transfers.
	for n-pos >= 8 {
		r.xfer(cur, buf[pos:pos+8], write)
		pos += 8
		cur += 8
		runtime.Gosched()
	}

	// Tear-down tail: 4, 2, 1 bytes, mirroring the build-up.
	for _, step := range []int{4, 2, 1} {
		if n-pos < step {
			continue
		}
		r.xfer(cur, buf[pos:pos+step], write)
		pos += step
		cur += step
	}
}

// xfer performs one fixed-width transfer of len(b) bytes (1, 2, 4, or 8) at
// offset off, honoring Atomic64 for 8-byte transfers.
func (r *Region) xfer(off int, b []byte, write bool) {
	switch len(b) {
	case 8:
		if r.Atomic64 {
			p := (*uint64)(ptrAt(r.Buf, off))
			if write {
				atomic.StoreUint64(p, binary.LittleEndian.Uint64(b))
			} else {
				binary.LittleEndian.PutUint64(b, atomic.LoadUint64(p))
			}
			return
		}
		fallthrough
	default:
		if write {
			copy(r.Buf[off:off+len(b)], b)
		} else {
			copy(b, r.Buf[off:off+len(b)])
		}
	}
}

// Peek is a non-consuming read at an arbitrary offset, used by circbuf to
// read a fixed-size message header before allocating a payload buffer.
func (r *Region) Peek(off int, dst []byte) {
	r.ReadBytes(off, dst)
}
