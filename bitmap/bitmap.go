// Package bitmap provides a small atomic 64-bit bitmap, used for the SQ/CQ
// availability bitmaps (vq), the devnum allocation pool (device), and the
// P2P compatibility bitmap (p2pdma). All three are, per the spec, "a
// 64-bit [something] indexed by a small integer" read/set/cleared under
// concurrent access, so they share one implementation.
//
// https://github.com/etsoc/etsoc-driver
package bitmap

import (
	"math/bits"
	"sync/atomic"
)

// Bitmap is a lock-free 64-bit bitmap.
type Bitmap struct {
	bits atomic.Uint64
}

// Set sets bit i (0..63).
func (b *Bitmap) Set(i int) {
	for {
		old := b.bits.Load()
		nw := old | (1 << uint(i))
		if b.bits.CompareAndSwap(old, nw) {
			return
		}
	}
}

// Clear clears bit i (0..63).
func (b *Bitmap) Clear(i int) {
	for {
		old := b.bits.Load()
		nw := old &^ (1 << uint(i))
		if b.bits.CompareAndSwap(old, nw) {
			return
		}
	}
}

// Test reports whether bit i is set.
func (b *Bitmap) Test(i int) bool {
	return b.bits.Load()&(1<<uint(i)) != 0
}

// Any reports whether any bit is set.
func (b *Bitmap) Any() bool {
	return b.bits.Load() != 0
}

// Load returns the raw 64-bit value.
func (b *Bitmap) Load() uint64 {
	return b.bits.Load()
}

// Store sets the raw 64-bit value (used when restoring a bitmap snapshot).
func (b *Bitmap) Store(v uint64) {
	b.bits.Store(v)
}

// LowestClear returns the index of the lowest clear bit, or -1 if all 64
// bits are set. Used by the device-number allocation pool, where "the
// chosen devnum is the lowest clear bit".
func (b *Bitmap) LowestClear() int {
	v := b.bits.Load()
	inv := ^v
	if inv == 0 {
		return -1
	}
	return bits.TrailingZeros64(inv)
}

// TestAndSet atomically sets bit i and returns whether it was already set
// before the call, used by the devnum pool to claim a bit race-free.
func (b *Bitmap) TestAndSet(i int) (wasSet bool) {
	for {
		old := b.bits.Load()
		if old&(1<<uint(i)) != 0 {
			return true
		}
		nw := old | (1 << uint(i))
		if b.bits.CompareAndSwap(old, nw) {
			return false
		}
	}
}
