package mmio

import "unsafe"

// ptrAt returns a pointer to buf[off], used only for the atomic 64-bit
// fast path. The caller guarantees off is 8-byte aligned relative to a
// suitably aligned underlying allocation (hostio mmap pages and the
// loopback simulator's make([]byte, ...) buffers both satisfy this for
// offsets that are themselves multiples of 8).
func ptrAt(buf []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&buf[off])
}
