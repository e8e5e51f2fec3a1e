// Package dmabuf implements the coherent DMA buffer lifecycle (host-mapped
// VMAs, reference-counted pages) and the per-command tag→DMA-Info
// correlator used to complete asynchronous read/write responses, per spec
// §4.5.
//
// Grounded on tamago's dma/dma.go allocator (Alloc/Free bookkeeping),
// generalized from its single-owner model to the refcounted multi-open
// model spec §4.5 describes (vm_open/vm_close hooks), and on
// ehrlich-b/go-ublk's uapi/structs.go fixed-layout wire structs for
// DMAInfo's shape.
//
// https://github.com/etsoc/etsoc-driver
package dmabuf

import (
	"sync"
	"unsafe"

	"github.com/etsoc/etsoc-driver/dstatus"
)

// Mapping is one coherent DMA buffer. Host-mapped once via mmap, it may be
// referenced by more than one VMA handle (e.g. a fork()'d child inheriting
// the mapping); refs tracks how many are currently open.
type Mapping struct {
	mu   sync.Mutex
	Buf  []byte
	refs int
}

// NewMapping allocates a coherent buffer of the requested length.
func NewMapping(length int) (*Mapping, error) {
	if length <= 0 {
		return nil, dstatus.Newf(dstatus.EINVAL, "dmabuf: mapping length %d invalid", length)
	}
	return &Mapping{Buf: make([]byte, length)}, nil
}

// Addr returns the address a VMA for this mapping is registered under. In
// a kernel driver this would be the user-visible virtual address handed
// back by mmap; since the loopback and hostio backends both run in this
// same process, the backing slice's own address plays that role.
func (m *Mapping) Addr() uintptr {
	if len(m.Buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.Buf[0]))
}

// Open is the vm_open hook: bumps the refcount and reports whether this
// was the first open, so the caller bumps the "CMA allocated" telemetry
// counter only once per mapping.
func (m *Mapping) Open() (firstOpen bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	firstOpen = m.refs == 0
	m.refs++
	return firstOpen
}

// Close is the vm_close hook: drops the refcount and reports whether this
// was the last close, so the caller frees the backing buffer and
// decrements the telemetry counter only once per mapping.
func (m *Mapping) Close() (lastClose bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs > 0 {
		m.refs--
	}
	return m.refs == 0
}

// RefCount reports the current open count.
func (m *Mapping) RefCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

// VMA is one registered mapping: the address range a host process may
// resolve back to a Mapping, tagged with the endpoint (device/node pair)
// that owns it.
type VMA struct {
	Start, End uintptr
	Endpoint   string
	Mapping    *Mapping
}

// Registry is the per-node table of currently mmap'd coherent buffers,
// backing the ops node's mmap file operation and find_vma_for.
type Registry struct {
	mu   sync.RWMutex
	vmas []*VMA
}

// Mmap implements the ops-node mmap file operation: allocates a fresh
// coherent buffer of length bytes, registers it as a VMA tagged with
// endpoint, and opens it (the mapping's first reference). The caller is
// responsible for rejecting a non-zero mmap offset before calling this.
func (r *Registry) Mmap(endpoint string, length int) (*VMA, error) {
	m, err := NewMapping(length)
	if err != nil {
		return nil, err
	}

	vma := &VMA{Start: m.Addr(), End: m.Addr() + uintptr(length), Endpoint: endpoint, Mapping: m}

	r.mu.Lock()
	r.vmas = append(r.vmas, vma)
	r.mu.Unlock()

	m.Open()
	return vma, nil
}

// FindVMAFor implements find_vma_for: resolves addr to the VMA containing
// it, verifying the caller's endpoint matches the one the VMA was
// registered under (the "ops vector identifies this driver and endpoint
// matches" check).
func (r *Registry) FindVMAFor(addr uintptr, endpoint string) (*VMA, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, vma := range r.vmas {
		if addr < vma.Start || addr >= vma.End {
			continue
		}
		if vma.Endpoint != endpoint {
			return nil, dstatus.Newf(dstatus.EFAULT, "dmabuf: address %#x belongs to a different endpoint", addr)
		}
		return vma, nil
	}
	return nil, dstatus.Newf(dstatus.EFAULT, "dmabuf: no vma contains address %#x", addr)
}

// Unmap removes vma from the registry and runs its vm_close hook,
// reporting whether this was the mapping's last close.
func (r *Registry) Unmap(vma *VMA) (lastClose bool) {
	r.mu.Lock()
	for i, v := range r.vmas {
		if v == vma {
			r.vmas = append(r.vmas[:i], r.vmas[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	return vma.Mapping.Close()
}

// Len reports the number of currently registered VMAs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.vmas)
}
