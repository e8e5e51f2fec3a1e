package loopback

import (
	"sync"

	"github.com/etsoc/etsoc-driver/dir"
	"github.com/etsoc/etsoc-driver/mmio"
	"github.com/etsoc/etsoc-driver/region"
	"github.com/etsoc/etsoc-driver/vq"
)

// NodeImage describes the synthetic BAR window Backend presents for one
// node: the region list and VQ sizing a real device would advertise
// through its DIR, plus the total window size to allocate.
type NodeImage struct {
	Bar        uint8
	VQ         dir.VQDescriptor
	Regions    []dir.RegionSpec
	WindowSize uint64
}

// Fixed status/DIR placement within a synthesized window: a real BAR-2
// window reserves the low bytes for these per spec §4.3 step 2; the
// remainder (from ioAreaOffset on) is free for the regions NodeImage.Regions
// declares.
const (
	statusOffset = 0
	dirOffset    = 16
	ioAreaOffset = 4096
)

// Backend is the in-process synthetic device of spec §4.6: it implements
// device.Endpoint entirely over plain byte slices, with DIR images
// synthesized by dir.EncodeImage and per-SQ doorbells serviced
// synchronously by Handler, exercising the full VQ/DIR/DMA stack with no
// PCIe hardware attached. Used by cmd/etsocd -loopback and by the test
// suite wherever a real Endpoint is unavailable.
//
// Grounded on kvm/virtio/legacy.go's self-contained in-process VirtIO
// responder (see commands.go) and et_p2pdma_loopback.c's in-process
// move_data path (see p2p.go); Backend is the glue that gives both a
// device.Endpoint shell to sit behind.
type Backend struct {
	busName string

	mgmtWin, opsWin       *mmio.Region
	mgmtLayout, opsLayout dir.Layout

	mu       sync.Mutex
	pciState []byte
	present  bool
}

// NewBackend synthesizes both nodes' DIR images from mgmt/ops and wraps
// them in a Backend presenting busName. deviceConfig is the opaque
// GET_DEVICE_CONFIGURATION blob both DIRs advertise.
func NewBackend(busName string, mgmt, ops NodeImage, deviceConfig [16]byte) *Backend {
	mgmtWin, mgmtLayout := buildWindow(mgmt, deviceConfig)
	opsWin, opsLayout := buildWindow(ops, deviceConfig)
	return &Backend{
		busName:    busName,
		mgmtWin:    mgmtWin,
		mgmtLayout: mgmtLayout,
		opsWin:     opsWin,
		opsLayout:  opsLayout,
		pciState:   []byte("loopback-pci-state"),
		present:    true,
	}
}

func buildWindow(img NodeImage, deviceConfig [16]byte) (*mmio.Region, dir.Layout) {
	size := img.WindowSize
	if size < ioAreaOffset {
		size = ioAreaOffset
	}
	raw := dir.EncodeImage(img.VQ, deviceConfig, img.Regions)

	win := mmio.NewRegion(make([]byte, size))
	win.WriteU32(statusOffset, 0xffffffff)
	win.WriteBytes(dirOffset, raw)

	return win, dir.Layout{StatusOffset: statusOffset, DIROffset: dirOffset, WindowSize: size}
}

func (b *Backend) BusName() string          { return b.busName }
func (b *Backend) MgmtWindow() *mmio.Region { return b.mgmtWin }
func (b *Backend) OpsWindow() *mmio.Region  { return b.opsWin }
func (b *Backend) MgmtLayout() dir.Layout   { return b.mgmtLayout }
func (b *Backend) OpsLayout() dir.Layout    { return b.opsLayout }

// Present reports true unless SetPresent(false) has been called: a
// loopback device has no link to bounce. SetPresent lets a reset test
// simulate a bounce that never settles.
func (b *Backend) Present() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.present, nil
}

// SetPresent overrides the presence signal reset.Orchestrator polls,
// letting tests exercise a reset that never settles.
func (b *Backend) SetPresent(present bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.present = present
}

func (b *Backend) SavePCIState() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.pciState))
	copy(out, b.pciState)
	return out, nil
}

func (b *Backend) RestorePCIState(state []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pciState = append([]byte(nil), state...)
	return nil
}

// Doorbell returns a synchronous in-process command handler: SQ.Push
// invokes Ring directly rather than signaling real hardware, so the
// response is already on the CQ by the time Push returns.
func (b *Backend) Doorbell(k region.NodeKind, idx int, cq *vq.CQ) vq.Doorbell {
	return &Handler{CQ: cq}
}
