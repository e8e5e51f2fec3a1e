package hostio

import (
	"context"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/etsoc/etsoc-driver/dir"
	"github.com/etsoc/etsoc-driver/dstatus"
	"github.com/etsoc/etsoc-driver/mmio"
	"github.com/etsoc/etsoc-driver/region"
	"github.com/etsoc/etsoc-driver/vq"
)

// mmap offset convention: the kernel driver multiplexes both BAR windows
// onto a single device file, selecting Mgmt vs Ops by the mmap offset, the
// same "region index encoded in the fd offset" convention VFIO group/device
// files use for their per-region mappings.
const (
	mmapOffsetMgmt = 0
	mmapOffsetOps  = 1 << 32
)

// Config describes the fixed BAR geometry Backend maps. A deployment
// derives these from the DIR handshake performed once at probe time (see
// device.Probe) or from operator-supplied flags (cmd/etsocd); hostio itself
// has no sysfs/lspci introspection of its own.
type Config struct {
	BusName        string
	MgmtLayout     dir.Layout
	OpsLayout      dir.Layout
	MgmtWindowSize uint64
	OpsWindowSize  uint64
}

// Backend is the real-hardware device.Endpoint: a device file opened with
// unix.Open, two mmap'd BAR windows, and an ioctl surface for the
// operations that don't reduce to a plain memory access (link presence,
// PCI config-space save/restore, SQ doorbells).
//
// Grounded on emergingrobotics-go-hailo's DeviceFile: one fd, ioctl as the
// control-plane primitive, mmap'd memory as the data-plane primitive.
type Backend struct {
	path    string
	fd      int
	busName string

	mgmtWin, opsWin       *mmio.Region
	mgmtLayout, opsLayout dir.Layout
}

// Open opens path, mmaps both BAR windows per cfg, and returns a Backend
// ready to hand to device.Probe. timeout bounds the open call; zero selects
// DefaultOpenTimeout.
func Open(ctx context.Context, path string, cfg Config, timeout time.Duration) (*Backend, error) {
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}

	fd, err := openWithTimeout(path, timeout)
	if err != nil {
		return nil, err
	}

	mgmtBuf, err := unix.Mmap(fd, mmapOffsetMgmt, int(cfg.MgmtWindowSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errnoToStatus(err, "mmap mgmt bar")
	}

	opsBuf, err := unix.Mmap(fd, mmapOffsetOps, int(cfg.OpsWindowSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(mgmtBuf)
		unix.Close(fd)
		return nil, errnoToStatus(err, "mmap ops bar")
	}

	return &Backend{
		path:       path,
		fd:         fd,
		busName:    cfg.BusName,
		mgmtWin:    mmio.NewRegion(mgmtBuf),
		opsWin:     mmio.NewRegion(opsBuf),
		mgmtLayout: cfg.MgmtLayout,
		opsLayout:  cfg.OpsLayout,
	}, nil
}

// Close unmaps both BAR windows and closes the device file. Callers invoke
// it once the owning device.Instance has been removed.
func (b *Backend) Close() error {
	unix.Munmap(b.mgmtWin.Buf)
	unix.Munmap(b.opsWin.Buf)
	return unix.Close(b.fd)
}

func (b *Backend) BusName() string          { return b.busName }
func (b *Backend) MgmtWindow() *mmio.Region { return b.mgmtWin }
func (b *Backend) OpsWindow() *mmio.Region  { return b.opsWin }
func (b *Backend) MgmtLayout() dir.Layout   { return b.mgmtLayout }
func (b *Backend) OpsLayout() dir.Layout    { return b.opsLayout }

// Present issues GET_STATUS and reports the link-presence bit. A device
// unplugged mid-ioctl surfaces as ENODEV from the syscall itself, which
// Present treats as "not present" rather than an error, matching what
// reset.Orchestrator's poll loop expects from device.Endpoint.Present.
func (b *Backend) Present() (bool, error) {
	var status uint32
	if err := ioctlCall(b.fd, cmdGetStatus, unsafe.Pointer(&status)); err != nil {
		if dstatus.CodeOf(err) == dstatus.ENODEV {
			return false, nil
		}
		return false, err
	}
	return status&statusPresentBit != 0, nil
}

// SavePCIState issues GET_PCI_STATE and returns the fixed-size config-space
// snapshot the kernel driver captured.
func (b *Backend) SavePCIState() ([]byte, error) {
	buf := make([]byte, pciStateSize)
	if err := ioctlCall(b.fd, cmdSavePCIState, unsafe.Pointer(&buf[0])); err != nil {
		return nil, err
	}
	return buf, nil
}

// RestorePCIState issues SET_PCI_STATE with state, zero-padded or truncated
// to the fixed ioctl argument size.
func (b *Backend) RestorePCIState(state []byte) error {
	buf := make([]byte, pciStateSize)
	copy(buf, state)
	return ioctlCall(b.fd, cmdRestorePCIState, unsafe.Pointer(&buf[0]))
}

// Doorbell returns a ringDoorbell bound to this node/SQ index; cq is unused
// since the real device signals completion asynchronously via the CQ's own
// interrupt path rather than synchronously like loopback's Handler.
func (b *Backend) Doorbell(k region.NodeKind, idx int, cq *vq.CQ) vq.Doorbell {
	return &ringDoorbell{backend: b, kind: k, idx: idx}
}

// ringDoorbell issues RING_DOORBELL, the real-hardware counterpart of
// loopback.Handler: instead of synchronously draining the SQ, it tells the
// kernel driver to notify the device that idx has new entries.
type ringDoorbell struct {
	backend *Backend
	kind    region.NodeKind
	idx     int
}

func (d *ringDoorbell) Ring(sq *vq.SQ) error {
	req := doorbellRequest{Kind: uint32(d.kind), Index: uint32(d.idx)}
	return ioctlCall(d.backend.fd, cmdRingDoorbell, unsafe.Pointer(&req))
}
