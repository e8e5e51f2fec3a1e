// Package device implements the Device Instance of spec §2/§3: the
// top-level entity that owns a devnum (allocated from a bounded,
// process-wide pool of size MAX_DEVS), a saved PCI config snapshot, the
// shared BAR region list, and the Mgmt/Ops node pair it constructs by
// running the DIR handshake (package dir) against an Endpoint.
//
// Grounded on tamago's dma/dma.go package-level singleton-registry idiom
// (a single global guarded by a mutex, here generalized to a fixed-size
// pool of MAX_DEVS independent slots via bitmap.Bitmap, the same way
// package p2pdma turns the same idiom into a devnum-indexed array) and on
// et_pci_dev.c's pci_save_state/pci_restore_state bracketing of reset,
// which is the origin of the opaque PCIState snapshot kept here and handed
// back to the Endpoint's RestorePCIState on reinit without ever being
// interpreted.
//
// https://github.com/etsoc/etsoc-driver
package device

import (
	"log"
	"time"

	"github.com/etsoc/etsoc-driver/bitmap"
	"github.com/etsoc/etsoc-driver/circbuf"
	"github.com/etsoc/etsoc-driver/dir"
	"github.com/etsoc/etsoc-driver/dmabuf"
	"github.com/etsoc/etsoc-driver/dstatus"
	"github.com/etsoc/etsoc-driver/mmio"
	"github.com/etsoc/etsoc-driver/node"
	"github.com/etsoc/etsoc-driver/p2pdma"
	"github.com/etsoc/etsoc-driver/region"
	"github.com/etsoc/etsoc-driver/reset"
	"github.com/etsoc/etsoc-driver/telemetry"
	"github.com/etsoc/etsoc-driver/vq"
)

// MaxDevs bounds the devnum pool. It matches p2pdma.MaxDevs (both are
// indexed by the same devnum space and share the 64-bit bitmap width),
// per spec §4.4's "dev_bitmap (module-global, size MAX_DEVS)".
const MaxDevs = p2pdma.MaxDevs

// devnums is the process-wide devnum allocation pool: "atomic bit
// operations on probe/remove; the chosen devnum is the lowest clear bit"
// (spec §4.4).
var devnums bitmap.Bitmap

// allocDevnum claims and returns the lowest clear devnum, or ENODEV if the
// pool is exhausted ("no free device number -> NODEV at probe", spec §7).
func allocDevnum() (int, error) {
	for {
		i := devnums.LowestClear()
		if i < 0 || i >= MaxDevs {
			return 0, dstatus.Newf(dstatus.ENODEV, "device: no free device number (pool size %d)", MaxDevs)
		}
		if !devnums.TestAndSet(i) {
			return i, nil
		}
		// Lost the race for bit i to a concurrent probe; retry.
	}
}

// releaseDevnum returns devnum to the pool, per "device-number bit
// reclaimed on destroy" (spec §3).
func releaseDevnum(devnum int) {
	devnums.Clear(devnum)
}

// Endpoint is the hardware-facing side of a Device Instance: the mapped
// BAR-2 DIR windows for each node, bus identity, link presence (consumed
// by reset.Orchestrator's settle-detection poll), and PCI config
// save/restore. loopback.Backend and hostio.Backend each implement this,
// letting Probe build an Instance identically over synthetic or real
// hardware.
type Endpoint interface {
	BusName() string
	MgmtWindow() *mmio.Region
	OpsWindow() *mmio.Region
	MgmtLayout() dir.Layout
	OpsLayout() dir.Layout
	// Present reports whether the endpoint is currently enumerable on
	// the bus, the signal reset.Orchestrator polls after teardown.
	Present() (bool, error)
	// SavePCIState captures an opaque config-space snapshot.
	SavePCIState() ([]byte, error)
	// RestorePCIState writes a snapshot captured by SavePCIState back.
	RestorePCIState([]byte) error
	// Doorbell returns the per-SQ doorbell implementation for queue idx
	// of node kind k, paired with its completion queue cq: loopback
	// synchronously drains and answers, a real backend rings the
	// hardware interrupt-trigger register (or returns nil if ringing
	// happens out of band of SQ.Push entirely).
	Doorbell(k region.NodeKind, idx int, cq *vq.CQ) vq.Doorbell
}

// Config bounds DIR discovery and reset settle-detection, threaded through
// from config.Config / cmd/etsocd's flags. The P2PDMA registry's distance
// function is chosen by whoever constructs the *p2pdma.Registry passed to
// Probe, not by Config, since that registry is shared process-wide rather
// than scoped to one device.
type Config struct {
	DIRTimeout time.Duration
	Reset      reset.Config
}

// DefaultConfig matches spec §4.3/§4.7's suggested bounds.
func DefaultConfig() Config {
	return Config{
		DIRTimeout: 30 * time.Second,
		Reset:      reset.DefaultConfig(),
	}
}

// Instance is the Device Instance of spec §3: one devnum, one Endpoint,
// and the Mgmt/Ops node pair built against it.
type Instance struct {
	Devnum int
	ep     Endpoint
	cfg    Config

	PCIState []byte
	BARs     *region.List

	Mgmt *node.Node
	Ops  *node.Node

	P2P   *p2pdma.Registry
	Reset *reset.Orchestrator

	ResetConfig *telemetry.ResetConfig

	Log *log.Logger
}

// Probe implements spec §3's "Created on probe": allocates a devnum,
// saves PCI config state, runs the DIR handshake for both nodes, wires
// their VQ sets, and starts the reset orchestrator. On any failure it
// rolls back everything it already did, per spec §7's "DIR parse errors
// propagate up: roll back in exact reverse order".
func Probe(ep Endpoint, p2p *p2pdma.Registry, cfg Config, logger *log.Logger) (*Instance, error) {
	if logger == nil {
		logger = log.Default()
	}

	devnum, err := allocDevnum()
	if err != nil {
		return nil, err
	}

	pciState, err := ep.SavePCIState()
	if err != nil {
		releaseDevnum(devnum)
		return nil, dstatus.Wrap(dstatus.EFAULT, "device: save pci state", err)
	}

	resetConfig := &telemetry.ResetConfig{MaxEstimatedDowntime: cfg.Reset.MaxEstimatedDowntime}
	resetConfig.SetDiscoveryTimeout(cfg.Reset.DiscoveryTimeout)

	inst := &Instance{
		Devnum:      devnum,
		ep:          ep,
		cfg:         cfg,
		PCIState:    pciState,
		BARs:        &region.List{},
		P2P:         p2p,
		ResetConfig: resetConfig,
		Log:         logger,
	}

	mgmt := node.New(region.Mgmt, devnum, logger)
	ops := node.New(region.Ops, devnum, logger)
	inst.Mgmt, inst.Ops = mgmt, ops

	if err := inst.bringUp(mgmt, ep.MgmtWindow(), ep.MgmtLayout()); err != nil {
		releaseDevnum(devnum)
		return nil, err
	}
	if err := inst.bringUp(ops, ep.OpsWindow(), ep.OpsLayout()); err != nil {
		inst.teardownNode(mgmt, ep.MgmtWindow())
		releaseDevnum(devnum)
		return nil, err
	}

	mgmt.BusName, ops.BusName = ep.BusName(), ep.BusName()
	mgmt.Reinitialize = inst.reinitializer(ep.MgmtWindow, ep.MgmtLayout)
	ops.Reinitialize = inst.reinitializer(ep.OpsWindow, ep.OpsLayout)

	inst.Reset = reset.New(mgmt, ops, func() (bool, error) { return ep.Present() }, cfg.Reset)
	mgmt.Orchestrator, ops.Orchestrator = inst.Reset, inst.Reset

	mgmt.MarkReady()
	ops.MarkReady()

	return inst, nil
}

// Remove implements spec §3's "destroyed on remove": tears down both
// nodes and reclaims the devnum bit.
func (inst *Instance) Remove() {
	inst.Mgmt.TearDown()
	inst.Ops.TearDown()
	inst.Mgmt.SetState(reset.StateUninit)
	inst.Ops.SetState(reset.StateUninit)
	releaseDevnum(inst.Devnum)
}

// bringUp runs the DIR handshake for one node's window and populates its
// Region Table, VQ set, and (for Ops) DMA correlator/mapping registry.
func (inst *Instance) bringUp(n *node.Node, win *mmio.Region, layout dir.Layout) error {
	p := dir.New(win, layout, n.Kind, inst.Log)
	result, err := p.Parse(inst.cfg.DIRTimeout, inst.BARs, inst.P2P, inst.Devnum, dir.CompulsoryRegions(n.Kind))
	if err != nil {
		return err
	}

	n.Regions = result.Table
	n.DeviceConfig = result.Header.DeviceConfig
	n.P2P = inst.P2P
	n.Stats = telemetry.NewVQStats()
	n.Errors = &telemetry.ErrorCounters{}

	vqType := region.TypeMgmtVQ
	if n.Kind == region.Ops {
		vqType = region.TypeOpsVQ
		n.Correlator = dmabuf.NewCorrelator()
		n.DMAMappings = &dmabuf.Registry{}
	}

	vqWindow := result.Table.Get(vqType)
	if !vqWindow.Valid || vqWindow.IOBase == nil {
		return dstatus.Newf(dstatus.EFAULT, "device: %s vq region not io-mapped", n.Kind)
	}

	set, err := buildVQSet(vqWindow.IOBase, result.VQ, func(idx int, cq *vq.CQ) vq.Doorbell {
		return inst.ep.Doorbell(n.Kind, idx, cq)
	})
	if err != nil {
		return err
	}
	n.VQ = set
	return nil
}

// teardownNode undoes bringUp for a node that itself came up cleanly but
// whose peer failed, per spec §7's reverse-order rollback.
func (inst *Instance) teardownNode(n *node.Node, win *mmio.Region) {
	n.TearDown()
	for t := region.Type(0); t.Valid(); t++ {
		inst.BARs.Remove(n.Kind, t)
	}
}

// buildVQSet lays SQCount SQs followed by CQCount CQs sequentially within
// the VQ region's mapped bytes, each ring preceded by circbuf's
// HeaderSize-byte device-shared head/tail/len header, and pairs SQ[i] with
// CQ[i] as dir's VQDescriptor does not separately address ring offsets
// (there is exactly one mapped window per node to carve up). SQCount and
// CQCount must match, since every SQ needs a completion counterpart; a
// mismatch is a malformed descriptor (dir.VQDescriptor.Valid already
// rejects zero counts, but not an unequal pair).
func buildVQSet(win *mmio.Region, desc dir.VQDescriptor, doorbell func(idx int, cq *vq.CQ) vq.Doorbell) (*vq.Set, error) {
	if desc.SQCount != desc.CQCount {
		return nil, dstatus.Newf(dstatus.EFAULT, "device: vq descriptor sq count %d != cq count %d", desc.SQCount, desc.CQCount)
	}

	sqStride := circbufStride(desc.SQSize)
	cqStride := circbufStride(desc.CQSize)
	need := uint64(desc.SQCount)*sqStride + uint64(desc.CQCount)*cqStride
	if uint64(len(win.Buf)) < need {
		return nil, dstatus.Newf(dstatus.EFAULT, "device: vq region %d bytes too small for %d sq + %d cq (need %d)", len(win.Buf), desc.SQCount, desc.CQCount, need)
	}

	sqBitmap := &bitmap.Bitmap{}
	cqBitmap := &bitmap.Bitmap{}
	wait := vq.NewWaitQueue()

	cqs := make([]*vq.CQ, desc.CQCount)
	offset := uint64(desc.SQCount) * sqStride
	for i := range cqs {
		buf := circbuf.New(win, int(offset), desc.CQSize)
		cqs[i] = vq.NewCQ(i, buf, cqBitmap, wait, noEvents{})
		offset += cqStride
	}

	sqs := make([]*vq.SQ, desc.SQCount)
	offset = 0
	for i := range sqs {
		buf := circbuf.New(win, int(offset), desc.SQSize)
		sqs[i] = vq.NewSQ(i, buf, sqBitmap, doorbell(i, cqs[i]))
		offset += sqStride
	}

	return vq.NewSet(sqs, cqs, sqBitmap, cqBitmap, wait), nil
}

func circbufStride(size uint32) uint64 {
	return uint64(circbuf.HeaderSize) + uint64(size)
}

// noEvents is the CQ EventSink used when no out-of-band event channel is
// configured; GetDeviceState's PENDING_COMMANDS bit is derived from
// vq.Set.AnyPending directly, not from IsEvent/HandleEvent.
type noEvents struct{}

func (noEvents) IsEvent(uint16) bool                 { return false }
func (noEvents) HandleEvent(vq.CommonHeader, []byte) {}

// reinitializer returns the node.Reinitializer that drives spec §4.7
// step 5's "restore saved PCI state, re-run initialization": windowFn and
// layoutFn are re-evaluated at reinit time (not captured once at probe)
// since a real Endpoint may remap its BARs after a link bounce.
func (inst *Instance) reinitializer(windowFn func() *mmio.Region, layoutFn func() dir.Layout) node.Reinitializer {
	return func(n *node.Node) error {
		if err := inst.ep.RestorePCIState(inst.PCIState); err != nil {
			return dstatus.Wrap(dstatus.EFAULT, "device: restore pci state", err)
		}
		for t := region.Type(0); t.Valid(); t++ {
			inst.BARs.Remove(n.Kind, t)
		}
		return inst.bringUp(n, windowFn(), layoutFn())
	}
}
