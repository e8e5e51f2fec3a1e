// Package node implements a Node (one of the Mgmt/Ops character-device
// personalities of a Device Instance): the open/release single-holder
// gate, poll mask construction, and the ioctl dispatch table of spec §6,
// wired to the VQ set, region table, P2P registry, DMA correlator, and
// reset orchestrator that back it.
//
// The real character device / ioctl syscall surface is out of scope here
// (that is package hostio's job); Node exposes the same operations as
// ordinary Go methods so both hostio.Backend and loopback.Backend's
// in-process test harnesses can drive it identically.
//
// Grounded on soc/imx6/usb/device.go's open/reset/err-log idiom,
// generalized from a USB device controller's single state machine to the
// two-node-per-device, reset-orchestrated state machine spec §4.7/§6
// describes.
//
// https://github.com/etsoc/etsoc-driver
package node

import (
	"context"
	"log"
	"sync"

	"github.com/etsoc/etsoc-driver/dmabuf"
	"github.com/etsoc/etsoc-driver/dstatus"
	"github.com/etsoc/etsoc-driver/p2pdma"
	"github.com/etsoc/etsoc-driver/region"
	"github.com/etsoc/etsoc-driver/reset"
	"github.com/etsoc/etsoc-driver/telemetry"
	"github.com/etsoc/etsoc-driver/vq"
)

// PollResult is the poll-mask construction of spec §6.
type PollResult struct {
	Hup bool
	Out bool
	In  bool
}

// PushFlags mirrors the PUSH_SQ flag bits of spec §6.
type PushFlags uint8

const (
	FlagHighPriority PushFlags = 1 << iota
	FlagDMA
	FlagP2PDMA
	FlagMMReset
	FlagETSOCReset
)

// Reinitializer rebuilds a Node's VQ set and region table against a
// freshly link-stable endpoint, the role spec §4.7 step 5 describes as
// "restore saved PCI state, re-run initialization". It is injected by
// device.Instance, which owns the DIR parser and the endpoint backend.
type Reinitializer func(n *Node) error

// Node is one Mgmt or Ops personality of a device.
type Node struct {
	Kind   region.NodeKind
	Devnum int

	// BusName is the PCI bus-function-slot string GET_PCIBUS_DEVICE_NAME
	// copies out.
	BusName string

	// DeviceConfig is the raw opaque device-configuration blob the DIR
	// header carries (GET_DEVICE_CONFIGURATION's payload).
	DeviceConfig [16]byte

	Regions *region.Table
	VQ      *vq.Set
	P2P     *p2pdma.Registry

	// Correlator is non-nil only for the Ops node (spec §4.5's
	// tag-keyed DMA Info map is an Ops-node-only structure).
	Correlator *dmabuf.Correlator
	// DMAMappings is non-nil only for the Ops node (mmap backing).
	DMAMappings *dmabuf.Registry

	Stats  *telemetry.VQStats
	Errors *telemetry.ErrorCounters

	Orchestrator *reset.Orchestrator
	Reinitialize Reinitializer

	Log *log.Logger

	mu     sync.Mutex
	opened bool
	state  reset.State
}

// New constructs a Node in the UNINIT state. Most fields are filled in by
// the caller (device.Instance, which owns DIR parsing) before Open is
// ever called.
func New(kind region.NodeKind, devnum int, logger *log.Logger) *Node {
	if logger == nil {
		logger = log.Default()
	}
	return &Node{Kind: kind, Devnum: devnum, Log: logger, state: reset.StateUninit}
}

// MarkReady transitions the node to READY, called once device.Instance
// has finished DIR parsing and VQ set construction for this node.
func (n *Node) MarkReady() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = reset.StateReady
}

// State returns the current reset-orchestrator state.
func (n *Node) State() reset.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// SetState implements reset.Node.
func (n *Node) SetState(s reset.State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// IsOpen implements reset.Node.
func (n *Node) IsOpen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.opened
}

// Open enforces the single-holder gate, per spec §6: a second concurrent
// open is refused with EBUSY "even if the first caller has not yet
// issued any ioctl"; an open during reset is refused with EUCLEAN; an
// open of an uninitialized node is refused with ENODEV.
func (n *Node) Open() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.opened {
		return dstatus.Newf(dstatus.EBUSY, "%s: already open", n.Kind)
	}
	if n.state == reset.StateResetting {
		return dstatus.Newf(dstatus.EUCLEAN, "%s: reset in progress", n.Kind)
	}
	if n.state == reset.StateUninit {
		return dstatus.Newf(dstatus.ENODEV, "%s: not initialized", n.Kind)
	}

	n.opened = true
	return nil
}

// Release closes the node's single holder.
func (n *Node) Release() {
	n.mu.Lock()
	n.opened = false
	n.mu.Unlock()
}

// TearDown implements reset.Node: destroys the VQ set's workers, discards
// pending DMA correlations. It does not change the node's state (callers
// such as reset.Orchestrator and device.Instance.Remove call SetState), and
// it deliberately does not clear Regions/VQ/DeviceConfig — those are
// rebuilt wholesale by Reinitialize, not mutated in place.
func (n *Node) TearDown() {
	if n.VQ != nil {
		discarded := n.VQ.Abort()
		if discarded > 0 {
			n.Log.Printf("node: %s discarded %d pending message(s) on teardown", n.Kind, discarded)
		}
		n.VQ.Stop()
	}
	if n.Correlator != nil {
		if pending := n.Correlator.DiscardAll(); len(pending) > 0 {
			n.Log.Printf("node: %s discarded %d pending dma correlation(s) on teardown", n.Kind, len(pending))
		}
	}
}

// Reinit implements reset.Node by delegating to the injected
// Reinitializer, which knows how to re-run DIR parsing and VQ
// construction against the now-stable endpoint.
func (n *Node) Reinit() error {
	if n.Reinitialize == nil {
		return dstatus.Newf(dstatus.ENODEV, "%s: no reinitializer configured", n.Kind)
	}
	return n.Reinitialize(n)
}

// checkReady is the precondition every ioctl below shares: the node must
// be initialized and not mid-reset.
func (n *Node) checkReady() error {
	switch n.State() {
	case reset.StateUninit:
		return dstatus.Newf(dstatus.ENODEV, "%s: not initialized", n.Kind)
	case reset.StateResetting:
		return dstatus.Newf(dstatus.EUCLEAN, "%s: reset in progress, close and retry", n.Kind)
	default:
		return nil
	}
}

// Poll computes the poll mask, per spec §6.
func (n *Node) Poll() PollResult {
	if n.State() == reset.StateUninit {
		return PollResult{Hup: true}
	}
	mask := n.VQ.Poll()
	return PollResult{Out: mask.Out, In: mask.In}
}

// ctxBackground is used for the reset workqueue's lifetime when a
// command-triggered reset is armed from PushSQ; PushSQ itself has no
// caller-supplied context (the ioctl surface is synchronous), so the
// background context is the work item's only lifetime bound, matching
// Trigger's own sysfs-path usage elsewhere.
func ctxBackground() context.Context { return context.Background() }
