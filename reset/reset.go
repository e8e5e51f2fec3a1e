// Package reset implements the reset orchestrator: the ordered-lock
// teardown/settle/re-init state machine that runs a full device reset on
// its own workqueue goroutine, triggered either by user space or by an
// AER path, per spec §4.7.
//
// Grounded on vq.Set's errgroup-backed worker idiom (one long-lived
// goroutine per unit of concurrent work, torn down via context
// cancellation, errors surfaced through errgroup.Wait) and on
// soc/imx6/usb's register-poll-then-act pattern, generalized here from a
// register poll to an endpoint-presence poll.
//
// https://github.com/etsoc/etsoc-driver
package reset

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/etsoc/etsoc-driver/dstatus"
)

// State is a node's reset-orchestrator state, per spec §4.7's
// "UNINIT → READY ⇄ RESETTING → READY | NOT_RESPONDING".
type State int

const (
	StateUninit State = iota
	StateReady
	StateResetting
	StateNotResponding
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "UNINIT"
	case StateReady:
		return "READY"
	case StateResetting:
		return "RESETTING"
	case StateNotResponding:
		return "NOT_RESPONDING"
	default:
		return "UNKNOWN"
	}
}

// ExternalState is the four-valued (plus a transient flag) state the
// ioctl surface reports, per spec §4.7.
type ExternalState int

const (
	NotReady ExternalState = iota
	Ready
	ResetInProgress
	NotResponding
)

func (s State) External() ExternalState {
	switch s {
	case StateReady:
		return Ready
	case StateResetting:
		return ResetInProgress
	case StateNotResponding:
		return NotResponding
	default:
		return NotReady
	}
}

// Node is the orchestrator's view of one of the two per-device nodes
// (Mgmt or Ops). It is satisfied by node.Node; kept as a narrow interface
// here so reset has no import-time dependency on node (which itself will
// depend on vq and dmabuf), mirroring p2pdma's DistanceFunc injection.
type Node interface {
	// IsOpen reports whether a holder currently has the node open.
	IsOpen() bool
	// TearDown destroys VQs, unmaps regions, releases IRQ vectors,
	// clears bus master, and disables the endpoint. It does not
	// deregister the character device.
	TearDown()
	// Reinit restores saved PCI state and re-runs initialization
	// against the (now link-stable) endpoint.
	Reinit() error
	// SetState records the node's current reset-orchestrator state.
	SetState(State)
}

// EndpointProbe reports whether the PCI endpoint is currently present on
// the bus, the signal the workqueue polls at 100ms granularity to decide
// when the link has settled after teardown.
type EndpointProbe func() (present bool, err error)

// Config bounds the settle-detection poll, per spec §4.7 step 4.
type Config struct {
	// PollInterval is the endpoint-presence poll granularity.
	PollInterval time.Duration
	// MaxEstimatedDowntime is the contiguous "up" duration required
	// before the orchestrator considers the link stable.
	MaxEstimatedDowntime time.Duration
	// DiscoveryTimeout bounds the total wait before giving up.
	DiscoveryTimeout time.Duration
}

// DefaultConfig matches the spec's "100 ms granularity" poll with
// conservative settle/timeout bounds; callers tune these per deployment.
func DefaultConfig() Config {
	return Config{
		PollInterval:         100 * time.Millisecond,
		MaxEstimatedDowntime: 500 * time.Millisecond,
		DiscoveryTimeout:     10 * time.Second,
	}
}

// Orchestrator runs reset for one device's Mgmt/Ops node pair. Mgmt's
// reset serializer is always acquired before Ops's, per the module-wide
// "mgmt → ops" lock ordering the spec requires of every pairwise path.
type Orchestrator struct {
	Mgmt, Ops Node
	Probe     EndpointProbe
	Config    Config

	mgmtMu sync.Mutex
	opsMu  sync.Mutex

	// flagMu guards resetting independently of mgmtMu/opsMu, which are
	// held for the full duration of a reset (they are the serializers
	// themselves): IsResetting must be a non-blocking check other
	// ioctls can make while a reset is in flight, not one that waits
	// for the reset to finish.
	flagMu    sync.Mutex
	resetting bool

	group *errgroup.Group
}

// New constructs an Orchestrator. cfg.PollInterval defaults to
// DefaultConfig's value if zero.
func New(mgmt, ops Node, probe EndpointProbe, cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Orchestrator{Mgmt: mgmt, Ops: ops, Probe: probe, Config: cfg}
}

// Trigger runs spec §4.7 steps 1-3: acquire both reset serializers (Mgmt
// first), refuse if either node is open, mark both resetting, and enqueue
// the teardown/settle/re-init work item on ctx's errgroup. It returns as
// soon as the work item is enqueued; the caller learns the outcome via
// Wait. This is the sysfs-triggered path (spec §4.7's "a sysfs write").
func (o *Orchestrator) Trigger(ctx context.Context) error {
	if err := o.arm(nil); err != nil {
		return err
	}
	o.enqueue(ctx)
	return nil
}

// ArmForCommand is the command-triggered path (spec §4.7's "a specially
// flagged command"): node.Node calls this when a PUSH_SQ carries a
// reset flag, passing itself as initiator. The caller already holds
// initiator open to be issuing the ioctl at all, so arming skips
// initiator's own IsOpen refusal — but the *other* node's open state
// still refuses with EPERM, per spec §6's "PUSH_SQ with ETSOC_RESET
// while Ops is open returns PERM" (issued via Mgmt, since ETSOC_RESET is
// disallowed on the Ops node itself). It still takes the ordered
// serializer pair and marks both nodes RESETTING. The returned commit
// enqueues the teardown/settle/reinit work item (used once the
// triggering push itself has fully transferred); abort releases the
// serializers and restores both nodes to READY without ever tearing
// anything down (used when the push fails to transfer its entire size,
// per spec §4.7's "is undone").
func (o *Orchestrator) ArmForCommand(ctx context.Context, initiator Node) (commit func(), abort func(), err error) {
	if err := o.arm(initiator); err != nil {
		return nil, nil, err
	}
	commit = func() { o.enqueue(ctx) }
	abort = func() {
		o.Mgmt.SetState(StateReady)
		o.Ops.SetState(StateReady)
		o.release()
	}
	return commit, abort, nil
}

// arm acquires both serializers (Mgmt first) and marks both nodes
// RESETTING. A node is refused with EPERM if it is open and is not
// initiator; initiator is nil for the sysfs-triggered path (Trigger),
// which checks both nodes unconditionally.
func (o *Orchestrator) arm(initiator Node) error {
	o.mgmtMu.Lock()
	if o.Mgmt != initiator && o.Mgmt.IsOpen() {
		o.mgmtMu.Unlock()
		return dstatus.Newf(dstatus.EPERM, "reset: mgmt node in use")
	}

	o.opsMu.Lock()
	if o.Ops != initiator && o.Ops.IsOpen() {
		o.opsMu.Unlock()
		o.mgmtMu.Unlock()
		return dstatus.Newf(dstatus.EPERM, "reset: ops node in use")
	}

	o.flagMu.Lock()
	o.resetting = true
	o.flagMu.Unlock()

	o.Mgmt.SetState(StateResetting)
	o.Ops.SetState(StateResetting)
	return nil
}

// release drops the resetting flag and both serializers, in reverse
// acquisition order (Ops then Mgmt).
func (o *Orchestrator) release() {
	o.flagMu.Lock()
	o.resetting = false
	o.flagMu.Unlock()

	o.opsMu.Unlock()
	o.mgmtMu.Unlock()
}

// enqueue launches the workqueue goroutine running the teardown/settle/
// reinit work item; the caller must already hold both serializers armed.
func (o *Orchestrator) enqueue(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	o.group = g
	g.Go(func() error {
		defer o.release()
		return o.run(gctx)
	})
}

// Wait blocks until the enqueued reset work item completes, returning its
// error if it failed to settle. Calling Wait without a prior Trigger or
// ArmForCommand-then-commit is a no-op.
func (o *Orchestrator) Wait() error {
	if o.group == nil {
		return nil
	}
	return o.group.Wait()
}

// IsResetting reports whether a reset is currently in flight, the
// "unclean" indication every other ioctl on either node must check. It
// never blocks, unlike the serializers themselves.
func (o *Orchestrator) IsResetting() bool {
	o.flagMu.Lock()
	defer o.flagMu.Unlock()
	return o.resetting
}

// run is the workqueue's work item: spec §4.7 steps 4-5.
func (o *Orchestrator) run(ctx context.Context) error {
	o.Mgmt.TearDown()
	o.Ops.TearDown()

	if err := o.awaitStableLink(ctx); err != nil {
		o.Mgmt.SetState(StateUninit)
		o.Ops.SetState(StateUninit)
		return err
	}

	if err := o.Mgmt.Reinit(); err != nil {
		o.Mgmt.SetState(StateNotResponding)
		o.Ops.SetState(StateNotResponding)
		return dstatus.Wrap(dstatus.ENODEV, "reset: mgmt reinit failed", err)
	}
	if err := o.Ops.Reinit(); err != nil {
		o.Mgmt.SetState(StateNotResponding)
		o.Ops.SetState(StateNotResponding)
		return dstatus.Wrap(dstatus.ENODEV, "reset: ops reinit failed", err)
	}

	o.Mgmt.SetState(StateReady)
	o.Ops.SetState(StateReady)
	return nil
}

// awaitStableLink polls Probe at Config.PollInterval, accumulating a
// contiguous up-time counter that resets to zero on any "not present"
// sample, until up-time reaches MaxEstimatedDowntime (success) or the
// total elapsed wait reaches DiscoveryTimeout (failure).
func (o *Orchestrator) awaitStableLink(ctx context.Context) error {
	ticker := time.NewTicker(o.Config.PollInterval)
	defer ticker.Stop()

	var upTime time.Duration
	var totalWait time.Duration

	for {
		select {
		case <-ctx.Done():
			return dstatus.Wrap(dstatus.ENODEV, "reset: aborted awaiting stable link", ctx.Err())
		case <-ticker.C:
		}

		totalWait += o.Config.PollInterval

		present, err := o.Probe()
		if err != nil || !present {
			upTime = 0
		} else {
			upTime += o.Config.PollInterval
			if upTime >= o.Config.MaxEstimatedDowntime {
				return nil
			}
		}

		if totalWait >= o.Config.DiscoveryTimeout {
			return dstatus.Newf(dstatus.ENODEV, "reset: endpoint did not settle within discovery timeout")
		}
	}
}
