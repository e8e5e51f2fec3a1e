package node

import (
	"github.com/etsoc/etsoc-driver/dmabuf"
	"github.com/etsoc/etsoc-driver/dstatus"
	"github.com/etsoc/etsoc-driver/region"
	"github.com/etsoc/etsoc-driver/reset"
	"github.com/etsoc/etsoc-driver/telemetry"
	"github.com/etsoc/etsoc-driver/vq"
)

// This file implements the ioctl dispatch table of spec §6. No method
// checks whether the node is held open (cmd/etsocd's dispatchNode calls
// them without Open). The methods that touch regions or push/pop queues
// re-check checkReady, since a reset can begin at any time; the structural
// accessors (GetSQCount, GetSQMaxMsgSize, GetDeviceConfiguration, the
// bitmap getters) do not.
//
// dstatus's fixed Code set (spec §7) has no distinct access-control code
// separate from EINVAL; the ioctl table's "ACCES" rejections (an invalid
// or not-accessible-from-this-node region) are reported as EINVAL here,
// since both are precondition violations against the caller's request
// rather than a distinct permission failure like EPERM (reserved for
// "reset attempted while node open").

// GetPCIBusDeviceName copies the bus-function-slot string into buf,
// returning the length including the terminating NUL.
func (n *Node) GetPCIBusDeviceName(buf []byte) (int, error) {
	if err := n.checkReady(); err != nil {
		return 0, err
	}
	s := n.BusName + "\x00"
	if len(buf) < len(s) {
		return 0, dstatus.Newf(dstatus.ENOMEM, "%s: name buffer too small (%d < %d)", n.Kind, len(buf), len(s))
	}
	copy(buf, s)
	return len(s), nil
}

// GetDeviceState computes node state per spec §4.7; always permitted,
// even mid-reset (it is how a caller observes reset progress at all).
// The transient PENDING_COMMANDS flag is only ever set alongside READY.
func (n *Node) GetDeviceState() (state reset.ExternalState, pendingCommands bool) {
	s := n.State()
	ext := s.External()
	pending := ext == reset.Ready && n.VQ != nil && n.VQ.AnyPending()
	return ext, pending
}

// DRAMInfo is GET_USER_DRAM_INFO's payload.
type DRAMInfo struct {
	Base       uint64
	Size       uint64
	AlignBytes uint64
	ElemSize   uint32
	ElemCount  uint32
}

// GetUserDRAMInfo describes the ops host-managed region. The check here
// is on region accessibility rather than node kind, per spec's "or not
// ops-accessible": a Mgmt node whose table never populates
// TypeHostManaged sees the same "invalid" rejection an Ops node would
// see against a genuinely absent region.
func (n *Node) GetUserDRAMInfo() (DRAMInfo, error) {
	if err := n.checkReady(); err != nil {
		return DRAMInfo{}, err
	}
	m := n.Regions.Get(region.TypeHostManaged)
	if !m.Valid || !m.Access.AccessibleFrom(n.Kind) {
		return DRAMInfo{}, dstatus.Newf(dstatus.EINVAL, "%s: host-managed region invalid or not accessible", n.Kind)
	}
	return DRAMInfo{
		Base:       m.DevicePhysAddr,
		Size:       m.Size,
		AlignBytes: m.Access.AlignBytes(),
		ElemSize:   m.Access.DMAElemSize,
		ElemCount:  m.Access.DMAElemCount,
	}, nil
}

// GetTraceBufferSize returns the size of the selected trace region.
// traceType is reserved for future trace-region variants; only 0 (the
// sole TypeTrace region) is currently recognized.
func (n *Node) GetTraceBufferSize(traceType uint8) (int64, error) {
	if err := n.checkReady(); err != nil {
		return 0, err
	}
	if traceType != 0 {
		return 0, dstatus.Newf(dstatus.EINVAL, "%s: unknown trace buffer type %d", n.Kind, traceType)
	}
	m := n.Regions.Get(region.TypeTrace)
	if !m.Valid || !m.Access.AccessibleFrom(n.Kind) {
		return 0, dstatus.Newf(dstatus.EINVAL, "%s: trace region invalid or not accessible", n.Kind)
	}
	return int64(m.Size), nil
}

// ExtractTraceBuffer bulk-reads [offset, offset+len(dst)) of the trace
// region into dst via the byte-serializing MMIO accessor.
func (n *Node) ExtractTraceBuffer(offset int, dst []byte) error {
	if err := n.checkReady(); err != nil {
		return err
	}
	m := n.Regions.Get(region.TypeTrace)
	if !m.Valid || !m.Access.AccessibleFrom(n.Kind) || m.IOBase == nil {
		return dstatus.Newf(dstatus.EINVAL, "%s: trace region invalid or not accessible", n.Kind)
	}
	if offset < 0 || uint64(offset+len(dst)) > m.Size {
		return dstatus.Newf(dstatus.EINVAL, "%s: trace extract [%d,%d) out of bounds (size %d)", n.Kind, offset, offset+len(dst), m.Size)
	}
	m.IOBase.ReadBytes(offset, dst)
	return nil
}

// GetSQCount returns the number of SQs wired to this node.
func (n *Node) GetSQCount() int {
	return len(n.VQ.SQs)
}

// GetSQMaxMsgSize returns SQ idx's ring capacity, the largest message it
// could ever hold framed.
func (n *Node) GetSQMaxMsgSize(idx int) (uint64, error) {
	if idx < 0 || idx >= len(n.VQ.SQs) {
		return 0, dstatus.Newf(dstatus.EINVAL, "%s: sq index %d out of range", n.Kind, idx)
	}
	return n.VQ.SQs[idx].FreeBytes(), nil
}

// GetDeviceConfiguration returns the raw opaque device-configuration blob.
func (n *Node) GetDeviceConfiguration() [16]byte {
	return n.DeviceConfig
}

// GetSQAvailBitmap returns the raw SQ availability bitmap.
func (n *Node) GetSQAvailBitmap() uint64 {
	return n.VQ.SQBitmap.Load()
}

// GetCQAvailBitmap returns the raw CQ availability bitmap.
func (n *Node) GetCQAvailBitmap() uint64 {
	return n.VQ.CQBitmap.Load()
}

// GetP2PDMADeviceCompatBitmap returns this node's P2P device compatibility
// bitmap, per the P2PDMA registry.
func (n *Node) GetP2PDMADeviceCompatBitmap() (uint64, error) {
	if n.P2P == nil {
		return 0, dstatus.Newf(dstatus.EOPNOTSUPP, "%s: p2pdma not configured", n.Kind)
	}
	return n.P2P.GetCompatBitmap(n.Devnum)
}

// flagConflict reports the first PUSH_SQ flag-exclusion violation for
// flags on a node of this kind, per spec §6's "PUSH_SQ flag exclusions".
func (n *Node) flagConflict(flags PushFlags) error {
	dmaLike := flags&(FlagDMA|FlagP2PDMA) != 0
	if dmaLike && flags&FlagHighPriority != 0 {
		return dstatus.Newf(dstatus.EINVAL, "%s: DMA/P2PDMA excludes HIGH_PRIORITY", n.Kind)
	}
	resetLike := flags&(FlagMMReset|FlagETSOCReset) != 0
	if n.Kind == region.Ops && resetLike {
		return dstatus.Newf(dstatus.EINVAL, "%s: MM_RESET/ETSOC_RESET disallowed on ops node", n.Kind)
	}
	if n.Kind == region.Mgmt && flags&(FlagDMA|FlagHighPriority) != 0 {
		return dstatus.Newf(dstatus.EINVAL, "%s: DMA/HIGH_PRIORITY disallowed on mgmt node", n.Kind)
	}
	return nil
}

// PushSQ implements PUSH_SQ: validates the flag combination, arms a
// command-triggered reset if a reset flag is set, pushes msg, and
// commits or aborts the arm based on whether the push fully transferred.
func (n *Node) PushSQ(idx int, flags PushFlags, msg []byte) error {
	if err := n.checkReady(); err != nil {
		return err
	}
	if idx < 0 || idx >= len(n.VQ.SQs) {
		return dstatus.Newf(dstatus.EINVAL, "%s: sq index %d out of range", n.Kind, idx)
	}
	if err := n.flagConflict(flags); err != nil {
		return err
	}

	var commit, abort func()
	if flags&(FlagMMReset|FlagETSOCReset) != 0 {
		if n.Orchestrator == nil {
			return dstatus.Newf(dstatus.EINVAL, "%s: no reset orchestrator configured", n.Kind)
		}
		c, a, err := n.Orchestrator.ArmForCommand(ctxBackground(), n)
		if err != nil {
			return err
		}
		commit, abort = c, a
	}

	err := n.VQ.SQs[idx].Push(msg)
	if err != nil {
		if abort != nil {
			abort()
		}
		if n.Errors != nil {
			if dstatus.CodeOf(err) == dstatus.EAGAIN {
				n.Errors.Inc(telemetry.ErrBackPressure)
			} else {
				n.Errors.Inc(telemetry.ErrInvalidArg)
			}
		}
		return err
	}

	// SQ.Push is all-or-nothing, so a successful return means the
	// message transferred in full: any armed reset commits.
	if commit != nil {
		commit()
	}
	if n.Stats != nil {
		n.Stats.RecordPush()
	}
	return nil
}

// PopCQ implements POP_CQ: dequeue one message, resolving any DMA Info
// correlated to it by tag. The caller is responsible
// for the actual user-buffer copy the resolved DMAInfo describes; Node
// only owns correlation lifetime, not the copy mechanics, so it never
// needs to interpret command payloads.
func (n *Node) PopCQ(idx int) (*vq.UserMessageNode, *dmabuf.DMAInfo, error) {
	if err := n.checkReady(); err != nil {
		return nil, nil, err
	}
	if idx < 0 || idx >= len(n.VQ.CQs) {
		return nil, nil, dstatus.Newf(dstatus.EINVAL, "%s: cq index %d out of range", n.Kind, idx)
	}

	msg, err := n.VQ.CQs[idx].Pop()
	if err != nil {
		return nil, nil, err
	}

	if n.Stats != nil {
		n.Stats.RecordPop()
	}

	if n.Correlator == nil {
		return msg, nil, nil
	}
	if info, ok := n.Correlator.Remove(msg.Header.TagID); ok {
		return msg, &info, nil
	}
	return msg, nil, nil
}

// SetSQThreshold implements SET_SQ_THRESHOLD.
func (n *Node) SetSQThreshold(idx int, threshold uint64) error {
	if err := n.checkReady(); err != nil {
		return err
	}
	if idx < 0 || idx >= len(n.VQ.SQs) {
		return dstatus.Newf(dstatus.EINVAL, "%s: sq index %d out of range", n.Kind, idx)
	}
	return n.VQ.SQs[idx].SetThreshold(threshold)
}

// FWUpdate implements FW_UPDATE: a staged bulk-write to the scratch
// region at offset.
func (n *Node) FWUpdate(offset int, data []byte) error {
	if err := n.checkReady(); err != nil {
		return err
	}
	m := n.Regions.Get(region.TypeScratch)
	if !m.Valid || !m.Access.AccessibleFrom(n.Kind) || m.IOBase == nil {
		return dstatus.Newf(dstatus.EINVAL, "%s: scratch region invalid or not accessible", n.Kind)
	}
	if offset < 0 || uint64(offset+len(data)) > m.Size {
		return dstatus.Newf(dstatus.EINVAL, "%s: fw update [%d,%d) out of bounds (size %d)", n.Kind, offset, offset+len(data), m.Size)
	}
	m.IOBase.WriteBytes(offset, data)
	return nil
}
