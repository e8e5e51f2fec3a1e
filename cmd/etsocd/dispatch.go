package main

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/etsoc/etsoc-driver/device"
	"github.com/etsoc/etsoc-driver/dstatus"
	"github.com/etsoc/etsoc-driver/node"
	"github.com/etsoc/etsoc-driver/telemetry"
)

// resetTimeout bounds how long a "reset" request waits for the reset
// orchestrator to settle before the control socket gives up on it.
const resetTimeout = 30 * time.Second

// dispatchNode is cmd/etsocd's half of spec §6's ioctl dispatch table:
// each case below calls the node.Node method an equivalent real ioctl
// would, over the control socket instead of a syscall.
func dispatchNode(n *node.Node, req request) response {
	switch req.Op {
	case "bus_name":
		buf := make([]byte, 64)
		l, err := n.GetPCIBusDeviceName(buf)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(string(buf[:l]))

	case "state":
		state, pending := n.GetDeviceState()
		return okResponse(map[string]any{
			"state":            int(state),
			"pending_commands": pending,
		})

	case "dram_info":
		info, err := n.GetUserDRAMInfo()
		if err != nil {
			return errResponse(err)
		}
		return okResponse(info)

	case "trace_buffer_size":
		size, err := n.GetTraceBufferSize(req.TraceType)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(size)

	case "extract_trace_buffer":
		dst := make([]byte, req.Length)
		if err := n.ExtractTraceBuffer(req.Offset, dst); err != nil {
			return errResponse(err)
		}
		return okResponse(base64.StdEncoding.EncodeToString(dst))

	case "sq_count":
		return okResponse(n.GetSQCount())

	case "sq_max_msg_size":
		size, err := n.GetSQMaxMsgSize(req.Idx)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(size)

	case "device_configuration":
		cfg := n.GetDeviceConfiguration()
		return okResponse(base64.StdEncoding.EncodeToString(cfg[:]))

	case "sq_avail_bitmap":
		return okResponse(n.GetSQAvailBitmap())

	case "cq_avail_bitmap":
		return okResponse(n.GetCQAvailBitmap())

	case "p2pdma_compat_bitmap":
		bm, err := n.GetP2PDMADeviceCompatBitmap()
		if err != nil {
			return errResponse(err)
		}
		return okResponse(bm)

	case "push_sq":
		msg, err := base64.StdEncoding.DecodeString(req.Msg)
		if err != nil {
			return errResponse(dstatus.Wrap(dstatus.EINVAL, "etsocd: decode msg", err))
		}
		if err := n.PushSQ(req.Idx, node.PushFlags(req.Flags), msg); err != nil {
			return errResponse(err)
		}
		return okResponse(nil)

	case "pop_cq":
		umn, dmaInfo, err := n.PopCQ(req.Idx)
		if err != nil {
			return errResponse(err)
		}
		out := map[string]any{
			"tag_id":  umn.Header.TagID,
			"msg_id":  umn.Header.MsgID,
			"payload": base64.StdEncoding.EncodeToString(umn.Payload),
		}
		if dmaInfo != nil {
			out["dma_info"] = dmaInfo
		}
		return okResponse(out)

	case "sq_threshold":
		if err := n.SetSQThreshold(req.Idx, req.Threshold); err != nil {
			return errResponse(err)
		}
		return okResponse(nil)

	case "fw_update":
		data, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			return errResponse(dstatus.Wrap(dstatus.EINVAL, "etsocd: decode data", err))
		}
		if err := n.FWUpdate(req.Offset, data); err != nil {
			return errResponse(err)
		}
		return okResponse(nil)

	case "poll":
		return okResponse(n.Poll())

	case "stats":
		return okResponse(statsSnapshot(n))

	default:
		return errResponse(dstatus.Newf(dstatus.EINVAL, "etsocd: unknown op %q", req.Op))
	}
}

// dispatchReset runs a full reset cycle on inst, the one operation that
// acts on the whole Device Instance rather than a single node, so it is
// handled outside dispatchNode's per-node switch.
func dispatchReset(inst *device.Instance) response {
	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()

	if err := inst.Reset.Trigger(ctx); err != nil {
		return errResponse(err)
	}
	if err := inst.Reset.Wait(); err != nil {
		return errResponse(err)
	}
	return okResponse(nil)
}

// nodeStats is the "stats" op's result: the subset of telemetry a CLI
// operator most often wants, a terser cousin of debugnet's JSON groups
// for the cases a full netstack HTTP server isn't running.
type nodeStats struct {
	PushCount uint64            `json:"push_count"`
	PopCount  uint64            `json:"pop_count"`
	Errors    map[string]uint64 `json:"errors"`
}

func statsSnapshot(n *node.Node) nodeStats {
	return nodeStats{
		PushCount: n.Stats.PushCount.Load(),
		PopCount:  n.Stats.PopCount.Load(),
		Errors: map[string]uint64{
			telemetry.ErrBusFault.String():     n.Errors.Get(telemetry.ErrBusFault),
			telemetry.ErrBackPressure.String(): n.Errors.Get(telemetry.ErrBackPressure),
			telemetry.ErrInvalidArg.String():   n.Errors.Get(telemetry.ErrInvalidArg),
			telemetry.ErrAbortDiscard.String(): n.Errors.Get(telemetry.ErrAbortDiscard),
		},
	}
}
