// Package loopback implements the synthetic command handler that
// substitutes for real device firmware in a build variant with no PCIe
// hardware attached, per spec §4.6. It is invoked synchronously from
// SQ.Push via the vq.Doorbell interface: it pops the payload that was just
// pushed, constructs the canonical response for the command id, and pushes
// it onto the corresponding CQ.
//
// Grounded on tamago's kvm/virtio/virtio.go and kvm/virtio/legacy.go (a
// self-contained in-process VirtIO responder driving synthetic device
// state machines) and on original_source/et-driver/et_vqueue_loopback.c's
// canonical_response switch, which is where the command ids, the
// response-id = command-id+1 convention, and the canned payload shapes
// below come from.
//
// https://github.com/etsoc/etsoc-driver
package loopback

import (
	"github.com/etsoc/etsoc-driver/circbuf"
	"github.com/etsoc/etsoc-driver/vq"
)

// Command ids, mirrored from et_vqueue_loopback.c's canonical_response
// switch. Responses are command_id+1 throughout.
const (
	MsgEchoCmd    uint16 = 0x10
	MsgEchoRsp    uint16 = MsgEchoCmd + 1
	MsgCompatCmd  uint16 = 0x12
	MsgCompatRsp  uint16 = MsgCompatCmd + 1
	MsgFWVersionCmd uint16 = 0x14
	MsgFWVersionRsp uint16 = MsgFWVersionCmd + 1
	MsgDataReadCmd  uint16 = 0x20
	MsgDataReadRsp  uint16 = MsgDataReadCmd + 1
	MsgDataWriteCmd uint16 = 0x22
	MsgDataWriteRsp uint16 = MsgDataWriteCmd + 1
	MsgKernelLaunchCmd uint16 = 0x30
	MsgKernelLaunchRsp uint16 = MsgKernelLaunchCmd + 1
	MsgKernelAbortCmd  uint16 = 0x32
	MsgKernelAbortRsp  uint16 = MsgKernelAbortCmd + 1
)

// Completion status codes carried in the data-read/write and
// kernel-launch/abort response payloads, mirrored from the
// DEV_OPS_API_*_RESPONSE_* enums in et_vqueue_loopback.c.
const (
	StatusComplete uint8 = 0
	StatusError    uint8 = 1
)

// DataResponse is the canned response payload for DATA_READ_RSP and
// DATA_WRITE_RSP: a single status byte. The real device would also carry a
// byte count and error syndrome; those are out of scope here, since the
// core does not interpret command payloads beyond what it needs to
// correlate and complete them.
type DataResponse struct {
	Status uint8
}

func (r DataResponse) encode() []byte { return []byte{r.Status} }

// CompatResponse is the canned COMPATIBILITY_RSP payload: a 3-byte
// {major, minor, patch}-shaped compatibility tuple, matching the
// {0,1,0} canonical value the original loopback handler returns.
type CompatResponse struct {
	Major, Minor, Patch uint8
}

func (r CompatResponse) encode() []byte { return []byte{r.Major, r.Minor, r.Patch} }

// FWVersionResponse is the canned FW_VERSION_RSP payload, matching the
// canonical {1,0,0} value.
type FWVersionResponse struct {
	Major, Minor, Patch uint8
}

func (r FWVersionResponse) encode() []byte { return []byte{r.Major, r.Minor, r.Patch} }

// canonicalResponse builds the response payload (header excluded) for a
// known command id. ok is false for unrecognized ids, which the caller
// treats as a no-op rather than a synthesized error, since an unknown
// command on the real device would simply go unanswered.
func canonicalResponse(cmdID uint16, payload []byte) (respID uint16, body []byte, ok bool) {
	switch cmdID {
	case MsgEchoCmd:
		return MsgEchoRsp, payload, true
	case MsgCompatCmd:
		return MsgCompatRsp, CompatResponse{Major: 0, Minor: 1, Patch: 0}.encode(), true
	case MsgFWVersionCmd:
		return MsgFWVersionRsp, FWVersionResponse{Major: 1, Minor: 0, Patch: 0}.encode(), true
	case MsgDataReadCmd:
		return MsgDataReadRsp, DataResponse{Status: StatusComplete}.encode(), true
	case MsgDataWriteCmd:
		return MsgDataWriteRsp, DataResponse{Status: StatusComplete}.encode(), true
	case MsgKernelLaunchCmd:
		return MsgKernelLaunchRsp, []byte{StatusComplete}, true
	case MsgKernelAbortCmd:
		return MsgKernelAbortRsp, []byte{StatusComplete}, true
	default:
		return 0, nil, false
	}
}

// Handler is the vq.Doorbell implementation that drives the synthetic
// command responder for one SQ/CQ pair.
type Handler struct {
	CQ *vq.CQ
}

// Ring implements vq.Doorbell: it pops the message SQ.Push just produced,
// builds the canonical response for its command id (if any), and pushes it
// onto the paired CQ via the CQ's producer-side view.
func (h *Handler) Ring(sq *vq.SQ) error {
	hdr, err := sq.PeekHeaderForLoopback()
	if err != nil {
		return err
	}

	msg, err := sq.PopForLoopback(int(hdr.Size))
	if err != nil {
		return err
	}

	payload := msg[vq.HeaderSize:]
	respID, body, ok := canonicalResponse(hdr.MsgID, payload)
	if !ok {
		return nil
	}

	rsp := make([]byte, vq.HeaderSize+len(body))
	vq.CommonHeader{Size: uint16(len(rsp)), TagID: hdr.TagID, MsgID: respID}.Encode(rsp)
	copy(rsp[vq.HeaderSize:], body)

	return h.CQ.ProducerBuffer().Push(rsp, circbuf.SyncDoorbell)
}
