package vq

import (
	"fmt"
	"sync"

	"github.com/etsoc/etsoc-driver/bitmap"
	"github.com/etsoc/etsoc-driver/circbuf"
	"github.com/etsoc/etsoc-driver/dstatus"
)

// Doorbell is invoked after a push succeeds. The real-device backend
// writes 1 to the queue's interrupt address; the loopback backend
// synchronously drains the message and drives a synthetic response, per
// spec §4.6.
type Doorbell interface {
	Ring(sq *SQ) error
}

// SQ is a submission queue: a circular buffer, a push-serializer, and a
// threshold-driven availability bit shared with the owning Set.
type SQ struct {
	Index int

	buf *circbuf.Buffer

	pushMu sync.Mutex

	// threshold is the free-space requirement, in bytes, above which
	// this SQ advertises availability. Defaults to one quarter of the
	// buffer length.
	threshold   uint64
	thresholdMu sync.RWMutex

	bitmap   *bitmap.Bitmap
	doorbell Doorbell
}

// NewSQ constructs an SQ index over buf, wired to bm (the owning Set's
// sq_bitmap) and db (the doorbell implementation for this node).
func NewSQ(index int, buf *circbuf.Buffer, bm *bitmap.Bitmap, db Doorbell) *SQ {
	sq := &SQ{
		Index:    index,
		buf:      buf,
		bitmap:   bm,
		doorbell: db,
	}
	sq.threshold = bufferDefaultThreshold(buf)
	sq.recomputeBit()
	return sq
}

func bufferDefaultThreshold(buf *circbuf.Buffer) uint64 {
	t := buf.Local.Len / 4
	if t == 0 {
		t = 1
	}
	return t
}

// SetThreshold sets the free-space-needed-for-availability threshold, which
// must be in [1, len-1], and immediately re-evaluates the availability bit.
func (sq *SQ) SetThreshold(t uint64) error {
	if t < 1 || t >= sq.buf.Local.Len {
		return dstatus.Newf(dstatus.EINVAL, "sq%d: threshold %d out of range [1,%d)", sq.Index, t, sq.buf.Local.Len)
	}
	sq.thresholdMu.Lock()
	sq.threshold = t
	sq.thresholdMu.Unlock()

	sq.recomputeBit()
	return nil
}

// Threshold returns the current threshold.
func (sq *SQ) Threshold() uint64 {
	sq.thresholdMu.RLock()
	defer sq.thresholdMu.RUnlock()
	return sq.threshold
}

// FreeBytes returns the producer-visible free space, per the local shadow.
func (sq *SQ) FreeBytes() uint64 {
	sq.pushMu.Lock()
	defer sq.pushMu.Unlock()
	return sq.buf.Local.Free()
}

func (sq *SQ) recomputeBit() {
	sq.pushMu.Lock()
	free := sq.buf.Local.Free()
	sq.pushMu.Unlock()

	if free >= sq.Threshold() {
		sq.bitmap.Set(sq.Index)
	} else {
		sq.bitmap.Clear(sq.Index)
	}
}

// Push frames and pushes msg (which must already include the 6-byte common
// header, with Size == len(msg)) onto the device ring.
//
// On success the doorbell has definitely been issued (per the spec's
// "a successful return from SQ.push implies the doorbell has been issued").
func (sq *SQ) Push(msg []byte) error {
	if len(msg) < HeaderSize {
		return dstatus.Newf(dstatus.EINVAL, "sq%d: message of %d bytes smaller than header", sq.Index, len(msg))
	}

	hdr := DecodeHeader(msg)
	if int(hdr.Size) != len(msg) {
		return dstatus.Newf(dstatus.EINVAL, "sq%d: header size %d does not match framed length %d", sq.Index, hdr.Size, len(msg))
	}

	sq.pushMu.Lock()
	err := sq.buf.Push(msg, circbuf.SyncRefresh|circbuf.SyncDoorbell)
	sq.pushMu.Unlock()

	if err != nil {
		sq.bitmap.Clear(sq.Index)
		if err == circbuf.ErrInsufficientSpace {
			return dstatus.New(dstatus.EAGAIN, fmt.Sprintf("sq%d: full", sq.Index))
		}
		return dstatus.Wrap(dstatus.EINVAL, fmt.Sprintf("sq%d: push", sq.Index), err)
	}

	if sq.doorbell != nil {
		if rerr := sq.doorbell.Ring(sq); rerr != nil {
			return dstatus.Wrap(dstatus.EINVAL, fmt.Sprintf("sq%d: doorbell", sq.Index), rerr)
		}
	}

	sq.recomputeBit()
	return nil
}

// PopForLoopback is used exclusively by the loopback doorbell handler,
// invoked synchronously from Push, to drain the message it just produced
// back out of the SQ's own ring (modeling the device consuming it).
func (sq *SQ) PopForLoopback(size int) ([]byte, error) {
	buf := make([]byte, size)
	sq.pushMu.Lock()
	err := sq.buf.Pop(buf, circbuf.SyncDoorbell)
	sq.pushMu.Unlock()
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// PeekHeaderForLoopback peeks the most recently pushed header without
// consuming it, used by the loopback handler to learn the message size
// before popping it.
func (sq *SQ) PeekHeaderForLoopback() (CommonHeader, error) {
	hdr := make([]byte, HeaderSize)
	sq.pushMu.Lock()
	// The message sits immediately before the current head, at
	// distance hdr.Size — but the loopback handler only needs to peek
	// at the tail, since it pops messages in FIFO order right after
	// each push and nothing else consumes this ring.
	err := sq.buf.Peek(0, hdr)
	sq.pushMu.Unlock()
	if err != nil {
		return CommonHeader{}, err
	}
	return DecodeHeader(hdr), nil
}
