package vq

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/etsoc/etsoc-driver/bitmap"
	"github.com/etsoc/etsoc-driver/circbuf"
	"github.com/etsoc/etsoc-driver/dstatus"
	"github.com/etsoc/etsoc-driver/mmio"
)

const (
	testEchoCmd = 100
	testEchoRsp = 101
)

// echoDoorbell plays the role of the loopback command handler for a single
// echo command: it pops what was just pushed to the SQ and re-frames it as
// a response on the paired CQ.
type echoDoorbell struct {
	cq *CQ
}

func (d *echoDoorbell) Ring(sq *SQ) error {
	hdr, err := sq.PeekHeaderForLoopback()
	if err != nil {
		return err
	}
	msg, err := sq.PopForLoopback(int(hdr.Size))
	if err != nil {
		return err
	}

	rsp := make([]byte, len(msg))
	copy(rsp, msg)
	CommonHeader{Size: hdr.Size, TagID: hdr.TagID, MsgID: testEchoRsp}.Encode(rsp)

	prod := d.cq.ProducerBuffer()
	return prod.Push(rsp, circbuf.SyncDoorbell)
}

type noEvents struct{}

func (noEvents) IsEvent(uint16) bool              { return false }
func (noEvents) HandleEvent(CommonHeader, []byte) {}

func newTestSQCQ(t *testing.T, size uint64) (*SQ, *CQ) {
	t.Helper()

	sqBuf := circbuf.New(mmio.NewRegion(make([]byte, circbuf.HeaderSize+int(size))), 0, size)
	cqBuf := circbuf.New(mmio.NewRegion(make([]byte, circbuf.HeaderSize+int(size))), 0, size)

	sqBm := &bitmap.Bitmap{}
	cqBm := &bitmap.Bitmap{}
	wq := NewWaitQueue()

	cq := NewCQ(0, cqBuf, cqBm, wq, noEvents{})
	sq := NewSQ(0, sqBuf, sqBm, &echoDoorbell{cq: cq})

	return sq, cq
}

func TestEchoRoundTrip(t *testing.T) {
	sq, cq := newTestSQCQ(t, 64)

	payload := []byte("echo-payload")
	msg := make([]byte, HeaderSize+len(payload))
	CommonHeader{Size: uint16(len(msg)), TagID: 7, MsgID: testEchoCmd}.Encode(msg)
	copy(msg[HeaderSize:], payload)

	if err := sq.Push(msg); err != nil {
		t.Fatalf("push: %v", err)
	}

	if err := cq.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}

	node, err := cq.Pop()
	if err != nil {
		t.Fatalf("pop: %v", err)
	}

	if node.Header.MsgID != testEchoRsp || node.Header.TagID != 7 {
		t.Fatalf("unexpected header: %+v", node.Header)
	}

	if !bytes.Equal(node.Payload[HeaderSize:], payload) {
		t.Fatalf("payload mismatch: got %q want %q", node.Payload[HeaderSize:], payload)
	}

	if _, err := cq.Pop(); dstatus.CodeOf(err) != dstatus.EAGAIN {
		t.Fatalf("expected EAGAIN on empty cq, got %v", err)
	}
}

func TestThresholdTogglesBitmapImmediately(t *testing.T) {
	// No doorbell here: newTestSQCQ's echo doorbell pops each pushed
	// message straight back out of the SQ, which would leave the ring empty.
	sqBuf := circbuf.New(mmio.NewRegion(make([]byte, circbuf.HeaderSize+32)), 0, 32)
	sq := NewSQ(0, sqBuf, &bitmap.Bitmap{}, nil)

	if !sq.bitmap.Test(0) {
		t.Fatalf("expected sq bit set by default (free=len >= len/4)")
	}

	// Fill the ring to 4 bytes free, leaving it below any threshold
	// greater than 4.
	if err := sq.Push(frameTestMsg(1, testEchoCmd, make([]byte, 32-HeaderSize-4))); err != nil {
		t.Fatalf("fill push: %v", err)
	}

	if err := sq.SetThreshold(1); err != nil {
		t.Fatalf("set threshold 1: %v", err)
	}
	if !sq.bitmap.Test(0) {
		t.Fatalf("expected bit set: free (4) >= threshold (1)")
	}

	if err := sq.SetThreshold(8); err != nil {
		t.Fatalf("set threshold 8: %v", err)
	}
	if sq.bitmap.Test(0) {
		t.Fatalf("expected bit clear: free (4) < threshold (8)")
	}
}

func frameTestMsg(tag, msgID uint16, payload []byte) []byte {
	msg := make([]byte, HeaderSize+len(payload))
	CommonHeader{Size: uint16(len(msg)), TagID: tag, MsgID: msgID}.Encode(msg)
	copy(msg[HeaderSize:], payload)
	return msg
}

func TestSetStartDrainsOnNotify(t *testing.T) {
	sq, cq := newTestSQCQ(t, 64)
	cq.WatchdogPeriod = time.Hour // effectively disable the ticker path

	set := NewSet([]*SQ{sq}, []*CQ{cq}, &bitmap.Bitmap{}, &bitmap.Bitmap{}, NewWaitQueue())
	set.Start(context.Background())
	defer set.Stop()

	if err := sq.Push(frameTestMsg(1, testEchoCmd, []byte("x"))); err != nil {
		t.Fatalf("push: %v", err)
	}

	set.NotifyCQ(0)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cq.Pending() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected drained message after notify")
}
