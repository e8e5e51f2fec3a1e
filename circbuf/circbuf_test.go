package circbuf

import (
	"bytes"
	"testing"

	"github.com/etsoc/etsoc-driver/mmio"
)

func newTestBuffer(t *testing.T, length uint64) *Buffer {
	t.Helper()
	buf := make([]byte, int(HeaderSize)+int(length))
	region := mmio.NewRegion(buf)
	return New(region, 0, length)
}

func TestPushPopRoundTrip(t *testing.T) {
	b := newTestBuffer(t, 64)

	msg := []byte("hello, device")
	if err := b.Push(msg, SyncDoorbell); err != nil {
		t.Fatalf("push: %v", err)
	}

	out := make([]byte, len(msg))
	if err := b.Pop(out, SyncDoorbell); err != nil {
		t.Fatalf("pop: %v", err)
	}

	if !bytes.Equal(out, msg) {
		t.Fatalf("round trip mismatch: got %q want %q", out, msg)
	}
}

func TestPushFailsWhenFull(t *testing.T) {
	b := newTestBuffer(t, 16)

	if err := b.Push(make([]byte, 16), 0); err != nil {
		t.Fatalf("push exactly full buffer: %v", err)
	}

	if err := b.Push([]byte{0}, 0); err != ErrInsufficientSpace {
		t.Fatalf("expected ErrInsufficientSpace, got %v", err)
	}
}

func TestWrapBoundaryDelivery(t *testing.T) {
	b := newTestBuffer(t, 16)

	// Advance head/tail close to the wrap boundary first.
	if err := b.Push(make([]byte, 12), SyncDoorbell); err != nil {
		t.Fatalf("priming push: %v", err)
	}
	out := make([]byte, 12)
	if err := b.Pop(out, SyncDoorbell); err != nil {
		t.Fatalf("priming pop: %v", err)
	}

	msg := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := b.Push(msg, SyncDoorbell); err != nil {
		t.Fatalf("wrapping push: %v", err)
	}

	got := make([]byte, len(msg))
	if err := b.Pop(got, SyncDoorbell); err != nil {
		t.Fatalf("wrapping pop: %v", err)
	}

	if !bytes.Equal(got, msg) {
		t.Fatalf("wrap-boundary message corrupted: got %v want %v", got, msg)
	}
}

func TestPopFailsWhenEmpty(t *testing.T) {
	b := newTestBuffer(t, 16)
	if err := b.Pop(make([]byte, 1), 0); err != ErrInsufficientData {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestPeekNonConsuming(t *testing.T) {
	b := newTestBuffer(t, 32)
	msg := []byte("peekme!")
	if err := b.Push(msg, SyncDoorbell); err != nil {
		t.Fatalf("push: %v", err)
	}

	peeked := make([]byte, len(msg))
	if err := b.Peek(0, peeked); err != nil {
		t.Fatalf("peek: %v", err)
	}
	if !bytes.Equal(peeked, msg) {
		t.Fatalf("peek mismatch: got %q want %q", peeked, msg)
	}

	// Peek must not have consumed anything.
	out := make([]byte, len(msg))
	if err := b.Pop(out, 0); err != nil {
		t.Fatalf("pop after peek: %v", err)
	}
	if !bytes.Equal(out, msg) {
		t.Fatalf("pop after peek mismatch: got %q want %q", out, msg)
	}
}
