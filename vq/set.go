package vq

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/etsoc/etsoc-driver/bitmap"
)

// Set is a Node's full VQ set: its SQs, CQs, and the bounded per-CQ drain
// worker pool that plays the role of the spec's "ISR/Worker". One worker
// goroutine runs per CQ, woken either by a notification (the real doorbell
// IRQ top half, or the loopback handler) or by its own missed-IRQ
// watchdog ticker; Drain is idempotent so both triggers are safe to race.
type Set struct {
	SQs []*SQ
	CQs []*CQ

	SQBitmap *bitmap.Bitmap
	CQBitmap *bitmap.Bitmap

	Wait *WaitQueue

	notify []chan struct{}
	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewSet wires sqs and cqs (already constructed against their own
// bitmaps) into a Set sharing sqBitmap/cqBitmap and the poll wait-queue.
func NewSet(sqs []*SQ, cqs []*CQ, sqBitmap, cqBitmap *bitmap.Bitmap, wait *WaitQueue) *Set {
	return &Set{
		SQs:      sqs,
		CQs:      cqs,
		SQBitmap: sqBitmap,
		CQBitmap: cqBitmap,
		Wait:     wait,
	}
}

// Start launches one drain worker per CQ. Returns immediately; call Stop
// (or cancel ctx) to tear the workers down, then Wait on the returned error
// via Stop to discover whether any worker hit a fatal error (ErrCorrupt).
func (s *Set) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	s.group = g
	s.notify = make([]chan struct{}, len(s.CQs))

	for i, cq := range s.CQs {
		cq := cq
		notify := make(chan struct{}, 1)
		s.notify[i] = notify

		g.Go(func() error {
			period := cq.WatchdogPeriod
			if period <= 0 {
				period = DefaultWatchdogPeriod
			}
			ticker := time.NewTicker(period)
			defer ticker.Stop()

			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
				case <-notify:
				}

				if err := cq.Drain(); err != nil {
					return fmt.Errorf("cq%d: %w", cq.Index, err)
				}
			}
		})
	}
}

// NotifyCQ schedules an immediate drain of the indexed CQ, the role played
// by a real doorbell interrupt's top half.
func (s *Set) NotifyCQ(index int) {
	if index < 0 || index >= len(s.notify) {
		return
	}
	select {
	case s.notify[index] <- struct{}{}:
	default:
	}
}

// Stop cancels every drain worker and waits for them to exit, returning
// the first fatal error any of them hit, if any.
func (s *Set) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		return s.group.Wait()
	}
	return nil
}

// Abort marks the set's wait-queue aborted (waking every poller with
// ErrAborted) and discards every pending CQ message, returning the total
// number of messages discarded so the caller can log it per the spec's
// "discarded user message nodes is logged with a warning level".
func (s *Set) Abort() int {
	s.Wait.Abort()

	discarded := 0
	for _, cq := range s.CQs {
		discarded += cq.Discard()
	}
	return discarded
}

// PollMask reports the OUT/IN poll bits: OUT iff any SQ bitmap bit is set,
// IN iff any CQ bitmap bit is set.
type PollMask struct {
	Out bool
	In  bool
}

// Poll computes the current PollMask.
func (s *Set) Poll() PollMask {
	return PollMask{
		Out: s.SQBitmap.Any(),
		In:  s.CQBitmap.Any(),
	}
}

// AnyPending reports whether any SQ currently has data queued (non-empty),
// used to surface the transient PENDING_COMMANDS state.
func (s *Set) AnyPending() bool {
	for _, sq := range s.SQs {
		if sq.FreeBytes() < sq.buf.Local.Len {
			return true
		}
	}
	return false
}
