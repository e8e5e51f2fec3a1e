// Package telemetry implements the atomic counters and decaying rate
// entries that back the four sysfs-equivalent attribute groups (Mgmt VQ
// stats, Ops VQ stats, memory stats, error stats) and the reset group's
// read-only fields, per spec §6 ("the core publishes atomic counters and
// rate entries that the attribute show-functions format").
//
// The attribute show-functions themselves (sysfs file formatting, group
// registration) are out of scope per spec.md's Non-goals; this package
// stops at the counters and rates those files would read.
//
// Grounded on original_source/et-driver/et_rate_entry.h (this_unit /
// (this_ts - prev_ts), reimplemented on golang.org/x/time/rate instead of
// a hand-rolled ktime delta) and et_sysfs_mem_stats.h /
// et_sysfs_err_stats.h for which counters exist.
//
// https://github.com/etsoc/etsoc-driver
package telemetry

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateEntry tracks a short-window event rate, the Go analogue of
// et_rate_entry's "this_unit / (this_ts - prev_ts)" calculation. Rather
// than hand-rolling the ktime delta, it samples golang.org/x/time/rate's
// token bucket, which already gives a smoothed recent-event-rate
// estimate without a bespoke timestamp dance.
type RateEntry struct {
	limiter *rate.Limiter
	count   atomic.Uint64
}

// NewRateEntry constructs a RateEntry with burst 1 and the given target
// events-per-second ceiling used purely as the bucket's refill rate (the
// entry does not reject events; Mark always records them).
func NewRateEntry(perSecond float64) *RateEntry {
	return &RateEntry{limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

// Mark records one event and returns the limiter's token count right
// after it: a value between 0 and the burst of 1, not scaled by the
// configured ceiling.
func (r *RateEntry) Mark() float64 {
	r.count.Add(1)
	r.limiter.Allow()
	return float64(r.limiter.Tokens())
}

// Count returns the cumulative number of Mark calls.
func (r *RateEntry) Count() uint64 {
	return r.count.Load()
}

// VQStats is the per-node VQ sysfs-equivalent group: a cumulative message
// count plus its decaying rate, one pair per SQ/CQ direction.
type VQStats struct {
	PushCount atomic.Uint64
	PushRate  *RateEntry

	PopCount atomic.Uint64
	PopRate  *RateEntry
}

// NewVQStats constructs a VQStats with both rate entries tracking events
// per second.
func NewVQStats() *VQStats {
	return &VQStats{
		PushRate: NewRateEntry(1),
		PopRate:  NewRateEntry(1),
	}
}

// RecordPush increments the push counter and marks the push rate entry,
// called by node.Node after a successful PUSH_SQ.
func (s *VQStats) RecordPush() {
	s.PushCount.Add(1)
	s.PushRate.Mark()
}

// RecordPop increments the pop counter and marks the pop rate entry,
// called by node.Node after a successful POP_CQ.
func (s *VQStats) RecordPop() {
	s.PopCount.Add(1)
	s.PopRate.Mark()
}

// ErrorClass enumerates the per-class error counters original_source's
// et_sysfs_err_stats.c distinguishes at the granularity this core cares
// about: bus-fault, back-pressure, invalid-argument, and abort-discard.
// The original's per-hardware-unit breakdown (DRAM CE, minion hang, ...)
// is a device-firmware concern outside this driver core's scope.
type ErrorClass int

const (
	ErrBusFault ErrorClass = iota
	ErrBackPressure
	ErrInvalidArg
	ErrAbortDiscard
	numErrorClasses
)

func (c ErrorClass) String() string {
	switch c {
	case ErrBusFault:
		return "bus_fault"
	case ErrBackPressure:
		return "back_pressure"
	case ErrInvalidArg:
		return "invalid_arg"
	case ErrAbortDiscard:
		return "abort_discard"
	default:
		return "unknown"
	}
}

// ErrorCounters is the error-stats sysfs-equivalent group: one atomic
// counter per ErrorClass.
type ErrorCounters struct {
	counters [numErrorClasses]atomic.Uint64
}

// Inc bumps the counter for class.
func (c *ErrorCounters) Inc(class ErrorClass) {
	if class < 0 || class >= numErrorClasses {
		return
	}
	c.counters[class].Add(1)
}

// Get reads the counter for class.
func (c *ErrorCounters) Get(class ErrorClass) uint64 {
	if class < 0 || class >= numErrorClasses {
		return 0
	}
	return c.counters[class].Load()
}

// MemStats is the memory-stats sysfs-equivalent group: a live byte count
// plus a high-water mark, matching et_sysfs_mem_stats.h's counters+rates
// pair (the rate half is AllocRate below).
type MemStats struct {
	current   atomic.Int64
	peak      atomic.Int64
	AllocRate *RateEntry
}

// NewMemStats constructs an empty MemStats.
func NewMemStats() *MemStats {
	return &MemStats{AllocRate: NewRateEntry(1)}
}

// Alloc records delta bytes allocated (positive) and updates the
// high-water mark with a CAS loop, since Current and Peak must stay
// consistent under concurrent allocators.
func (m *MemStats) Alloc(delta int64) {
	cur := m.current.Add(delta)
	m.AllocRate.Mark()
	for {
		peak := m.peak.Load()
		if cur <= peak {
			return
		}
		if m.peak.CompareAndSwap(peak, cur) {
			return
		}
	}
}

// Free records delta bytes freed (subtracted from Current; Peak is left
// untouched, since it is a high-water mark).
func (m *MemStats) Free(delta int64) {
	m.current.Add(-delta)
}

// Current returns the live allocated byte count.
func (m *MemStats) Current() int64 {
	return m.current.Load()
}

// Peak returns the high-water mark.
func (m *MemStats) Peak() int64 {
	return m.peak.Load()
}

// ResetConfig mirrors the reset sysfs group's read/write discovery
// timeout and read-only max-estimated-downtime fields (spec §6), kept
// here rather than in package reset since reset.Config is process
// configuration, not exported telemetry; this type is what the
// (out-of-scope) sysfs show-function would format.
type ResetConfig struct {
	MaxEstimatedDowntime time.Duration
	DiscoveryTimeout     atomic.Int64 // nanoseconds, read/write per spec §6
}

// SetDiscoveryTimeout atomically updates the writable discovery timeout.
func (c *ResetConfig) SetDiscoveryTimeout(d time.Duration) {
	c.DiscoveryTimeout.Store(int64(d))
}

// GetDiscoveryTimeout reads the current discovery timeout.
func (c *ResetConfig) GetDiscoveryTimeout() time.Duration {
	return time.Duration(c.DiscoveryTimeout.Load())
}
