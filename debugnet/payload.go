package debugnet

import (
	"github.com/etsoc/etsoc-driver/device"
	"github.com/etsoc/etsoc-driver/telemetry"
)

// vqStatsPayload mirrors one Mgmt/Ops VQ stats sysfs-equivalent group:
// cumulative push/pop counts plus their rate entries' cumulative mark counts.
type vqStatsPayload struct {
	PushCount uint64 `json:"push_count"`
	PushMarks uint64 `json:"push_marks"`
	PopCount  uint64 `json:"pop_count"`
	PopMarks  uint64 `json:"pop_marks"`
}

func vqStatsPayloadOf(s *telemetry.VQStats) vqStatsPayload {
	return vqStatsPayload{
		PushCount: s.PushCount.Load(),
		PushMarks: s.PushRate.Count(),
		PopCount:  s.PopCount.Load(),
		PopMarks:  s.PopRate.Count(),
	}
}

// errorStatsPayload mirrors the error-stats sysfs-equivalent group: one
// counter per telemetry.ErrorClass.
type errorStatsPayload struct {
	BusFault     uint64 `json:"bus_fault"`
	BackPressure uint64 `json:"back_pressure"`
	InvalidArg   uint64 `json:"invalid_arg"`
	AbortDiscard uint64 `json:"abort_discard"`
}

func errorStatsPayloadOf(c *telemetry.ErrorCounters) errorStatsPayload {
	return errorStatsPayload{
		BusFault:     c.Get(telemetry.ErrBusFault),
		BackPressure: c.Get(telemetry.ErrBackPressure),
		InvalidArg:   c.Get(telemetry.ErrInvalidArg),
		AbortDiscard: c.Get(telemetry.ErrAbortDiscard),
	}
}

// memStatsPayload mirrors the memory-stats sysfs-equivalent group. Only
// the Ops node holds a dmabuf.Registry (spec §4.5's mmap file operation is
// Ops-only), so this reports its live VMA count; no ioctl path populates
// byte-granular telemetry.MemStats yet, so that counter is omitted rather
// than reported as a misleading always-zero field.
type memStatsPayload struct {
	OpsMappedVMAs int `json:"ops_mapped_vmas"`
}

func memStatsPayloadOf(inst *device.Instance) memStatsPayload {
	if inst.Ops.DMAMappings == nil {
		return memStatsPayload{}
	}
	return memStatsPayload{OpsMappedVMAs: inst.Ops.DMAMappings.Len()}
}

// resetPayload mirrors the reset group's read-only max-estimated-downtime
// and read/write discovery-timeout fields.
type resetPayload struct {
	MaxEstimatedDowntimeMS int64 `json:"max_estimated_downtime_ms"`
	DiscoveryTimeoutMS     int64 `json:"discovery_timeout_ms"`
}

func resetPayloadOf(c *telemetry.ResetConfig) resetPayload {
	return resetPayload{
		MaxEstimatedDowntimeMS: c.MaxEstimatedDowntime.Milliseconds(),
		DiscoveryTimeoutMS:     c.GetDiscoveryTimeout().Milliseconds(),
	}
}
