package config

import (
	"testing"
	"time"

	"github.com/etsoc/etsoc-driver/device"
)

func TestDefaultMatchesDeviceMaxDevs(t *testing.T) {
	c := Default()
	if c.MaxDevs != device.MaxDevs {
		t.Fatalf("expected default MaxDevs %d, got %d", device.MaxDevs, c.MaxDevs)
	}
	if c.Loopback {
		t.Fatalf("expected Loopback false by default")
	}
}

func TestDeviceConfigAppliesOverrides(t *testing.T) {
	c := Default()
	c.DiscoveryTimeout = 5 * time.Second
	c.MaxEstimatedDowntimeMS = 250

	dc := c.DeviceConfig()
	if dc.DIRTimeout != 5*time.Second {
		t.Fatalf("expected DIRTimeout 5s, got %v", dc.DIRTimeout)
	}
	if dc.Reset.DiscoveryTimeout != 5*time.Second {
		t.Fatalf("expected reset discovery timeout 5s, got %v", dc.Reset.DiscoveryTimeout)
	}
	if dc.Reset.MaxEstimatedDowntime != 250*time.Millisecond {
		t.Fatalf("expected max estimated downtime 250ms, got %v", dc.Reset.MaxEstimatedDowntime)
	}
}
