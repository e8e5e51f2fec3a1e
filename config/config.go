// Package config is cmd/etsocd's daemon configuration: the flag-bound
// struct that ties together the devnum pool size, reset settle-detection
// bounds, and the backend/socket choices the CLI exposes.
//
// Grounded on the pack's CSI/device-plugin style daemons (e.g.
// fenio-tns-csi, MartinForReal-dra-example-driver), which bind a single
// flat config struct from cobra/pflag flags rather than a layered
// viper/env scheme; the teacher itself has no host CLI to draw from
// (tamago targets bare metal), so this package has no teacher file to
// adapt.
//
// https://github.com/etsoc/etsoc-driver
package config

import (
	"time"

	"github.com/etsoc/etsoc-driver/device"
	"github.com/etsoc/etsoc-driver/reset"
)

// Config is the daemon's flat configuration, bound directly to cobra
// persistent flags by cmd/etsocd.
type Config struct {
	// MaxDevs is bound to the --max-devs flag and defaults to
	// device.MaxDevs. It is not passed on to package device: the devnum
	// pool is always device.MaxDevs wide.
	MaxDevs int

	// DiscoveryTimeout bounds how long the reset orchestrator waits for
	// the endpoint to come back link-stable before giving up.
	DiscoveryTimeout time.Duration

	// MaxEstimatedDowntimeMS is the expected reset downtime, in
	// milliseconds, telemetry.ResetConfig reports read-only.
	MaxEstimatedDowntimeMS int64

	// Loopback selects loopback.Backend (an in-process synthetic
	// device) instead of hostio.Backend (real PCIe hardware).
	Loopback bool

	// SocketDir holds the per-node Unix-domain control sockets
	// cmd/etsocd listens on, standing in for /dev/dev<N>_mgmt and
	// /dev/dev<N>_ops.
	SocketDir string
}

// Default returns the configuration cmd/etsocd starts from before flags
// are applied.
func Default() Config {
	rc := reset.DefaultConfig()
	return Config{
		MaxDevs:                device.MaxDevs,
		DiscoveryTimeout:       rc.DiscoveryTimeout,
		MaxEstimatedDowntimeMS: rc.MaxEstimatedDowntime.Milliseconds(),
		Loopback:               false,
		SocketDir:              "/run/etsocd",
	}
}

// ResetConfig builds the reset.Config this Config implies, reusing
// reset.DefaultConfig's poll interval (not exposed as a flag: it is an
// implementation granularity, not an operator-facing tuning knob).
func (c Config) ResetConfig() reset.Config {
	rc := reset.DefaultConfig()
	rc.DiscoveryTimeout = c.DiscoveryTimeout
	rc.MaxEstimatedDowntime = time.Duration(c.MaxEstimatedDowntimeMS) * time.Millisecond
	return rc
}

// DeviceConfig builds the device.Config this Config implies.
func (c Config) DeviceConfig() device.Config {
	return device.Config{
		DIRTimeout: c.DiscoveryTimeout,
		Reset:      c.ResetConfig(),
	}
}
