package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/etsoc/etsoc-driver/config"
	"github.com/etsoc/etsoc-driver/device"
	"github.com/etsoc/etsoc-driver/p2pdma"
)

// newServeCmd probes a Device Instance (synthetic or real, per --loopback)
// and serves its Mgmt/Ops nodes on per-node Unix control sockets until
// interrupted, the userspace stand-in for the kernel exposing
// /dev/dev<N>_mgmt and /dev/dev<N>_ops.
func newServeCmd(cfg *config.Config) *cobra.Command {
	var hw hardwareFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "probe a device and serve its control sockets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, cfg, hw)
		},
	}
	hw.bind(cmd.Flags())
	return cmd
}

func runServe(cmd *cobra.Command, cfg *config.Config, hw hardwareFlags) error {
	logger := log.New(cmd.ErrOrStderr(), "etsocd: ", log.LstdFlags)

	inst, err := probeInstance(cfg, hw, logger)
	if err != nil {
		return err
	}
	defer inst.Remove()

	logger.Printf("probed device %d (bus %s), %d regions claimed", inst.Devnum, inst.Mgmt.BusName, len(inst.BARs.Snapshot()))

	if err := os.MkdirAll(cfg.SocketDir, 0o755); err != nil {
		return fmt.Errorf("etsocd: create socket dir: %w", err)
	}

	mgmtLn, err := listenNode(cfg.SocketDir, inst.Devnum, "mgmt")
	if err != nil {
		return err
	}
	defer mgmtLn.Close()

	opsLn, err := listenNode(cfg.SocketDir, inst.Devnum, "ops")
	if err != nil {
		return err
	}
	defer opsLn.Close()

	logger.Printf("listening on %s and %s", mgmtLn.Addr(), opsLn.Addr())

	done := make(chan struct{})
	go func() { acceptLoop(inst, inst.Mgmt, mgmtLn, logger); close(done) }()
	acceptLoop(inst, inst.Ops, opsLn, logger)
	<-done
	return nil
}

// probeInstance builds the Endpoint named by hw/cfg.Loopback and runs
// device.Probe over it, the same construction probe.go uses for its
// one-shot report.
func probeInstance(cfg *config.Config, hw hardwareFlags, logger *log.Logger) (*device.Instance, error) {
	p2p := p2pdma.New(p2pdma.AlwaysCompatible)

	if cfg.Loopback {
		return device.Probe(buildLoopbackEndpoint(), p2p, cfg.DeviceConfig(), logger)
	}

	ep, err := buildHostioEndpoint(hw)
	if err != nil {
		return nil, fmt.Errorf("etsocd: open hardware endpoint: %w", err)
	}
	inst, err := device.Probe(ep, p2p, cfg.DeviceConfig(), logger)
	if err != nil {
		ep.Close()
		return nil, err
	}
	return inst, nil
}

func socketPath(dir string, devnum int, kind string) string {
	return filepath.Join(dir, fmt.Sprintf("dev%d_%s", devnum, kind))
}

func listenNode(dir string, devnum int, kind string) (net.Listener, error) {
	path := socketPath(dir, devnum, kind)
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("etsocd: listen %s: %w", path, err)
	}
	return ln, nil
}
