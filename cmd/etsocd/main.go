// Command etsocd is the host-side daemon of spec §0: it owns a
// device.Instance and listens on a Unix-domain control socket per node,
// standing in for the character device special files /dev/dev<N>_mgmt and
// /dev/dev<N>_ops. It also doubles as the CLI client for the daemon it
// runs (reset, stats), the way a single-binary CSI/device-plugin daemon
// in the pack (fenio-tns-csi, MartinForReal-dra-example-driver) bundles
// both server and operator-facing subcommands behind one cobra root.
//
// https://github.com/etsoc/etsoc-driver
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/etsoc/etsoc-driver/config"
)

func main() {
	cfg := config.Default()
	if err := newRootCmd(&cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "etsocd",
		Short:         "etsoc PCIe accelerator device daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.IntVar(&cfg.MaxDevs, "max-devs", cfg.MaxDevs, "devnum pool size (not applied; the pool is always device.MaxDevs wide)")
	flags.DurationVar(&cfg.DiscoveryTimeout, "discovery-timeout", cfg.DiscoveryTimeout, "reset settle-detection discovery timeout")
	flags.Int64Var(&cfg.MaxEstimatedDowntimeMS, "max-estimated-downtime-ms", cfg.MaxEstimatedDowntimeMS, "expected reset downtime, in milliseconds")
	flags.BoolVar(&cfg.Loopback, "loopback", cfg.Loopback, "use the in-process synthetic backend instead of real hardware")
	flags.StringVar(&cfg.SocketDir, "socket-dir", cfg.SocketDir, "directory holding the per-node unix control sockets")

	root.AddCommand(newServeCmd(cfg), newProbeCmd(cfg), newResetCmd(cfg), newStatsCmd(cfg))
	return root
}
