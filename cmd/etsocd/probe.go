package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/etsoc/etsoc-driver/config"
)

// newProbeCmd runs the DIR handshake against a device and prints a report,
// without listening on any control socket: a one-shot discovery check, the
// way a CSI driver's sidecar health probe reports readiness without itself
// serving the gRPC endpoint.
func newProbeCmd(cfg *config.Config) *cobra.Command {
	var hw hardwareFlags

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "probe a device and print its DIR-discovered layout, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(cmd.ErrOrStderr(), "etsocd: ", log.LstdFlags)

			inst, err := probeInstance(cfg, hw, logger)
			if err != nil {
				return err
			}
			defer inst.Remove()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "devnum:      %d\n", inst.Devnum)
			fmt.Fprintf(out, "bus:         %s\n", inst.Mgmt.BusName)
			fmt.Fprintf(out, "pci_state:   %d bytes saved\n", len(inst.PCIState))

			mgmtState, mgmtPending := inst.Mgmt.GetDeviceState()
			opsState, opsPending := inst.Ops.GetDeviceState()
			fmt.Fprintf(out, "mgmt:        state=%d pending_commands=%v\n", mgmtState, mgmtPending)
			fmt.Fprintf(out, "ops:         state=%d pending_commands=%v\n", opsState, opsPending)

			fmt.Fprintf(out, "regions:\n")
			for _, r := range inst.BARs.Snapshot() {
				fmt.Fprintf(out, "  %-4s bar%d %-12s [%#x,%#x]\n", r.Node, r.Bar, r.Type, r.Start, r.End)
			}
			return nil
		},
	}
	hw.bind(cmd.Flags())
	return cmd
}
