package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/etsoc/etsoc-driver/config"
)

// newStatsCmd prints the push/pop counters and error classes a running
// serve daemon's node has accumulated, a terser CLI cousin of debugnet's
// /telemetry HTTP groups for when no netstack server is running.
func newStatsCmd(cfg *config.Config) *cobra.Command {
	var devnum int
	var nodeKind string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "print a node's accumulated telemetry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodeKind != "mgmt" && nodeKind != "ops" {
				return fmt.Errorf("etsocd: --node must be \"mgmt\" or \"ops\", got %q", nodeKind)
			}

			conn, err := dial(cfg, devnum, nodeKind)
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := call(conn, request{Op: "stats"})
			if err != nil {
				return fmt.Errorf("etsocd: stats: %w", err)
			}
			if !resp.OK {
				return fmt.Errorf("etsocd: stats failed: %s", resp.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(resp.Result))
			return nil
		},
	}
	cmd.Flags().IntVar(&devnum, "devnum", 0, "device number to query")
	cmd.Flags().StringVar(&nodeKind, "node", "mgmt", `node to query: "mgmt" or "ops"`)
	return cmd
}
