package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/etsoc/etsoc-driver/config"
)

// newResetCmd triggers a full reset cycle on a running serve daemon's
// device, over its Mgmt control socket (reset is a whole-Instance
// operation, but any node's socket reaches the same dispatchReset call).
func newResetCmd(cfg *config.Config) *cobra.Command {
	var devnum int

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "trigger a reset cycle on a running device",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(cfg, devnum, "mgmt")
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := call(conn, request{Op: "reset"})
			if err != nil {
				return fmt.Errorf("etsocd: reset: %w", err)
			}
			if !resp.OK {
				return fmt.Errorf("etsocd: reset failed: %s", resp.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reset complete")
			return nil
		},
	}
	cmd.Flags().IntVar(&devnum, "devnum", 0, "device number to reset")
	return cmd
}
