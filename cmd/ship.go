package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"wafproxy/internal/seclog"
)

var shipCmd = &cobra.Command{
	Use:   "ship",
	Short: "Ship the security log once and exit",
	Args:  cobra.NoArgs,
	RunE:  runShip,
}

func init() {
	addShipFlags(shipCmd)
}

func runShip(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateShipping(); err != nil {
		return err
	}
	sh, closeShipper, err := newShipper(cmd.Context(), filepath.Join(cfg.LogDir, seclog.FileName))
	if err != nil {
		return err
	}
	defer closeShipper()

	r, err := sh.Ship(cmd.Context())
	if err != nil {
		return err
	}
	if r.Archive == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "nothing to ship, %d archives uploaded\n", r.Uploaded)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "shipped %d entries, backup saved in %v, %d archives uploaded\n",
		r.Entries, r.Archive, r.Uploaded)
	return nil
}
