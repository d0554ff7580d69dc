package cmd

import (
	"github.com/spf13/cobra"
)

// scanCmd is sdmigrate scan.
var scanCmd = &cobra.Command{
	Use:   "scan <device>",
	Short: "print a device's current partition layout",
	Long: `Read and parse the MBR and (if present) GPT on device, categorize every
partition, and print the resulting layout. Touches no other state on the
device.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, layout, err := openAndScan(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer gw.Close()

		printLayout(cmd.OutOrStdout(), args[0], layout)
		return nil
	},
}
