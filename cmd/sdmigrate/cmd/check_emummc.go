package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nyxgpt/sdmigrate/internal/emummc"
	"github.com/nyxgpt/sdmigrate/internal/hostsvc"
)

// checkEmummcCmd is sdmigrate check-emummc, the standalone check_emummc.py
// equivalent SPEC_FULL.md supplements: verify an already-migrated card's
// emuMMC/RAW1 configuration against what the partition table says it
// should be, without touching anything.
var checkEmummcCmd = &cobra.Command{
	Use:   "check-emummc <device>",
	Short: "verify emuMMC configuration against the current partition table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device := args[0]
		ctx := cmd.Context()

		gw, layout, err := openAndScan(ctx, device)
		if err != nil {
			return fmt.Errorf("scanning device: %w", err)
		}
		defer gw.Close()

		fat32, ok := layout.FAT32Partition()
		if !ok {
			return fmt.Errorf("device has no FAT32 partition")
		}
		emummcParts := layout.EmuMMCPartitions()
		if len(emummcParts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no emuMMC partitions found")
			return nil
		}

		mounts := hostsvc.MountManager{Exec: hostsvc.OSExec{}}
		devPath, err := mounts.PartitionDevicePath(ctx, device, fat32.StartSector)
		if err != nil {
			return fmt.Errorf("resolving FAT32 device node: %w", err)
		}
		mountPoint, err := mounts.Mount(ctx, devPath)
		if err != nil {
			return fmt.Errorf("mounting FAT32 partition: %w", err)
		}
		defer mounts.Unmount(ctx, mountPoint)

		out := cmd.OutOrStdout()
		for _, p := range emummcParts {
			offset, found, err := emummc.Detect(ctx, gw, p.StartSector)
			if err != nil {
				return fmt.Errorf("detecting emuMMC offset on %s: %w", p.Name, err)
			}
			if !found {
				fmt.Fprintf(out, "%s: no inner GPT detected (inner-MBR layout at 0x%X)\n", p.Name, offset)
			}

			mismatches, err := emummc.VerifyConfig(mountPoint, p.StartSector)
			if err != nil {
				fmt.Fprintf(out, "%s: could not read emuMMC config: %v\n", p.Name, err)
				continue
			}
			if len(mismatches) == 0 {
				fmt.Fprintf(out, "%s: emuMMC config matches\n", p.Name)
				continue
			}
			for _, m := range mismatches {
				fmt.Fprintf(out, "%s: %s mismatch: want %s, got %s\n", p.Name, m.Field, m.Want, m.Got)
			}
		}
		return nil
	},
}
