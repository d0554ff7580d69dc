package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nyxgpt/sdmigrate/internal/diskmodel"
	"github.com/nyxgpt/sdmigrate/internal/hostsvc"
	"github.com/nyxgpt/sdmigrate/internal/migration"
	"github.com/nyxgpt/sdmigrate/internal/planner"
	"github.com/nyxgpt/sdmigrate/internal/progress"
)

// cleanupCmd is sdmigrate cleanup: rewrite a card's partition table onto
// the same physical disk (the supplemented Cleanup operation; spec.md §9
// Open Question 2's resolution lives in internal/migration/backup.go).
var cleanupCmd = &cobra.Command{
	Use:   "cleanup <device>",
	Short: "repartition a card in place, discarding unselected partitions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device := args[0]
		ctx := cmd.Context()

		gw, source, err := openAndScan(ctx, device)
		if err != nil {
			return fmt.Errorf("scanning device: %w", err)
		}
		defer gw.Close()

		sizeBytes, err := gw.Size()
		if err != nil {
			return fmt.Errorf("querying device size: %w", err)
		}

		opts := diskmodel.Options{
			Linux:       cleanupOpts.linux,
			Android:     cleanupOpts.android,
			EmuMMC:      cleanupOpts.emummc,
			ExpandFAT32: cleanupOpts.expandFAT32,
		}
		target, err := planner.Plan(source, sizeBytes, opts, planner.Cleanup)
		if err != nil {
			return fmt.Errorf("planning target layout: %w", err)
		}

		engine := &migration.Engine{
			SourcePath: device,
			TargetPath: device,
			Source:     gw,
			Target:     gw,
			Mounts:     hostsvc.MountManager{Exec: hostsvc.OSExec{}},
			Formatter:  hostsvc.Formatter{Exec: hostsvc.OSExec{}},
			TreeCopier: hostsvc.TreeCopier{Exec: hostsvc.OSExec{}},
			Progress:   progress.Terminal(os.Stdout),
		}
		return engine.Cleanup(ctx, source, target)
	},
}

var cleanupOpts preserveOptions

func init() {
	registerPreserveFlags(cleanupCmd.Flags(), &cleanupOpts)
}
