package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nyxgpt/sdmigrate/internal/diskmodel"
	"github.com/nyxgpt/sdmigrate/internal/gateway"
	"github.com/nyxgpt/sdmigrate/internal/hostsvc"
	"github.com/nyxgpt/sdmigrate/internal/migration"
	"github.com/nyxgpt/sdmigrate/internal/planner"
	"github.com/nyxgpt/sdmigrate/internal/progress"
)

// migrateCmd is sdmigrate migrate: clone source onto a strictly larger
// target device, per spec.md §4.F.
var migrateCmd = &cobra.Command{
	Use:   "migrate <source-device> <target-device>",
	Short: "clone a partition layout onto a larger SD card",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sourcePath, targetPath := args[0], args[1]
		ctx := cmd.Context()

		srcGW, source, err := openAndScan(ctx, sourcePath)
		if err != nil {
			return fmt.Errorf("scanning source: %w", err)
		}
		defer srcGW.Close()

		host := hostsvc.Host{Exec: hostsvc.OSExec{}}
		tgtGW, err := gateway.Open(targetPath, host)
		if err != nil {
			return fmt.Errorf("opening target: %w", err)
		}
		defer tgtGW.Close()

		targetSizeBytes, err := tgtGW.Size()
		if err != nil {
			return fmt.Errorf("querying target size: %w", err)
		}

		opts := diskmodel.Options{
			Linux:       migrateOpts.linux,
			Android:     migrateOpts.android,
			EmuMMC:      migrateOpts.emummc,
			ExpandFAT32: migrateOpts.expandFAT32,
		}
		target, err := planner.Plan(source, targetSizeBytes, opts, planner.Migration)
		if err != nil {
			return fmt.Errorf("planning target layout: %w", err)
		}

		engine := &migration.Engine{
			SourcePath: sourcePath,
			TargetPath: targetPath,
			Source:     srcGW,
			Target:     tgtGW,
			Mounts:     hostsvc.MountManager{Exec: hostsvc.OSExec{}},
			Formatter:  hostsvc.Formatter{Exec: hostsvc.OSExec{}},
			TreeCopier: hostsvc.TreeCopier{Exec: hostsvc.OSExec{}},
			Progress:   progress.Terminal(os.Stdout),
		}
		return engine.Migrate(ctx, source, target)
	},
}

var migrateOpts preserveOptions

func init() {
	registerPreserveFlags(migrateCmd.Flags(), &migrateOpts)
}
