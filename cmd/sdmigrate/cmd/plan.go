package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nyxgpt/sdmigrate/internal/diskmodel"
	"github.com/nyxgpt/sdmigrate/internal/planner"
)

// planCmd is sdmigrate plan, the dry-run/plan-only mode SPEC_FULL.md
// supplements (original_source/core/migration_engine.py builds a full
// plan object before asking for confirmation; this subcommand exposes
// that step standalone, touching no device).
var planCmd = &cobra.Command{
	Use:   "plan <source-device> <target-size-mib>",
	Short: "compute and print a target layout without writing anything",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sizeMiB, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid target size %q: expected a number of MiB", args[1])
		}

		gw, source, err := openAndScan(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer gw.Close()

		opts := diskmodel.Options{
			Linux:       planOpts.linux,
			Android:     planOpts.android,
			EmuMMC:      planOpts.emummc,
			ExpandFAT32: planOpts.expandFAT32,
		}
		target, err := planner.Plan(source, sizeMiB<<20, opts, planner.Migration)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		printLayout(out, "source", source)
		fmt.Fprintln(out)
		printLayout(out, "planned target", target)
		return nil
	},
}

var planOpts preserveOptions

func init() {
	registerPreserveFlags(planCmd.Flags(), &planOpts)
}
