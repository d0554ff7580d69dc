package cmd

import (
	"fmt"
	"log"
	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var RootCmd = &cobra.Command{
	Use:   "sdmigrate",
	Short: "migrate or repartition a Switch SD card in place",
	Long: `scan, plan, migrate, and clean up hybrid MBR/GPT SD card layouts for
Switch custom firmware: a FAT32 boot partition plus optional Linux,
Android, and emuMMC volumes.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		versionVal, err := cmd.Flags().GetBool("version")
		if err != nil {
			return fmt.Errorf("BUG: version flag declared as non-bool")
		}
		if versionVal {
			fmt.Println(version())
			return nil
		}
		return pflag.ErrHelp
	},
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "<not okay>"
	}
	settings := make(map[string]string)
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	modified := ""
	if settings["vcs.modified"] == "true" {
		modified = " (modified)"
	}
	return "https://github.com/nyxgpt/sdmigrate/commit/" + settings["vcs.revision"] + modified
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func init() {
	RootCmd.Flags().Bool("version", false, "print sdmigrate version")
	RootCmd.AddCommand(scanCmd)
	RootCmd.AddCommand(planCmd)
	RootCmd.AddCommand(migrateCmd)
	RootCmd.AddCommand(cleanupCmd)
	RootCmd.AddCommand(checkEmummcCmd)
}
