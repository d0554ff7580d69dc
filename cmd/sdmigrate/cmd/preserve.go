package cmd

import "github.com/spf13/pflag"

// preserveOptions mirrors diskmodel.Options, collected as cobra flags
// shared by plan, migrate, and cleanup.
type preserveOptions struct {
	linux       bool
	android     bool
	emummc      bool
	expandFAT32 bool
}

func registerPreserveFlags(fs *pflag.FlagSet, dst *preserveOptions) {
	fs.BoolVar(&dst.linux, "preserve-linux", true, "preserve the Linux partition, if present")
	fs.BoolVar(&dst.android, "preserve-android", true, "preserve the Android partition set, if present")
	fs.BoolVar(&dst.emummc, "preserve-emummc", true, "preserve emuMMC partitions, if present")
	fs.BoolVar(&dst.expandFAT32, "expand-fat32", true, "grow the FAT32 partition to fill unused space")
}
