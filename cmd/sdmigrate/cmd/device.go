package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/nyxgpt/sdmigrate/internal/diskmodel"
	"github.com/nyxgpt/sdmigrate/internal/gateway"
	"github.com/nyxgpt/sdmigrate/internal/hostsvc"
	"github.com/nyxgpt/sdmigrate/internal/scanner"
	"github.com/nyxgpt/sdmigrate/internal/sector"
)

// openAndScan opens device through the Block Device Gateway and runs the
// Partition Scanner against it, the sequence every subcommand that reads
// an existing layout starts with.
func openAndScan(ctx context.Context, device string) (*gateway.Gateway, diskmodel.DiskLayout, error) {
	gw, err := gateway.Open(device, hostsvc.Host{Exec: hostsvc.OSExec{}})
	if err != nil {
		return nil, diskmodel.DiskLayout{}, err
	}
	sizeBytes, err := gw.Size()
	if err != nil {
		gw.Close()
		return nil, diskmodel.DiskLayout{}, err
	}
	layout, err := scanner.Scan(ctx, gw, sector.FromBytes(sizeBytes))
	if err != nil {
		gw.Close()
		return nil, diskmodel.DiskLayout{}, err
	}
	return gw, layout, nil
}

// printLayout renders a DiskLayout as a human-readable table, used by
// `scan` and `plan` to show the source layout and the planned target.
func printLayout(w io.Writer, label string, layout diskmodel.DiskLayout) {
	fmt.Fprintf(w, "%s (%d MiB, GPT=%v):\n", label, sector.ToBytes(layout.TotalSectors)>>20, layout.HasGPT)
	for _, p := range layout.Partitions {
		fmt.Fprintf(w, "  %-12s %-9s start=%-12d size=%6d MiB\n", p.Name, p.Category, p.StartSector, p.SizeMiB())
	}
}
