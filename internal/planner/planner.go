// Package planner implements the Layout Planner (spec.md §4.D,
// Component D): given a source layout, a target size, and a set of
// preserve toggles, compute a freshly-positioned target DiskLayout.
//
// Grounded on original_source/core/partition_scanner.py's
// calculate_target_layout, rebuilt around internal/diskmodel's typed
// Partition/DiskLayout/Options instead of dicts, and around
// internal/sector's alignment helper instead of inline shift-and-mask
// arithmetic.
package planner

import (
	"github.com/nyxgpt/sdmigrate/internal/diskmodel"
	"github.com/nyxgpt/sdmigrate/internal/migerr"
	"github.com/nyxgpt/sdmigrate/internal/sector"
)

// tailReserveMiB is the trailing reserve spec.md §4.D sets aside for
// the backup GPT header/entries and the final alignment slop.
const tailReserveMiB = 9

// Mode distinguishes the two operations that call the planner with
// different size-comparison rules (spec.md §4.D "Errors").
type Mode int

const (
	// Migration requires the target be strictly larger than the source.
	Migration Mode = iota
	// Cleanup rewrites a layout onto the same disk, so equal size is fine.
	Cleanup
)

// Plan computes the target DiskLayout per spec.md §4.D.
func Plan(source diskmodel.DiskLayout, targetTotalBytes uint64, opts diskmodel.Options, mode Mode) (diskmodel.DiskLayout, error) {
	sourceTotalBytes := sector.ToBytes(source.TotalSectors)
	if mode == Migration && targetTotalBytes <= sourceTotalBytes {
		return diskmodel.DiskLayout{}, &migerr.TargetNotLarger{SourceBytes: sourceTotalBytes, TargetBytes: targetTotalBytes}
	}

	hasGPT := source.HasAndroid() && opts.Android

	var preservedBytes uint64
	if source.HasLinux() && opts.Linux {
		preservedBytes += source.SizeBytes(diskmodel.Linux)
	}
	if source.HasAndroid() && opts.Android {
		preservedBytes += source.SizeBytes(diskmodel.Android)
	}
	if source.HasEmuMMC() && opts.EmuMMC {
		preservedBytes += source.SizeBytes(diskmodel.EmuMMC)
	}

	leadBytes := sector.ToBytes(sector.AlignmentSectors)
	tailReserve := uint64(tailReserveMiB) << 20
	required := preservedBytes + leadBytes + tailReserve
	if required > targetTotalBytes {
		return diskmodel.DiskLayout{}, &migerr.InsufficientTargetSize{RequiredBytes: required, TotalBytes: targetTotalBytes}
	}

	var fat32Sectors uint64
	if opts.ExpandFAT32 {
		available := targetTotalBytes - preservedBytes - leadBytes - tailReserve
		fat32Sectors = sector.FromBytes(available)
	} else {
		if src, ok := source.FAT32Partition(); ok {
			fat32Sectors = src.SizeSectors
		}
	}

	var parts []diskmodel.Partition
	cur := uint64(sector.FAT32Start)

	parts = append(parts, diskmodel.Partition{
		Name:        "hos_data",
		Category:    diskmodel.FAT32,
		MBRTypeID:   0x0C,
		TypeName:    "FAT32 (LBA)",
		StartSector: cur,
		SizeSectors: fat32Sectors,
		InMBR:       true,
		InGPT:       hasGPT,
	})
	cur = sector.AlignUp(cur + fat32Sectors)

	if source.HasLinux() && opts.Linux {
		src, _ := source.LinuxPartition()
		parts = append(parts, diskmodel.Partition{
			Name:        "l4t",
			Category:    diskmodel.Linux,
			MBRTypeID:   0x83,
			TypeName:    "Linux",
			StartSector: cur,
			SizeSectors: src.SizeSectors,
			InMBR:       !hasGPT,
			InGPT:       hasGPT,
		})
		cur = sector.AlignUp(cur + src.SizeSectors)
	}

	if source.HasAndroid() && opts.Android {
		for _, src := range source.AndroidPartitions() {
			parts = append(parts, diskmodel.Partition{
				Name:        src.Name,
				Category:    diskmodel.Android,
				TypeName:    src.TypeName,
				StartSector: cur,
				SizeSectors: src.SizeSectors,
				InMBR:       false,
				InGPT:       true,
			})
			cur += src.SizeSectors
		}
		cur = sector.AlignUp(cur)
	}

	if source.HasEmuMMC() && opts.EmuMMC {
		for _, src := range source.EmuMMCPartitions() {
			parts = append(parts, diskmodel.Partition{
				Name:        src.Name,
				Category:    diskmodel.EmuMMC,
				MBRTypeID:   0xE0,
				TypeName:    "emuMMC",
				StartSector: cur,
				SizeSectors: src.SizeSectors,
				InMBR:       true,
				InGPT:       hasGPT,
			})
			cur += src.SizeSectors
		}
	}

	totalSectors := sector.FromBytes(targetTotalBytes)
	target := diskmodel.New(parts, totalSectors, hasGPT)
	if err := target.Validate(); err != nil {
		return diskmodel.DiskLayout{}, err
	}
	return target, nil
}
