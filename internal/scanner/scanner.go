// Package scanner implements the Partition Scanner (spec.md §4.C,
// Component C): parse a hybrid MBR+GPT disk, deduplicate entries that
// appear in both tables, classify each partition by type, and detect
// sub-kinds (Android legacy vs dynamic; emuMMC single vs dual).
//
// Grounded on lvdlvd-rawhide's fsys/part/part.go for the basic MBR/GPT
// field layout, rebuilt around this repo's gptio struct codecs and
// extended with the categorization, deduplication, and sub-kind
// detection rules spec.md §4.C requires that rawhide's read-only
// inspector does not need.
package scanner

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nyxgpt/sdmigrate/internal/diskmodel"
	"github.com/nyxgpt/sdmigrate/internal/gptio"
	"github.com/nyxgpt/sdmigrate/internal/migerr"
)

// SectorReader is the minimal read surface the scanner needs: exactly
// count*512 bytes starting at startSector, or an error. gateway.Gateway
// satisfies this; tests use an in-memory fake.
type SectorReader interface {
	Read(ctx context.Context, startSector, count uint64) ([]byte, error)
}

// Scan reads device's MBR and (if present) GPT, producing a DiskLayout
// per spec.md §4.C. Any I/O failure aborts the scan without modifying
// the device.
func Scan(ctx context.Context, dev SectorReader, totalSectors uint64) (diskmodel.DiskLayout, error) {
	mbrSector, err := dev.Read(ctx, 0, 1)
	if err != nil {
		return diskmodel.DiskLayout{}, errors.Wrap(err, "reading sector 0")
	}
	if mbrSector[510] != 0x55 || mbrSector[511] != 0xAA {
		return diskmodel.DiskLayout{}, &migerr.InvalidOnDisk{Reason: "missing 0x55AA MBR signature"}
	}

	mbrParts, err := parseMBR(mbrSector)
	if err != nil {
		return diskmodel.DiskLayout{}, err
	}

	var gptParts []diskmodel.Partition
	gptSector, err := dev.Read(ctx, 1, 1)
	if err != nil {
		return diskmodel.DiskLayout{}, errors.Wrap(err, "reading GPT header sector")
	}
	if string(gptSector[0:8]) == "EFI PART" {
		entriesRaw, err := dev.Read(ctx, 2, 32)
		if err != nil {
			return diskmodel.DiskLayout{}, errors.Wrap(err, "reading GPT entries")
		}
		gptParts = parseGPTEntries(entriesRaw)
	}

	all := append(mbrParts, gptParts...)
	deduped := deduplicate(all)
	// has_gpt tracks whether Android is present, not whether a GPT happened to
	// be on disk already: Android is the only category that needs GPT (too
	// many partitions for four MBR slots), so a rescan of a tool-written disk
	// reproduces the same has_gpt value the writer used.
	layout := diskmodel.New(deduped, totalSectors, layoutHasAndroid(deduped))

	if err := layout.Validate(); err != nil {
		return diskmodel.DiskLayout{}, err
	}

	logrus.WithFields(logrus.Fields{
		"partitions": len(layout.Partitions),
		"has_gpt":    layout.HasGPT,
	}).Debug("scan complete")

	return layout, nil
}

func layoutHasAndroid(parts []diskmodel.Partition) bool {
	for _, p := range parts {
		if p.Category == diskmodel.Android {
			return true
		}
	}
	return false
}

// parseMBR parses the four 16-byte entries at offset 0x1BE (spec.md
// §4.C step 2), skipping empty and GPT-protective entries.
func parseMBR(sec0 []byte) ([]diskmodel.Partition, error) {
	const mbrEntryOffset = 0x1BE
	var out []diskmodel.Partition
	for i := 0; i < 4; i++ {
		raw := sec0[mbrEntryOffset+i*16 : mbrEntryOffset+(i+1)*16]
		entry, err := gptio.UnmarshalMBREntry(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "unpacking MBR entry %d", i)
		}
		if entry.Empty() || entry.Protective() {
			continue
		}
		cat, typeName := categorizeMBR(entry.Type)
		out = append(out, diskmodel.Partition{
			Category:    cat,
			MBRTypeID:   entry.Type,
			TypeName:    typeName,
			StartSector: uint64(entry.StartLBA),
			SizeSectors: uint64(entry.SizeSectors),
			InMBR:       true,
			InGPT:       false,
		})
	}
	return out, nil
}

// categorizeMBR implements spec.md §4.C step 6's MBR type-ID mapping.
func categorizeMBR(typeID byte) (diskmodel.Category, string) {
	switch typeID {
	case 0x0B, 0x0C:
		return diskmodel.FAT32, "FAT32"
	case 0x83:
		return diskmodel.Linux, "Linux"
	case 0xE0:
		return diskmodel.EmuMMC, "emuMMC"
	default:
		return diskmodel.Unknown, "Unknown"
	}
}

// parseGPTEntries parses the 32-sector, 128-entry GPT partition entry
// array (spec.md §4.C step 3), skipping unused slots.
func parseGPTEntries(raw []byte) []diskmodel.Partition {
	const entrySize = 128
	var out []diskmodel.Partition
	for i := 0; i < len(raw)/entrySize; i++ {
		entryRaw := raw[i*entrySize : (i+1)*entrySize]
		entry, err := gptio.UnmarshalGPTEntry(entryRaw)
		if err != nil || !entry.Used() {
			continue
		}
		name := gptio.DecodeName(entry.NameUTF16)
		cat, typeName := categorizeGPT(entry.TypeGUID, name)
		out = append(out, diskmodel.Partition{
			Name:        name,
			Category:    cat,
			TypeName:    typeName,
			StartSector: entry.FirstLBA,
			SizeSectors: entry.LastLBA - entry.FirstLBA + 1,
			InMBR:       false,
			InGPT:       true,
		})
	}
	return out
}

// categorizeGPT implements spec.md §4.C step 6's GPT type-GUID mapping,
// including the name-based Linux/Android disambiguation (§4.C, §6, §9):
// a Linux-filesystem-GUID partition named exactly "l4t" is Linux; any
// other is Android.
func categorizeGPT(typeGUID [16]byte, name string) (diskmodel.Category, string) {
	switch typeGUID {
	case gptio.TypeFAT32:
		return diskmodel.FAT32, "FAT32 (Microsoft basic data)"
	case gptio.TypeEmuMMC:
		return diskmodel.EmuMMC, "emuMMC"
	case gptio.TypeLinuxFilesystem:
		if name == "l4t" {
			return diskmodel.Linux, "Linux (l4t)"
		}
		return diskmodel.Android, "Android"
	default:
		return diskmodel.Unknown, "Unknown"
	}
}

// deduplicate implements spec.md §4.C step 4 and §9's "one-shot
// clustering pass" design note: sort once by (category, size, start),
// then walk forward merging adjacent entries whose start sectors are
// within 1% of size_sectors of each other. The walk after the sort is
// linear, not the
// nested-loop O(n^2) comparison a naive "for each pair" implementation
// would do.
func deduplicate(parts []diskmodel.Partition) []diskmodel.Partition {
	sorted := make([]diskmodel.Partition, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.SizeSectors != b.SizeSectors {
			return a.SizeSectors < b.SizeSectors
		}
		return a.StartSector < b.StartSector
	})

	var out []diskmodel.Partition
	i := 0
	for i < len(sorted) {
		cluster := []diskmodel.Partition{sorted[i]}
		j := i + 1
		for j < len(sorted) && sameCluster(sorted[i], sorted[j]) {
			cluster = append(cluster, sorted[j])
			j++
		}
		out = append(out, mergeCluster(cluster))
		i = j
	}
	return out
}

// sameCluster reports whether a and b are duplicates per spec.md §4.C
// step 4: same category, same size, and start sectors within 1% of
// size_sectors of each other.
func sameCluster(a, b diskmodel.Partition) bool {
	if a.Category != b.Category || a.SizeSectors != b.SizeSectors {
		return false
	}
	threshold := a.SizeSectors / 100
	diff := a.StartSector - b.StartSector
	if b.StartSector > a.StartSector {
		diff = b.StartSector - a.StartSector
	}
	return diff < threshold
}

// mergeCluster merges a cluster of duplicate records into one, preferring
// the GPT record (richer name) and unioning the in_mbr/in_gpt flags
// across the cluster, per spec.md §4.C step 4.
func mergeCluster(cluster []diskmodel.Partition) diskmodel.Partition {
	result := cluster[0]
	for _, p := range cluster {
		if p.InGPT && !result.InGPT {
			result = p
		}
	}
	var inMBR, inGPT bool
	for _, p := range cluster {
		inMBR = inMBR || p.InMBR
		inGPT = inGPT || p.InGPT
	}
	result.InMBR = inMBR
	result.InGPT = inGPT
	return result
}

// GPTStart is the sector a scanner reads the GPT header from, exported
// for callers (e.g. internal/migration) that need to recompute offsets
// the same way the scanner does.
const GPTStart = 1
