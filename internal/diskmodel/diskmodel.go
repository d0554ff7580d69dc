// Package diskmodel holds the typed description of a disk layout and its
// partitions (spec.md §3, Component B). Partition records are immutable
// once produced by the scanner or the planner; DiskLayout derives its
// aggregate accessors (has_linux, android_dynamic, ...) from the
// partition list rather than storing them, per spec.md §9's "ad-hoc state
// flags should be derived accessors" design note.
package diskmodel

import (
	"sort"

	"github.com/nyxgpt/sdmigrate/internal/sector"
)

// Category classifies a partition's purpose, independent of which table
// (MBR, GPT, or both) it was found in.
type Category int

const (
	Unknown Category = iota
	FAT32
	Linux
	Android
	EmuMMC
)

func (c Category) String() string {
	switch c {
	case FAT32:
		return "FAT32"
	case Linux:
		return "Linux"
	case Android:
		return "Android"
	case EmuMMC:
		return "emuMMC"
	default:
		return "Unknown"
	}
}

// Partition is an immutable record describing one partition, per
// spec.md §3. Produced by the scanner (from an existing disk) or the
// planner (synthesized); consumed, never mutated, by the writer and the
// engine.
type Partition struct {
	Name         string
	Category     Category
	MBRTypeID    byte // 0 when GPT-only
	TypeName     string
	StartSector  uint64
	SizeSectors  uint64
	InMBR        bool
	InGPT        bool
}

// SizeMiB returns the partition size in mebibytes, per spec.md §3's
// derived size_mib = size_sectors * 512 / 2^20.
func (p Partition) SizeMiB() uint64 {
	return sector.MiB(p.SizeSectors)
}

// EndSector returns the last sector occupied by this partition
// (inclusive), i.e. the GPT "last LBA".
func (p Partition) EndSector() uint64 {
	if p.SizeSectors == 0 {
		return p.StartSector
	}
	return p.StartSector + p.SizeSectors - 1
}

// DiskLayout is an ordered collection of partitions sorted by
// StartSector, plus the disk's total size and hybrid-table flag. Owned
// exclusively by its producing operation (scanner or planner) and
// discarded after use, per spec.md §3's lifecycle note.
type DiskLayout struct {
	Partitions   []Partition
	TotalSectors uint64
	HasGPT       bool
}

// New builds a DiskLayout from an unordered partition slice, sorting by
// start sector as spec.md §4.C step 5 requires.
func New(parts []Partition, totalSectors uint64, hasGPT bool) DiskLayout {
	sorted := make([]Partition, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StartSector < sorted[j].StartSector
	})
	return DiskLayout{Partitions: sorted, TotalSectors: totalSectors, HasGPT: hasGPT}
}

// byCategory returns every partition matching cat, in layout order.
func (d DiskLayout) byCategory(cat Category) []Partition {
	var out []Partition
	for _, p := range d.Partitions {
		if p.Category == cat {
			out = append(out, p)
		}
	}
	return out
}

// HasLinux reports whether a Linux partition is present.
func (d DiskLayout) HasLinux() bool { return len(d.byCategory(Linux)) > 0 }

// HasAndroid reports whether any Android partition is present.
func (d DiskLayout) HasAndroid() bool { return len(d.byCategory(Android)) > 0 }

// HasEmuMMC reports whether any emuMMC partition is present.
func (d DiskLayout) HasEmuMMC() bool { return len(d.byCategory(EmuMMC)) > 0 }

// AndroidPartitions returns the Android partition set in layout order.
func (d DiskLayout) AndroidPartitions() []Partition { return d.byCategory(Android) }

// EmuMMCPartitions returns the emuMMC partition(s) in layout order.
func (d DiskLayout) EmuMMCPartitions() []Partition { return d.byCategory(EmuMMC) }

// LinuxPartition returns the single Linux partition, if present.
func (d DiskLayout) LinuxPartition() (Partition, bool) {
	ps := d.byCategory(Linux)
	if len(ps) == 0 {
		return Partition{}, false
	}
	return ps[0], true
}

// FAT32Partition returns the FAT32 partition, if present.
func (d DiskLayout) FAT32Partition() (Partition, bool) {
	ps := d.byCategory(FAT32)
	if len(ps) == 0 {
		return Partition{}, false
	}
	return ps[0], true
}

// AndroidDynamic reports whether the Android partition set uses a
// dynamic-partitions "super" container (Android 10+), per spec.md §4.C
// step 7: true iff any Android partition is named "super".
func (d DiskLayout) AndroidDynamic() bool {
	for _, p := range d.byCategory(Android) {
		if p.Name == "super" {
			return true
		}
	}
	return false
}

// EmuMMCDouble reports whether two emuMMC containers are present.
func (d DiskLayout) EmuMMCDouble() bool {
	return len(d.byCategory(EmuMMC)) >= 2
}

// SizeBytes returns the aggregate size, in bytes, of every partition in
// the given category.
func (d DiskLayout) SizeBytes(cat Category) uint64 {
	var total uint64
	for _, p := range d.byCategory(cat) {
		total += sector.ToBytes(p.SizeSectors)
	}
	return total
}

// ByName finds a partition by exact name match, used by the migration
// engine to pair up source and target partitions during copy (spec.md
// §4.F "CopyPartitions").
func (d DiskLayout) ByName(name string) (Partition, bool) {
	for _, p := range d.Partitions {
		if p.Name == name {
			return p, true
		}
	}
	return Partition{}, false
}

// Options is the small typed options record spec.md §9 asks for in place
// of dict-based options in the source: one toggle per preservable
// category plus expand_fat32.
type Options struct {
	Linux        bool
	Android      bool
	EmuMMC       bool
	ExpandFAT32  bool
}
