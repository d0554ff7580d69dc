// Package migration implements the Migration Engine (spec.md §4.F, §5,
// Component F): it orchestrates the Clean → Prepare → ClearHeaders →
// WriteTable → FormatFAT32 → CopyPartitions → PostProcessEmuMMC → Done
// stage graph, wiring together internal/gateway (via the narrow Device
// interface below), internal/writer, internal/hostsvc, internal/emummc
// and internal/progress.
//
// Grounded on gokrazy-tools' packer.Pack.Write (the single coordinating
// function that drives a fixed sequence of steps, reporting through
// internal/measure) and on original_source/core/migration_engine.py's
// MigrationEngine.run, generalized from one fixed four-partition board
// layout to an arbitrary diskmodel.DiskLayout and from one synchronous
// copy to the producer/consumer raw-copy pipeline in rawcopy.go.
package migration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nyxgpt/sdmigrate/internal/diskmodel"
	"github.com/nyxgpt/sdmigrate/internal/emummc"
	"github.com/nyxgpt/sdmigrate/internal/gptio"
	"github.com/nyxgpt/sdmigrate/internal/migerr"
	"github.com/nyxgpt/sdmigrate/internal/progress"
	"github.com/nyxgpt/sdmigrate/internal/sector"
	"github.com/nyxgpt/sdmigrate/internal/writer"
)

// SourceDevice is the minimal read surface the engine needs from the
// source disk: raw sector reads, for the raw-copy pipeline's reader side
// and the emuMMC detector.
type SourceDevice interface {
	Read(ctx context.Context, startSector, count uint64) ([]byte, error)
}

// TargetDevice is the surface the engine needs from the destination
// disk: reads (the BPB fixup reads before it rewrites, emuMMC detection
// re-checks the target), writes, and the host-mediated clean/prepare/
// reread operations gateway.Gateway already implements.
type TargetDevice interface {
	SourceDevice
	Write(ctx context.Context, startSector uint64, data []byte, skipPrepare bool) error
	Clean(ctx context.Context) error
	Prepare(ctx context.Context) error
	RereadPartitionTable(ctx context.Context) error
}

// Formatter formats a FAT32 device node (spec.md §6 "FAT32 formatter").
// hostsvc.Formatter satisfies this.
type Formatter interface {
	Format(ctx context.Context, devicePath string, clusterSectors int) error
}

// TreeCopier recursively copies a directory tree (spec.md §6 "File-tree
// copier"). hostsvc.TreeCopier satisfies this.
type TreeCopier interface {
	Copy(ctx context.Context, src, dst string) error
}

// MountResolver locates and (un)mounts a partition's host device node,
// the facility spec.md §4.F's FormatFAT32 and CopyPartitions stages
// describe as "assign a mount point" / "resolve the source mount
// point". hostsvc.MountManager satisfies this.
type MountResolver interface {
	PartitionDevicePath(ctx context.Context, device string, startSector uint64) (string, error)
	Mount(ctx context.Context, partitionDevice string) (mountPoint string, err error)
	Unmount(ctx context.Context, mountPoint string) error
}

// Engine runs one migration or cleanup operation end to end. Every
// external collaborator is a narrow interface so tests wire in-memory
// fakes instead of touching real devices, mount tables, or subprocesses.
type Engine struct {
	SourcePath string // host device identifier for the source disk
	TargetPath string // host device identifier for the target disk

	Source SourceDevice
	Target TargetDevice

	Mounts     MountResolver
	Formatter  Formatter
	TreeCopier TreeCopier

	Progress progress.Reporter

	// availableMemory is overridable by tests; production callers leave
	// it nil and get the platform probe in ramtier_linux.go /
	// ramtier_other.go.
	availableMemory func() uint64

	fat32Mount string
}

// stageGraph is the weighted stage list spec.md §4.F's diagram
// describes, each weight the share of overall percent it contributes.
// Weights sum to 100.
var stageGraph = []progress.Stage{
	{Name: "Clean", Weight: 3},
	{Name: "Prepare", Weight: 2},
	{Name: "ClearHeaders", Weight: 5},
	{Name: "WriteTable", Weight: 5},
	{Name: "FormatFAT32", Weight: 10},
	{Name: "CopyPartitions", Weight: 70},
	{Name: "PostProcessEmuMMC", Weight: 3},
	{Name: "Done", Weight: 2},
}

func (e *Engine) report() progress.Reporter {
	if e.Progress != nil {
		return e.Progress
	}
	return progress.Noop
}

func (e *Engine) emit(stageIdx int, fraction float64, detail string) {
	e.report()(stageGraph[stageIdx].Name, progress.Overall(stageGraph, stageIdx, fraction), detail)
}

// Migrate runs the full stage graph against a larger target disk,
// cloning source onto the freshly planned target layout (spec.md §4.F).
func (e *Engine) Migrate(ctx context.Context, source, target diskmodel.DiskLayout) error {
	if err := e.clean(ctx); err != nil {
		return err
	}
	if err := e.prepare(ctx); err != nil {
		return err
	}
	if err := e.clearHeaders(ctx); err != nil {
		return err
	}
	if err := e.writeTable(ctx, target); err != nil {
		return err
	}

	fat32Target, ok := target.FAT32Partition()
	if !ok {
		return errors.New("planned target layout has no FAT32 partition")
	}
	if err := e.formatFAT32(ctx, fat32Target); err != nil {
		return err
	}

	if err := e.copyPartitions(ctx, source, target, fat32Target); err != nil {
		return err
	}

	e.postProcessEmuMMC(ctx, source, target)
	e.emit(7, 1, "migration complete")
	return nil
}

// sleepOrCancel blocks for the given number of seconds, or returns a
// Cancelled error for stage if ctx is done first.
func sleepOrCancel(ctx context.Context, stage string, seconds int) error {
	select {
	case <-time.After(time.Duration(seconds) * time.Second):
		return nil
	case <-ctx.Done():
		return &migerr.Cancelled{Stage: stage}
	}
}

// cleanTarget and prepareTarget are the mechanism behind the Clean and
// Prepare stages, shared by Migrate and Cleanup, which report progress
// against their own, differently-weighted stage graphs.
func (e *Engine) cleanTarget(ctx context.Context) error {
	if err := e.Target.Clean(ctx); err != nil {
		return errors.Wrap(err, "clean")
	}
	return sleepOrCancel(ctx, "Clean", 3)
}

func (e *Engine) prepareTarget(ctx context.Context) error {
	if err := e.Target.Prepare(ctx); err != nil {
		return errors.Wrap(err, "prepare")
	}
	return nil
}

func (e *Engine) clean(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &migerr.Cancelled{Stage: "Clean"}
	}
	e.emit(0, 0, "dropping stale partitions on target")
	if err := e.cleanTarget(ctx); err != nil {
		return err
	}
	e.emit(0, 1, "target clean")
	return nil
}

func (e *Engine) prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &migerr.Cancelled{Stage: "Prepare"}
	}
	e.emit(1, 0, "preparing target for writes")
	if err := e.prepareTarget(ctx); err != nil {
		return err
	}
	e.emit(1, 1, "target prepared")
	return nil
}

// clearHeadersChunkSectors is "large chunks" from spec.md §4.F's
// ClearHeaders step: 4 MiB at a time.
const clearHeadersChunkSectors = 8192

// clearHeadersRaw overwrites the first 16 MiB of the target with zeros
// (spec.md §4.F "ClearHeaders"), reporting fractional progress through
// onProgress so Migrate and Cleanup can each map it onto their own
// overall percent.
func (e *Engine) clearHeadersRaw(ctx context.Context, onProgress func(frac float64)) error {
	total := uint64(sector.AlignmentSectors)
	zero := make([]byte, sector.ToBytes(clearHeadersChunkSectors))

	var off uint64
	for off < total {
		if err := ctx.Err(); err != nil {
			return &migerr.Cancelled{Stage: "ClearHeaders"}
		}
		n := uint64(clearHeadersChunkSectors)
		if total-off < n {
			n = total - off
		}
		buf := zero
		if n != clearHeadersChunkSectors {
			buf = zero[:sector.ToBytes(n)]
		}
		if err := e.Target.Write(ctx, off, buf, off != 0); err != nil {
			return errors.Wrap(err, "clearing leading sectors")
		}
		off += n
		onProgress(float64(off) / float64(total))
	}
	return nil
}

func (e *Engine) clearHeaders(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &migerr.Cancelled{Stage: "ClearHeaders"}
	}
	return e.clearHeadersRaw(ctx, func(frac float64) {
		e.emit(2, frac, "zeroing leading 16 MiB")
	})
}

// writeTableRaw is the mechanism behind the WriteTable stage: write the
// partition table, ask the host to reread it, then give it a moment to
// settle (spec.md §4.F "WriteTable").
func (e *Engine) writeTableRaw(ctx context.Context, target diskmodel.DiskLayout) error {
	if err := writer.WriteTable(ctx, e.Target, target); err != nil {
		return errors.Wrap(err, "writing partition table")
	}
	if err := e.Target.RereadPartitionTable(ctx); err != nil {
		return errors.Wrap(err, "requesting partition table reread")
	}
	return sleepOrCancel(ctx, "WriteTable", 2)
}

func (e *Engine) writeTable(ctx context.Context, target diskmodel.DiskLayout) error {
	if err := ctx.Err(); err != nil {
		return &migerr.Cancelled{Stage: "WriteTable"}
	}
	e.emit(3, 0, "writing partition table")
	if err := e.writeTableRaw(ctx, target); err != nil {
		return err
	}
	e.emit(3, 1, "partition table written")
	return nil
}

// fat32ClusterSectors is 64 KiB clusters (spec.md §4.F "FormatFAT32").
const fat32ClusterSectors = 128

// formatFAT32Raw is the mechanism behind the FormatFAT32 stage: format
// the device node directly (Linux convention: format before mounting),
// fix up the BPB, then mount it and record the mount point for the
// CopyPartitions/Restore stage and the emuMMC post-processor.
func (e *Engine) formatFAT32Raw(ctx context.Context, part diskmodel.Partition) error {
	// The host may not expose the new partition right after the table
	// write: look it up up to 10 times, 2 s apart.
	var devPath string
	var err error
	for attempt := 1; ; attempt++ {
		devPath, err = e.Mounts.PartitionDevicePath(ctx, e.TargetPath, part.StartSector)
		if err == nil || attempt == 10 {
			break
		}
		if serr := sleepOrCancel(ctx, "FormatFAT32", 2); serr != nil {
			return serr
		}
	}
	if err != nil {
		return errors.Wrap(err, "resolving target FAT32 device node")
	}
	if err := e.Formatter.Format(ctx, devPath, fat32ClusterSectors); err != nil {
		return err
	}
	if err := e.fixupBPB(ctx, part); err != nil {
		return err
	}
	mountPoint, err := e.Mounts.Mount(ctx, devPath)
	if err != nil {
		return errors.Wrap(err, "mounting target FAT32 partition")
	}
	e.fat32Mount = mountPoint
	return nil
}

func (e *Engine) formatFAT32(ctx context.Context, part diskmodel.Partition) error {
	if err := ctx.Err(); err != nil {
		return &migerr.Cancelled{Stage: "FormatFAT32"}
	}
	e.emit(4, 0, "formatting FAT32 partition")
	if err := e.formatFAT32Raw(ctx, part); err != nil {
		return err
	}
	e.emit(4, 1, "FAT32 formatted")
	return nil
}

// fixupBPB implements spec.md §4.F's "Post-format BPB fixup (CRITICAL)":
// the external formatter may compute total_sectors_32 from a partition
// view that is briefly stale, so the engine re-derives it from the
// planned partition size and rewrites both boot sector copies.
func (e *Engine) fixupBPB(ctx context.Context, part diskmodel.Partition) error {
	boot, err := e.Target.Read(ctx, part.StartSector, 1)
	if err != nil {
		return errors.Wrap(err, "reading FAT32 boot sector")
	}
	bpb, err := gptio.UnmarshalFAT32BPB(boot)
	if err != nil {
		return errors.Wrap(err, "parsing FAT32 BPB")
	}
	if uint64(bpb.TotalSectors32) == part.SizeSectors {
		return nil
	}
	bpb.TotalSectors32 = uint32(part.SizeSectors)
	raw, err := bpb.Marshal()
	if err != nil {
		return errors.Wrap(err, "packing fixed-up FAT32 BPB")
	}
	if err := e.Target.Write(ctx, part.StartSector, raw, true); err != nil {
		return &migerr.IoFailure{Stage: "FormatFAT32", Offset: part.StartSector, Cause: err}
	}
	// Backup boot sector, 6 sectors in (spec.md §4.F).
	if err := e.Target.Write(ctx, part.StartSector+6, raw, true); err != nil {
		return &migerr.IoFailure{Stage: "FormatFAT32", Offset: part.StartSector + 6, Cause: err}
	}
	return nil
}

type copyJob struct {
	src, dst diskmodel.Partition
}

func (e *Engine) copyPartitions(ctx context.Context, source, target diskmodel.DiskLayout, fat32Target diskmodel.Partition) error {
	if err := ctx.Err(); err != nil {
		return &migerr.Cancelled{Stage: "CopyPartitions"}
	}

	var jobs []copyJob
	var totalSectors uint64
	for _, dst := range target.Partitions {
		src, ok := source.ByName(dst.Name)
		if !ok {
			continue
		}
		jobs = append(jobs, copyJob{src: src, dst: dst})
		totalSectors += dst.SizeSectors
	}
	if totalSectors == 0 {
		return nil
	}

	tier := pickRAMTier(e.freeMemory())
	logrus.WithFields(logrus.Fields{
		"chunk_sectors": tier.ChunkSectors,
		"buffers":       tier.Buffers,
	}).Debug("selected raw-copy tier")

	throttle := newProgressThrottle(totalSectors, func(frac float64, detail string) {
		e.emit(5, frac, detail)
	})

	var copiedSectors uint64
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return &migerr.Cancelled{Stage: "CopyPartitions"}
		}
		base := copiedSectors
		if j.dst.Category == diskmodel.FAT32 {
			if err := e.copyFAT32(ctx, j.src); err != nil {
				return err
			}
		} else {
			err := e.rawCopy(ctx, j.src, j.dst, tier, func(doneInJob uint64) {
				throttle.report(base + doneInJob)
			})
			if err != nil {
				return err
			}
		}
		copiedSectors += j.dst.SizeSectors
		throttle.report(copiedSectors)
	}
	return nil
}

func (e *Engine) copyFAT32(ctx context.Context, src diskmodel.Partition) error {
	srcDev, err := e.Mounts.PartitionDevicePath(ctx, e.SourcePath, src.StartSector)
	if err != nil {
		return errors.Wrap(err, "resolving source FAT32 device node")
	}
	srcMount, err := e.Mounts.Mount(ctx, srcDev)
	if err != nil {
		return errors.Wrap(err, "mounting source FAT32 partition")
	}
	defer func() {
		if uerr := e.Mounts.Unmount(ctx, srcMount); uerr != nil {
			logrus.WithError(uerr).Warn("failed to dismount source FAT32 partition after copy")
		}
	}()

	if err := e.TreeCopier.Copy(ctx, srcMount, e.fat32Mount); err != nil {
		return err
	}
	return nil
}

// postProcessEmuMMCRaw implements spec.md §4.G, run for every preserved
// emuMMC partition. Failures are logged, not fatal (spec.md §7
// "Propagation policy"): the raw copy already produced a valid emuMMC
// image, only the bootloader's "Fix RAW" convenience config is at risk.
// onProgress lets Migrate and Cleanup each map the 0..1 fraction onto
// their own stage graph.
func (e *Engine) postProcessEmuMMCRaw(ctx context.Context, source, target diskmodel.DiskLayout, onProgress func(frac float64)) {
	if err := ctx.Err(); err != nil {
		return
	}
	onProgress(0)
	for _, dst := range target.EmuMMCPartitions() {
		src, ok := source.ByName(dst.Name)
		if !ok {
			continue
		}
		if err := e.postProcessOneEmuMMC(ctx, src, dst); err != nil {
			logrus.WithField("partition", dst.Name).WithError(err).
				Warn("emuMMC post-processing failed; raw copy is valid, config can be regenerated manually")
		}
	}
	onProgress(1)
}

func (e *Engine) postProcessEmuMMC(ctx context.Context, source, target diskmodel.DiskLayout) {
	e.postProcessEmuMMCRaw(ctx, source, target, func(frac float64) {
		if frac == 0 {
			e.emit(6, 0, "post-processing emuMMC")
		} else {
			e.emit(6, 1, "emuMMC post-processing complete")
		}
	})
}

func (e *Engine) postProcessOneEmuMMC(ctx context.Context, src, dst diskmodel.Partition) error {
	offset, found, err := emummc.Detect(ctx, e.Source, src.StartSector)
	if err != nil {
		return errors.Wrap(err, "detecting inner emuMMC offset")
	}

	hasInner, err := emummc.TargetHasInnerGPT(ctx, e.Target, dst.StartSector, offset)
	if err != nil {
		return errors.Wrap(err, "checking target inner GPT")
	}
	if !hasInner {
		var header, entries []byte
		if found {
			header, err = e.Source.Read(ctx, src.StartSector+offset, 1)
			if err != nil {
				return errors.Wrap(err, "reading source inner GPT header")
			}
			entries, err = e.Source.Read(ctx, src.StartSector+offset+1, 32)
			if err != nil {
				return errors.Wrap(err, "reading source inner GPT entries")
			}
		}
		if err := emummc.WriteInnerGPT(ctx, e.Target, dst.StartSector, offset, header, entries, found); err != nil {
			return errors.Wrap(err, "writing inner GPT")
		}
	}

	if e.fat32Mount == "" {
		return errors.New("no FAT32 mount point available to write emuMMC config")
	}
	rawDir := filepath.Join(e.fat32Mount, "emuMMC", "RAW1")
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		return errors.Wrap(err, "creating emuMMC/RAW1")
	}
	if err := renameio.WriteFile(filepath.Join(rawDir, "raw_based"), emummc.RawBasedBytes(dst.StartSector), 0o644); err != nil {
		return errors.Wrap(err, "writing raw_based")
	}
	iniPath := filepath.Join(e.fat32Mount, "emuMMC", "emummc.ini")
	if err := renameio.WriteFile(iniPath, []byte(emummc.EmummcINI(dst.StartSector)), 0o644); err != nil {
		return errors.Wrap(err, "writing emummc.ini")
	}
	return nil
}

func (e *Engine) freeMemory() uint64 {
	if e.availableMemory != nil {
		return e.availableMemory()
	}
	return availableMemoryBytes()
}
