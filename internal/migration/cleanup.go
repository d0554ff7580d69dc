package migration

import (
	"context"
	"os"

	"github.com/pkg/errors"

	"github.com/nyxgpt/sdmigrate/internal/diskmodel"
	"github.com/nyxgpt/sdmigrate/internal/migerr"
	"github.com/nyxgpt/sdmigrate/internal/progress"
)

// cleanupStageGraph mirrors stageGraph but folds the restore step and
// the raw copy of the remaining preserved partitions into one "Restore"
// stage, since a Cleanup operation rewrites the same physical disk
// rather than cloning onto a larger one (supplemented feature; see
// SPEC_FULL.md's "Dry-run / plan-only mode" companion, `sdmigrate
// cleanup`).
var cleanupStageGraph = []progress.Stage{
	{Name: "BackupFAT32", Weight: 15},
	{Name: "Clean", Weight: 3},
	{Name: "Prepare", Weight: 2},
	{Name: "ClearHeaders", Weight: 5},
	{Name: "WriteTable", Weight: 5},
	{Name: "FormatFAT32", Weight: 10},
	{Name: "Restore", Weight: 55},
	{Name: "PostProcessEmuMMC", Weight: 3},
	{Name: "Done", Weight: 2},
}

const (
	cleanupStageBackup      = 0
	cleanupStageRestore     = 6
	cleanupStagePostProcess = 7
	cleanupStageDone        = 8
)

func (e *Engine) emitCleanup(stageIdx int, fraction float64, detail string) {
	e.report()(cleanupStageGraph[stageIdx].Name, progress.Overall(cleanupStageGraph, stageIdx, fraction), detail)
}

// Cleanup rewrites layout onto the same physical disk this engine's
// Source/Target both refer to: it backs up the FAT32 partition's
// contents off-disk first (spec.md §9 Open Question 2), rewrites the
// partition table, reformats and restores FAT32, then raw-copies every
// other preserved partition to its freshly planned offset.
func (e *Engine) Cleanup(ctx context.Context, source, target diskmodel.DiskLayout) error {
	srcFAT32, ok := source.FAT32Partition()
	if !ok {
		return errors.New("source layout has no FAT32 partition to preserve")
	}

	if err := ctx.Err(); err != nil {
		return &migerr.Cancelled{Stage: "BackupFAT32"}
	}
	e.emitCleanup(cleanupStageBackup, 0, "backing up FAT32 data")
	backupDir, err := os.MkdirTemp("", "sdmigrate-fat32-backup-")
	if err != nil {
		return errors.Wrap(err, "creating FAT32 backup directory")
	}
	defer os.RemoveAll(backupDir)

	srcDev, err := e.Mounts.PartitionDevicePath(ctx, e.SourcePath, srcFAT32.StartSector)
	if err != nil {
		return errors.Wrap(err, "resolving source FAT32 device node")
	}
	srcMount, err := e.Mounts.Mount(ctx, srcDev)
	if err != nil {
		return errors.Wrap(err, "mounting source FAT32 partition")
	}
	if err := e.backupFAT32(ctx, srcMount, backupDir, srcFAT32.SizeMiB()<<20); err != nil {
		_ = e.Mounts.Unmount(ctx, srcMount)
		return errors.Wrap(err, "backing up FAT32 data")
	}
	if err := e.Mounts.Unmount(ctx, srcMount); err != nil {
		return errors.Wrap(err, "dismounting source FAT32 partition after backup")
	}
	e.emitCleanup(cleanupStageBackup, 1, "FAT32 data backed up")

	if err := e.cleanupClean(ctx); err != nil {
		return err
	}
	if err := e.cleanupPrepare(ctx); err != nil {
		return err
	}
	if err := e.cleanupClearHeaders(ctx); err != nil {
		return err
	}
	if err := e.cleanupWriteTable(ctx, target); err != nil {
		return err
	}

	fat32Target, ok := target.FAT32Partition()
	if !ok {
		return errors.New("planned target layout has no FAT32 partition")
	}
	if err := e.cleanupFormatFAT32(ctx, fat32Target); err != nil {
		return err
	}

	if err := e.cleanupRestore(ctx, source, target, backupDir); err != nil {
		return err
	}

	e.postProcessEmuMMCRaw(ctx, source, target, func(frac float64) {
		if frac == 0 {
			e.emitCleanup(cleanupStagePostProcess, 0, "post-processing emuMMC")
		} else {
			e.emitCleanup(cleanupStagePostProcess, 1, "emuMMC post-processing complete")
		}
	})
	e.emitCleanup(cleanupStageDone, 1, "cleanup complete")
	return nil
}

// The cleanupClean/cleanupPrepare/cleanupClearHeaders/cleanupWriteTable/
// cleanupFormatFAT32 helpers run the identical underlying mechanism as
// their Migrate-stage counterparts (the *Raw functions in migration.go)
// but report against cleanupStageGraph's indices instead of stageGraph's.
func (e *Engine) cleanupClean(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &migerr.Cancelled{Stage: "Clean"}
	}
	e.emitCleanup(1, 0, "dropping stale partitions")
	if err := e.cleanTarget(ctx); err != nil {
		return err
	}
	e.emitCleanup(1, 1, "disk clean")
	return nil
}

func (e *Engine) cleanupPrepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &migerr.Cancelled{Stage: "Prepare"}
	}
	e.emitCleanup(2, 0, "preparing disk for writes")
	if err := e.prepareTarget(ctx); err != nil {
		return err
	}
	e.emitCleanup(2, 1, "disk prepared")
	return nil
}

func (e *Engine) cleanupClearHeaders(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &migerr.Cancelled{Stage: "ClearHeaders"}
	}
	if err := e.clearHeadersRaw(ctx, func(frac float64) {
		e.emitCleanup(3, frac, "zeroing leading 16 MiB")
	}); err != nil {
		return err
	}
	e.emitCleanup(3, 1, "leading sectors cleared")
	return nil
}

func (e *Engine) cleanupWriteTable(ctx context.Context, target diskmodel.DiskLayout) error {
	if err := ctx.Err(); err != nil {
		return &migerr.Cancelled{Stage: "WriteTable"}
	}
	e.emitCleanup(4, 0, "writing partition table")
	if err := e.writeTableRaw(ctx, target); err != nil {
		return err
	}
	e.emitCleanup(4, 1, "partition table written")
	return nil
}

func (e *Engine) cleanupFormatFAT32(ctx context.Context, part diskmodel.Partition) error {
	if err := ctx.Err(); err != nil {
		return &migerr.Cancelled{Stage: "FormatFAT32"}
	}
	e.emitCleanup(5, 0, "formatting FAT32 partition")
	if err := e.formatFAT32Raw(ctx, part); err != nil {
		return err
	}
	e.emitCleanup(5, 1, "FAT32 formatted")
	return nil
}

// cleanupRestore restores the FAT32 backup and raw-copies every other
// preserved partition to its newly planned offset on the same disk.
// Since source and destination are sector ranges on the same physical
// device, a preserved partition's start can legitimately shift by less
// than its own size (realignment, a shrunk tail reserve); rawCopy
// detects that and walks high-to-low instead of low-to-high so no
// sector is overwritten before it's read.
func (e *Engine) cleanupRestore(ctx context.Context, source, target diskmodel.DiskLayout, backupDir string) error {
	if err := ctx.Err(); err != nil {
		return &migerr.Cancelled{Stage: "Restore"}
	}
	e.emitCleanup(cleanupStageRestore, 0, "restoring FAT32 data")
	if err := e.restoreFAT32(ctx, backupDir, e.fat32Mount); err != nil {
		return errors.Wrap(err, "restoring FAT32 data")
	}

	var jobs []copyJob
	var totalSectors uint64
	for _, dst := range target.Partitions {
		if dst.Category == diskmodel.FAT32 {
			continue
		}
		src, ok := source.ByName(dst.Name)
		if !ok {
			continue
		}
		jobs = append(jobs, copyJob{src: src, dst: dst})
		totalSectors += dst.SizeSectors
	}
	if totalSectors == 0 {
		e.emitCleanup(cleanupStageRestore, 1, "restore complete")
		return nil
	}

	tier := pickRAMTier(e.freeMemory())
	throttle := newProgressThrottle(totalSectors, func(frac float64, detail string) {
		e.emitCleanup(cleanupStageRestore, frac, detail)
	})

	var copied uint64
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return &migerr.Cancelled{Stage: "Restore"}
		}
		base := copied
		if err := e.rawCopy(ctx, j.src, j.dst, tier, func(done uint64) {
			throttle.report(base + done)
		}); err != nil {
			return err
		}
		copied += j.dst.SizeSectors
		throttle.report(copied)
	}
	e.emitCleanup(cleanupStageRestore, 1, "restore complete")
	return nil
}
