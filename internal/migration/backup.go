// Cleanup-mode FAT32 backup/restore (supplemented feature, resolving
// Open Question 2 from spec.md §9: "should the Cleanup-mode FAT32
// backup use a plain temp-directory copy or a compressed stream when
// space is tight?"). Grounded on original_source/core/cleanup_engine.py's
// _backup_fat32_data/_restore_fat32_data, which always does a plain
// temp-directory copy; this tool adds a free-space preflight and falls
// back to an xz-compressed tar stream when the host temp filesystem
// can't hold an uncompressed copy.
package migration

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"

	"github.com/nyxgpt/sdmigrate/internal/migerr"
)

const fat32BackupArchiveName = "fat32-backup.tar.xz"

// checkBackupSpace reports whether destDir's filesystem has at least
// neededBytes free, per spec.md §9's Open Question 2 clarification.
func checkBackupSpace(destDir string, neededBytes uint64) (bool, error) {
	free, err := diskFreeBytes(destDir)
	if err != nil {
		return false, errors.Wrap(err, "querying free space on backup destination")
	}
	return free >= neededBytes, nil
}

// backupFAT32 backs up srcMount to destDir, choosing a plain recursive
// copy when there is enough free space for one and an xz-compressed tar
// stream otherwise.
func (e *Engine) backupFAT32(ctx context.Context, srcMount, destDir string, partitionBytes uint64) error {
	ok, err := checkBackupSpace(destDir, partitionBytes)
	if err != nil {
		return err
	}
	if ok {
		return e.TreeCopier.Copy(ctx, srcMount, destDir)
	}
	return compressTree(ctx, srcMount, filepath.Join(destDir, fat32BackupArchiveName))
}

// restoreFAT32 restores a backup made by backupFAT32 onto dstMount.
func (e *Engine) restoreFAT32(ctx context.Context, backupDir, dstMount string) error {
	archivePath := filepath.Join(backupDir, fat32BackupArchiveName)
	if _, err := os.Stat(archivePath); err == nil {
		return extractTree(ctx, archivePath, dstMount)
	}
	return e.TreeCopier.Copy(ctx, backupDir, dstMount)
}

// compressTree tars and xz-compresses every file under src into a single
// archive at archivePath, used when the backup destination cannot hold
// an uncompressed copy (spec.md §9 Open Question 2).
func compressTree(ctx context.Context, src, archivePath string) error {
	f, err := os.Create(archivePath)
	if err != nil {
		return errors.Wrap(err, "creating backup archive")
	}
	defer f.Close()

	xw, err := xz.NewWriter(f)
	if err != nil {
		return errors.Wrap(err, "initializing xz writer")
	}
	defer xw.Close()

	tw := tar.NewWriter(xw)
	defer tw.Close()

	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
}

// extractTree reverses compressTree, extracting archivePath's contents
// into dst.
func extractTree(ctx context.Context, archivePath, dst string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrap(err, "opening backup archive")
	}
	defer f.Close()

	xr, err := xz.NewReader(f)
	if err != nil {
		return errors.Wrap(err, "initializing xz reader")
	}
	tr := tar.NewReader(xr)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading backup archive entry")
		}
		target := filepath.Join(dst, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return &migerr.IoFailure{Stage: "restore FAT32 backup", Cause: err}
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}
