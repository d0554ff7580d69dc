package hostsvc

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nyxgpt/sdmigrate/internal/migerr"
)

// MountManager resolves a partition's host device node by start sector
// and mounts/dismounts it, the external collaborator spec.md §4.F's
// FormatFAT32 and CopyPartitions stages describe as "assign a mount
// point" and "resolve the source mount point". Implemented over Exec via
// lsblk and mount/umount, the same command-shelling pattern as Host.
type MountManager struct {
	Exec Exec
}

// PartitionDevicePath finds the device node of the partition on device
// that starts at startSector, by parsing lsblk's START column (sectors,
// with --bytes applied to NAME/SIZE fields but START is always sectors).
func (m MountManager) PartitionDevicePath(ctx context.Context, device string, startSector uint64) (string, error) {
	out, code, err := m.Exec.Run(ctx, "lsblk", "-n", "-b", "-o", "PATH,START", device)
	if err != nil {
		return "", &migerr.SubprocessFailure{Command: "lsblk", Cause: err}
	}
	if code != 0 {
		return "", &migerr.SubprocessFailure{Command: "lsblk", ExitCode: code, Cause: errors.New(string(out))}
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		start, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		if start == startSector {
			return fields[0], nil
		}
	}
	return "", errors.Errorf("no partition of %s starts at sector %d", device, startSector)
}

// Mount mounts partitionDevice at a freshly created temporary directory
// and returns it.
func (m MountManager) Mount(ctx context.Context, partitionDevice string) (string, error) {
	mountPoint, err := os.MkdirTemp("", "sdmigrate-mnt-")
	if err != nil {
		return "", errors.Wrap(err, "creating mount point directory")
	}
	out, code, err := m.Exec.Run(ctx, "mount", partitionDevice, mountPoint)
	if err != nil {
		return "", &migerr.SubprocessFailure{Command: "mount", Cause: err}
	}
	if code != 0 {
		return "", &migerr.SubprocessFailure{Command: "mount", ExitCode: code, Cause: errors.New(string(out))}
	}
	return mountPoint, nil
}

// Unmount dismounts mountPoint and removes the temporary directory Mount
// created for it.
func (m MountManager) Unmount(ctx context.Context, mountPoint string) error {
	out, code, err := m.Exec.Run(ctx, "umount", mountPoint)
	if err != nil {
		return &migerr.SubprocessFailure{Command: "umount", Cause: err}
	}
	if code != 0 {
		return &migerr.SubprocessFailure{Command: "umount", ExitCode: code, Cause: errors.New(string(out))}
	}
	return os.Remove(mountPoint)
}
