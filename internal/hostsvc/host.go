package hostsvc

import (
	"bufio"
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Host implements gateway.HostService by shelling out to standard Linux
// volume-management utilities. It is the production collaborator the
// teacher's SudoPartition dance anticipates but never needed to
// generalize beyond "format one fixed SD card once": here every
// operation is parameterized by device and can run repeatedly across a
// migration's multiple table-write/format cycles (spec.md §5's
// "re-query mount points after every table/format operation").
type Host struct {
	Exec Exec
}

// Clean asks the kernel to drop all partitions on device and release any
// locks held on them (spec.md §4.A, §4.F "Clean").
func (h Host) Clean(ctx context.Context, device string) error {
	_, _, err := h.Exec.Run(ctx, "blockdev", "--rereadpt", device)
	return errors.Wrap(err, "clean")
}

// TakeOffline and TakeOnline bracket a reconfiguration the way the host
// "offline the disk, online the disk" dance works on removable media;
// on Linux both are no-ops, since the kernel
// does not expose an explicit offline/online toggle for removable
// block devices the way some other platforms' volume managers do.
func (h Host) TakeOffline(ctx context.Context, device string) error { return nil }
func (h Host) TakeOnline(ctx context.Context, device string) error  { return nil }

// LockAndDismountVolumes unmounts every mounted volume on device's
// partitions, found via /proc/mounts.
func (h Host) LockAndDismountVolumes(ctx context.Context, device string) error {
	mounts, err := mountedVolumesOf(device)
	if err != nil {
		return errors.Wrap(err, "enumerating mounted volumes")
	}
	for _, m := range mounts {
		if _, _, err := h.Exec.Run(ctx, "umount", m); err != nil {
			return errors.Wrapf(err, "unmounting %s", m)
		}
	}
	return nil
}

// WriteProtected reports whether device's read-only flag is set, via
// `blockdev --getro`.
func (h Host) WriteProtected(ctx context.Context, device string) (bool, error) {
	out, code, err := h.Exec.Run(ctx, "blockdev", "--getro", device)
	if err != nil || code != 0 {
		return false, errors.Wrap(err, "querying write-protect status")
	}
	return strings.TrimSpace(string(out)) == "1", nil
}

// RereadPartitionTable asks the kernel to re-read device's partition
// table via partprobe, matching spec.md §6's "partition-table refresh"
// subprocess contract.
func (h Host) RereadPartitionTable(ctx context.Context, device string) error {
	return TableRefresher{Exec: h.Exec}.Refresh(ctx, device)
}

// mountedVolumesOf returns every mount point whose backing device is a
// partition of device, by scanning /proc/mounts.
func mountedVolumesOf(device string) ([]string, error) {
	f, err := openProcMounts()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(fields[0], device) {
			out = append(out, fields[1])
		}
	}
	return out, scanner.Err()
}
