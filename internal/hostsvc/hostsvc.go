// Package hostsvc implements the external-collaborator contracts
// spec.md §6 scopes out of this tool's responsibility: the host's volume
// mount/dismount/drive-letter facility (via gateway.HostService), the
// FAT32 external formatter subprocess, the file-tree copier subprocess,
// and the partition-table-refresh call. Every subprocess invocation goes
// through os/exec. The formatter and the tree copier run under bounded
// timeouts (5 minutes and 1 hour); the partition-table refresh and the
// other host utilities run with no timeout beyond the caller's context.
//
// Grounded on gokrazy-tools' internal/packer/parttable.go, which already
// shells out to a privileged helper for the one operation this tool's
// own process cannot do directly, and on cmd/gokr-packer's use of
// os/exec to drive the external mtools-style FAT formatter it depends on
// when building a FAT32 image.
package hostsvc

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/nyxgpt/sdmigrate/internal/migerr"
)

const (
	formatterTimeout = 5 * time.Minute
	treeCopyTimeout  = time.Hour
)

// Exec is the narrow os/exec surface hostsvc depends on, so tests can
// substitute a fake command runner instead of actually forking a
// process.
type Exec interface {
	// Run runs name with args under ctx, returning combined stdout+stderr
	// and the process's exit code (or -1 if it could not be started/was
	// killed by the timeout).
	Run(ctx context.Context, name string, args ...string) (output []byte, exitCode int, err error)
}

// OSExec is the production Exec backed by os/exec.
type OSExec struct{}

func (OSExec) Run(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil {
		return out.Bytes(), 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out.Bytes(), exitErr.ExitCode(), nil
	}
	return out.Bytes(), -1, err
}

// Formatter invokes the FAT32 formatter subprocess (spec.md §6 "FAT32
// formatter"): a mounted drive identifier and a cluster-size parameter
// in sectors; answers Y to any confirmation prompt; 0 exit is success.
type Formatter struct {
	Exec    Exec
	Command string // e.g. "mkfs.fat", overridable for alternate formatters
}

// Format formats devicePath as FAT32 with the given cluster size in
// sectors (spec.md §4.F's "64 KiB cluster size (128 sectors/cluster)").
// devicePath is the partition's device node, not a mount point: mkfs.fat
// operates on the unmounted block device.
func (f Formatter) Format(ctx context.Context, devicePath string, clusterSectors int) error {
	ctx, cancel := context.WithTimeout(ctx, formatterTimeout)
	defer cancel()

	command := f.Command
	if command == "" {
		command = "mkfs.fat"
	}
	out, code, err := f.Exec.Run(ctx, command, "-F", "32", "-s", strconv.Itoa(clusterSectors), "-v", devicePath)
	if err != nil {
		return &migerr.SubprocessFailure{Command: command, Cause: err}
	}
	if code != 0 {
		return &migerr.SubprocessFailure{Command: command, ExitCode: code, Cause: errors.New(string(out))}
	}
	return nil
}

// TreeCopier invokes the recursive file-tree copier subprocess (spec.md
// §6 "File-tree copier"): preserves timestamps and data; exit code < 8
// is success (the robocopy exit-code convention, applied here to rsync).
type TreeCopier struct {
	Exec    Exec
	Command string // e.g. "rsync", overridable
}

// Copy recursively copies every file under src to dst.
func (c TreeCopier) Copy(ctx context.Context, src, dst string) error {
	ctx, cancel := context.WithTimeout(ctx, treeCopyTimeout)
	defer cancel()

	command := c.Command
	if command == "" {
		command = "rsync"
	}
	out, code, err := c.Exec.Run(ctx, command, "-a", "--info=progress2", src+"/", dst+"/")
	if err != nil {
		return &migerr.SubprocessFailure{Command: command, Cause: err}
	}
	if code >= 8 {
		return &migerr.SubprocessFailure{Command: command, ExitCode: code, Cause: errors.New(string(out))}
	}
	return nil
}

// TableRefresher invokes the partition-table-refresh subprocess contract
// (spec.md §6 "Partition-table refresh"): given a device identifier,
// requests a host re-read and optionally assigns a mount point to a
// given partition number. Idempotent.
type TableRefresher struct {
	Exec    Exec
	Command string // e.g. "partprobe", overridable
}

// Refresh re-reads device's partition table.
func (r TableRefresher) Refresh(ctx context.Context, device string) error {
	command := r.Command
	if command == "" {
		command = "partprobe"
	}
	out, code, err := r.Exec.Run(ctx, command, device)
	if err != nil {
		return &migerr.SubprocessFailure{Command: command, Cause: err}
	}
	if code != 0 {
		return &migerr.SubprocessFailure{Command: command, ExitCode: code, Cause: errors.New(string(out))}
	}
	return nil
}
