// Package migerr implements the error taxonomy from spec.md §7. Every
// fatal condition the scanner, planner, writer, gateway, and engine raise
// is one of these types, so callers can errors.As into the right kind and
// the CLI can print the matching guidance text.
package migerr

import "fmt"

// InvalidOnDisk signals a missing MBR/GPT signature or overlapping
// partition entries. Never recoverable; the scanner aborts without
// touching the device.
type InvalidOnDisk struct {
	Reason string
}

func (e *InvalidOnDisk) Error() string { return "invalid on-disk layout: " + e.Reason }

// InsufficientTargetSize is a planning error: the fixed-size preserves
// plus the 16 MiB lead and ~9 MiB tail exceed the requested total size.
type InsufficientTargetSize struct {
	RequiredBytes uint64
	TotalBytes    uint64
}

func (e *InsufficientTargetSize) Error() string {
	return fmt.Sprintf("insufficient target size: need at least %d bytes, have %d", e.RequiredBytes, e.TotalBytes)
}

// TargetNotLarger is a planning error raised in Migration mode when the
// target is not strictly larger than the source.
type TargetNotLarger struct {
	SourceBytes uint64
	TargetBytes uint64
}

func (e *TargetNotLarger) Error() string {
	return fmt.Sprintf("target size %d is not larger than source size %d", e.TargetBytes, e.SourceBytes)
}

// DeviceBusy is raised when the host refuses a write despite clean+prepare
// and the bounded retry policy has been exhausted.
type DeviceBusy struct {
	Device string
	Cause  error
}

func (e *DeviceBusy) Error() string {
	return fmt.Sprintf("device %s is busy: %v (close any open handles, check the write-protect switch, or re-run elevated)", e.Device, e.Cause)
}

func (e *DeviceBusy) Unwrap() error { return e.Cause }

// IoFailure is a fatal, unretryable I/O error: a short read, a short
// write, or a post-flush checksum mismatch. The engine reports the stage
// and offset the failure occurred at.
type IoFailure struct {
	Stage  string
	Offset uint64
	Cause  error
}

func (e *IoFailure) Error() string {
	return fmt.Sprintf("I/O failure in stage %s at sector %d: %v", e.Stage, e.Offset, e.Cause)
}

func (e *IoFailure) Unwrap() error { return e.Cause }

// SubprocessFailure wraps a nonzero exit or timeout from the FAT32
// formatter or the file-tree copier.
type SubprocessFailure struct {
	Command  string
	ExitCode int
	Cause    error
}

func (e *SubprocessFailure) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("subprocess %q failed: %v", e.Command, e.Cause)
	}
	return fmt.Sprintf("subprocess %q exited with code %d", e.Command, e.ExitCode)
}

func (e *SubprocessFailure) Unwrap() error { return e.Cause }

// Cancelled is raised when a user cancellation is observed at a stage
// boundary or chunk boundary. Not an error in the usual sense: the
// engine surfaces it verbatim so the caller can distinguish it from a
// real failure.
type Cancelled struct {
	Stage string
}

func (e *Cancelled) Error() string {
	return fmt.Sprintf("cancelled during stage %s", e.Stage)
}
