// Package gateway implements the Block Device Gateway (spec.md §4.A,
// Component A): raw sector read/write with retry, device prepare/clean,
// and size queries. It is the only place sdmigrate touches a raw device
// file; every other package talks to it through its own narrow device
// interface (scanner.SectorReader, writer.SectorWriter,
// migration.TargetDevice, ...) so the scanner/writer/engine can be tested
// against an in-memory fake.
//
// Grounded on gokrazy-tools' internal/packer/parttable.go (the open/sudo/
// write-protect dance) and cmd/gokr-packer/parttable_linux.go (the
// BLKGETSIZE64/BLKRRPART ioctls), generalized from "format one fixed SD
// card image" to "read and write an arbitrary sector range of an
// already-attached device".
package gateway

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nyxgpt/sdmigrate/internal/migerr"
	"github.com/nyxgpt/sdmigrate/internal/sector"
)

// HostService is the narrow interface to the out-of-scope host OS
// facility that owns volume mounting, dismounting, locking, and
// partition-table rereads (spec.md §1 "Out of scope" / §6). A production
// build wires this to the platform's actual volume manager; tests wire
// it to a fake.
type HostService interface {
	// Clean requests that the host drop all partitions and release all
	// locks on device. Must be durable across subsequent opens.
	Clean(ctx context.Context, device string) error

	// TakeOffline and TakeOnline bracket a reconfiguration of device, the
	// way the host "offline the disk, online the disk" dance works on
	// removable media.
	TakeOffline(ctx context.Context, device string) error
	TakeOnline(ctx context.Context, device string) error

	// LockAndDismountVolumes locks and dismounts every mounted volume on
	// device.
	LockAndDismountVolumes(ctx context.Context, device string) error

	// WriteProtected reports whether device's physical write-protect
	// switch (if any) is engaged.
	WriteProtected(ctx context.Context, device string) (bool, error)

	// RereadPartitionTable asks the host to re-read device's partition
	// table.
	RereadPartitionTable(ctx context.Context, device string) error
}

// Gateway is a Block Device Gateway bound to one open device file.
type Gateway struct {
	device string
	f      *os.File
	host   HostService
	log    *logrus.Entry
}

// openMode describes one rung of the open-mode ladder (spec.md §4.A).
type openMode struct {
	name     string
	flag     int
	buffered bool
}

// Open attempts the open-mode ladder in order: (1) exclusive,
// write-through, unbuffered; (2) shared-read, write-through, unbuffered;
// (3) exclusive, write-through, buffered. Uses the first mode that
// succeeds.
func Open(device string, host HostService) (*Gateway, error) {
	log := logrus.WithField("device", device)
	ladder := openModeLadder()
	var lastErr error
	for _, mode := range ladder {
		f, err := openWithMode(device, mode)
		if err == nil {
			log.WithField("open_mode", mode.name).Debug("device opened")
			return &Gateway{device: device, f: f, host: host, log: log}, nil
		}
		lastErr = err
		log.WithField("open_mode", mode.name).WithError(err).Debug("open mode failed, trying next rung")
	}
	return nil, errors.Wrapf(lastErr, "opening device %s: exhausted open-mode ladder", device)
}

// Close flushes and closes the underlying device file.
func (g *Gateway) Close() error {
	if err := g.f.Sync(); err != nil {
		g.log.WithError(err).Warn("flush before close failed")
	}
	return g.f.Close()
}

// Size returns the device's size in bytes.
func (g *Gateway) Size() (uint64, error) {
	return deviceSize(g.f)
}

// Read reads exactly count sectors starting at startSector, or fails.
func (g *Gateway) Read(ctx context.Context, startSector, count uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, count*sector.Size)
	n, err := g.f.ReadAt(buf, int64(startSector*sector.Size))
	if err != nil && err != io.EOF {
		return nil, &migerr.IoFailure{Stage: "read", Offset: startSector, Cause: err}
	}
	if uint64(n) != count*sector.Size {
		return nil, &migerr.IoFailure{Stage: "read", Offset: startSector, Cause: errors.Errorf("short read: got %d bytes, want %d", n, count*sector.Size)}
	}
	return buf, nil
}

// Write writes data (a multiple of 512 bytes) at startSector, applying
// the write-retry policy from spec.md §4.A: on a sharing/locking failure,
// retry up to 3 times with 1s spacing, re-running Prepare on the first
// retry. On access-denied, fail with DeviceBusy guidance. Any other I/O
// error fails immediately. If skipPrepare is true (already done once up
// front for this operation, per §4.F.2's writer), Prepare is never
// invoked even on retry.
func (g *Gateway) Write(ctx context.Context, startSector uint64, data []byte, skipPrepare bool) error {
	if len(data)%sector.Size != 0 {
		return errors.Errorf("write: data length %d is not a multiple of %d", len(data), sector.Size)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	attempt := 0
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 3)
	operation := func() error {
		attempt++
		n, err := g.f.WriteAt(data, int64(startSector*sector.Size))
		if err != nil {
			if isAccessDenied(err) {
				return backoff.Permanent(&migerr.DeviceBusy{Device: g.device, Cause: err})
			}
			if !isSharingViolation(err) {
				return backoff.Permanent(&migerr.IoFailure{Stage: "write", Offset: startSector, Cause: err})
			}
			g.log.WithField("attempt", attempt).WithError(err).Warn("write hit sharing/locking error, retrying")
			if attempt == 1 && !skipPrepare && g.host != nil {
				if perr := g.prepareLocked(ctx); perr != nil {
					g.log.WithError(perr).Warn("prepare before retry failed")
				}
			}
			return err
		}
		if n != len(data) {
			return backoff.Permanent(&migerr.IoFailure{Stage: "write", Offset: startSector, Cause: errors.Errorf("short write: wrote %d of %d bytes", n, len(data))})
		}
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		if _, ok := err.(*migerr.DeviceBusy); ok {
			return err
		}
		if _, ok := err.(*migerr.IoFailure); ok {
			return err
		}
		return &migerr.DeviceBusy{Device: g.device, Cause: err}
	}
	return nil
}

// Prepare runs the best-effort sequence spec.md §4.A describes: take the
// disk offline/online, lock and dismount every mounted volume, and
// refuse if the write-protect switch is set.
func (g *Gateway) Prepare(ctx context.Context) error {
	return g.prepareLocked(ctx)
}

func (g *Gateway) prepareLocked(ctx context.Context) error {
	if g.host == nil {
		return nil
	}
	if err := g.host.TakeOffline(ctx, g.device); err != nil {
		g.log.WithError(err).Debug("take offline failed (continuing)")
	}
	if err := g.host.TakeOnline(ctx, g.device); err != nil {
		g.log.WithError(err).Debug("take online failed (continuing)")
	}
	if err := g.host.LockAndDismountVolumes(ctx, g.device); err != nil {
		g.log.WithError(err).Debug("lock/dismount failed (continuing)")
	}
	protected, err := g.host.WriteProtected(ctx, g.device)
	if err != nil {
		return errors.Wrap(err, "querying write-protect status")
	}
	if protected {
		return errors.Errorf("device %s is write-protected", g.device)
	}
	return nil
}

// Clean requests that the host drop all partitions and release all
// locks on device (spec.md §4.A). Durable across subsequent opens.
func (g *Gateway) Clean(ctx context.Context) error {
	if g.host == nil {
		return nil
	}
	return g.host.Clean(ctx, g.device)
}

// RereadPartitionTable asks the host to re-read this device's partition
// table, used after every table-write or format step (spec.md §9
// "Re-entrancy").
func (g *Gateway) RereadPartitionTable(ctx context.Context) error {
	if g.host == nil {
		return nil
	}
	return g.host.RereadPartitionTable(ctx, g.device)
}
