package migration

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/nyxgpt/sdmigrate/internal/diskmodel"
	"github.com/nyxgpt/sdmigrate/internal/migerr"
	"github.com/nyxgpt/sdmigrate/internal/sector"
)

// ramTier is the (chunk size, buffer count) pair spec.md §4.F.2's table
// selects from available RAM at startup.
type ramTier struct {
	ChunkSectors uint64
	Buffers      int
}

// pickRAMTier implements spec.md §4.F.2's table verbatim.
func pickRAMTier(freeBytes uint64) ramTier {
	switch {
	case freeBytes >= 8<<30:
		return ramTier{ChunkSectors: sector.FromBytes(128 << 20), Buffers: 3}
	case freeBytes >= 4<<30:
		return ramTier{ChunkSectors: sector.FromBytes(64 << 20), Buffers: 2}
	default:
		return ramTier{ChunkSectors: sector.FromBytes(32 << 20), Buffers: 1}
	}
}

// rawCopy clones src onto dst sector-for-sector, dispatching to the
// single-threaded path when the tier calls for one buffer (spec.md
// §4.F.2: "< 4 GiB: 32 MiB chunk, 1 buffer (single-threaded)") or the
// producer/consumer pipeline otherwise. onProgress is called with the
// cumulative sectors copied within this partition after every chunk.
//
// Migration always copies between two distinct devices, so chunk order
// never matters there. Cleanup rewrites partitions in place on the same
// physical disk, and the planner can legitimately shift a preserved
// partition to a later start sector (shrunk lead/tail reserves,
// realignment) by less than the partition's own size — an overlapping
// forward copy in that case would write ahead of sectors it hasn't read
// yet. chunkOffsets below is walked high-to-low whenever dst sits after
// src, which keeps every write behind the read it could otherwise
// clobber regardless of src/dst being the same device.
func (e *Engine) rawCopy(ctx context.Context, src, dst diskmodel.Partition, tier ramTier, onProgress func(doneSectors uint64)) error {
	// Same device and same start: the data is already in place.
	if dst.StartSector == src.StartSector && e.Source == SourceDevice(e.Target) {
		onProgress(src.SizeSectors)
		return nil
	}
	backward := dst.StartSector > src.StartSector
	if tier.Buffers < 2 {
		return e.rawCopySequential(ctx, src, dst, tier.ChunkSectors, backward, onProgress)
	}
	return e.rawCopyPipelined(ctx, src, dst, tier, backward, onProgress)
}

// chunkOffsets lists every chunk start offset covering [0, total), in
// ascending order. Callers walk the slice in reverse for a backward
// (high-to-low) copy.
func chunkOffsets(total, chunkSectors uint64) []uint64 {
	offsets := make([]uint64, 0, total/chunkSectors+1)
	for off := uint64(0); off < total; off += chunkSectors {
		offsets = append(offsets, off)
	}
	return offsets
}

func reverseOffsets(offsets []uint64) {
	for i, j := 0, len(offsets)-1; i < j; i, j = i+1, j-1 {
		offsets[i], offsets[j] = offsets[j], offsets[i]
	}
}

func (e *Engine) rawCopySequential(ctx context.Context, src, dst diskmodel.Partition, chunkSectors uint64, backward bool, onProgress func(uint64)) error {
	total := src.SizeSectors
	offsets := chunkOffsets(total, chunkSectors)
	if backward {
		reverseOffsets(offsets)
	}

	var done uint64
	for _, off := range offsets {
		if err := ctx.Err(); err != nil {
			return &migerr.Cancelled{Stage: "CopyPartitions"}
		}
		n := chunkSectors
		if total-off < n {
			n = total - off
		}
		data, err := e.Source.Read(ctx, src.StartSector+off, n)
		if err != nil {
			return errors.Wrapf(err, "reading %s at sector %d", src.Name, off)
		}
		if err := ctx.Err(); err != nil {
			return &migerr.Cancelled{Stage: "CopyPartitions"}
		}
		if err := e.Target.Write(ctx, dst.StartSector+off, data, true); err != nil {
			return errors.Wrapf(err, "writing %s at sector %d", dst.Name, off)
		}
		done += n
		onProgress(done)
	}
	return nil
}

// rawChunk is one unit of work passed from the reader goroutine to the
// writer goroutine through the bounded queue.
type rawChunk struct {
	offset uint64 // sectors from partition start
	data   []byte
}

// rawCopyPipelined implements spec.md §4.F.2's producer/consumer
// pipeline: one reader task, one writer task, connected by a bounded
// queue of size tier.Buffers. The reader walks offsets in a single
// sequential pass — ascending, or descending when backward — and the
// queue's FIFO order means the writer applies them in that same order.
// A descending pass only ever writes into chunks the reader has
// already consumed (see rawCopy's doc comment), so the writer trailing
// behind the reader by up to tier.Buffers chunks is still safe even
// when src and dst overlap on the same device. Closing the queue on
// the reader's return (success or error) signals end-of-stream to the
// writer, matching spec.md §5's "reader signals end-of-stream with a
// sentinel".
func (e *Engine) rawCopyPipelined(ctx context.Context, src, dst diskmodel.Partition, tier ramTier, backward bool, onProgress func(uint64)) error {
	total := src.SizeSectors
	offsets := chunkOffsets(total, tier.ChunkSectors)
	if backward {
		reverseOffsets(offsets)
	}
	queue := make(chan rawChunk, tier.Buffers)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for _, off := range offsets {
			if err := gctx.Err(); err != nil {
				return &migerr.Cancelled{Stage: "CopyPartitions"}
			}
			n := tier.ChunkSectors
			if total-off < n {
				n = total - off
			}
			data, err := e.Source.Read(gctx, src.StartSector+off, n)
			if err != nil {
				return errors.Wrapf(err, "reading %s at sector %d", src.Name, off)
			}
			select {
			case queue <- rawChunk{offset: off, data: data}:
			case <-gctx.Done():
				return &migerr.Cancelled{Stage: "CopyPartitions"}
			}
		}
		return nil
	})

	g.Go(func() error {
		var done uint64
		for c := range queue {
			if err := gctx.Err(); err != nil {
				return &migerr.Cancelled{Stage: "CopyPartitions"}
			}
			if err := e.Target.Write(gctx, dst.StartSector+c.offset, c.data, true); err != nil {
				return errors.Wrapf(err, "writing %s at sector %d", dst.Name, c.offset)
			}
			done += uint64(len(c.data)) / sector.Size
			onProgress(done)
		}
		return nil
	})

	return g.Wait()
}
