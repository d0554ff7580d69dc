package migration

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxgpt/sdmigrate/internal/diskmodel"
	"github.com/nyxgpt/sdmigrate/internal/gptio"
	"github.com/nyxgpt/sdmigrate/internal/sector"
)

// fakeDevice guards sectors with mu: the pipelined copy tests read and
// write it from two goroutines at once.
type fakeDevice struct {
	mu      sync.Mutex
	sectors map[uint64][]byte
}

func newFakeDevice() *fakeDevice { return &fakeDevice{sectors: make(map[uint64][]byte)} }

func (f *fakeDevice) Read(ctx context.Context, start, count uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, count*sector.Size)
	for i := uint64(0); i < count; i++ {
		if s, ok := f.sectors[start+i]; ok {
			copy(out[i*sector.Size:], s)
		}
	}
	return out, nil
}

func (f *fakeDevice) Write(ctx context.Context, start uint64, data []byte, skipPrepare bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i*sector.Size < len(data); i++ {
		buf := make([]byte, sector.Size)
		copy(buf, data[i*sector.Size:(i+1)*sector.Size])
		f.sectors[start+uint64(i)] = buf
	}
	return nil
}

func (f *fakeDevice) Clean(ctx context.Context) error               { return nil }
func (f *fakeDevice) Prepare(ctx context.Context) error              { return nil }
func (f *fakeDevice) RereadPartitionTable(ctx context.Context) error { return nil }

func TestPickRAMTierSelectsByFreeMemory(t *testing.T) {
	cases := []struct {
		free            uint64
		wantChunkMiB    uint64
		wantBuffers     int
	}{
		{8 << 30, 128, 3},
		{5 << 30, 64, 2},
		{1 << 30, 32, 1},
	}
	for _, c := range cases {
		tier := pickRAMTier(c.free)
		require.Equal(t, sector.FromBytes(c.wantChunkMiB<<20), tier.ChunkSectors)
		require.Equal(t, c.wantBuffers, tier.Buffers)
	}
}

func TestRawCopySequentialIsByteExact(t *testing.T) {
	src := newFakeDevice()
	dst := newFakeDevice()
	const totalSectors = 10
	for i := uint64(0); i < totalSectors; i++ {
		buf := make([]byte, sector.Size)
		buf[0] = byte(i + 1)
		src.sectors[100+i] = buf
	}

	e := &Engine{Source: src, Target: dst}
	srcPart := diskmodel.Partition{Name: "l4t", StartSector: 100, SizeSectors: totalSectors}
	dstPart := diskmodel.Partition{Name: "l4t", StartSector: 5000, SizeSectors: totalSectors}

	var lastProgress uint64
	err := e.rawCopy(context.Background(), srcPart, dstPart, ramTier{ChunkSectors: 3, Buffers: 1}, func(done uint64) {
		lastProgress = done
	})
	require.NoError(t, err)
	require.Equal(t, uint64(totalSectors), lastProgress)

	for i := uint64(0); i < totalSectors; i++ {
		require.Equal(t, src.sectors[100+i], dst.sectors[5000+i])
	}
}

func TestRawCopyPipelinedIsByteExact(t *testing.T) {
	src := newFakeDevice()
	dst := newFakeDevice()
	const totalSectors = 20
	for i := uint64(0); i < totalSectors; i++ {
		buf := make([]byte, sector.Size)
		buf[0] = byte(i + 1)
		buf[1] = byte(i + 2)
		src.sectors[0+i] = buf
	}

	e := &Engine{Source: src, Target: dst}
	srcPart := diskmodel.Partition{Name: "super", StartSector: 0, SizeSectors: totalSectors}
	dstPart := diskmodel.Partition{Name: "super", StartSector: 9000, SizeSectors: totalSectors}

	err := e.rawCopy(context.Background(), srcPart, dstPart, ramTier{ChunkSectors: 4, Buffers: 3}, func(uint64) {})
	require.NoError(t, err)

	for i := uint64(0); i < totalSectors; i++ {
		require.Equal(t, src.sectors[i], dst.sectors[9000+i])
	}
}

// TestRawCopyOverlappingForwardShiftIsByteExact covers the Cleanup-mode
// case where src and dst are sector ranges on the same device and dst
// starts after src by less than the partition's own size — the
// overlapping-copy scenario rawCopy's backward path exists for.
func TestRawCopyOverlappingForwardShiftIsByteExact(t *testing.T) {
	dev := newFakeDevice()
	const totalSectors = 10
	for i := uint64(0); i < totalSectors; i++ {
		buf := make([]byte, sector.Size)
		buf[0] = byte(i + 1)
		dev.sectors[100+i] = buf
	}
	want := make(map[uint64][]byte, totalSectors)
	for i := uint64(0); i < totalSectors; i++ {
		buf := make([]byte, sector.Size)
		copy(buf, dev.sectors[100+i])
		want[104+i] = buf
	}

	e := &Engine{Source: dev, Target: dev}
	srcPart := diskmodel.Partition{Name: "l4t", StartSector: 100, SizeSectors: totalSectors}
	dstPart := diskmodel.Partition{Name: "l4t", StartSector: 104, SizeSectors: totalSectors}

	err := e.rawCopy(context.Background(), srcPart, dstPart, ramTier{ChunkSectors: 3, Buffers: 1}, func(uint64) {})
	require.NoError(t, err)

	for i := uint64(0); i < totalSectors; i++ {
		require.Equal(t, want[104+i], dev.sectors[104+i], "sector %d corrupted by overlapping copy", 104+i)
	}
}

// TestRawCopyOverlappingForwardShiftPipelinedIsByteExact is the same
// scenario through the multi-buffer pipeline, where the reader can run
// ahead of the writer by up to tier.Buffers chunks.
func TestRawCopyOverlappingForwardShiftPipelinedIsByteExact(t *testing.T) {
	dev := newFakeDevice()
	const totalSectors = 20
	for i := uint64(0); i < totalSectors; i++ {
		buf := make([]byte, sector.Size)
		buf[0] = byte(i + 1)
		dev.sectors[100+i] = buf
	}
	want := make(map[uint64][]byte, totalSectors)
	for i := uint64(0); i < totalSectors; i++ {
		buf := make([]byte, sector.Size)
		copy(buf, dev.sectors[100+i])
		want[103+i] = buf
	}

	e := &Engine{Source: dev, Target: dev}
	srcPart := diskmodel.Partition{Name: "super", StartSector: 100, SizeSectors: totalSectors}
	dstPart := diskmodel.Partition{Name: "super", StartSector: 103, SizeSectors: totalSectors}

	err := e.rawCopy(context.Background(), srcPart, dstPart, ramTier{ChunkSectors: 4, Buffers: 3}, func(uint64) {})
	require.NoError(t, err)

	for i := uint64(0); i < totalSectors; i++ {
		require.Equal(t, want[103+i], dev.sectors[103+i], "sector %d corrupted by overlapping copy", 103+i)
	}
}

func TestRawCopyHonorsCancellation(t *testing.T) {
	src := newFakeDevice()
	dst := newFakeDevice()
	for i := uint64(0); i < 100; i++ {
		src.sectors[i] = make([]byte, sector.Size)
	}
	e := &Engine{Source: src, Target: dst}
	srcPart := diskmodel.Partition{StartSector: 0, SizeSectors: 100}
	dstPart := diskmodel.Partition{StartSector: 1000, SizeSectors: 100}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.rawCopy(ctx, srcPart, dstPart, ramTier{ChunkSectors: 10, Buffers: 1}, func(uint64) {})
	require.Error(t, err)
}

func TestFixupBPBRewritesTotalSectorsAtBothCopies(t *testing.T) {
	dst := newFakeDevice()
	bpb := gptio.FAT32BPB{BytesPerSector: 512, SectorsPerCluster: 128, TotalSectors32: 1000}
	raw, err := bpb.Marshal()
	require.NoError(t, err)
	dst.sectors[2000] = raw
	dst.sectors[2006] = raw

	e := &Engine{Target: dst}
	part := diskmodel.Partition{StartSector: 2000, SizeSectors: 2048}
	require.NoError(t, e.fixupBPB(context.Background(), part))

	got, err := gptio.UnmarshalFAT32BPB(dst.sectors[2000])
	require.NoError(t, err)
	require.Equal(t, uint32(2048), got.TotalSectors32)

	gotBackup, err := gptio.UnmarshalFAT32BPB(dst.sectors[2006])
	require.NoError(t, err)
	require.Equal(t, uint32(2048), gotBackup.TotalSectors32)
}

func TestFixupBPBIsIdempotent(t *testing.T) {
	dst := newFakeDevice()
	bpb := gptio.FAT32BPB{BytesPerSector: 512, SectorsPerCluster: 128, TotalSectors32: 2048}
	raw, err := bpb.Marshal()
	require.NoError(t, err)
	dst.sectors[2000] = raw
	dst.sectors[2006] = raw

	e := &Engine{Target: dst}
	part := diskmodel.Partition{StartSector: 2000, SizeSectors: 2048}
	require.NoError(t, e.fixupBPB(context.Background(), part))
	require.Equal(t, raw, dst.sectors[2000])
	require.Equal(t, raw, dst.sectors[2006])
}
