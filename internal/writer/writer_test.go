package writer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxgpt/sdmigrate/internal/diskmodel"
	"github.com/nyxgpt/sdmigrate/internal/gptio"
	"github.com/nyxgpt/sdmigrate/internal/sector"
	"github.com/nyxgpt/sdmigrate/internal/writer"
)

type fakeDevice struct {
	sectors map[uint64][]byte
}

func newFakeDevice() *fakeDevice { return &fakeDevice{sectors: make(map[uint64][]byte)} }

func (f *fakeDevice) Write(ctx context.Context, start uint64, data []byte, skipPrepare bool) error {
	for i := 0; i*sector.Size < len(data); i++ {
		buf := make([]byte, sector.Size)
		copy(buf, data[i*sector.Size:(i+1)*sector.Size])
		f.sectors[start+uint64(i)] = buf
	}
	return nil
}

func (f *fakeDevice) read(n uint64) []byte {
	if s, ok := f.sectors[n]; ok {
		return s
	}
	return make([]byte, sector.Size)
}

func pureMBRLayout() diskmodel.DiskLayout {
	return diskmodel.New([]diskmodel.Partition{
		{Name: "hos_data", Category: diskmodel.FAT32, StartSector: sector.FAT32Start, SizeSectors: 100000, InMBR: true},
	}, sector.FAT32Start+100000+sector.GPTTailSectors, false)
}

func hybridLayout() diskmodel.DiskLayout {
	total := uint64(sector.FAT32Start + 100000 + 65536 + sector.GPTTailSectors)
	return diskmodel.New([]diskmodel.Partition{
		{Name: "hos_data", Category: diskmodel.FAT32, StartSector: sector.FAT32Start, SizeSectors: 100000, InMBR: true, InGPT: true},
		{Name: "super", Category: diskmodel.Android, StartSector: sector.FAT32Start + 131072, SizeSectors: 65536, InMBR: false, InGPT: true},
	}, total, true)
}

func TestWriteTablePureMBRSetsBootSignature(t *testing.T) {
	dev := newFakeDevice()
	require.NoError(t, writer.WriteTable(context.Background(), dev, pureMBRLayout()))

	mbr := dev.read(0)
	require.Equal(t, byte(0x55), mbr[510])
	require.Equal(t, byte(0xAA), mbr[511])

	entry, err := gptio.UnmarshalMBREntry(mbr[0x1BE : 0x1BE+16])
	require.NoError(t, err)
	require.Equal(t, byte(0x0C), entry.Type)
	require.Equal(t, uint32(sector.FAT32Start), entry.StartLBA)
}

func TestWriteTableHybridWritesProtectiveEntryAndGPT(t *testing.T) {
	dev := newFakeDevice()
	layout := hybridLayout()
	require.NoError(t, writer.WriteTable(context.Background(), dev, layout))

	mbr := dev.read(0)
	entry, err := gptio.UnmarshalMBREntry(mbr[0x1BE+16 : 0x1BE+32])
	require.NoError(t, err)
	require.Equal(t, byte(0xEE), entry.Type, "second MBR slot must be the GPT-protective entry")

	primaryRaw := dev.read(1)
	primary, err := gptio.UnmarshalGPTHeader(primaryRaw)
	require.NoError(t, err)
	require.True(t, primary.ValidSignature())
	require.True(t, primary.VerifyHeaderCRC(primaryRaw))

	backupRaw := dev.read(layout.TotalSectors - 1)
	backup, err := gptio.UnmarshalGPTHeader(backupRaw)
	require.NoError(t, err)
	require.True(t, backup.ValidSignature())
	require.True(t, backup.VerifyHeaderCRC(backupRaw))
	require.Equal(t, primary.DiskGUID, backup.DiskGUID)
	require.True(t, gptio.TaggedByThisTool(primary.DiskGUID))

	require.Equal(t, uint32(2), primary.NumPartitionEntries, "num_entries must match partitions actually packed, not the 16 KiB buffer capacity")
	require.Equal(t, uint32(2), backup.NumPartitionEntries)
}

func TestWriteTableEntriesCRCMatchesBothCopies(t *testing.T) {
	dev := newFakeDevice()
	layout := hybridLayout()
	require.NoError(t, writer.WriteTable(context.Background(), dev, layout))

	primaryEntries := make([]byte, 0, 32*sector.Size)
	for i := uint64(0); i < 32; i++ {
		primaryEntries = append(primaryEntries, dev.read(2+i)...)
	}
	backupStart := layout.TotalSectors - 1 - 32
	backupEntries := make([]byte, 0, 32*sector.Size)
	for i := uint64(0); i < 32; i++ {
		backupEntries = append(backupEntries, dev.read(backupStart+i)...)
	}
	require.Equal(t, primaryEntries, backupEntries)
	require.Equal(t, gptio.EntriesCRC32(primaryEntries), gptio.EntriesCRC32(backupEntries))
}
