package scanner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxgpt/sdmigrate/internal/diskmodel"
	"github.com/nyxgpt/sdmigrate/internal/gptio"
	"github.com/nyxgpt/sdmigrate/internal/scanner"
	"github.com/nyxgpt/sdmigrate/internal/sector"
)

// fakeDevice is an in-memory SectorReader built from a sparse sector map,
// standing in for a real block device in these tests.
type fakeDevice struct {
	sectors map[uint64][]byte
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{sectors: make(map[uint64][]byte)}
}

func (f *fakeDevice) putSector(n uint64, data []byte) {
	buf := make([]byte, sector.Size)
	copy(buf, data)
	f.sectors[n] = buf
}

func (f *fakeDevice) Read(ctx context.Context, start, count uint64) ([]byte, error) {
	out := make([]byte, count*sector.Size)
	for i := uint64(0); i < count; i++ {
		if s, ok := f.sectors[start+i]; ok {
			copy(out[i*sector.Size:], s)
		}
	}
	return out, nil
}

func writeMBREntry(dev *fakeDevice, slot int, e gptio.MBREntry) {
	raw, err := e.Marshal()
	if err != nil {
		panic(err)
	}
	sec0, ok := dev.sectors[0]
	if !ok {
		sec0 = make([]byte, sector.Size)
	}
	copy(sec0[0x1BE+slot*16:], raw)
	sec0[510] = 0x55
	sec0[511] = 0xAA
	dev.sectors[0] = sec0
}

func TestScanMBROnly(t *testing.T) {
	dev := newFakeDevice()
	writeMBREntry(dev, 0, gptio.MBREntry{Status: 0x80, Type: 0x0C, StartLBA: sector.FAT32Start, SizeSectors: 2048})

	layout, err := scanner.Scan(context.Background(), dev, 1<<20)
	require.NoError(t, err)
	require.Len(t, layout.Partitions, 1)
	require.Equal(t, diskmodel.FAT32, layout.Partitions[0].Category)
	require.False(t, layout.HasGPT)
}

func TestScanMBRAndGPTDeduplicates(t *testing.T) {
	dev := newFakeDevice()
	const start, size = sector.FAT32Start, 2048

	writeMBREntry(dev, 0, gptio.MBREntry{Status: 0x80, Type: 0x0C, StartLBA: start, SizeSectors: size})

	hdr := gptio.GPTHeader{
		HeaderSize: 92, MyLBA: 1, AlternateLBA: 999999, FirstUsableLBA: 34, LastUsableLBA: 999965,
		DiskGUID: gptio.NewDiskGUID(), PartitionEntryLBA: 2, NumPartitionEntries: 128, SizeOfPartitionEntry: 128,
	}
	hdrRaw, err := hdr.Marshal()
	require.NoError(t, err)
	dev.sectors[1] = hdrRaw

	entry := gptio.GPTEntry{
		TypeGUID: gptio.TypeFAT32, UniqueGUID: gptio.NewRandomGUID(),
		FirstLBA: start, LastLBA: start + size - 1, NameUTF16: gptio.EncodeName("hos_data"),
	}
	entryRaw, err := entry.Marshal()
	require.NoError(t, err)
	entriesSector := make([]byte, sector.Size)
	copy(entriesSector, entryRaw)
	dev.sectors[2] = entriesSector

	layout, err := scanner.Scan(context.Background(), dev, 1<<20)
	require.NoError(t, err)
	require.False(t, layout.HasGPT, "has_gpt follows Android presence, and this disk has no Android partition")
	require.Len(t, layout.Partitions, 1, "MBR and GPT records for the same partition must dedupe to one")
	require.Equal(t, "hos_data", layout.Partitions[0].Name, "dedup must prefer the GPT record's name")
	require.True(t, layout.Partitions[0].InMBR)
	require.True(t, layout.Partitions[0].InGPT)
}

func TestScanMissingSignatureIsInvalid(t *testing.T) {
	dev := newFakeDevice()
	dev.sectors[0] = make([]byte, sector.Size)

	_, err := scanner.Scan(context.Background(), dev, 1<<20)
	require.Error(t, err)
}

func TestScanDisambiguatesLinuxFromAndroidByName(t *testing.T) {
	dev := newFakeDevice()
	dev.sectors[0] = func() []byte {
		b := make([]byte, sector.Size)
		b[510], b[511] = 0x55, 0xAA
		return b
	}()
	hdr := gptio.GPTHeader{
		HeaderSize: 92, MyLBA: 1, AlternateLBA: 999999, FirstUsableLBA: 34, LastUsableLBA: 999965,
		DiskGUID: gptio.NewDiskGUID(), PartitionEntryLBA: 2, NumPartitionEntries: 128, SizeOfPartitionEntry: 128,
	}
	hdrRaw, err := hdr.Marshal()
	require.NoError(t, err)
	dev.sectors[1] = hdrRaw

	linux := gptio.GPTEntry{
		TypeGUID: gptio.TypeLinuxFilesystem, UniqueGUID: gptio.NewRandomGUID(),
		FirstLBA: 100000, LastLBA: 199999, NameUTF16: gptio.EncodeName("l4t"),
	}
	android := gptio.GPTEntry{
		TypeGUID: gptio.TypeLinuxFilesystem, UniqueGUID: gptio.NewRandomGUID(),
		FirstLBA: 200000, LastLBA: 299999, NameUTF16: gptio.EncodeName("super"),
	}
	linuxRaw, err := linux.Marshal()
	require.NoError(t, err)
	androidRaw, err := android.Marshal()
	require.NoError(t, err)
	entriesSector := make([]byte, sector.Size)
	copy(entriesSector, linuxRaw)
	copy(entriesSector[128:], androidRaw)
	dev.sectors[2] = entriesSector

	layout, err := scanner.Scan(context.Background(), dev, 1<<20)
	require.NoError(t, err)
	require.True(t, layout.HasLinux())
	require.True(t, layout.HasAndroid())
	require.True(t, layout.AndroidDynamic())
}
