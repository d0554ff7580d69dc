package emummc_test

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxgpt/sdmigrate/internal/emummc"
	"github.com/nyxgpt/sdmigrate/internal/sector"
)

type fakeDevice struct {
	sectors map[uint64][]byte
}

func newFakeDevice() *fakeDevice { return &fakeDevice{sectors: make(map[uint64][]byte)} }

func (f *fakeDevice) Read(ctx context.Context, start, count uint64) ([]byte, error) {
	out := make([]byte, count*sector.Size)
	for i := uint64(0); i < count; i++ {
		if s, ok := f.sectors[start+i]; ok {
			copy(out[i*sector.Size:], s)
		}
	}
	return out, nil
}

func (f *fakeDevice) Write(ctx context.Context, start uint64, data []byte, skipPrepare bool) error {
	for i := 0; i*sector.Size < len(data); i++ {
		buf := make([]byte, sector.Size)
		copy(buf, data[i*sector.Size:(i+1)*sector.Size])
		f.sectors[start+uint64(i)] = buf
	}
	return nil
}

func putEFIPartAt(dev *fakeDevice, sec uint64) {
	buf := make([]byte, sector.Size)
	copy(buf, "EFI PART")
	dev.sectors[sec] = buf
}

func TestDetectFindsFullLayoutOffset(t *testing.T) {
	dev := newFakeDevice()
	const partStart = 1000000
	putEFIPartAt(dev, partStart+emummc.OffsetFullLayout)

	offset, found, err := emummc.Detect(context.Background(), dev, partStart)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(emummc.OffsetFullLayout), offset)
}

func TestDetectFindsResizedLayoutOffset(t *testing.T) {
	dev := newFakeDevice()
	const partStart = 2000000
	putEFIPartAt(dev, partStart+emummc.OffsetResizedLayout)

	offset, found, err := emummc.Detect(context.Background(), dev, partStart)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(emummc.OffsetResizedLayout), offset)
}

func TestDetectFallsBackToInnerMBR(t *testing.T) {
	dev := newFakeDevice()
	const partStart = 3000000
	buf := make([]byte, sector.Size)
	buf[510], buf[511] = 0x55, 0xAA
	dev.sectors[partStart+0xC000] = buf

	offset, found, err := emummc.Detect(context.Background(), dev, partStart)
	require.NoError(t, err)
	require.False(t, found, "inner-MBR-only detection does not count as a found inner GPT")
	require.Equal(t, uint64(0xC001), offset)
}

func TestDetectFindsNothing(t *testing.T) {
	dev := newFakeDevice()
	_, found, err := emummc.Detect(context.Background(), dev, 4000000)
	require.NoError(t, err)
	require.False(t, found)
}

func TestRawBasedBytesEncodesBoot0Offset(t *testing.T) {
	const dstStart = 5000000
	b := emummc.RawBasedBytes(dstStart)
	require.Len(t, b, 4)
	require.Equal(t, uint32(dstStart+emummc.BOOT0Offset), binary.LittleEndian.Uint32(b))
}

func TestEmummcINIContainsExpectedFields(t *testing.T) {
	ini := emummc.EmummcINI(5000000)
	require.Contains(t, ini, "enabled=1")
	require.Contains(t, ini, "path=emuMMC/RAW1")
	require.Contains(t, ini, "id=0x31574152")
}

func TestWriteInnerGPTSynthesizesWhenSourceHadNone(t *testing.T) {
	dev := newFakeDevice()
	const dstStart = 6000000
	err := emummc.WriteInnerGPT(context.Background(), dev, dstStart, emummc.OffsetFullLayout, nil, nil, false)
	require.NoError(t, err)

	has, err := emummc.TargetHasInnerGPT(context.Background(), dev, dstStart, emummc.OffsetFullLayout)
	require.NoError(t, err)
	require.True(t, has)
}
