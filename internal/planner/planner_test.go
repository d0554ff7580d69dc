package planner_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/nyxgpt/sdmigrate/internal/diskmodel"
	"github.com/nyxgpt/sdmigrate/internal/planner"
	"github.com/nyxgpt/sdmigrate/internal/sector"
)

func fat32OnlySource(fat32Sectors uint64) diskmodel.DiskLayout {
	return diskmodel.New([]diskmodel.Partition{
		{Name: "hos_data", Category: diskmodel.FAT32, StartSector: sector.FAT32Start, SizeSectors: fat32Sectors, InMBR: true},
	}, sector.FAT32Start+fat32Sectors+sector.GPTTailSectors, false)
}

func TestPlanKeepsSourceFAT32SizeWithoutExpand(t *testing.T) {
	src := fat32OnlySource(1 << 20)
	target, err := planner.Plan(src, sector.ToBytes(4<<20), diskmodel.Options{}, planner.Migration)
	require.NoError(t, err)

	fat32, ok := target.FAT32Partition()
	require.True(t, ok)
	require.Equal(t, uint64(1<<20), fat32.SizeSectors)
	require.Equal(t, uint64(sector.FAT32Start), fat32.StartSector)
}

func TestPlanAllStartsAreAligned(t *testing.T) {
	src := diskmodel.New([]diskmodel.Partition{
		{Name: "hos_data", Category: diskmodel.FAT32, StartSector: sector.FAT32Start, SizeSectors: 100000},
		{Name: "l4t", Category: diskmodel.Linux, StartSector: sector.FAT32Start + 131072, SizeSectors: 200000},
	}, 2<<22, false)

	target, err := planner.Plan(src, sector.ToBytes(2<<22), diskmodel.Options{Linux: true}, planner.Cleanup)
	require.NoError(t, err)

	for _, p := range target.Partitions {
		require.Zero(t, p.StartSector%sector.AlignmentSectors, "partition %s not aligned", p.Name)
	}
}

func TestPlanHybridTableRuleRequiresAndroid(t *testing.T) {
	src := diskmodel.New([]diskmodel.Partition{
		{Name: "hos_data", Category: diskmodel.FAT32, StartSector: sector.FAT32Start, SizeSectors: 100000},
		{Name: "super", Category: diskmodel.Android, StartSector: sector.FAT32Start + 131072, SizeSectors: 200000},
	}, 2<<22, true)

	withAndroid, err := planner.Plan(src, sector.ToBytes(2<<22), diskmodel.Options{Android: true}, planner.Cleanup)
	require.NoError(t, err)
	require.True(t, withAndroid.HasGPT)

	withoutAndroid, err := planner.Plan(src, sector.ToBytes(2<<22), diskmodel.Options{Android: false}, planner.Cleanup)
	require.NoError(t, err)
	require.False(t, withoutAndroid.HasGPT)
}

func TestPlanProducesExactLayoutForFAT32AndLinux(t *testing.T) {
	fat32Sectors := uint64(1 << 16)
	linuxSectors := uint64(2 << 16)
	src := diskmodel.New([]diskmodel.Partition{
		{Name: "hos_data", Category: diskmodel.FAT32, MBRTypeID: 0x0C, TypeName: "FAT32 (LBA)", StartSector: sector.FAT32Start, SizeSectors: fat32Sectors, InMBR: true},
		{Name: "l4t", Category: diskmodel.Linux, MBRTypeID: 0x83, TypeName: "Linux", StartSector: sector.AlignUp(sector.FAT32Start + fat32Sectors), SizeSectors: linuxSectors, InMBR: true},
	}, sector.AlignUp(sector.FAT32Start+fat32Sectors)+linuxSectors+sector.GPTTailSectors, false)

	targetTotalBytes := sector.ToBytes(src.TotalSectors)
	got, err := planner.Plan(src, targetTotalBytes, diskmodel.Options{Linux: true}, planner.Cleanup)
	require.NoError(t, err)

	linuxStart := sector.AlignUp(sector.FAT32Start + fat32Sectors)
	want := diskmodel.New([]diskmodel.Partition{
		{Name: "hos_data", Category: diskmodel.FAT32, MBRTypeID: 0x0C, TypeName: "FAT32 (LBA)", StartSector: sector.FAT32Start, SizeSectors: fat32Sectors, InMBR: true, InGPT: false},
		{Name: "l4t", Category: diskmodel.Linux, MBRTypeID: 0x83, TypeName: "Linux", StartSector: linuxStart, SizeSectors: linuxSectors, InMBR: true, InGPT: false},
	}, sector.FromBytes(targetTotalBytes), false)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("planned layout mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanTargetNotLargerInMigrationMode(t *testing.T) {
	src := fat32OnlySource(1 << 20)
	sourceBytes := sector.ToBytes(src.TotalSectors)

	_, err := planner.Plan(src, sourceBytes, diskmodel.Options{}, planner.Migration)
	require.Error(t, err)
}

func TestPlanInsufficientTargetSize(t *testing.T) {
	src := diskmodel.New([]diskmodel.Partition{
		{Name: "l4t", Category: diskmodel.Linux, StartSector: sector.FAT32Start, SizeSectors: 20 << 20},
	}, 21<<20, false)

	_, err := planner.Plan(src, sector.ToBytes(1<<20), diskmodel.Options{Linux: true}, planner.Cleanup)
	require.Error(t, err)
}

func TestPlanExpandFAT32FillsRemainingSpace(t *testing.T) {
	src := fat32OnlySource(1 << 16)
	target, err := planner.Plan(src, sector.ToBytes(8<<20), diskmodel.Options{ExpandFAT32: true}, planner.Migration)
	require.NoError(t, err)

	fat32, ok := target.FAT32Partition()
	require.True(t, ok)
	require.Greater(t, fat32.SizeSectors, uint64(1<<16))
}
