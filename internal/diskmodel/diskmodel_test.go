package diskmodel_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxgpt/sdmigrate/internal/diskmodel"
)

func TestDerivedAccessors(t *testing.T) {
	parts := []diskmodel.Partition{
		{Name: "hos_data", Category: diskmodel.FAT32, StartSector: 0x8000, SizeSectors: 1000},
		{Name: "super", Category: diskmodel.Android, StartSector: 2000, SizeSectors: 500},
		{Name: "l4t", Category: diskmodel.Linux, StartSector: 3000, SizeSectors: 500},
		{Name: "emummc1", Category: diskmodel.EmuMMC, StartSector: 4000, SizeSectors: 500},
		{Name: "emummc2", Category: diskmodel.EmuMMC, StartSector: 5000, SizeSectors: 500},
	}
	d := diskmodel.New(parts, 6000, true)

	require.True(t, d.HasLinux())
	require.True(t, d.HasAndroid())
	require.True(t, d.HasEmuMMC())
	require.True(t, d.AndroidDynamic())
	require.True(t, d.EmuMMCDouble())

	// sorted by start sector
	require.Equal(t, "hos_data", d.Partitions[0].Name)
	require.Equal(t, "emummc2", d.Partitions[4].Name)
}

func TestValidateOverlap(t *testing.T) {
	d := diskmodel.New([]diskmodel.Partition{
		{Name: "a", StartSector: 100, SizeSectors: 100},
		{Name: "b", StartSector: 150, SizeSectors: 100},
	}, 1000, false)
	require.Error(t, d.Validate())
}

func TestValidateOK(t *testing.T) {
	d := diskmodel.New([]diskmodel.Partition{
		{Name: "a", StartSector: 100, SizeSectors: 100},
		{Name: "b", StartSector: 200, SizeSectors: 100},
	}, 1000, false)
	require.NoError(t, d.Validate())
}
