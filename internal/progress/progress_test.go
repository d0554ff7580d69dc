package progress_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nyxgpt/sdmigrate/internal/progress"
)

func TestOverallWeightsPastStagesFully(t *testing.T) {
	stages := []progress.Stage{
		{Name: "Clean", Weight: 10},
		{Name: "WriteTable", Weight: 20},
		{Name: "CopyPartitions", Weight: 70},
	}
	require.Equal(t, 10, progress.Overall(stages, 1, 0))
	require.Equal(t, 30, progress.Overall(stages, 2, 0))
	require.Equal(t, 65, progress.Overall(stages, 2, 0.5))
	require.Equal(t, 100, progress.Overall(stages, 2, 1))
}

func TestByteRateFormatsNonEmpty(t *testing.T) {
	s := progress.ByteRate(1<<20, 10<<20, 2*time.Second)
	require.Contains(t, s, "/")
}

func TestNoopDoesNotPanic(t *testing.T) {
	require.NotPanics(t, func() { progress.Noop("x", 50, "y") })
}
