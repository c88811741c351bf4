package memsan_test

import (
	"math"
	"testing"

	"github.com/shadowheap/memsan"
	"github.com/stretchr/testify/require"
)

func TestCheckPow2(t *testing.T) {
	for _, value := range []uint{1, 2, 4, 64, 1 << 20} {
		require.NoError(t, memsan.CheckPow2(value, "value"))
	}

	for _, value := range []uint{3, 6, 24, 100} {
		err := memsan.CheckPow2(value, "value")
		require.ErrorIs(t, err, memsan.PowerOfTwoError)
		require.ErrorContains(t, err, "value")
	}
}

func TestAlign(t *testing.T) {
	require.Equal(t, 0, memsan.AlignUp(0, 8))
	require.Equal(t, 8, memsan.AlignUp(1, 8))
	require.Equal(t, 8, memsan.AlignUp(8, 8))
	require.Equal(t, 16, memsan.AlignUp(9, 8))

	require.Equal(t, 0, memsan.AlignDown(7, 8))
	require.Equal(t, 8, memsan.AlignDown(8, 8))
	require.Equal(t, 8, memsan.AlignDown(15, 8))

	require.Equal(t, uintptr(0x1008), memsan.AlignUpAddr(0x1001, 8))
	require.Equal(t, uintptr(0x1000), memsan.AlignUpAddr(0x1000, 8))
	require.Equal(t, uintptr(0x1000), memsan.AlignDownAddr(0x1007, 8))
}

func TestDetailedStatistics(t *testing.T) {
	var stats memsan.DetailedStatistics
	stats.Clear()

	require.Equal(t, math.MaxInt, stats.AllocationSizeMin)
	require.Equal(t, 0, stats.AllocationSizeMax)

	stats.AddAllocation(100)
	stats.AddAllocation(20)
	stats.AddQuarantined(64)

	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 120, stats.AllocationBytes)
	require.Equal(t, 20, stats.AllocationSizeMin)
	require.Equal(t, 100, stats.AllocationSizeMax)
	require.Equal(t, 1, stats.QuarantinedCount)
	require.Equal(t, 64, stats.QuarantinedBytes)

	var sum memsan.DetailedStatistics
	sum.Clear()
	sum.AddAllocation(500)
	sum.AddDetailedStatistics(&stats)

	require.Equal(t, 3, sum.AllocationCount)
	require.Equal(t, 620, sum.AllocationBytes)
	require.Equal(t, 20, sum.AllocationSizeMin)
	require.Equal(t, 500, sum.AllocationSizeMax)
}
