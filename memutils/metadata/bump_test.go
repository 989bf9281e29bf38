package metadata_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/jitmem/memutils"
	"github.com/vkngwrapper/jitmem/memutils/metadata"
)

func TestBumpAlloc(t *testing.T) {
	bump := metadata.NewBumpBlockMetadata()
	bump.Init(1000)

	var stats memutils.DetailedStatistics
	stats.Clear()
	bump.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	success, request, err := bump.CreateAllocationRequest(100, 1)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 0, request.Offset)
	require.NoError(t, bump.Alloc(request))

	success, request, err = bump.CreateAllocationRequest(50, 64)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 128, request.Offset)
	require.Equal(t, 78, request.Size)
	require.NoError(t, bump.Alloc(request))

	require.Equal(t, 178, bump.Cursor())
	require.Equal(t, 822, bump.SumFreeSize())
	require.NoError(t, bump.Validate())

	var simple memutils.Statistics
	bump.AddStatistics(&simple)
	require.Equal(t, memutils.Statistics{
		BlockCount:      1,
		BlockBytes:      1000,
		AllocationCount: 2,
		AllocationBytes: 150,
	}, simple)
}

func TestBumpAllocDoesNotFit(t *testing.T) {
	bump := metadata.NewBumpBlockMetadata()
	bump.Init(64)

	success, request, err := bump.CreateAllocationRequest(48, 1)
	require.NoError(t, err)
	require.True(t, success)
	require.NoError(t, bump.Alloc(request))

	success, _, err = bump.CreateAllocationRequest(24, 1)
	require.NoError(t, err)
	require.False(t, success)

	_, _, err = bump.CreateAllocationRequest(8, 3)
	require.Error(t, err)
}

func TestBumpStaleRequest(t *testing.T) {
	bump := metadata.NewBumpBlockMetadata()
	bump.Init(64)

	_, request, err := bump.CreateAllocationRequest(16, 1)
	require.NoError(t, err)
	require.NoError(t, bump.Alloc(request))
	require.Error(t, bump.Alloc(request))
}

func TestBumpClear(t *testing.T) {
	bump := metadata.NewBumpBlockMetadata()
	bump.Init(32)

	_, request, err := bump.CreateAllocationRequest(32, 1)
	require.NoError(t, err)
	require.NoError(t, bump.Alloc(request))

	success, _, err := bump.CreateAllocationRequest(8, 1)
	require.NoError(t, err)
	require.False(t, success)

	bump.Clear()
	require.True(t, bump.IsEmpty())
	require.Equal(t, 0, bump.Cursor())
	require.NoError(t, bump.Validate())

	success, request, err = bump.CreateAllocationRequest(8, 1)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 0, request.Offset)
}
