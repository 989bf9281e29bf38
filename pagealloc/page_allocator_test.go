package pagealloc_test

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/jitmem/internal/osmem"
	"github.com/vkngwrapper/jitmem/memutils"
	"github.com/vkngwrapper/jitmem/pagealloc"
)

func TestReserveCommitFree(t *testing.T) {
	mem := osmem.NewSimulated(osmem.SimulatedOptions{})
	allocator, err := pagealloc.New(nil, mem, pagealloc.CreateOptions{Name: "test", SegmentBlocks: 4})
	require.NoError(t, err)

	handle, segment, err := allocator.ReserveSegment(0)
	require.NoError(t, err)
	require.Equal(t, 4*4096, segment.Size())
	require.False(t, segment.IsForeign)
	require.Equal(t, 0, segment.CommittedBytes())

	err = allocator.Commit(handle, uintptr(segment.Start), 4096, osmem.ProtectReadWrite)
	require.NoError(t, err)

	committed, err := allocator.Segment(handle)
	require.NoError(t, err)
	require.Equal(t, 4096, committed.CommittedBytes())
	require.True(t, committed.IsCommitted(segment.Start, 4096))
	require.False(t, committed.IsCommitted(segment.Start, 8192))

	var stats memutils.Statistics
	allocator.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{BlockCount: 1, BlockBytes: 4 * 4096, AllocationBytes: 4096}, stats)
	require.NoError(t, allocator.Validate())

	require.NoError(t, allocator.FreeSegment(handle))
	require.Equal(t, 0, mem.CommittedBytes())
	require.Equal(t, 4*4096, allocator.UnusedBytes())
	require.Error(t, allocator.FreeSegment(handle))

	// A freed segment that is large enough is handed out again
	reused, _, err := allocator.ReserveSegment(8192)
	require.NoError(t, err)
	require.Equal(t, handle, reused)
	require.Equal(t, 1, mem.ReservationCount())
	require.NoError(t, allocator.Validate())

	require.NoError(t, allocator.Release())
	require.Equal(t, 0, mem.ReservationCount())
	require.True(t, allocator.IsEmpty())
}

func TestCommitOutsideSegment(t *testing.T) {
	mem := osmem.NewSimulated(osmem.SimulatedOptions{})
	allocator, err := pagealloc.New(nil, mem, pagealloc.CreateOptions{SegmentBlocks: 2})
	require.NoError(t, err)

	handle, segment, err := allocator.ReserveSegment(0)
	require.NoError(t, err)

	require.Error(t, allocator.Commit(handle, uintptr(segment.End), 4096, osmem.ProtectReadWrite))
	require.Error(t, allocator.Commit(handle, uintptr(segment.Start)+16, 4096, osmem.ProtectReadWrite))
	require.Error(t, allocator.Commit(pagealloc.SegmentHandle(7), uintptr(segment.Start), 4096, osmem.ProtectReadWrite))
	require.Error(t, allocator.Protect(handle, uintptr(segment.Start), 4096, osmem.ProtectReadExecute))
}

func TestReserveFailureIsOutOfMemory(t *testing.T) {
	mem := osmem.NewSimulated(osmem.SimulatedOptions{})
	allocator, err := pagealloc.New(nil, mem, pagealloc.CreateOptions{})
	require.NoError(t, err)

	mem.FailNextReserves(1)
	_, _, err = allocator.ReserveSegment(0)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
}

func TestAdoptSegments(t *testing.T) {
	mem := osmem.NewSimulated(osmem.SimulatedOptions{})
	allocator, err := pagealloc.New(nil, mem, pagealloc.CreateOptions{SegmentBlocks: 2})
	require.NoError(t, err)

	first, _, err := allocator.ReserveSegment(0)
	require.NoError(t, err)
	second, _, err := allocator.ReserveSegment(0)
	require.NoError(t, err)

	require.Equal(t, []pagealloc.SegmentHandle{first, second}, allocator.AdoptSegments())
	require.Empty(t, allocator.AdoptSegments())

	third, _, err := allocator.ReserveSegment(0)
	require.NoError(t, err)
	require.Equal(t, []pagealloc.SegmentHandle{third}, allocator.AdoptSegments())

	// Adopted segments belong to the collector
	require.Error(t, allocator.FreeSegment(first))
	require.NoError(t, allocator.Recycle())
	require.Equal(t, 0, allocator.UnusedBytes())
}

func TestBlockSizeMustCoverPages(t *testing.T) {
	mem := osmem.NewSimulated(osmem.SimulatedOptions{})

	_, err := pagealloc.New(nil, mem, pagealloc.CreateOptions{BlockSize: 2048})
	require.Error(t, err)

	allocator, err := pagealloc.New(nil, mem, pagealloc.CreateOptions{BlockSize: 8192, SegmentBlocks: 2})
	require.NoError(t, err)
	require.Equal(t, 16384, allocator.DefaultSegmentSize())

	_, segment, err := allocator.ReserveSegment(100)
	require.NoError(t, err)
	require.Equal(t, 8192, segment.Size())
}

func TestReserveSegmentRejectsBadSizes(t *testing.T) {
	mem := osmem.NewSimulated(osmem.SimulatedOptions{})
	allocator, err := pagealloc.New(nil, mem, pagealloc.CreateOptions{Name: "test"})
	require.NoError(t, err)

	_, _, err = allocator.ReserveSegment(-4096)
	require.Error(t, err)

	_, _, err = allocator.ReserveSegment(math.MaxInt - 100)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	require.Equal(t, 0, mem.ReservationCount())
	require.True(t, allocator.IsEmpty())
}
