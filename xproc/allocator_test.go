package xproc_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/jitmem/internal/osmem"
	"github.com/vkngwrapper/jitmem/memutils"
	"github.com/vkngwrapper/jitmem/memutils/metadata"
	"github.com/vkngwrapper/jitmem/recycler"
	"github.com/vkngwrapper/jitmem/xproc"
	mock_xproc "github.com/vkngwrapper/jitmem/xproc/mocks"
	"go.uber.org/mock/gomock"
)

const numberTag uint32 = 0x51

func readyAllocator(t *testing.T, collector xproc.Collector, options xproc.CreateOptions) (*osmem.SimulatedForeignProcess, *xproc.Allocator) {
	process := osmem.NewSimulatedForeignProcess(4242, 4096)
	tags := xproc.NewTypeTags()
	require.NoError(t, tags.Register(xproc.RecordKindNumber, numberTag))

	allocator, err := xproc.New(nil, process, collector, tags, options)
	require.NoError(t, err)
	return process, allocator
}

func allocateMany(t *testing.T, allocator *xproc.Allocator, count int) []uint64 {
	addresses := make([]uint64, 0, count)
	for i := 0; i < count; i++ {
		addr, err := allocator.AllocateNumber(float64(i))
		require.NoError(t, err)
		addresses = append(addresses, addr)
	}
	return addresses
}

func TestAllocateNumberWritesRecords(t *testing.T) {
	ctrl := gomock.NewController(t)
	process, allocator := readyAllocator(t, mock_xproc.NewMockCollector(ctrl), xproc.CreateOptions{})

	first, err := allocator.AllocateNumber(1.5)
	require.NoError(t, err)
	second, err := allocator.AllocateNumber(-8)
	require.NoError(t, err)
	require.Equal(t, first+uint64(xproc.RecordSize), second)

	data := make([]byte, 2*xproc.RecordSize)
	require.NoError(t, process.Read(first, data))

	record, err := xproc.ParseRecord(data)
	require.NoError(t, err)
	require.Equal(t, xproc.Record{Tag: numberTag, Value: 1.5}, record)
	record, err = xproc.ParseRecord(data[xproc.RecordSize:])
	require.NoError(t, err)
	require.Equal(t, xproc.Record{Tag: numberTag, Value: -8}, record)
	require.Equal(t, 2, process.WriteCount())

	segment, err := allocator.Segment(0)
	require.NoError(t, err)
	require.Equal(t, first, segment.Start)
	require.Equal(t, segment.Start+4096, segment.Committed)
	require.Equal(t, segment.Start+16*4096, segment.End)
	require.NoError(t, allocator.Validate())
}

func TestSegmentsAreLinkedOnOverflow(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, allocator := readyAllocator(t, mock_xproc.NewMockCollector(ctrl), xproc.CreateOptions{SegmentBlocks: 2})

	addresses := allocateMany(t, allocator, 513)

	table := allocator.RegisterSegments()
	require.Len(t, table, 2)
	require.Equal(t, addresses[0], table[0])
	require.Equal(t, addresses[512], table[1])
	require.NotEqual(t, table[0]+8192, table[1])

	var stats memutils.Statistics
	allocator.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		BlockCount:      2,
		BlockBytes:      2 * 8192,
		AllocationCount: 513,
		AllocationBytes: 513 * xproc.RecordSize,
	}, stats)
}

func TestIntegratedUpToOnlyAdvances(t *testing.T) {
	ctrl := gomock.NewController(t)
	collector := mock_xproc.NewMockCollector(ctrl)
	_, allocator := readyAllocator(t, collector, xproc.CreateOptions{SegmentBlocks: 4})

	addresses := allocateMany(t, allocator, 256)
	start := addresses[0]

	collector.EXPECT().AdoptForeignSegment(start, 4*4096).Return(nil)
	require.NoError(t, allocator.Integrate())

	// One full block is not more than one block of unintegrated bytes
	segment, err := allocator.Segment(0)
	require.NoError(t, err)
	require.Equal(t, start, segment.IntegratedUpTo)
	previous := segment.IntegratedUpTo

	allocateMany(t, allocator, 1)
	collector.EXPECT().CarveForeignBlock(start, 4096, xproc.RecordSize, metadata.SlotKindNumber).Return(nil)
	require.NoError(t, allocator.Integrate())
	require.NoError(t, allocator.Integrate())

	segment, err = allocator.Segment(0)
	require.NoError(t, err)
	require.Greater(t, segment.IntegratedUpTo, previous)
	previous = segment.IntegratedUpTo

	allocateMany(t, allocator, 600)
	collector.EXPECT().CarveForeignBlock(start+4096, 4096, xproc.RecordSize, metadata.SlotKindNumber).Return(nil)
	collector.EXPECT().CarveForeignBlock(start+8192, 4096, xproc.RecordSize, metadata.SlotKindNumber).Return(nil)
	require.NoError(t, allocator.Integrate())

	segment, err = allocator.Segment(0)
	require.NoError(t, err)
	require.Greater(t, segment.IntegratedUpTo, previous)
	require.Equal(t, start+12288, segment.IntegratedUpTo)
	require.NoError(t, allocator.Validate())
}

func TestIntegrateIsPartialBatchSafe(t *testing.T) {
	ctrl := gomock.NewController(t)
	collector := mock_xproc.NewMockCollector(ctrl)
	_, allocator := readyAllocator(t, collector, xproc.CreateOptions{SegmentBlocks: 4})

	addresses := allocateMany(t, allocator, 3*256+1)
	start := addresses[0]

	failure := errors.New("collector is busy")
	gomock.InOrder(
		collector.EXPECT().AdoptForeignSegment(start, 4*4096).Return(nil),
		collector.EXPECT().CarveForeignBlock(start, 4096, xproc.RecordSize, metadata.SlotKindNumber).Return(nil),
		collector.EXPECT().CarveForeignBlock(start+4096, 4096, xproc.RecordSize, metadata.SlotKindNumber).Return(failure),
		collector.EXPECT().CarveForeignBlock(start+4096, 4096, xproc.RecordSize, metadata.SlotKindNumber).Return(nil),
		collector.EXPECT().CarveForeignBlock(start+8192, 4096, xproc.RecordSize, metadata.SlotKindNumber).Return(nil),
	)

	err := allocator.Integrate()
	require.True(t, errors.Is(err, failure))
	segment, err := allocator.Segment(0)
	require.NoError(t, err)
	require.Equal(t, start+4096, segment.IntegratedUpTo)

	require.NoError(t, allocator.Integrate())
	segment, err = allocator.Segment(0)
	require.NoError(t, err)
	require.Equal(t, start+12288, segment.IntegratedUpTo)
}

func TestFullSegmentsLeaveTheList(t *testing.T) {
	ctrl := gomock.NewController(t)
	collector := mock_xproc.NewMockCollector(ctrl)
	_, allocator := readyAllocator(t, collector, xproc.CreateOptions{SegmentBlocks: 1})

	addresses := allocateMany(t, allocator, 256)

	_, ok := allocator.GetFreeSegment()
	require.False(t, ok)

	collector.EXPECT().AdoptForeignSegment(addresses[0], 4096).Return(nil)
	collector.EXPECT().CarveForeignBlock(addresses[0], 4096, xproc.RecordSize, metadata.SlotKindNumber).Return(nil)
	require.NoError(t, allocator.Integrate())
	require.Equal(t, 0, allocator.SegmentCount())
	require.Empty(t, allocator.RegisterSegments())

	next, err := allocator.AllocateNumber(3)
	require.NoError(t, err)
	require.NotEqual(t, addresses[0], next)
	require.Equal(t, 1, allocator.SegmentCount())
}

func TestFreeSegmentsMoveBetweenAllocators(t *testing.T) {
	ctrl := gomock.NewController(t)
	collector := mock_xproc.NewMockCollector(ctrl)
	process, source := readyAllocator(t, collector, xproc.CreateOptions{})

	tags := xproc.NewTypeTags()
	require.NoError(t, tags.Register(xproc.RecordKindNumber, numberTag))
	destination, err := xproc.New(nil, process, collector, tags, xproc.CreateOptions{})
	require.NoError(t, err)

	allocateMany(t, source, 10)

	segment, ok := source.GetFreeSegment()
	require.True(t, ok)
	require.Equal(t, 0, source.SegmentCount())
	require.Equal(t, segment.Start+10*uint64(xproc.RecordSize), segment.Allocated)

	require.NoError(t, destination.AttachSegment(segment))
	require.Error(t, destination.AttachSegment(segment))

	addr, err := destination.AllocateNumber(4)
	require.NoError(t, err)
	require.Equal(t, segment.Allocated, addr)
	require.NoError(t, destination.Validate())

	writer := jwriter.NewWriter()
	source.BuildStatsString(&writer)
	require.Contains(t, string(writer.Bytes()), `"DetachedSegments":1`)
}

func TestForeignProcessFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	process, allocator := readyAllocator(t, mock_xproc.NewMockCollector(ctrl), xproc.CreateOptions{})

	process.FailNextCommits(1)
	_, err := allocator.AllocateNumber(1)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.False(t, errors.Is(err, memutils.ErrForeignProcessGone))

	_, err = allocator.AllocateNumber(1)
	require.NoError(t, err)

	process.Exit()
	_, err = allocator.AllocateNumber(2)
	require.True(t, errors.Is(err, memutils.ErrForeignProcessGone))
	require.False(t, errors.Is(err, memutils.ErrOutOfMemory))
}

func TestNewRequiresNumberTag(t *testing.T) {
	ctrl := gomock.NewController(t)
	process := osmem.NewSimulatedForeignProcess(1, 4096)

	_, err := xproc.New(nil, process, mock_xproc.NewMockCollector(ctrl), xproc.NewTypeTags(), xproc.CreateOptions{})
	require.Error(t, err)
}

func TestIntegrateIntoRecycler(t *testing.T) {
	collector, err := recycler.New(nil, osmem.NewSimulated(osmem.SimulatedOptions{}), recycler.CreateOptions{})
	require.NoError(t, err)
	_, allocator := readyAllocator(t, collector, xproc.CreateOptions{SegmentBlocks: 2})

	addresses := allocateMany(t, allocator, 1000)

	require.NoError(t, allocator.Integrate())
	require.Equal(t, 3, collector.CarvedBlockCount())
	require.Equal(t, 1, allocator.SegmentCount())

	require.NoError(t, allocator.Destroy())
	require.Equal(t, 4, collector.CarvedBlockCount())
	require.Equal(t, 2, collector.AdoptedSegmentCount())
	for _, addr := range addresses {
		require.True(t, collector.IsLive(uintptr(addr)))
	}
	require.NoError(t, collector.Validate())
}

func TestDestroyedAllocatorRefusesWork(t *testing.T) {
	collector, err := recycler.New(nil, osmem.NewSimulated(osmem.SimulatedOptions{}), recycler.CreateOptions{})
	require.NoError(t, err)
	process, allocator := readyAllocator(t, collector, xproc.CreateOptions{SegmentBlocks: 2})

	allocateMany(t, allocator, 10)
	segment, err := allocator.Segment(0)
	require.NoError(t, err)

	require.NoError(t, allocator.Destroy())
	writes := process.WriteCount()

	_, err = allocator.AllocateNumber(3)
	require.True(t, errors.Is(err, xproc.ErrAllocatorDestroyed))
	require.True(t, errors.Is(allocator.Integrate(), xproc.ErrAllocatorDestroyed))
	require.True(t, errors.Is(allocator.AttachSegment(segment), xproc.ErrAllocatorDestroyed))
	require.NoError(t, allocator.Destroy())

	require.Equal(t, writes, process.WriteCount())
	require.Equal(t, 0, allocator.SegmentCount())
}
