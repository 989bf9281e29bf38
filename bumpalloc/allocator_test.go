package bumpalloc_test

import (
	"io"
	"math/rand"
	"sync"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/jitmem/bumpalloc"
	mock_bumpalloc "github.com/vkngwrapper/jitmem/bumpalloc/mocks"
	"github.com/vkngwrapper/jitmem/internal/osmem"
	"github.com/vkngwrapper/jitmem/memutils"
	"github.com/vkngwrapper/jitmem/memutils/metadata"
	"github.com/vkngwrapper/jitmem/pagealloc"
	"github.com/vkngwrapper/jitmem/recycler"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

type mockSetup struct {
	mem       *osmem.Simulated
	collector *mock_bumpalloc.MockCollector
	numbers   *pagealloc.PageAllocator
	chunks    *pagealloc.PageAllocator
	allocator *bumpalloc.Allocator
}

func readyMockAllocator(t *testing.T, ctrl *gomock.Controller, options bumpalloc.CreateOptions) mockSetup {
	mem := osmem.NewSimulated(osmem.SimulatedOptions{})
	numbers, err := pagealloc.New(nil, mem, pagealloc.CreateOptions{Name: bumpalloc.NumberAllocatorName, SegmentBlocks: 2})
	require.NoError(t, err)
	chunks, err := pagealloc.New(nil, mem, pagealloc.CreateOptions{Name: bumpalloc.ChunkAllocatorName, SegmentBlocks: 2})
	require.NoError(t, err)

	collector := mock_bumpalloc.NewMockCollector(ctrl)
	collector.EXPECT().PageAllocator(bumpalloc.NumberAllocatorName).Return(numbers, nil)
	collector.EXPECT().PageAllocator(bumpalloc.ChunkAllocatorName).Return(chunks, nil)

	logger := slog.New(slog.NewTextHandler(io.Discard))
	allocator, err := bumpalloc.New(logger, collector, options)
	require.NoError(t, err)

	return mockSetup{
		mem:       mem,
		collector: collector,
		numbers:   numbers,
		chunks:    chunks,
		allocator: allocator,
	}
}

func readyRecycler(t *testing.T, options recycler.CreateOptions) (*osmem.Simulated, *recycler.Recycler) {
	mem := osmem.NewSimulated(osmem.SimulatedOptions{})
	collector, err := recycler.New(nil, mem, options)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, collector.Destroy())
	})
	return mem, collector
}

func TestIntegrateIsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	setup := readyMockAllocator(t, ctrl, bumpalloc.CreateOptions{ChunkCapacity: 4})

	first, err := setup.allocator.AllocateNumberBox()
	require.NoError(t, err)
	for i := 1; i < 257; i++ {
		_, err = setup.allocator.AllocateNumberBox()
		require.NoError(t, err)
	}

	reference, flush, integration := setup.allocator.PendingCounts()
	require.Equal(t, 1, reference)
	require.Equal(t, 0, flush)
	require.Equal(t, 0, integration)

	// Segments are adopted even though no block is ready for integration yet
	setup.collector.EXPECT().AdoptSegments(setup.numbers).Return(nil)
	setup.collector.EXPECT().AdoptSegments(setup.chunks).Return(nil)
	require.NoError(t, setup.allocator.Integrate())
	require.NoError(t, setup.allocator.Integrate())

	setup.collector.EXPECT().ResetWriteWatch(first, 4096)
	setup.allocator.FlushAllocations()

	setup.collector.EXPECT().CarveBlock(first, 4096, 16, metadata.SlotKindNumber).Return(nil)
	require.NoError(t, setup.allocator.Integrate())
	require.NoError(t, setup.allocator.Integrate())
	setup.allocator.FlushAllocations()
	require.NoError(t, setup.allocator.Integrate())

	require.Equal(t, 1, setup.allocator.IntegratedBlockCount())
	require.NoError(t, setup.allocator.Validate())
}

func TestChunkBlocksGetWriteBarriers(t *testing.T) {
	ctrl := gomock.NewController(t)
	setup := readyMockAllocator(t, ctrl, bumpalloc.CreateOptions{ChunkCapacity: 1})

	first, err := setup.allocator.AllocateChunk()
	require.NoError(t, err)
	require.Equal(t, 0, first.Len())
	require.Equal(t, 1, first.Cap())

	// Chunks with a capacity of one occupy 32 bytes, so the 129th starts a new block
	for i := 1; i < 129; i++ {
		_, err = setup.allocator.AllocateChunk()
		require.NoError(t, err)
	}

	reference, flush, _ := setup.allocator.PendingCounts()
	require.Equal(t, 0, reference)
	require.Equal(t, 1, flush)

	setup.allocator.FlushAllocations()

	setup.collector.EXPECT().AdoptSegments(setup.chunks).Return(nil)
	setup.collector.EXPECT().CarveBlock(first.Address(), 4096, 32, metadata.SlotKindChunk).Return(nil)
	setup.collector.EXPECT().SoftwareWriteBarrier().Return(true)
	setup.collector.EXPECT().SetWriteBarrierBits(first.Address(), 4096).Return(nil)
	require.NoError(t, setup.allocator.Integrate())
}

func TestIntegrateResumesAfterFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	setup := readyMockAllocator(t, ctrl, bumpalloc.CreateOptions{ChunkCapacity: 1})

	first, err := setup.allocator.AllocateChunk()
	require.NoError(t, err)
	for i := 1; i < 257; i++ {
		_, err = setup.allocator.AllocateChunk()
		require.NoError(t, err)
	}
	second := first.Address() + 4096

	setup.allocator.FlushAllocations()
	_, _, integration := setup.allocator.PendingCounts()
	require.Equal(t, 2, integration)

	collectorFailure := errors.New("collector metadata is full")
	gomock.InOrder(
		setup.collector.EXPECT().AdoptSegments(setup.chunks).Return(nil),
		setup.collector.EXPECT().CarveBlock(first.Address(), 4096, 32, metadata.SlotKindChunk).Return(nil),
		setup.collector.EXPECT().SoftwareWriteBarrier().Return(true),
		setup.collector.EXPECT().SetWriteBarrierBits(first.Address(), 4096).Return(nil),
		setup.collector.EXPECT().CarveBlock(second, 4096, 32, metadata.SlotKindChunk).Return(nil),
		setup.collector.EXPECT().SoftwareWriteBarrier().Return(true),
		setup.collector.EXPECT().SetWriteBarrierBits(second, 4096).Return(collectorFailure),
		// The second block was already carved, so only its write barrier bits are retried
		setup.collector.EXPECT().SoftwareWriteBarrier().Return(true),
		setup.collector.EXPECT().SetWriteBarrierBits(second, 4096).Return(nil),
	)

	err = setup.allocator.Integrate()
	require.True(t, errors.Is(err, collectorFailure))
	require.Equal(t, 1, setup.allocator.IntegratedBlockCount())
	_, _, integration = setup.allocator.PendingCounts()
	require.Equal(t, 1, integration)

	require.NoError(t, setup.allocator.Integrate())
	require.Equal(t, 2, setup.allocator.IntegratedBlockCount())
}

func TestOutOfMemoryClearsCursor(t *testing.T) {
	ctrl := gomock.NewController(t)
	setup := readyMockAllocator(t, ctrl, bumpalloc.CreateOptions{})

	setup.mem.FailNextReserves(1)
	_, err := setup.allocator.AllocateNumberBox()
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	setup.mem.FailNextCommits(1)
	_, err = setup.allocator.AllocateChunk()
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	box, err := setup.allocator.AllocateNumberBox()
	require.NoError(t, err)
	require.NotZero(t, box)

	chunks := setup.allocator.Statistics(metadata.SlotKindChunk)
	require.Equal(t, 1, chunks.BlockCount)
	require.Equal(t, 1, chunks.AllocationCount)
	require.NoError(t, setup.allocator.Validate())
}

func TestNumberBoxScenario(t *testing.T) {
	_, collector := readyRecycler(t, recycler.CreateOptions{})

	allocator, err := bumpalloc.New(nil, collector, bumpalloc.CreateOptions{NumberBoxSize: 24})
	require.NoError(t, err)

	addresses := map[uintptr]bool{}
	for i := 0; i < 1000; i++ {
		box, err := allocator.AllocateNumberBox()
		require.NoError(t, err)
		addresses[box] = true
	}
	require.Len(t, addresses, 1000)

	numbers := allocator.Statistics(metadata.SlotKindNumber)
	require.Equal(t, (1000*24+4095)/4096, numbers.BlockCount)
	require.Equal(t, 1000, numbers.AllocationCount)

	boxes := bumpalloc.CollectBoxes(allocator.Finalize())
	require.Len(t, boxes, 1000)
	for _, box := range boxes {
		require.True(t, addresses[box])
	}
	require.Nil(t, allocator.Finalize())

	require.NoError(t, allocator.Destroy())
	for box := range addresses {
		require.True(t, collector.IsLive(box))
	}
	require.Equal(t, numbers.BlockCount+allocator.Statistics(metadata.SlotKindChunk).BlockCount, collector.CarvedBlockCount())
	require.NoError(t, collector.Validate())
}

func TestInterleavedOperations(t *testing.T) {
	_, collector := readyRecycler(t, recycler.CreateOptions{SegmentBlocks: 2, SoftwareWriteBarrier: true})

	allocator, err := bumpalloc.New(nil, collector, bumpalloc.CreateOptions{ChunkCapacity: 8})
	require.NoError(t, err)

	random := rand.New(rand.NewSource(17))
	addresses := map[uintptr]bool{}
	record := func(addr uintptr) {
		require.False(t, addresses[addr], "address %#x was handed out twice", addr)
		addresses[addr] = true
	}

	for i := 0; i < 5000; i++ {
		switch op := random.Intn(20); {
		case op < 15:
			box, err := allocator.AllocateNumberBox()
			require.NoError(t, err)
			record(box)
		case op < 17:
			chunk, err := allocator.AllocateChunk()
			require.NoError(t, err)
			record(chunk.Address())
		case op < 18:
			allocator.FlushAllocations()
		case op < 19:
			require.NoError(t, allocator.Integrate())
		default:
			allocator.Finalize()
		}
	}
	require.NoError(t, allocator.Validate())

	require.NoError(t, allocator.Destroy())
	for addr := range addresses {
		require.True(t, collector.IsLive(addr))
	}
	require.NoError(t, collector.Validate())

	_, err = allocator.AllocateNumberBox()
	require.Error(t, err)
	require.NoError(t, allocator.Destroy())
}

func TestAllocateNumberWritesRecord(t *testing.T) {
	_, collector := readyRecycler(t, recycler.CreateOptions{})

	allocator, err := bumpalloc.New(nil, collector, bumpalloc.CreateOptions{})
	require.NoError(t, err)

	box, err := allocator.AllocateNumber(0xC0FFEE, 3.25)
	require.NoError(t, err)
	require.Equal(t, uint64(0xC0FFEE), *(*uint64)(unsafe.Pointer(box)))
	require.Equal(t, 3.25, *(*float64)(unsafe.Pointer(box + 8)))

	small, err := bumpalloc.New(nil, collector, bumpalloc.CreateOptions{NumberBoxSize: 8})
	require.NoError(t, err)
	_, err = small.AllocateNumber(1, 1)
	require.Error(t, err)
}

func TestCreateOptionsValidation(t *testing.T) {
	_, collector := readyRecycler(t, recycler.CreateOptions{})

	_, err := bumpalloc.New(nil, collector, bumpalloc.CreateOptions{NumberBoxSize: 12})
	require.Error(t, err)
	_, err = bumpalloc.New(nil, collector, bumpalloc.CreateOptions{NumberBoxSize: 8192})
	require.Error(t, err)
	_, err = bumpalloc.New(nil, collector, bumpalloc.CreateOptions{ChunkCapacity: 1024})
	require.Error(t, err)

	require.Equal(t, "CreateExternallySynchronized", bumpalloc.CreateExternallySynchronized.String())
	require.Equal(t, "None", bumpalloc.CreateFlags(0).String())
}

func TestBuildStatsString(t *testing.T) {
	_, collector := readyRecycler(t, recycler.CreateOptions{})

	allocator, err := bumpalloc.New(nil, collector, bumpalloc.CreateOptions{Flags: bumpalloc.CreateExternallySynchronized})
	require.NoError(t, err)
	_, err = allocator.AllocateNumberBox()
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	allocator.BuildStatsString(&writer)
	json := string(writer.Bytes())
	require.Contains(t, json, `"Numbers":{"BlockCount":1`)
	require.Contains(t, json, `"PendingIntegration":0`)
	require.Contains(t, json, `"ActiveBlock":{"Address":"0x`)
	require.Contains(t, json, `"TotalBytes":4096,"UnusedBytes":4080,"Allocations":1,"Cursor":16,"LargestUnusedRange":4080,"AllocationSize":16}`)
}

func allocateUntilDestroyed(allocator *bumpalloc.Allocator, started chan<- struct{}, limit int) ([]uintptr, error) {
	boxes := make([]uintptr, 0, limit)
	for i := 0; i < limit; i++ {
		box, err := allocator.AllocateNumber(7, float64(i))
		if errors.Is(err, bumpalloc.ErrAllocatorDestroyed) {
			return boxes, nil
		}
		if err != nil {
			return boxes, err
		}
		boxes = append(boxes, box)
		if i == 0 && started != nil {
			started <- struct{}{}
		}
	}
	return boxes, nil
}

func TestConcurrentAllocationAndIntegration(t *testing.T) {
	_, collector := readyRecycler(t, recycler.CreateOptions{})
	allocator, err := bumpalloc.New(nil, collector, bumpalloc.CreateOptions{ChunkCapacity: 16})
	require.NoError(t, err)

	const workers = 6
	results := make([][]uintptr, workers)
	failures := make([]error, workers)
	done := make(chan struct{})

	var integrations error
	var integrator sync.WaitGroup
	integrator.Add(1)
	go func() {
		defer integrator.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			allocator.FlushAllocations()
			if err := allocator.Integrate(); err != nil {
				integrations = err
				return
			}
		}
	}()

	var group sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		group.Add(1)
		go func(worker int) {
			defer group.Done()
			results[worker], failures[worker] = allocateUntilDestroyed(allocator, nil, 500)
		}(worker)
	}
	group.Wait()
	close(done)
	integrator.Wait()
	require.NoError(t, integrations)

	allocator.Finalize()
	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Destroy())

	seen := make(map[uintptr]struct{})
	for worker := 0; worker < workers; worker++ {
		require.NoError(t, failures[worker])
		require.Len(t, results[worker], 500)
		for _, box := range results[worker] {
			_, duplicate := seen[box]
			require.False(t, duplicate)
			seen[box] = struct{}{}
			require.True(t, collector.IsLive(box))
		}
	}
	require.NoError(t, collector.Validate())
}

func TestDestroyDuringAllocation(t *testing.T) {
	_, collector := readyRecycler(t, recycler.CreateOptions{})
	allocator, err := bumpalloc.New(nil, collector, bumpalloc.CreateOptions{})
	require.NoError(t, err)

	const workers = 6
	started := make(chan struct{}, workers)
	results := make([][]uintptr, workers)
	failures := make([]error, workers)

	var group sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		group.Add(1)
		go func(worker int) {
			defer group.Done()
			results[worker], failures[worker] = allocateUntilDestroyed(allocator, started, 4096)
		}(worker)
	}

	for worker := 0; worker < workers; worker++ {
		<-started
	}
	require.NoError(t, allocator.Destroy())
	group.Wait()

	_, err = allocator.AllocateNumberBox()
	require.True(t, errors.Is(err, bumpalloc.ErrAllocatorDestroyed))

	reference, flush, integration := allocator.PendingCounts()
	require.Zero(t, reference+flush+integration)
	for worker := 0; worker < workers; worker++ {
		require.NoError(t, failures[worker])
		for _, box := range results[worker] {
			require.True(t, collector.IsLive(box))
		}
	}
}
