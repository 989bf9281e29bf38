// Package bumpalloc hands out number boxes and chunks to a compile job by bumping a cursor through
// blocks of collector-owned segments, then hands the blocks to the collector in batches.
package bumpalloc

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/jitmem/internal/osmem"
	"github.com/vkngwrapper/jitmem/internal/utils"
	"github.com/vkngwrapper/jitmem/memutils"
	"github.com/vkngwrapper/jitmem/memutils/metadata"
	"github.com/vkngwrapper/jitmem/pagealloc"
	"golang.org/x/exp/slog"
)

// numberPayloadSize is the kind tag and float64 written by AllocateNumber
const numberPayloadSize int = 16

type pendingBlock struct {
	addr    uintptr
	segment pagealloc.SegmentHandle
	kind    metadata.SlotKind
	carved  bool
}

// kindAllocator is the bump state for one record kind
type kindAllocator struct {
	kind        metadata.SlotKind
	slotSize    int
	pages       *pagealloc.PageAllocator
	segmentSize int

	segment    pagealloc.SegmentHandle
	nextBlock  uintptr
	segmentEnd uintptr
	unadopted  bool

	// block is zero when there is no active block
	block    uintptr
	metadata metadata.BumpBlockMetadata

	committedBlocks int
	slots           int
}

func (k *kindAllocator) blockSize() int { return k.pages.BlockSize() }

func (k *kindAllocator) bump() (uintptr, bool, error) {
	success, request, err := k.metadata.CreateAllocationRequest(k.slotSize, 8)
	if err != nil || !success {
		return 0, false, err
	}
	err = k.metadata.Alloc(request)
	if err != nil {
		return 0, false, err
	}
	k.slots++
	return k.block + uintptr(request.Offset), true, nil
}

func (k *kindAllocator) statistics() memutils.Statistics {
	return memutils.Statistics{
		BlockCount:      k.committedBlocks,
		BlockBytes:      k.committedBlocks * k.blockSize(),
		AllocationCount: k.slots,
		AllocationBytes: k.slots * k.slotSize,
	}
}

func (k *kindAllocator) printJson(json *jwriter.ObjectState) {
	stats := k.statistics()
	stats.PrintJson(json)
	json.Name("SlotSize").Int(k.slotSize)
	if k.block == 0 {
		return
	}

	var detail memutils.DetailedStatistics
	detail.Clear()
	k.metadata.AddDetailedStatistics(&detail)

	active := json.Name("ActiveBlock").Object()
	active.Name("Address").String(fmt.Sprintf("%#x", k.block))
	k.metadata.BlockJsonData(active)
	active.Name("LargestUnusedRange").Int(detail.UnusedRangeSizeMax)
	if detail.AllocationCount > 0 {
		active.Name("AllocationSize").Int(detail.AllocationSizeMax)
	}
	active.End()
}

// Allocator is a segmented bump allocator for number boxes and chunks. Blocks move from active to
// pending-reference (numbers) or pending-flush (chunks) when they fill up, to pending-integration on
// FlushAllocations, and to the collector on Integrate.
type Allocator struct {
	logger    *slog.Logger
	collector Collector

	mutex         utils.OptionalMutex
	numbers       kindAllocator
	chunks        kindAllocator
	chunkCapacity int
	head          *Chunk

	pendingReference   []pendingBlock
	pendingFlush       []pendingBlock
	pendingIntegration []pendingBlock
	integratedBlocks   int
	destroyed          bool
}

// New creates an Allocator that reserves segments from the collector's named page allocators
func New(logger *slog.Logger, collector Collector, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if options.NumberBoxSize == 0 {
		options.NumberBoxSize = DefaultNumberBoxSize
	}
	if options.ChunkCapacity == 0 {
		options.ChunkCapacity = DefaultChunkCapacity
	}
	if options.NumberBoxSize < 0 || options.NumberBoxSize%8 != 0 {
		return nil, errors.Newf("number box size %d is not a positive multiple of 8", options.NumberBoxSize)
	}
	if options.ChunkCapacity < 0 {
		return nil, errors.Newf("chunk capacity %d is invalid", options.ChunkCapacity)
	}

	allocator := &Allocator{
		logger:        logger,
		collector:     collector,
		chunkCapacity: options.ChunkCapacity,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},
	}

	err := allocator.initKind(&allocator.numbers, metadata.SlotKindNumber, NumberAllocatorName, options.NumberBoxSize, options.SegmentBlocks)
	if err != nil {
		return nil, err
	}
	err = allocator.initKind(&allocator.chunks, metadata.SlotKindChunk, ChunkAllocatorName, chunkSlotSize(options.ChunkCapacity), options.SegmentBlocks)
	if err != nil {
		return nil, err
	}

	return allocator, nil
}

func (a *Allocator) initKind(k *kindAllocator, kind metadata.SlotKind, name string, slotSize int, segmentBlocks int) error {
	pages, err := a.collector.PageAllocator(name)
	if err != nil {
		return errors.Wrapf(err, "failed to retrieve the %s page allocator", name)
	}

	err = memutils.CheckBlockPageCoupling(pages.BlockSize(), pages.PageSize())
	if err != nil {
		return err
	}
	if slotSize > pages.BlockSize() {
		return errors.Newf("%s slots of %d bytes do not fit in a block of %d bytes", kind, slotSize, pages.BlockSize())
	}

	*k = kindAllocator{
		kind:        kind,
		slotSize:    slotSize,
		pages:       pages,
		segmentSize: segmentBlocks * pages.BlockSize(),
		segment:     pagealloc.NoSegment,
	}
	return nil
}

// ErrAllocatorDestroyed is returned by allocations made after Destroy
var ErrAllocatorDestroyed error = errors.New("the bump allocator has been destroyed")

func (a *Allocator) checkAlive() error {
	if a.destroyed {
		return ErrAllocatorDestroyed
	}
	return nil
}

// AllocateNumberBox returns the address of an uninitialized number box and records it in the
// current chunk
func (a *Allocator) AllocateNumberBox() (uintptr, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocateNumberBox()
}

func (a *Allocator) allocateNumberBox() (uintptr, error) {
	err := a.checkAlive()
	if err != nil {
		return 0, err
	}

	if a.head == nil || a.head.Full() {
		_, err = a.allocateChunk()
		if err != nil {
			return 0, err
		}
	}

	box, err := a.allocateSlot(&a.numbers)
	if err != nil {
		return 0, err
	}

	a.head.append(box)
	return box, nil
}

// AllocateNumber allocates a number box and writes the kind tag and value into it
func (a *Allocator) AllocateNumber(tag uint64, value float64) (uintptr, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.numbers.slotSize < numberPayloadSize {
		return 0, errors.Newf("number boxes of %d bytes cannot hold a tagged value", a.numbers.slotSize)
	}

	box, err := a.allocateNumberBox()
	if err != nil {
		return 0, err
	}

	*(*uint64)(unsafe.Pointer(box)) = tag
	*(*float64)(unsafe.Pointer(box + 8)) = value
	return box, nil
}

// AllocateChunk links a new, empty chunk at the head of the current chunk list and returns it
func (a *Allocator) AllocateChunk() (*Chunk, error) {
	a.logger.Debug("Allocator::AllocateChunk")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.checkAlive()
	if err != nil {
		return nil, err
	}

	return a.allocateChunk()
}

func (a *Allocator) allocateChunk() (*Chunk, error) {
	addr, err := a.allocateSlot(&a.chunks)
	if err != nil {
		return nil, err
	}

	a.head = initChunk(addr, a.chunkCapacity, a.head)
	return a.head, nil
}

// Finalize detaches the chunk list recorded since the last call and returns its head. The next
// number box starts a new list.
func (a *Allocator) Finalize() *Chunk {
	a.logger.Debug("Allocator::Finalize")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	head := a.head
	a.head = nil
	return head
}

func (a *Allocator) allocateSlot(k *kindAllocator) (uintptr, error) {
	if k.block != 0 {
		addr, success, err := k.bump()
		if err != nil || success {
			return addr, err
		}
		a.retire(k)
	}

	err := a.commitNextBlock(k)
	if err != nil {
		return 0, err
	}

	addr, success, err := k.bump()
	if err != nil {
		return 0, err
	}
	if !success {
		return 0, errors.Newf("a fresh %s block could not fit a slot of %d bytes", k.kind, k.slotSize)
	}
	return addr, nil
}

func (a *Allocator) retire(k *kindAllocator) {
	block := pendingBlock{
		addr:    k.block,
		segment: k.segment,
		kind:    k.kind,
	}
	if k.kind == metadata.SlotKindNumber {
		a.pendingReference = append(a.pendingReference, block)
	} else {
		a.pendingFlush = append(a.pendingFlush, block)
	}

	k.block = 0
	k.metadata.Clear()
}

func (a *Allocator) commitNextBlock(k *kindAllocator) error {
	blockSize := k.blockSize()

	if k.segment == pagealloc.NoSegment || k.nextBlock+uintptr(blockSize) > k.segmentEnd {
		handle, segment, err := k.pages.ReserveSegment(k.segmentSize)
		if err != nil {
			k.block = 0
			return err
		}

		a.logger.Debug("Allocator::ReserveSegment", slog.String("Kind", k.kind.String()), slog.Int("Size", segment.Size()))
		k.segment = handle
		k.nextBlock = uintptr(segment.Start)
		k.segmentEnd = uintptr(segment.End)
		k.unadopted = true
	}

	err := k.pages.Commit(k.segment, k.nextBlock, blockSize, osmem.ProtectReadWrite)
	if err != nil {
		k.block = 0
		return err
	}

	k.block = k.nextBlock
	k.nextBlock += uintptr(blockSize)
	k.metadata.Init(blockSize)
	k.committedBlocks++
	return nil
}

// FlushAllocations moves pending-flush chunk blocks and pending-reference number blocks to the
// pending-integration list. Number blocks hold no references, so their write watch is reset.
func (a *Allocator) FlushAllocations() {
	a.logger.Debug("Allocator::FlushAllocations")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.flush()
}

func (a *Allocator) flush() {
	a.pendingIntegration = append(a.pendingIntegration, a.pendingFlush...)
	a.pendingFlush = a.pendingFlush[:0]

	for _, block := range a.pendingReference {
		a.collector.ResetWriteWatch(block.addr, a.numbers.blockSize())
		a.pendingIntegration = append(a.pendingIntegration, block)
	}
	a.pendingReference = a.pendingReference[:0]
}

// Integrate adopts newly reserved segments into the collector and carves every pending-integration
// block into live slots. Calling it again without new pending blocks does nothing. If the collector
// fails partway, the blocks that were not integrated stay pending.
func (a *Allocator) Integrate() error {
	a.logger.Debug("Allocator::Integrate")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.integrate()
}

func (a *Allocator) integrate() error {
	for _, k := range []*kindAllocator{&a.numbers, &a.chunks} {
		if !k.unadopted {
			continue
		}
		err := a.collector.AdoptSegments(k.pages)
		if err != nil {
			return errors.Wrapf(err, "failed to adopt %s segments", k.kind)
		}
		k.unadopted = false
	}

	for index := range a.pendingIntegration {
		err := a.integrateBlock(&a.pendingIntegration[index])
		if err != nil {
			remaining := copy(a.pendingIntegration, a.pendingIntegration[index:])
			a.pendingIntegration = a.pendingIntegration[:remaining]
			return err
		}
		a.integratedBlocks++
	}
	a.pendingIntegration = a.pendingIntegration[:0]
	return nil
}

func (a *Allocator) integrateBlock(block *pendingBlock) error {
	k := &a.numbers
	if block.kind == metadata.SlotKindChunk {
		k = &a.chunks
	}

	if !block.carved {
		err := a.collector.CarveBlock(block.addr, k.blockSize(), k.slotSize, block.kind)
		if err != nil {
			return errors.Wrapf(err, "failed to carve %s block at %#x", block.kind, block.addr)
		}
		block.carved = true
	}

	if block.kind == metadata.SlotKindChunk && a.collector.SoftwareWriteBarrier() {
		err := a.collector.SetWriteBarrierBits(block.addr, k.blockSize())
		if err != nil {
			return errors.Wrapf(err, "failed to set write barrier bits on chunk block at %#x", block.addr)
		}
	}
	return nil
}

// retainUnintegrated filters boxes down to those whose number block has not been handed to the
// collector yet. The filtered boxes reuse the backing array of boxes.
func (a *Allocator) retainUnintegrated(boxes []uintptr) []uintptr {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	blockSize := uintptr(a.numbers.blockSize())
	held := func(box uintptr) bool {
		if a.numbers.block != 0 && box >= a.numbers.block && box < a.numbers.block+blockSize {
			return true
		}
		for _, list := range [][]pendingBlock{a.pendingReference, a.pendingIntegration} {
			for _, block := range list {
				if block.kind == metadata.SlotKindNumber && box >= block.addr && box < block.addr+blockSize {
					return true
				}
			}
		}
		return false
	}

	kept := boxes[:0]
	for _, box := range boxes {
		if held(box) {
			kept = append(kept, box)
		}
	}
	return kept
}

// Destroy retires the active blocks and hands every remaining block to the collector. The
// allocator cannot be used afterwards.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return nil
	}

	if a.head != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] chunk list was never finalized",
			slog.String("Head", fmt.Sprintf("%#x", a.head.Address())))
		a.head = nil
	}

	for _, k := range []*kindAllocator{&a.numbers, &a.chunks} {
		if k.block != 0 {
			a.retire(k)
		}
	}
	a.flush()
	err := a.integrate()
	a.destroyed = true
	return err
}

// PendingCounts returns the number of blocks in the pending-reference, pending-flush, and
// pending-integration lists
func (a *Allocator) PendingCounts() (reference, flush, integration int) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return len(a.pendingReference), len(a.pendingFlush), len(a.pendingIntegration)
}

// IntegratedBlockCount returns the number of blocks handed to the collector so far
func (a *Allocator) IntegratedBlockCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.integratedBlocks
}

// Statistics returns the committed blocks and handed out slots for one record kind
func (a *Allocator) Statistics(kind metadata.SlotKind) memutils.Statistics {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if kind == metadata.SlotKindChunk {
		return a.chunks.statistics()
	}
	return a.numbers.statistics()
}

func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	seen := swiss.NewMap[uintptr, string](uint32(len(a.pendingReference) + len(a.pendingFlush) + len(a.pendingIntegration) + 2))
	for _, list := range []struct {
		name   string
		blocks []pendingBlock
	}{
		{"pending-reference", a.pendingReference},
		{"pending-flush", a.pendingFlush},
		{"pending-integration", a.pendingIntegration},
	} {
		for _, block := range list.blocks {
			if other, ok := seen.Get(block.addr); ok {
				return errors.Newf("block %#x is on the %s list and the %s list", block.addr, list.name, other)
			}
			seen.Put(block.addr, list.name)
		}
	}

	for _, k := range []*kindAllocator{&a.numbers, &a.chunks} {
		if k.block == 0 {
			continue
		}
		if other, ok := seen.Get(k.block); ok {
			return errors.Newf("active %s block %#x is also on the %s list", k.kind, k.block, other)
		}
		err := k.metadata.Validate()
		if err != nil {
			return errors.Wrapf(err, "active %s block %#x", k.kind, k.block)
		}
	}
	return nil
}

func (a *Allocator) BuildStatsString(writer *jwriter.Writer) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	obj := writer.Object()
	defer obj.End()

	numbers := obj.Name("Numbers").Object()
	a.numbers.printJson(&numbers)
	numbers.End()

	chunks := obj.Name("Chunks").Object()
	a.chunks.printJson(&chunks)
	chunks.End()

	obj.Name("PendingReference").Int(len(a.pendingReference))
	obj.Name("PendingFlush").Int(len(a.pendingFlush))
	obj.Name("PendingIntegration").Int(len(a.pendingIntegration))
	obj.Name("IntegratedBlocks").Int(a.integratedBlocks)
}
