// Package recycler is the adoption surface of the tracing collector that owns the heap. It hands out
// named page allocators, adopts the segments they reserve, and carves blocks of bump-allocated
// memory into live slots. Mark and sweep are not implemented here.
package recycler

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/jitmem/internal/osmem"
	"github.com/vkngwrapper/jitmem/memutils"
	"github.com/vkngwrapper/jitmem/memutils/metadata"
	"github.com/vkngwrapper/jitmem/pagealloc"
	"golang.org/x/exp/slog"
)

// ErrBlockAlreadyCarved marks an attempt to carve a block that the collector is already tracking
var ErrBlockAlreadyCarved error = errors.New("block has already been carved")

type adoptedSegment struct {
	allocator *pagealloc.PageAllocator
	handle    pagealloc.SegmentHandle
	start     uint64
	end       uint64
	foreign   bool
}

// Recycler tracks which segments have been adopted into collector bookkeeping and which blocks
// inside them have been carved into live slots
type Recycler struct {
	logger  *slog.Logger
	memory  osmem.Memory
	options CreateOptions

	mutex      sync.Mutex
	allocators *swiss.Map[string, *pagealloc.PageAllocator]
	segments   *swiss.Map[uint64, adoptedSegment]
	blocks     *swiss.Map[uintptr, *metadata.SlotBitmap]
	watched    *swiss.Map[uintptr, bool]
	nextID     int
}

// New creates a Recycler whose page allocators reserve memory from the provided osmem.Memory
func New(logger *slog.Logger, memory osmem.Memory, options CreateOptions) (*Recycler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if options.BlockSize == 0 {
		options.BlockSize = memory.PageSize()
	}
	err := memutils.CheckBlockPageCoupling(options.BlockSize, memory.PageSize())
	if err != nil {
		return nil, err
	}

	return &Recycler{
		logger:     logger,
		memory:     memory,
		options:    options,
		allocators: swiss.NewMap[string, *pagealloc.PageAllocator](4),
		segments:   swiss.NewMap[uint64, adoptedSegment](16),
		blocks:     swiss.NewMap[uintptr, *metadata.SlotBitmap](256),
		watched:    swiss.NewMap[uintptr, bool](256),
	}, nil
}

func (r *Recycler) BlockSize() int             { return r.options.BlockSize }
func (r *Recycler) SoftwareWriteBarrier() bool { return r.options.SoftwareWriteBarrier }

// PageAllocator returns the page allocator registered under name, creating it on first use
func (r *Recycler) PageAllocator(name string) (*pagealloc.PageAllocator, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	allocator, ok := r.allocators.Get(name)
	if ok {
		return allocator, nil
	}

	r.logger.Debug("Recycler::PageAllocator", slog.String("Name", name))

	r.nextID++
	allocator, err := pagealloc.New(r.logger, r.memory, pagealloc.CreateOptions{
		ID:            r.nextID,
		Name:          name,
		BlockSize:     r.options.BlockSize,
		SegmentBlocks: r.options.SegmentBlocks,
	})
	if err != nil {
		return nil, err
	}
	r.allocators.Put(name, allocator)
	return allocator, nil
}

// AdoptSegments takes ownership of every segment the allocator has reserved since it was last
// asked. A segment that is already adopted is an error.
func (r *Recycler) AdoptSegments(allocator *pagealloc.PageAllocator) error {
	r.logger.Debug("Recycler::AdoptSegments", slog.String("Name", allocator.Name()))

	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, handle := range allocator.AdoptSegments() {
		segment, err := allocator.Segment(handle)
		if err != nil {
			return err
		}
		if r.segments.Has(segment.Start) {
			return errors.Newf("segment at %#x has already been adopted", segment.Start)
		}
		r.segments.Put(segment.Start, adoptedSegment{
			allocator: allocator,
			handle:    handle,
			start:     segment.Start,
			end:       segment.End,
		})
	}
	return nil
}

func (r *Recycler) findSegment(addr uintptr) (adoptedSegment, bool) {
	var found adoptedSegment
	var ok bool
	r.segments.Iter(func(start uint64, segment adoptedSegment) bool {
		if uint64(addr) >= segment.start && uint64(addr) < segment.end {
			found = segment
			ok = true
			return true
		}
		return false
	})
	return found, ok
}

func (r *Recycler) blockStart(segment adoptedSegment, addr uintptr) uintptr {
	offset := memutils.AlignDown(uint64(addr)-segment.start, uint64(r.options.BlockSize))
	return uintptr(segment.start + offset)
}

// CarveBlock divides the committed block at addr into slots of slotSize bytes and marks every slot
// live. The block must lie inside an adopted segment and must not have been carved before.
func (r *Recycler) CarveBlock(addr uintptr, size, slotSize int, kind metadata.SlotKind) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	segment, err := r.checkCarve(addr, size)
	if err != nil {
		return err
	}
	if segment.foreign {
		return errors.Newf("block at %#x belongs to a foreign segment", addr)
	}

	record, err := segment.allocator.Segment(segment.handle)
	if err != nil {
		return err
	}
	if !record.IsCommitted(uint64(addr), size) {
		return errors.Newf("block at %#x has not been committed", addr)
	}

	return r.carve(addr, size, slotSize, kind)
}

// AdoptForeignSegment takes ownership of a segment that a compiler in another process reserved in
// this process's address space
func (r *Recycler) AdoptForeignSegment(start uint64, size int) error {
	r.logger.Debug("Recycler::AdoptForeignSegment", slog.String("Start", fmt.Sprintf("%#x", start)), slog.Int("Size", size))

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.segments.Has(start) {
		return errors.Newf("segment at %#x has already been adopted", start)
	}
	if _, overlaps := r.findSegment(uintptr(start)); overlaps {
		return errors.Newf("segment at %#x overlaps an adopted segment", start)
	}
	r.segments.Put(start, adoptedSegment{
		handle:  pagealloc.NoSegment,
		start:   start,
		end:     start + uint64(size),
		foreign: true,
	})
	return nil
}

// CarveForeignBlock is CarveBlock for blocks of adopted foreign segments. Commitment was handled by
// the remote compiler and is not checked.
func (r *Recycler) CarveForeignBlock(addr uint64, size, slotSize int, kind metadata.SlotKind) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	segment, err := r.checkCarve(uintptr(addr), size)
	if err != nil {
		return err
	}
	if !segment.foreign {
		return errors.Newf("block at %#x belongs to a local segment", addr)
	}

	return r.carve(uintptr(addr), size, slotSize, kind)
}

func (r *Recycler) checkCarve(addr uintptr, size int) (adoptedSegment, error) {
	if size != r.options.BlockSize {
		return adoptedSegment{}, errors.Newf("carved range of %d bytes is not a single block of %d bytes", size, r.options.BlockSize)
	}

	segment, ok := r.findSegment(addr)
	if !ok {
		return adoptedSegment{}, errors.Newf("block at %#x is not inside an adopted segment", addr)
	}
	if r.blockStart(segment, addr) != addr || uint64(addr)+uint64(size) > segment.end {
		return adoptedSegment{}, errors.Newf("address %#x is not the start of a block", addr)
	}
	if r.blocks.Has(addr) {
		return adoptedSegment{}, errors.Mark(errors.Newf("block at %#x is already live", addr), ErrBlockAlreadyCarved)
	}
	return segment, nil
}

func (r *Recycler) carve(addr uintptr, size, slotSize int, kind metadata.SlotKind) error {
	bitmap, err := metadata.NewSlotBitmap(size, slotSize, kind)
	if err != nil {
		return err
	}
	err = bitmap.MarkLive(0, size)
	if err != nil {
		return err
	}

	r.blocks.Put(addr, bitmap)
	return nil
}

// SetWriteBarrierBits flags every slot of a carved block in [addr, addr+size) as requiring write
// barrier tracking
func (r *Recycler) SetWriteBarrierBits(addr uintptr, size int) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	bitmap, ok := r.blocks.Get(addr)
	if !ok {
		return errors.Newf("block at %#x has not been carved", addr)
	}
	return bitmap.SetWriteBarrier(0, size)
}

// ResetWriteWatch records that the pages in [addr, addr+size) hold no references and need no rescan
// until they are written again
func (r *Recycler) ResetWriteWatch(addr uintptr, size int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for block := addr; block < addr+uintptr(size); block += uintptr(r.options.BlockSize) {
		r.watched.Put(block, true)
	}
}

// NeedsRescan returns whether the block containing addr may hold references written since its
// write watch was last reset
func (r *Recycler) NeedsRescan(addr uintptr) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	segment, ok := r.findSegment(addr)
	if !ok {
		return true
	}
	return !r.watched.Has(r.blockStart(segment, addr))
}

// IsLive returns whether addr falls inside a live slot of a carved block
func (r *Recycler) IsLive(addr uintptr) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	bitmap, offset, ok := r.slotFor(addr)
	return ok && bitmap.IsLive(offset)
}

// HasWriteBarrier returns whether addr falls inside a slot with write barrier tracking
func (r *Recycler) HasWriteBarrier(addr uintptr) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	bitmap, offset, ok := r.slotFor(addr)
	return ok && bitmap.HasWriteBarrier(offset)
}

func (r *Recycler) slotFor(addr uintptr) (*metadata.SlotBitmap, int, bool) {
	segment, ok := r.findSegment(addr)
	if !ok {
		return nil, 0, false
	}
	start := r.blockStart(segment, addr)
	bitmap, ok := r.blocks.Get(start)
	if !ok {
		return nil, 0, false
	}
	return bitmap, int(addr - start), true
}

// CarvedBlockCount returns the number of blocks carved into slots so far
func (r *Recycler) CarvedBlockCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.blocks.Count()
}

// AdoptedSegmentCount returns the number of segments adopted so far
func (r *Recycler) AdoptedSegmentCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.segments.Count()
}

// AddStatistics sums carved blocks into BlockCount/BlockBytes and live slots into
// AllocationCount/AllocationBytes
func (r *Recycler) AddStatistics(stats *memutils.Statistics) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.blocks.Iter(func(addr uintptr, bitmap *metadata.SlotBitmap) bool {
		stats.BlockCount++
		stats.BlockBytes += bitmap.BlockSize()
		stats.AllocationCount += bitmap.LiveCount()
		stats.AllocationBytes += bitmap.LiveCount() * bitmap.SlotSize()
		return false
	})
}

func (r *Recycler) Validate() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var err error
	r.blocks.Iter(func(addr uintptr, bitmap *metadata.SlotBitmap) bool {
		if _, ok := r.findSegment(addr); !ok {
			err = errors.Newf("carved block at %#x is outside every adopted segment", addr)
			return true
		}
		err = bitmap.Validate()
		if err != nil {
			err = errors.Wrapf(err, "carved block at %#x", addr)
			return true
		}
		return false
	})
	return err
}

func (r *Recycler) BuildStatsString(writer *jwriter.Writer) {
	var stats memutils.Statistics
	r.AddStatistics(&stats)

	r.mutex.Lock()
	defer r.mutex.Unlock()

	obj := writer.Object()
	defer obj.End()

	stats.PrintJson(&obj)
	obj.Name("AdoptedSegments").Int(r.segments.Count())

	allocators := obj.Name("PageAllocators").Array()
	defer allocators.End()

	r.allocators.Iter(func(name string, allocator *pagealloc.PageAllocator) bool {
		allocatorObj := allocators.Object()
		allocator.PrintJson(&allocatorObj)
		allocatorObj.End()
		return false
	})
}

// Destroy releases every segment reserved through the named page allocators and forgets all
// collector bookkeeping
func (r *Recycler) Destroy() error {
	r.logger.Debug("Recycler::Destroy")

	r.mutex.Lock()
	defer r.mutex.Unlock()

	var errs error
	r.allocators.Iter(func(name string, allocator *pagealloc.PageAllocator) bool {
		err := allocator.Release()
		if err != nil {
			r.logger.LogAttrs(context.Background(), slog.LevelError, "failed to release page allocator",
				slog.String("Name", name),
				slog.Any("error", err))
			errs = errors.CombineErrors(errs, err)
		}
		return false
	})

	r.allocators = swiss.NewMap[string, *pagealloc.PageAllocator](4)
	r.segments = swiss.NewMap[uint64, adoptedSegment](16)
	r.blocks = swiss.NewMap[uintptr, *metadata.SlotBitmap](256)
	r.watched = swiss.NewMap[uintptr, bool](256)
	return errs
}
