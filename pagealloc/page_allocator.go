package pagealloc

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/jitmem/internal/osmem"
	"github.com/vkngwrapper/jitmem/internal/utils"
	"github.com/vkngwrapper/jitmem/memutils"
	"golang.org/x/exp/slog"
)

// PageAllocator reserves segments of address space from the OS and commits them piecemeal. Segments
// are never released individually while the allocator is alive: they are decommitted and kept for
// reuse, and released in bulk by Release.
type PageAllocator struct {
	id     int
	name   string
	logger *slog.Logger
	memory osmem.Memory

	blockSize     int
	segmentBlocks int

	mutex  utils.OptionalMutex
	arena  SegmentArena
	stats  memutils.Statistics
	unused int
}

// New creates a PageAllocator that reserves memory from the provided osmem.Memory
func New(logger *slog.Logger, memory osmem.Memory, options CreateOptions) (*PageAllocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	blockSize := options.BlockSize
	if blockSize == 0 {
		blockSize = memory.PageSize()
	}
	err := memutils.CheckBlockPageCoupling(blockSize, memory.PageSize())
	if err != nil {
		return nil, err
	}

	segmentBlocks := options.SegmentBlocks
	if segmentBlocks == 0 {
		segmentBlocks = defaultSegmentBlocks
	}

	return &PageAllocator{
		id:            options.ID,
		name:          options.Name,
		logger:        logger,
		memory:        memory,
		blockSize:     blockSize,
		segmentBlocks: segmentBlocks,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},
	}, nil
}

func (p *PageAllocator) ID() int                 { return p.id }
func (p *PageAllocator) Name() string            { return p.name }
func (p *PageAllocator) Memory() osmem.Memory    { return p.memory }
func (p *PageAllocator) BlockSize() int          { return p.blockSize }
func (p *PageAllocator) PageSize() int           { return p.memory.PageSize() }
func (p *PageAllocator) DefaultSegmentSize() int { return p.blockSize * p.segmentBlocks }

// ReserveSegment reserves at least size bytes of address space, rounded up to whole blocks. A
// previously freed segment that is large enough is reused before new address space is reserved.
// The returned segment is reserved but not committed. A size of zero reserves DefaultSegmentSize bytes.
func (p *PageAllocator) ReserveSegment(size int) (SegmentHandle, *Segment, error) {
	p.logger.Debug("PageAllocator::ReserveSegment", slog.String("Name", p.name), slog.Int("Size", size))

	if size < 0 {
		return NoSegment, nil, errors.Newf("page allocator %q cannot reserve a segment of %d bytes", p.name, size)
	}
	if size == 0 {
		size = p.DefaultSegmentSize()
	}
	aligned := memutils.AlignUp(size, p.blockSize)
	if aligned < size {
		return NoSegment, nil, memutils.OutOfMemory(nil, "page allocator %q cannot reserve a segment of %d bytes", p.name, size)
	}
	size = aligned

	p.mutex.Lock()
	defer p.mutex.Unlock()

	handle := p.arena.takeFree(size)
	if handle != NoSegment {
		segment, err := p.arena.Get(handle)
		if err != nil {
			return NoSegment, nil, err
		}
		p.unused -= segment.Size()
		copied := *segment
		return handle, &copied, nil
	}

	addr, err := p.memory.Reserve(size)
	if err != nil {
		return NoSegment, nil, memutils.OutOfMemory(err, "page allocator %q failed to reserve a %d byte segment", p.name, size)
	}

	handle = p.arena.Add(uint64(addr), size, p.memory.PageSize(), false)
	p.stats.BlockCount++
	p.stats.BlockBytes += size

	segment, err := p.arena.Get(handle)
	if err != nil {
		return NoSegment, nil, err
	}
	copied := *segment
	return handle, &copied, nil
}

// Segment returns a copy of the segment record for handle
func (p *PageAllocator) Segment(handle SegmentHandle) (Segment, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	segment, err := p.arena.Get(handle)
	if err != nil {
		return Segment{}, err
	}
	return *segment, nil
}

// Commit backs [addr, addr+size) inside the segment with memory carrying the provided protection
func (p *PageAllocator) Commit(handle SegmentHandle, addr uintptr, size int, prot osmem.Protection) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	segment, err := p.arena.Get(handle)
	if err != nil {
		return err
	}
	if segment.free {
		return errors.Newf("segment %d is free and cannot be committed", handle)
	}
	if _, _, err = segment.pageRange(uint64(addr), size); err != nil {
		return err
	}

	err = p.memory.Commit(addr, size, prot)
	if err != nil {
		return memutils.OutOfMemory(err, "page allocator %q failed to commit [%#x, +%d)", p.name, addr, size)
	}

	committed, err := segment.markCommitted(uint64(addr), size, true)
	if err != nil {
		return err
	}
	p.stats.AllocationBytes += committed
	return nil
}

// Protect changes the protection of a committed range inside the segment
func (p *PageAllocator) Protect(handle SegmentHandle, addr uintptr, size int, prot osmem.Protection) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	segment, err := p.arena.Get(handle)
	if err != nil {
		return err
	}
	if !segment.IsCommitted(uint64(addr), size) {
		return errors.Newf("range [%#x, +%d) of segment %d is not committed", addr, size, handle)
	}

	return p.memory.Protect(addr, size, prot)
}

// Decommit returns the memory behind [addr, addr+size) to the OS, keeping the range reserved
func (p *PageAllocator) Decommit(handle SegmentHandle, addr uintptr, size int) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	segment, err := p.arena.Get(handle)
	if err != nil {
		return err
	}
	return p.decommitRange(segment, addr, size)
}

func (p *PageAllocator) decommitRange(segment *Segment, addr uintptr, size int) error {
	if _, _, err := segment.pageRange(uint64(addr), size); err != nil {
		return err
	}

	err := p.memory.Decommit(addr, size)
	if err != nil {
		return errors.Wrapf(err, "page allocator %q failed to decommit [%#x, +%d)", p.name, addr, size)
	}

	decommitted, err := segment.markCommitted(uint64(addr), size, false)
	if err != nil {
		return err
	}
	p.stats.AllocationBytes -= decommitted
	return nil
}

// FreeSegment decommits a segment and keeps its reservation for reuse by ReserveSegment. Segments
// that have been adopted belong to the collector and cannot be freed.
func (p *PageAllocator) FreeSegment(handle SegmentHandle) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	segment, err := p.arena.Get(handle)
	if err != nil {
		return err
	}
	if segment.free {
		return errors.Newf("segment %d is already free", handle)
	}
	if segment.adopted {
		return errors.Newf("segment %d has been adopted and cannot be freed", handle)
	}

	if segment.committedBytes > 0 {
		err = p.decommitRange(segment, uintptr(segment.Start), segment.Size())
		if err != nil {
			return err
		}
	}

	p.arena.pushFree(handle)
	p.unused += segment.Size()
	return nil
}

// AdoptSegments marks every segment that has been reserved since the last call as adopted, and
// returns their handles. Adopted segments are owned by the collector from then on.
func (p *PageAllocator) AdoptSegments() []SegmentHandle {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var adopted []SegmentHandle
	_ = p.arena.Visit(func(handle SegmentHandle, segment *Segment) error {
		if !segment.adopted && !segment.free {
			segment.adopted = true
			adopted = append(adopted, handle)
		}
		return nil
	})
	return adopted
}

// Recycle decommits every segment that has not been adopted and makes it available for reuse. It is
// called when the allocator goes back to a Pool.
func (p *PageAllocator) Recycle() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.arena.Visit(func(handle SegmentHandle, segment *Segment) error {
		if segment.free || segment.adopted {
			return nil
		}
		if segment.committedBytes > 0 {
			err := p.decommitRange(segment, uintptr(segment.Start), segment.Size())
			if err != nil {
				return err
			}
		}
		p.arena.pushFree(handle)
		p.unused += segment.Size()
		return nil
	})
}

// Release gives every segment back to the OS and forgets them. The allocator can be used again
// afterwards.
func (p *PageAllocator) Release() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var errs error
	_ = p.arena.Visit(func(handle SegmentHandle, segment *Segment) error {
		err := p.memory.Release(uintptr(segment.Start), segment.Size())
		if err != nil {
			p.logger.LogAttrs(context.Background(), slog.LevelError, "failed to release segment",
				slog.String("Name", p.name),
				slog.Int("Segment", int(handle)),
				slog.Any("error", err))
			errs = errors.CombineErrors(errs, err)
		}
		return nil
	})

	p.arena.Reset()
	p.stats.Clear()
	p.unused = 0
	return errs
}

// IsEmpty returns true when the allocator holds no reserved address space
func (p *PageAllocator) IsEmpty() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.arena.Len() == 0
}

// UnusedBytes returns the number of reserved bytes held in free segments
func (p *PageAllocator) UnusedBytes() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.unused
}

// AddStatistics sums reserved segments into BlockCount/BlockBytes and committed bytes into
// AllocationBytes
func (p *PageAllocator) AddStatistics(stats *memutils.Statistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stats.AddStatistics(&p.stats)
}

func (p *PageAllocator) Validate() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	committed := 0
	unused := 0
	err := p.arena.Visit(func(handle SegmentHandle, segment *Segment) error {
		if segment.IsForeign {
			return errors.Newf("segment %d of a local page allocator is marked foreign", handle)
		}
		if segment.free && segment.committedBytes > 0 {
			return errors.Newf("free segment %d still has %d committed bytes", handle, segment.committedBytes)
		}
		if segment.free && segment.adopted {
			return errors.Newf("segment %d is both free and adopted", handle)
		}
		if segment.free {
			unused += segment.Size()
		}
		committed += segment.committedBytes
		return nil
	})
	if err != nil {
		return err
	}

	if committed != p.stats.AllocationBytes {
		return errors.Newf("segments hold %d committed bytes but the allocator counted %d", committed, p.stats.AllocationBytes)
	}
	if unused != p.unused {
		return errors.Newf("free segments hold %d bytes but the allocator counted %d", unused, p.unused)
	}
	return nil
}

func (p *PageAllocator) BuildStatsString(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	p.PrintJson(&obj)
}

// PrintJson writes the allocator's statistics and segments into an open json object
func (p *PageAllocator) PrintJson(obj *jwriter.ObjectState) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	obj.Name("ID").Int(p.id)
	obj.Name("Name").String(p.name)
	obj.Name("BlockSize").Int(p.blockSize)
	obj.Name("UnusedBytes").Int(p.unused)
	p.stats.PrintJson(obj)

	segments := obj.Name("Segments").Array()
	defer segments.End()

	_ = p.arena.Visit(func(handle SegmentHandle, segment *Segment) error {
		segmentObj := segments.Object()
		segment.printJson(&segmentObj)
		segmentObj.End()
		return nil
	})
}
