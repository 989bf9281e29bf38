// Package xproc writes boxed numbers into the address space of another process, for a compiler that
// runs in a different process than the collector that will own them.
package xproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/jitmem/internal/osmem"
	"github.com/vkngwrapper/jitmem/memutils"
	"github.com/vkngwrapper/jitmem/memutils/metadata"
	"github.com/vkngwrapper/jitmem/pagealloc"
	"golang.org/x/exp/slog"
)

// Segment describes a range reserved in the foreign process. Committed, Allocated, and
// IntegratedUpTo are foreign addresses inside [Start, End).
type Segment struct {
	Start          uint64
	End            uint64
	Committed      uint64
	Allocated      uint64
	IntegratedUpTo uint64
	Adopted        bool
}

func (s *Segment) Full() bool { return s.Allocated+uint64(RecordSize) > s.End }

func (s *Segment) printJson(json *jwriter.ObjectState) {
	json.Name("Start").String(fmt.Sprintf("%#x", s.Start))
	json.Name("Size").Int(int(s.End - s.Start))
	json.Name("CommittedBytes").Int(int(s.Committed - s.Start))
	json.Name("AllocatedBytes").Int(int(s.Allocated - s.Start))
	json.Name("IntegratedBytes").Int(int(s.IntegratedUpTo - s.Start))
	json.Name("Adopted").Bool(s.Adopted)
}

// Allocator bump allocates number records in a foreign process. Segment records live in an arena
// and are linked in list order; the tail segment is the one being allocated from.
type Allocator struct {
	logger    *slog.Logger
	process   osmem.ForeignProcess
	collector Collector
	tags      *TypeTags

	blockSize   int
	segmentSize int

	mutex    sync.Mutex
	arena    pagealloc.SegmentArena
	cursors  []Segment
	list     []pagealloc.SegmentHandle
	scratch  []byte
	stats     memutils.Statistics
	detached  int
	destroyed bool
}

// ErrAllocatorDestroyed is returned by operations on an Allocator after a successful Destroy
var ErrAllocatorDestroyed error = errors.New("cross-process allocator was destroyed")

// New creates an Allocator that writes records tagged from tags into process
func New(logger *slog.Logger, process osmem.ForeignProcess, collector Collector, tags *TypeTags, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if options.BlockSize == 0 {
		options.BlockSize = process.PageSize()
	}
	if options.SegmentBlocks == 0 {
		options.SegmentBlocks = defaultSegmentBlocks
	}
	err := memutils.CheckBlockPageCoupling(options.BlockSize, process.PageSize())
	if err != nil {
		return nil, err
	}
	if options.BlockSize%RecordSize != 0 {
		return nil, errors.Newf("block size %d does not hold a whole number of records", options.BlockSize)
	}
	if _, err = tags.Lookup(RecordKindNumber); err != nil {
		return nil, err
	}

	return &Allocator{
		logger:      logger,
		process:     process,
		collector:   collector,
		tags:        tags,
		blockSize:   options.BlockSize,
		segmentSize: options.BlockSize * options.SegmentBlocks,
		scratch:     make([]byte, 0, RecordSize),
	}, nil
}

func (a *Allocator) BlockSize() int { return a.blockSize }

func (a *Allocator) classify(err error, format string, args ...any) error {
	if errors.Is(err, memutils.ErrForeignProcessGone) {
		return errors.Wrapf(err, format, args...)
	}
	return memutils.OutOfMemory(err, format, args...)
}

func (a *Allocator) link(segment Segment) pagealloc.SegmentHandle {
	handle := a.arena.Add(segment.Start, int(segment.End-segment.Start), a.process.PageSize(), true)
	a.cursors = append(a.cursors, segment)
	a.list = append(a.list, handle)
	return handle
}

func (a *Allocator) reserveSegment() (*Segment, error) {
	start, err := a.process.Reserve(a.segmentSize)
	if err != nil {
		return nil, a.classify(err, "failed to reserve %d bytes in process %d", a.segmentSize, a.process.Pid())
	}

	a.logger.Debug("Allocator::ReserveSegment",
		slog.Int("Pid", a.process.Pid()),
		slog.String("Start", fmt.Sprintf("%#x", start)),
		slog.Int("Size", a.segmentSize))

	handle := a.link(Segment{
		Start:          start,
		End:            start + uint64(a.segmentSize),
		Committed:      start,
		Allocated:      start,
		IntegratedUpTo: start,
	})
	a.stats.BlockCount++
	a.stats.BlockBytes += a.segmentSize
	return &a.cursors[handle], nil
}

func (a *Allocator) tail() *Segment {
	if len(a.list) == 0 {
		return nil
	}
	return &a.cursors[a.list[len(a.list)-1]]
}

// AllocateNumber writes a number record into the foreign process and returns its foreign address
func (a *Allocator) AllocateNumber(value float64) (uint64, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return 0, ErrAllocatorDestroyed
	}

	tag, err := a.tags.Lookup(RecordKindNumber)
	if err != nil {
		return 0, err
	}
	a.scratch = Record{Tag: tag, Value: value}.AppendBinary(a.scratch[:0])

	segment := a.tail()
	for {
		if segment == nil || segment.Full() {
			segment, err = a.reserveSegment()
			if err != nil {
				return 0, err
			}
			continue
		}

		if segment.Allocated+uint64(RecordSize) <= segment.Committed {
			addr := segment.Allocated
			err = a.process.Write(addr, a.scratch)
			if err != nil {
				return 0, a.classify(err, "failed to write a record to %#x in process %d", addr, a.process.Pid())
			}
			segment.Allocated += uint64(RecordSize)
			a.stats.AllocationCount++
			a.stats.AllocationBytes += RecordSize
			return addr, nil
		}

		err = a.process.Commit(segment.Committed, a.blockSize, osmem.ProtectReadWrite)
		if err != nil {
			return 0, a.classify(err, "failed to commit a block at %#x in process %d", segment.Committed, a.process.Pid())
		}
		segment.Committed += uint64(a.blockSize)
	}
}

// RegisterSegments returns the start address of every segment in the list, in list order, for the
// collector's table of segments
func (a *Allocator) RegisterSegments() []uint64 {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	table := make([]uint64, 0, len(a.list))
	for _, handle := range a.list {
		table = append(table, a.cursors[handle].Start)
	}
	return table
}

// GetFreeSegment detaches the first segment that still has room from the list and returns it. The
// segment can be handed to another allocator with AttachSegment.
func (a *Allocator) GetFreeSegment() (Segment, bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for index, handle := range a.list {
		segment := a.cursors[handle]
		if segment.Full() {
			continue
		}
		a.list = append(a.list[:index], a.list[index+1:]...)
		a.detached++
		return segment, true
	}
	return Segment{}, false
}

// AttachSegment links a segment detached from another allocator for the same process at the tail
// of the list
func (a *Allocator) AttachSegment(segment Segment) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return ErrAllocatorDestroyed
	}
	if segment.Allocated < segment.IntegratedUpTo || segment.Committed < segment.Allocated || segment.End < segment.Committed {
		return errors.Newf("segment at %#x has inconsistent cursors", segment.Start)
	}
	if a.arena.Find(segment.Start) != pagealloc.NoSegment {
		for _, handle := range a.list {
			if a.cursors[handle].Start == segment.Start {
				return errors.Newf("segment at %#x is already linked", segment.Start)
			}
		}
	}

	a.link(segment)
	return nil
}

// Integrate hands every block that lies entirely below the block being allocated from to the
// collector, and every block of a full segment. Each segment's IntegratedUpTo only moves forward, so calling Integrate again with no
// new records does nothing. Fully integrated segments leave the list.
func (a *Allocator) Integrate() error {
	a.logger.Debug("Allocator::Integrate")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return ErrAllocatorDestroyed
	}
	return a.integrate(false)
}

func (a *Allocator) integrate(all bool) error {
	kept := a.list[:0]
	var failure error
	for _, handle := range a.list {
		segment := &a.cursors[handle]
		if failure == nil {
			failure = a.integrateSegment(segment, all)
		}
		if failure == nil && segment.IntegratedUpTo == segment.End {
			continue
		}
		kept = append(kept, handle)
	}
	a.list = kept
	return failure
}

func (a *Allocator) integrateSegment(segment *Segment, all bool) error {
	if !segment.Adopted {
		err := a.collector.AdoptForeignSegment(segment.Start, int(segment.End-segment.Start))
		if err != nil {
			return errors.Wrapf(err, "failed to adopt segment at %#x", segment.Start)
		}
		segment.Adopted = true
	}

	roundUp := all || segment.Full()
	limit := memutils.AlignUp(segment.Allocated-segment.Start, uint64(a.blockSize)) + segment.Start
	for segment.IntegratedUpTo < limit {
		// The block holding the allocation cursor stays out while records may still be written to it
		if !roundUp && segment.IntegratedUpTo+uint64(a.blockSize) >= segment.Allocated {
			break
		}
		err := a.collector.CarveForeignBlock(segment.IntegratedUpTo, a.blockSize, RecordSize, metadata.SlotKindNumber)
		if err != nil {
			return errors.Wrapf(err, "failed to integrate block at %#x", segment.IntegratedUpTo)
		}
		segment.IntegratedUpTo += uint64(a.blockSize)
	}
	return nil
}

// Destroy integrates every block that holds a record, including partially filled ones, and forgets
// all segments. The foreign memory belongs to the collector afterwards and the allocator refuses
// further work. Destroying twice is a no-op.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return nil
	}

	err := a.integrate(true)
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] foreign segments were not integrated",
			slog.Int("Pid", a.process.Pid()),
			slog.Int("Segments", len(a.list)),
			slog.Any("error", err))
		return err
	}

	a.arena.Reset()
	a.cursors = nil
	a.list = nil
	a.destroyed = true
	return nil
}

// Segment returns a copy of the segment at position index of the list
func (a *Allocator) Segment(index int) (Segment, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if index < 0 || index >= len(a.list) {
		return Segment{}, errors.Newf("segment index %d is outside a list of %d segments", index, len(a.list))
	}
	return a.cursors[a.list[index]], nil
}

func (a *Allocator) SegmentCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return len(a.list)
}

func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.AddStatistics(&a.stats)
}

func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, handle := range a.list {
		record, err := a.arena.Get(handle)
		if err != nil {
			return err
		}
		if !record.IsForeign {
			return errors.Newf("segment %d is not marked foreign", handle)
		}

		segment := a.cursors[handle]
		if segment.Start != record.Start || segment.End != record.End {
			return errors.Newf("segment %d cursors do not match its arena record", handle)
		}
		if !(segment.Start <= segment.IntegratedUpTo && segment.IntegratedUpTo <= memutils.AlignUp(segment.Allocated-segment.Start, uint64(a.blockSize))+segment.Start &&
			segment.Allocated <= segment.Committed && segment.Committed <= segment.End) {
			return errors.Newf("segment at %#x has inconsistent cursors", segment.Start)
		}
		if (segment.IntegratedUpTo-segment.Start)%uint64(a.blockSize) != 0 {
			return errors.Newf("segment at %#x was integrated up to the middle of a block", segment.Start)
		}
	}
	return nil
}

func (a *Allocator) BuildStatsString(writer *jwriter.Writer) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	obj := writer.Object()
	defer obj.End()

	obj.Name("Pid").Int(a.process.Pid())
	a.stats.PrintJson(&obj)
	obj.Name("DetachedSegments").Int(a.detached)

	segments := obj.Name("Segments").Array()
	defer segments.End()

	for _, handle := range a.list {
		segmentObj := segments.Object()
		a.cursors[handle].printJson(&segmentObj)
		segmentObj.End()
	}
}
