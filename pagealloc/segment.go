package pagealloc

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// SegmentHandle identifies a segment record inside a SegmentArena
type SegmentHandle int

const NoSegment SegmentHandle = -1

// Segment is a reserved range of address space. The range may belong to the local process or, when
// IsForeign is set, to another process, in which case Start and End are never dereferenced.
type Segment struct {
	Start     uint64
	End       uint64
	IsForeign bool

	pageSize       int
	committedPages []bool
	committedBytes int
	adopted        bool
	free           bool
}

func (s *Segment) Size() int                 { return int(s.End - s.Start) }
func (s *Segment) CommittedBytes() int       { return s.committedBytes }
func (s *Segment) Adopted() bool             { return s.adopted }
func (s *Segment) Free() bool                { return s.free }
func (s *Segment) Contains(addr uint64) bool { return addr >= s.Start && addr < s.End }

func (s *Segment) pageRange(addr uint64, size int) (int, int, error) {
	if addr < s.Start || addr+uint64(size) > s.End || size <= 0 {
		return 0, 0, errors.Newf("range [%#x, +%d) is outside segment [%#x, %#x)", addr, size, s.Start, s.End)
	}
	if (addr-s.Start)%uint64(s.pageSize) != 0 || size%s.pageSize != 0 {
		return 0, 0, errors.Newf("range [%#x, +%d) is not page aligned", addr, size)
	}
	first := int(addr-s.Start) / s.pageSize
	return first, first + size/s.pageSize, nil
}

// IsCommitted returns whether every page in [addr, addr+size) has been committed
func (s *Segment) IsCommitted(addr uint64, size int) bool {
	first, last, err := s.pageRange(addr, size)
	if err != nil {
		return false
	}
	for page := first; page < last; page++ {
		if !s.committedPages[page] {
			return false
		}
	}
	return true
}

// markCommitted records [addr, addr+size) as committed and returns the number of newly committed bytes
func (s *Segment) markCommitted(addr uint64, size int, committed bool) (int, error) {
	first, last, err := s.pageRange(addr, size)
	if err != nil {
		return 0, err
	}

	changed := 0
	for page := first; page < last; page++ {
		if s.committedPages[page] != committed {
			s.committedPages[page] = committed
			changed += s.pageSize
		}
	}
	if committed {
		s.committedBytes += changed
	} else {
		s.committedBytes -= changed
	}
	return changed, nil
}

func (s *Segment) printJson(json *jwriter.ObjectState) {
	json.Name("Start").String(fmt.Sprintf("%#x", s.Start))
	json.Name("Size").Int(s.Size())
	json.Name("CommittedBytes").Int(s.committedBytes)
	json.Name("Adopted").Bool(s.adopted)
	json.Name("Free").Bool(s.free)
}

// SegmentArena stores segment records addressed by SegmentHandle
type SegmentArena struct {
	segments     []Segment
	freeSegments []SegmentHandle
}

// Add records a new segment and returns its handle
func (a *SegmentArena) Add(start uint64, size int, pageSize int, foreign bool) SegmentHandle {
	a.segments = append(a.segments, Segment{
		Start:          start,
		End:            start + uint64(size),
		IsForeign:      foreign,
		pageSize:       pageSize,
		committedPages: make([]bool, size/pageSize),
	})
	return SegmentHandle(len(a.segments) - 1)
}

// Get returns the segment record for a handle. The pointer is invalidated by the next call to Add.
func (a *SegmentArena) Get(handle SegmentHandle) (*Segment, error) {
	if handle < 0 || int(handle) >= len(a.segments) {
		return nil, errors.Newf("segment handle %d is not valid", handle)
	}
	return &a.segments[handle], nil
}

// Find returns the handle of the segment containing addr
func (a *SegmentArena) Find(addr uint64) SegmentHandle {
	for index := range a.segments {
		if a.segments[index].Contains(addr) {
			return SegmentHandle(index)
		}
	}
	return NoSegment
}

func (a *SegmentArena) Len() int { return len(a.segments) }

// Visit calls visitor for every segment in handle order
func (a *SegmentArena) Visit(visitor func(handle SegmentHandle, segment *Segment) error) error {
	for index := range a.segments {
		err := visitor(SegmentHandle(index), &a.segments[index])
		if err != nil {
			return err
		}
	}
	return nil
}

// takeFree removes and returns the first free segment of at least size bytes
func (a *SegmentArena) takeFree(size int) SegmentHandle {
	for index, handle := range a.freeSegments {
		segment := &a.segments[handle]
		if segment.Size() >= size {
			a.freeSegments = append(a.freeSegments[:index], a.freeSegments[index+1:]...)
			segment.free = false
			return handle
		}
	}
	return NoSegment
}

func (a *SegmentArena) pushFree(handle SegmentHandle) {
	a.segments[handle].free = true
	a.freeSegments = append(a.freeSegments, handle)
}

// Reset forgets every segment
func (a *SegmentArena) Reset() {
	a.segments = nil
	a.freeSegments = nil
}
