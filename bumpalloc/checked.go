package bumpalloc

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/jitmem/internal/utils"
	"github.com/vkngwrapper/jitmem/memutils"
	"github.com/vkngwrapper/jitmem/memutils/metadata"
	"golang.org/x/exp/slog"
)

// ErrCorruptionDetected marks a number box whose trailing margin was overwritten
var ErrCorruptionDetected error = errors.New("corruption detected after number box")

// CheckedAllocator wraps an Allocator and places a margin filled with a magic value after every
// number box. The margins are verified before blocks are handed to the collector.
type CheckedAllocator struct {
	allocator *Allocator
	boxSize   int
	margin    int

	mutex utils.OptionalMutex
	boxes []uintptr
}

// NewChecked creates a CheckedAllocator. A margin of zero uses memutils.DebugMargin, which is only
// nonzero in builds with the debug_mem_utils tag.
func NewChecked(logger *slog.Logger, collector Collector, options CreateOptions, margin int) (*CheckedAllocator, error) {
	if margin == 0 {
		margin = memutils.DebugMargin
	}
	if margin < 0 || margin%4 != 0 {
		return nil, errors.Newf("debug margin %d is not a multiple of 4", margin)
	}
	if options.NumberBoxSize == 0 {
		options.NumberBoxSize = DefaultNumberBoxSize
	}

	boxSize := options.NumberBoxSize
	options.NumberBoxSize = memutils.AlignUp(boxSize+margin, 8)

	allocator, err := New(logger, collector, options)
	if err != nil {
		return nil, err
	}

	return &CheckedAllocator{
		allocator: allocator,
		boxSize:   boxSize,
		margin:    margin,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},
	}, nil
}

// Allocator returns the wrapped allocator
func (c *CheckedAllocator) Allocator() *Allocator { return c.allocator }

func (c *CheckedAllocator) guard(box uintptr) uintptr {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	memutils.WriteMagicValue(box+uintptr(c.boxSize), c.margin)
	c.boxes = append(c.boxes, box)
	return box
}

func (c *CheckedAllocator) AllocateNumberBox() (uintptr, error) {
	box, err := c.allocator.AllocateNumberBox()
	if err != nil {
		return 0, err
	}
	return c.guard(box), nil
}

func (c *CheckedAllocator) AllocateNumber(tag uint64, value float64) (uintptr, error) {
	box, err := c.allocator.AllocateNumber(tag, value)
	if err != nil {
		return 0, err
	}
	return c.guard(box), nil
}

func (c *CheckedAllocator) AllocateChunk() (*Chunk, error) { return c.allocator.AllocateChunk() }
func (c *CheckedAllocator) Finalize() *Chunk               { return c.allocator.Finalize() }
func (c *CheckedAllocator) FlushAllocations()              { c.allocator.FlushAllocations() }

// CheckCorruption verifies the margin after every box that has not been integrated yet
func (c *CheckedAllocator) CheckCorruption() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.checkCorruption()
}

func (c *CheckedAllocator) checkCorruption() error {
	for _, box := range c.boxes {
		if !memutils.ValidateMagicValue(box+uintptr(c.boxSize), c.margin) {
			return errors.Mark(errors.Newf("margin after number box %#x was overwritten", box), ErrCorruptionDetected)
		}
	}
	return nil
}

// GuardedBoxCount returns the number of boxes whose margins are still verified. Boxes leave the
// list once their block belongs to the collector.
func (c *CheckedAllocator) GuardedBoxCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return len(c.boxes)
}

// Integrate verifies every margin and then integrates the wrapped allocator. Nothing is integrated
// when corruption is found.
func (c *CheckedAllocator) Integrate() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	err := c.checkCorruption()
	if err != nil {
		return err
	}

	err = c.allocator.Integrate()
	c.boxes = c.allocator.retainUnintegrated(c.boxes)
	return err
}

func (c *CheckedAllocator) Destroy() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	err := c.checkCorruption()
	err = errors.CombineErrors(err, c.allocator.Destroy())
	c.boxes = nil
	return err
}

func (c *CheckedAllocator) Statistics(kind metadata.SlotKind) memutils.Statistics {
	return c.allocator.Statistics(kind)
}

func (c *CheckedAllocator) BuildStatsString(writer *jwriter.Writer) {
	c.allocator.BuildStatsString(writer)
}
