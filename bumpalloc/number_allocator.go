package bumpalloc

import "github.com/launchdarkly/go-jsonstream/v3/jwriter"

// NumberAllocator is implemented by Allocator and CheckedAllocator
type NumberAllocator interface {
	AllocateNumberBox() (uintptr, error)
	AllocateNumber(tag uint64, value float64) (uintptr, error)
	AllocateChunk() (*Chunk, error)
	Finalize() *Chunk
	FlushAllocations()
	Integrate() error
	Destroy() error
	BuildStatsString(writer *jwriter.Writer)
}

var _ NumberAllocator = &Allocator{}
var _ NumberAllocator = &CheckedAllocator{}
