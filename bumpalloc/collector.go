package bumpalloc

import (
	"github.com/vkngwrapper/jitmem/memutils/metadata"
	"github.com/vkngwrapper/jitmem/pagealloc"
)

//go:generate mockgen -source collector.go -destination ./mocks/collector.go -package mock_bumpalloc

// Collector is the part of the tracing collector that the bump allocator hands its memory to. All
// methods are called with the allocator's lock held.
type Collector interface {
	// PageAllocator returns the collector's page allocator registered under name
	PageAllocator(name string) (*pagealloc.PageAllocator, error)
	// AdoptSegments takes ownership of every segment the page allocator reserved since the last call
	AdoptSegments(allocator *pagealloc.PageAllocator) error
	// CarveBlock divides one committed block into slots of slotSize bytes tagged as kind, and marks
	// them live without initializing them
	CarveBlock(addr uintptr, size, slotSize int, kind metadata.SlotKind) error
	// SetWriteBarrierBits flags every slot in a carved block as requiring write barrier tracking
	SetWriteBarrierBits(addr uintptr, size int) error
	// ResetWriteWatch clears OS write tracking over a block that needs no rescan
	ResetWriteWatch(addr uintptr, size int)
	// SoftwareWriteBarrier reports whether the collector runs with software write barriers
	SoftwareWriteBarrier() bool
}
