package recycler

// CreateOptions contains optional settings when creating a Recycler
type CreateOptions struct {
	// BlockSize is the granularity at which the collector tracks memory. It must be a positive
	// multiple of the OS page size, and defaults to the page size.
	BlockSize int
	// SegmentBlocks is the number of blocks reserved by the named page allocators when their
	// consumer does not ask for a specific segment size
	SegmentBlocks int
	// SoftwareWriteBarrier indicates that the collector tracks writes into carved chunk blocks with
	// write barrier bits rather than relying on OS write watching
	SoftwareWriteBarrier bool
}
