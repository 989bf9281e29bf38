package xproc

const (
	defaultSegmentBlocks int = 16
)

// CreateOptions contains optional settings when creating an Allocator
type CreateOptions struct {
	// BlockSize is the collector block size in the foreign process. It must be a power of two
	// multiple of the foreign page size, and defaults to the page size.
	BlockSize int
	// SegmentBlocks is the number of blocks reserved in the foreign process each time the tail
	// segment is exhausted
	SegmentBlocks int
}
