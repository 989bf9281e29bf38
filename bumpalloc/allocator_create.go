package bumpalloc

// CreateFlags indicate specific bump allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateExternallySynchronized ensures that the allocator will not be synchronized internally.
	// The consumer must guarantee that compile threads sharing the allocator, and the collector's
	// calls to Integrate, never overlap.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	CreateExternallySynchronized: "CreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}
	str, ok := createFlagsMapping[f]
	if !ok {
		return "Unknown"
	}
	return str
}

const (
	// NumberAllocatorName is the collector page allocator that number box segments are reserved from
	NumberAllocatorName string = "numbers"
	// ChunkAllocatorName is the collector page allocator that chunk segments are reserved from
	ChunkAllocatorName string = "chunks"

	// DefaultNumberBoxSize holds an 8-byte kind tag followed by an 8-byte float64
	DefaultNumberBoxSize int = 16
	// DefaultChunkCapacity is the number of box addresses a chunk holds before a new chunk is linked
	DefaultChunkCapacity int = 32
)

// CreateOptions contains optional settings when creating an Allocator
type CreateOptions struct {
	Flags CreateFlags
	// NumberBoxSize is the slot size of a number box. It must be a positive multiple of 8 and defaults
	// to DefaultNumberBoxSize.
	NumberBoxSize int
	// ChunkCapacity is the number of box addresses held by each chunk, and defaults to
	// DefaultChunkCapacity
	ChunkCapacity int
	// SegmentBlocks is the number of blocks reserved each time a segment is exhausted. When zero, the
	// collector page allocator's default segment size is used.
	SegmentBlocks int
}
