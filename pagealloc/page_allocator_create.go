package pagealloc

// CreateFlags indicate specific page allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateExternallySynchronized ensures that the page allocator will not be synchronized internally.
	// The consumer must guarantee it is used from only one goroutine at a time.
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
	// defaultSegmentBlocks is the number of blocks in a segment when CreateOptions does not say
	defaultSegmentBlocks int = 64
)

// CreateOptions contains optional settings when creating a page allocator
type CreateOptions struct {
	Flags CreateFlags
	// ID is an identifier assigned by the owner, such as a Pool
	ID int
	// Name identifies the allocator in logs and statistics
	Name string
	// BlockSize is the commit granularity. It must be a positive multiple of the OS page size,
	// and defaults to the page size.
	BlockSize int
	// SegmentBlocks is the number of blocks reserved by ReserveSegment when no size is given
	SegmentBlocks int
}
