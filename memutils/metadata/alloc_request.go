package metadata

// AllocationRequestType is an enum that indicates the type of allocation that is being made.
// It is returned in AllocationRequest from CreateAllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestBump indicates that the allocation request was sourced from metadata.BumpBlockMetadata
	AllocationRequestBump AllocationRequestType = iota
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestBump: "Bump",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where
// the metadata intends to place new memory. It is committed to the metadata with BlockMetadata.Alloc
type AllocationRequest struct {
	// BlockAllocationHandle is a numeric handle used to identify individual allocations within the metadata
	BlockAllocationHandle BlockAllocationHandle
	// Offset is the offset within the block at which the allocation will start
	Offset int
	// Size is the total size of the allocation, including any alignment padding in front of it
	Size int
	// Type identifies the BlockMetadata implementation used to generate this request
	Type AllocationRequestType
}
