package metadata

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/jitmem/memutils"
)

// BumpBlockMetadata is a BlockMetadata implementation that hands out memory by advancing a single
// cursor through the block. Allocations are never reused; the block is only ever emptied as a whole
// with Clear.
type BumpBlockMetadata struct {
	BlockMetadataBase

	cursor          int
	allocationCount int
	allocationBytes int
	paddingBytes    int
}

var _ BlockMetadata = &BumpBlockMetadata{}

// NewBumpBlockMetadata creates a new, uninitialized BumpBlockMetadata
func NewBumpBlockMetadata() *BumpBlockMetadata {
	return &BumpBlockMetadata{}
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BumpBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.Clear()
}

// Cursor returns the offset of the first byte that has not been handed out
func (m *BumpBlockMetadata) Cursor() int { return m.cursor }

func (m *BumpBlockMetadata) AllocationCount() int { return m.allocationCount }

func (m *BumpBlockMetadata) SumFreeSize() int { return m.size - m.cursor }

func (m *BumpBlockMetadata) IsEmpty() bool { return m.allocationCount == 0 }

func (m *BumpBlockMetadata) Validate() error {
	if m.cursor < 0 || m.cursor > m.size {
		return errors.Newf("bump cursor %d is outside the block, which is size %d", m.cursor, m.size)
	}
	if m.allocationBytes+m.paddingBytes != m.cursor {
		return errors.Newf("allocated bytes %d plus padding %d do not add up to the bump cursor %d",
			m.allocationBytes, m.paddingBytes, m.cursor)
	}
	if m.allocationCount == 0 && m.cursor != 0 {
		return errors.Newf("block has no allocations but the bump cursor is %d", m.cursor)
	}
	return nil
}

func (m *BumpBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	if m.allocationCount > 0 {
		// Bump allocations are not tracked individually, so only the aggregate is available
		stats.AllocationCount += m.allocationCount
		stats.AllocationBytes += m.allocationBytes
		average := m.allocationBytes / m.allocationCount
		if average < stats.AllocationSizeMin {
			stats.AllocationSizeMin = average
		}
		if average > stats.AllocationSizeMax {
			stats.AllocationSizeMax = average
		}
	}

	if m.cursor < m.size {
		stats.AddUnusedRange(m.size - m.cursor)
	}
}

func (m *BumpBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	stats.AllocationCount += m.allocationCount
	stats.AllocationBytes += m.allocationBytes
}

func (m *BumpBlockMetadata) Clear() {
	m.cursor = 0
	m.allocationCount = 0
	m.allocationBytes = 0
	m.paddingBytes = 0
}

func (m *BumpBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.BlockMetadataBase.BlockJsonData(json, m.SumFreeSize(), m.allocationCount)
	json.Name("Cursor").Int(m.cursor)
}

func (m *BumpBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint) (bool, AllocationRequest, error) {
	if allocSize <= 0 {
		return false, AllocationRequest{}, errors.Newf("invalid allocation size %d", allocSize)
	}
	if allocAlignment == 0 {
		allocAlignment = 1
	}
	err := memutils.CheckPow2(allocAlignment, "allocAlignment")
	if err != nil {
		return false, AllocationRequest{}, err
	}

	offset := memutils.AlignUp(m.cursor, int(allocAlignment))
	if offset+allocSize > m.size {
		return false, AllocationRequest{}, nil
	}

	return true, AllocationRequest{
		BlockAllocationHandle: BlockAllocationHandle(offset + 1),
		Offset:                offset,
		Size:                  offset + allocSize - m.cursor,
		Type:                  AllocationRequestBump,
	}, nil
}

func (m *BumpBlockMetadata) Alloc(request AllocationRequest) error {
	if request.Type != AllocationRequestBump {
		return errors.Newf("bump block metadata received a request of type %s", request.Type)
	}

	padding := request.Offset - m.cursor
	if padding < 0 || padding >= request.Size {
		return errors.Newf("allocation request at offset %d is stale, the bump cursor is at %d", request.Offset, m.cursor)
	}
	if m.cursor+request.Size > m.size {
		return errors.Newf("allocation request of %d bytes at offset %d does not fit in a block of size %d",
			request.Size, m.cursor, m.size)
	}

	m.cursor += request.Size
	m.paddingBytes += padding
	m.allocationBytes += request.Size - padding
	m.allocationCount++
	return nil
}
