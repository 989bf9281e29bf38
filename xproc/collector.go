package xproc

import "github.com/vkngwrapper/jitmem/memutils/metadata"

//go:generate mockgen -source collector.go -destination ./mocks/collector.go -package mock_xproc

// Collector is the collector in the foreign process, which owns the memory the records are written to
type Collector interface {
	// AdoptForeignSegment takes ownership of a segment reserved in the collector's address space
	AdoptForeignSegment(start uint64, size int) error
	// CarveForeignBlock divides one block of an adopted segment into live slots
	CarveForeignBlock(addr uint64, size, slotSize int, kind metadata.SlotKind) error
}
