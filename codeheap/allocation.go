package codeheap

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/jitmem/memutils"
	"github.com/vkngwrapper/jitmem/pagealloc"
)

// Allocation is a reserved and committed region of executable memory. Generated code occupies the
// front of the region and the side table, if any, follows it at an 8-byte aligned offset.
type Allocation struct {
	manager *Manager
	segment pagealloc.SegmentHandle
	address uintptr
	size    int

	codeSize      int
	sideTableSize int
	bytesUsed     int
	committed     bool
	finalized     bool

	prev *Allocation
	next *Allocation
}

func (a *Allocation) reset(codeSize, sideTableSize int) {
	a.codeSize = codeSize
	a.sideTableSize = sideTableSize
	a.bytesUsed = 0
	a.finalized = false
}

func (a *Allocation) Address() uintptr   { return a.address }
func (a *Allocation) Size() int          { return a.size }
func (a *Allocation) CodeSize() int      { return a.codeSize }
func (a *Allocation) SideTableSize() int { return a.sideTableSize }
func (a *Allocation) BytesUsed() int     { return a.bytesUsed }
func (a *Allocation) IsCommitted() bool  { return a.committed }
func (a *Allocation) IsFinalized() bool  { return a.finalized }
func (a *Allocation) SideTable() uintptr { return a.address + uintptr(sideTableOffset(a.codeSize)) }

func (a *Allocation) contains(addr uintptr) bool {
	return addr >= a.address && addr < a.address+uintptr(a.size)
}

func sideTableOffset(codeSize int) int { return memutils.AlignUp(codeSize, 8) }

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Address").String(fmt.Sprintf("%#x", a.address))
	json.Name("Size").Int(a.size)
	json.Name("CodeSize").Int(a.codeSize)
	json.Name("SideTableSize").Int(a.sideTableSize)
	json.Name("BytesUsed").Int(a.bytesUsed)
	json.Name("Committed").Bool(a.committed)
	json.Name("Finalized").Bool(a.finalized)
}
