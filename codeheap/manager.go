// Package codeheap hands out executable memory for generated code. Pages are only ever readable and
// executable, or readable and writable while a copy into them is in progress, never both writable
// and executable.
package codeheap

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/jitmem/internal/osmem"
	"github.com/vkngwrapper/jitmem/internal/utils"
	"github.com/vkngwrapper/jitmem/memutils"
	"github.com/vkngwrapper/jitmem/pagealloc"
	"golang.org/x/exp/slog"
)

// ErrAllocationFinalized is returned when code is committed into an allocation that has already been
// finalized
var ErrAllocationFinalized error = errors.New("allocation has been finalized")

// Manager reserves executable buffers out of a page allocator and copies generated code into them
type Manager struct {
	logger *slog.Logger
	pages  *pagealloc.PageAllocator

	workerContext bool
	reclaim       func()

	mutex          utils.OptionalMutex
	allocations    allocationList
	stats          memutils.CodeStatistics
	failureCounter int
}

// New creates a Manager that reserves its buffers from pages
func New(logger *slog.Logger, pages *pagealloc.PageAllocator, options CreateOptions) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if pages == nil {
		return nil, errors.New("a code manager requires a page allocator")
	}

	return &Manager{
		logger:        logger,
		pages:         pages,
		workerContext: options.Flags&CreateWorkerContext != 0,
		reclaim:       options.Reclaim,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},
	}, nil
}

func (m *Manager) PageAllocator() *pagealloc.PageAllocator { return m.pages }

// InjectCommitFailures causes the next count calls to CommitBuffer to fail before any page is touched
func (m *Manager) InjectCommitFailures(count int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.failureCounter = count
}

// AllocateBuffer reserves a buffer for size bytes of code followed by sideTableSize bytes of side
// table, and commits it readable and executable. When memory runs out outside a worker context, the
// Reclaim callback is invoked once and the allocation is retried.
func (m *Manager) AllocateBuffer(size, sideTableSize int) (*Allocation, uintptr, error) {
	m.logger.Debug("Manager::AllocateBuffer", slog.Int("Size", size), slog.Int("SideTableSize", sideTableSize))

	if size <= 0 || sideTableSize < 0 {
		return nil, 0, errors.Newf("invalid buffer size %d with side table size %d", size, sideTableSize)
	}
	if size > MaxBufferSize || sideTableSize > MaxBufferSize-sideTableOffset(size) {
		return nil, 0, memutils.OutOfMemory(nil, "buffer of %d bytes with a %d byte side table exceeds the %d byte limit",
			size, sideTableSize, MaxBufferSize)
	}

	alloc, err := m.tryAllocate(size, sideTableSize)
	if err == nil {
		return alloc, alloc.address, nil
	}
	if !errors.Is(err, memutils.ErrOutOfMemory) || m.workerContext || m.reclaim == nil {
		return nil, 0, err
	}

	m.logger.Debug("Manager::Reclaim", slog.Int("Size", size))
	m.reclaim()

	alloc, err = m.tryAllocate(size, sideTableSize)
	if err != nil {
		return nil, 0, err
	}
	return alloc, alloc.address, nil
}

func (m *Manager) tryAllocate(size, sideTableSize int) (*Allocation, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	total := memutils.AlignUp(sideTableOffset(size)+sideTableSize, m.pages.PageSize())

	for alloc := m.allocations.head; alloc != nil; alloc = alloc.next {
		if alloc.committed || alloc.size < total {
			continue
		}

		err := m.pages.Commit(alloc.segment, alloc.address, alloc.size, osmem.ProtectReadExecute)
		if err != nil {
			return nil, err
		}
		alloc.reset(size, sideTableSize)
		alloc.committed = true
		m.stats.CommittedBytes += alloc.size
		return alloc, nil
	}

	handle, segment, err := m.pages.ReserveSegment(total)
	if err != nil {
		return nil, err
	}

	err = m.pages.Commit(handle, uintptr(segment.Start), segment.Size(), osmem.ProtectReadExecute)
	if err != nil {
		freeErr := m.pages.FreeSegment(handle)
		if freeErr != nil {
			m.logger.Error("failed to free a code segment after its commit failed", slog.Any("error", freeErr))
		}
		return nil, err
	}

	alloc := &Allocation{
		manager: m,
		segment: handle,
		address: uintptr(segment.Start),
		size:    segment.Size(),
	}
	alloc.reset(size, sideTableSize)
	alloc.committed = true

	m.allocations.push(alloc)
	m.stats.ReservedBytes += alloc.size
	m.stats.CommittedBytes += alloc.size
	return alloc, nil
}

// GetBuffer returns the start address of the allocation's code
func (m *Manager) GetBuffer(alloc *Allocation) uintptr {
	return alloc.address
}

func (m *Manager) checkAllocation(alloc *Allocation) error {
	if alloc == nil {
		return errors.New("nil allocation")
	}
	if alloc.manager != m {
		return errors.Newf("allocation at %#x does not belong to this code manager", alloc.address)
	}
	return nil
}

// CommitBuffer copies source into the allocation at dest, preceded by alignPad trap bytes. Each page
// touched is made writable only for the duration of its copy and is restored to readable and
// executable before the next page is touched. The instruction cache is flushed over the written range
// once every page has been restored. A failed commit leaves BytesUsed unchanged.
func (m *Manager) CommitBuffer(alloc *Allocation, dest uintptr, source []byte, alignPad int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := m.checkAllocation(alloc)
	if err != nil {
		return err
	}
	if !alloc.committed {
		return errors.Newf("allocation at %#x has been decommitted", alloc.address)
	}
	if alloc.finalized {
		return errors.Wrapf(ErrAllocationFinalized, "cannot commit code at %#x", dest)
	}

	total := alignPad + len(source)
	if alignPad < 0 || total == 0 {
		return errors.Newf("invalid commit of %d bytes with %d bytes of padding", len(source), alignPad)
	}
	if !alloc.contains(dest) || dest+uintptr(total) > alloc.address+uintptr(alloc.size) {
		return errors.Newf("commit of [%#x, +%d) falls outside the allocation at %#x", dest, total, alloc.address)
	}

	if m.failureCounter > 0 {
		m.failureCounter--
		return memutils.OutOfMemory(nil, "injected commit failure at %#x", dest)
	}

	pageSize := uintptr(m.pages.PageSize())
	end := dest + uintptr(total)
	for addr := dest; addr < end; {
		page := memutils.AlignDown(addr, pageSize)
		next := min(page+pageSize, end)

		err = m.pages.Protect(alloc.segment, page, int(pageSize), osmem.ProtectReadWrite)
		if err != nil {
			return memutils.OutOfMemory(err, "failed to make code page %#x writable", page)
		}

		writeRange(addr, next, dest, alignPad, source)

		err = m.pages.Protect(alloc.segment, page, int(pageSize), osmem.ProtectReadExecute)
		if err != nil {
			return memutils.OutOfMemory(err, "failed to make code page %#x executable", page)
		}
		addr = next
	}

	err = m.pages.Memory().FlushInstructionCache(dest, total)
	if err != nil {
		return errors.Wrapf(err, "failed to flush the instruction cache over [%#x, +%d)", dest, total)
	}

	used := int(end - alloc.address)
	if used > alloc.bytesUsed {
		alloc.bytesUsed = used
	}
	m.stats.CodeBytes += len(source)
	m.stats.AlignmentBytes += alignPad

	memutils.DebugValidate(allocationValidator{manager: m, alloc: alloc})
	return nil
}

// writeRange fills [from, to), which lies within a commit starting at dest. The first alignPad bytes
// of the commit are traps and the rest come from source.
func writeRange(from, to, dest uintptr, alignPad int, source []byte) {
	offset := int(from - dest)
	length := int(to - from)
	target := unsafe.Slice((*byte)(unsafe.Pointer(from)), length)

	padded := 0
	if offset < alignPad {
		padded = min(alignPad-offset, length)
		for i := 0; i < padded; i++ {
			target[i] = TrapInstruction
		}
	}
	copy(target[padded:], source[offset+padded-alignPad:])
}

// FinalizeAllocation confirms that every page of the allocation is readable and executable and
// refuses any further commits into it
func (m *Manager) FinalizeAllocation(alloc *Allocation) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := m.checkAllocation(alloc)
	if err != nil {
		return err
	}
	if !alloc.committed {
		return errors.Newf("allocation at %#x has been decommitted", alloc.address)
	}

	pageSize := uintptr(m.pages.PageSize())
	for page := alloc.address; page < alloc.address+uintptr(alloc.size); page += pageSize {
		prot, err := m.pages.Memory().Query(page)
		if err != nil {
			return err
		}
		if prot != osmem.ProtectReadExecute {
			return errors.Newf("code page %#x is %s at finalization", page, prot)
		}
	}

	alloc.finalized = true
	return nil
}

// FreeAllocation returns the allocation's pages to the page allocator
func (m *Manager) FreeAllocation(alloc *Allocation) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := m.checkAllocation(alloc)
	if err != nil {
		return err
	}
	return m.free(alloc)
}

func (m *Manager) free(alloc *Allocation) error {
	m.allocations.remove(alloc)
	alloc.manager = nil
	if alloc.committed {
		m.stats.CommittedBytes -= alloc.size
		alloc.committed = false
	}
	m.stats.ReservedBytes -= alloc.size

	return m.pages.FreeSegment(alloc.segment)
}

// Decommit releases the allocation's pages back to the OS but keeps its reservation, so that a later
// AllocateBuffer of the same size or smaller can reuse it
func (m *Manager) Decommit(alloc *Allocation) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := m.checkAllocation(alloc)
	if err != nil {
		return err
	}
	if !alloc.committed {
		return nil
	}

	err = m.pages.Decommit(alloc.segment, alloc.address, alloc.size)
	if err != nil {
		return err
	}

	alloc.committed = false
	alloc.reset(0, 0)
	m.stats.CommittedBytes -= alloc.size
	return nil
}

// Clear frees every allocation
func (m *Manager) Clear() error {
	m.logger.Debug("Manager::Clear")

	m.mutex.Lock()
	defer m.mutex.Unlock()

	var err error
	for m.allocations.head != nil {
		err = errors.CombineErrors(err, m.free(m.allocations.head))
	}
	return err
}

func (m *Manager) AllocationCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.allocations.count
}

// Statistics returns a copy of the manager's byte counters
func (m *Manager) Statistics() memutils.CodeStatistics {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.stats
}

// Validate walks every committed page of every allocation and fails with an error marked
// memutils.ErrProtectionInvariantViolated if any is writable and executable
func (m *Manager) Validate() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := m.allocations.Validate()
	if err != nil {
		return err
	}

	for alloc := m.allocations.head; alloc != nil; alloc = alloc.next {
		err = m.validateAllocation(alloc)
		if err != nil {
			return err
		}
	}

	return m.pages.Validate()
}

func (m *Manager) validateAllocation(alloc *Allocation) error {
	if !alloc.committed {
		return nil
	}

	pageSize := uintptr(m.pages.PageSize())
	for page := alloc.address; page < alloc.address+uintptr(alloc.size); page += pageSize {
		prot, err := m.pages.Memory().Query(page)
		if err != nil {
			return err
		}
		if prot.WritableExecutable() {
			return errors.Mark(errors.Newf("code page %#x is %s", page, prot), memutils.ErrProtectionInvariantViolated)
		}
	}
	return nil
}

type allocationValidator struct {
	manager *Manager
	alloc   *Allocation
}

func (v allocationValidator) Validate() error {
	return v.manager.validateAllocation(v.alloc)
}

func (m *Manager) BuildStatsString(writer *jwriter.Writer) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	obj := writer.Object()
	defer obj.End()

	m.stats.PrintJson(&obj)
	obj.Name("AllocationCount").Int(m.allocations.count)

	allocations := obj.Name("Allocations").Array()
	m.allocations.printJson(&allocations)
	allocations.End()
}
