//go:build linux

package osmem

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/jitmem/memutils"
	"golang.org/x/sys/unix"
)

// System implements Memory with mmap, mprotect, and madvise. Linux cannot report the protection of
// a page cheaply, so System keeps a shadow copy of every protection it has applied.
type System struct {
	pageSize int

	mutex        sync.Mutex
	reservations *swiss.Map[uintptr, []byte]
	protections  *swiss.Map[uintptr, Protection]
}

var _ Memory = &System{}

// NewSystem creates a Memory backed by the running OS
func NewSystem() *System {
	return &System{
		pageSize:     unix.Getpagesize(),
		reservations: swiss.NewMap[uintptr, []byte](16),
		protections:  swiss.NewMap[uintptr, Protection](256),
	}
}

// DefaultMemory returns the Memory implementation for the running OS
func DefaultMemory() Memory {
	return NewSystem()
}

func toUnixProtection(prot Protection) int {
	result := unix.PROT_NONE
	if prot&ProtectRead != 0 {
		result |= unix.PROT_READ
	}
	if prot&ProtectWrite != 0 {
		result |= unix.PROT_WRITE
	}
	if prot&ProtectExec != 0 {
		result |= unix.PROT_EXEC
	}
	return result
}

func (s *System) PageSize() int { return s.pageSize }

func (s *System) Reserve(size int) (uintptr, error) {
	if size <= 0 || size%s.pageSize != 0 {
		return 0, errors.Newf("reservation size %d is not a positive multiple of the page size", size)
	}

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return 0, memutils.OutOfMemory(err, "mmap: failed to reserve %d bytes", size)
	}

	addr := uintptr(unsafe.Pointer(&mem[0]))

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.reservations.Put(addr, mem)
	return addr, nil
}

func (s *System) setProtection(addr uintptr, size int, prot Protection) {
	for page := addr; page < addr+uintptr(size); page += uintptr(s.pageSize) {
		if prot == ProtectNone {
			s.protections.Delete(page)
		} else {
			s.protections.Put(page, prot)
		}
	}
}

func (s *System) Commit(addr uintptr, size int, prot Protection) error {
	return s.Protect(addr, size, prot)
}

func (s *System) Decommit(addr uintptr, size int) error {
	err := validateRange(s.pageSize, addr, size)
	if err != nil {
		return err
	}

	mem := rangeSlice(addr, size)
	err = unix.Madvise(mem, unix.MADV_DONTNEED)
	if err != nil {
		return errors.Wrapf(err, "madvise: failed to decommit [%#x, +%d)", addr, size)
	}
	err = unix.Mprotect(mem, unix.PROT_NONE)
	if err != nil {
		return errors.Wrapf(err, "mprotect: failed to decommit [%#x, +%d)", addr, size)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.setProtection(addr, size, ProtectNone)
	return nil
}

func (s *System) Protect(addr uintptr, size int, prot Protection) error {
	err := validateRange(s.pageSize, addr, size)
	if err != nil {
		return err
	}
	if prot.WritableExecutable() {
		return protectionViolation(addr, size, prot)
	}

	err = unix.Mprotect(rangeSlice(addr, size), toUnixProtection(prot))
	if err != nil {
		return memutils.OutOfMemory(err, "mprotect: failed to apply %s to [%#x, +%d)", prot, addr, size)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.setProtection(addr, size, prot)
	return nil
}

func (s *System) Query(addr uintptr) (Protection, error) {
	page := memutils.AlignDown(addr, uintptr(s.pageSize))

	s.mutex.Lock()
	defer s.mutex.Unlock()

	prot, _ := s.protections.Get(page)
	return prot, nil
}

func (s *System) Release(addr uintptr, size int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	mem, ok := s.reservations.Get(addr)
	if !ok {
		return errors.Newf("address %#x is not the start of a reservation", addr)
	}
	if len(mem) != size {
		return errors.Newf("reservation at %#x is %d bytes, not %d", addr, len(mem), size)
	}

	err := unix.Munmap(mem)
	if err != nil {
		return errors.Wrapf(err, "munmap: failed to release [%#x, +%d)", addr, size)
	}

	s.reservations.Delete(addr)
	s.setProtection(addr, size, ProtectNone)
	return nil
}

// FlushInstructionCache is a no-op: Linux keeps the instruction cache coherent across the mprotect
// calls that make a page executable.
func (s *System) FlushInstructionCache(addr uintptr, size int) error {
	return nil
}
