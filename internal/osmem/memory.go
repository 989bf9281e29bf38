// Package osmem wraps the operating system's virtual memory primitives behind interfaces so that the
// allocators can run against the real OS, a simulated address space, or a foreign process.
package osmem

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/jitmem/memutils"
)

// Protection is a page protection value
type Protection uint32

const (
	ProtectNone  Protection = 0
	ProtectRead  Protection = 1 << 0
	ProtectWrite Protection = 1 << 1
	ProtectExec  Protection = 1 << 2

	ProtectReadWrite   = ProtectRead | ProtectWrite
	ProtectReadExecute = ProtectRead | ProtectExec
)

func (p Protection) String() string {
	if p == ProtectNone {
		return "---"
	}

	var sb strings.Builder
	for _, flag := range []struct {
		bit  Protection
		char byte
	}{{ProtectRead, 'r'}, {ProtectWrite, 'w'}, {ProtectExec, 'x'}} {
		if p&flag.bit != 0 {
			sb.WriteByte(flag.char)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// WritableExecutable returns true if the protection would allow a page to be written and executed at once
func (p Protection) WritableExecutable() bool {
	return p&(ProtectWrite|ProtectExec) == ProtectWrite|ProtectExec
}

// Memory exposes the virtual memory primitives of the local process. Addresses are page aligned
// and sizes are multiples of PageSize unless noted otherwise.
type Memory interface {
	PageSize() int

	// Reserve claims size bytes of address space without backing it with memory. Reserved pages
	// are inaccessible until committed.
	Reserve(size int) (uintptr, error)
	// Commit backs a reserved range with memory and applies the provided protection
	Commit(addr uintptr, size int, prot Protection) error
	// Decommit returns the memory behind a committed range to the OS. The range stays reserved.
	Decommit(addr uintptr, size int) error
	// Protect changes the protection of a committed range
	Protect(addr uintptr, size int, prot Protection) error
	// Query returns the protection of the page containing addr
	Query(addr uintptr) (Protection, error)
	// Release gives an entire reservation, as returned by Reserve, back to the OS
	Release(addr uintptr, size int) error
	// FlushInstructionCache makes freshly written code in [addr, addr+size) visible to instruction fetch
	FlushInstructionCache(addr uintptr, size int) error
}

func validateRange(pageSize int, addr uintptr, size int) error {
	if size <= 0 {
		return errors.Newf("invalid memory range size %d", size)
	}
	if addr%uintptr(pageSize) != 0 || size%pageSize != 0 {
		return errors.Newf("memory range [%#x, +%d) is not page aligned", addr, size)
	}
	return nil
}

func protectionViolation(addr uintptr, size int, prot Protection) error {
	return errors.Mark(
		errors.Newf("refusing to apply protection %s to [%#x, +%d)", prot, addr, size),
		memutils.ErrProtectionInvariantViolated,
	)
}
