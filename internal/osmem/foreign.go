package osmem

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/jitmem/memutils"
)

// ForeignProcess exposes the virtual memory primitives of another process. Addresses are plain
// numbers in the foreign address space and are never dereferenced locally. Every call may fail
// with an error marked memutils.ErrForeignProcessGone once the process has exited.
type ForeignProcess interface {
	Pid() int
	PageSize() int

	Reserve(size int) (uint64, error)
	Commit(addr uint64, size int, prot Protection) error
	Protect(addr uint64, size int, prot Protection) error
	Write(addr uint64, data []byte) error
	Read(addr uint64, data []byte) error
}

// RemoteMapper carries reserve, commit, and protect requests to a foreign process. It is supplied
// by whatever transport connects the compiler to the process that owns the collector.
type RemoteMapper interface {
	Reserve(size int) (uint64, error)
	Commit(addr uint64, size int, prot Protection) error
	Protect(addr uint64, size int, prot Protection) error
}

// ProcessGone wraps err with a formatted message and marks it as memutils.ErrForeignProcessGone
func ProcessGone(err error, format string, args ...any) error {
	if err == nil {
		return errors.Mark(errors.Newf(format, args...), memutils.ErrForeignProcessGone)
	}
	return errors.Mark(errors.Wrapf(err, format, args...), memutils.ErrForeignProcessGone)
}
