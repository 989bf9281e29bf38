package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrOutOfMemory marks any failure to reserve, commit, or change the protection of memory. It aborts the
// compile job that requested the memory; callers can detect it with errors.Is.
var ErrOutOfMemory error = errors.New("out of memory")

// ErrProtectionInvariantViolated marks an observation of a page that is writable and executable at the
// same time. It is only produced by validation passes.
var ErrProtectionInvariantViolated error = errors.New("page observed writable and executable")

// ErrForeignProcessGone marks a failed remote memory operation against a process that has exited.
var ErrForeignProcessGone error = errors.New("foreign process is gone")

// OutOfMemory wraps err (which may be nil) with a formatted message and marks it as ErrOutOfMemory
func OutOfMemory(err error, format string, args ...any) error {
	if err == nil {
		return errors.Mark(errors.Newf(format, args...), ErrOutOfMemory)
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrOutOfMemory)
}
