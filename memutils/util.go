package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uintptr | ~uint64
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp[T Number](value T, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

func AlignDown[T Number](value T, alignment T) T {
	return value &^ (alignment - 1)
}

// CheckBlockPageCoupling verifies that the collector block size is a whole number of OS pages. The bump
// allocators commit, decommit, and reset write tracking one block at a time, which only lines up with page
// protections when each block starts and ends on a page boundary.
func CheckBlockPageCoupling(blockSize, pageSize int) error {
	err := CheckPow2(pageSize, "page size")
	if err != nil {
		return err
	}
	if blockSize <= 0 || blockSize%pageSize != 0 {
		return cerrors.Newf("block size %d is not a positive multiple of the page size %d", blockSize, pageSize)
	}
	return CheckPow2(blockSize, "block size")
}
