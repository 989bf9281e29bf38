package memutils_test

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/jitmem/internal/osmem"
	"github.com/vkngwrapper/jitmem/memutils"
)

func TestAlign(t *testing.T) {
	require.Equal(t, 4096, memutils.AlignUp(1, 4096))
	require.Equal(t, 4096, memutils.AlignUp(4096, 4096))
	require.Equal(t, 8192, memutils.AlignUp(4097, 4096))
	require.Equal(t, uintptr(0x2000), memutils.AlignDown(uintptr(0x2fff), 0x1000))
	require.Equal(t, 0, memutils.AlignDown(17, 32))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(4096, "size"))
	require.NoError(t, memutils.CheckPow2(uint(1), "size"))

	err := memutils.CheckPow2(24, "size")
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
	require.Error(t, memutils.CheckPow2(0, "size"))
}

func TestBlockPageCoupling(t *testing.T) {
	require.NoError(t, memutils.CheckBlockPageCoupling(4096, 4096))
	require.NoError(t, memutils.CheckBlockPageCoupling(16384, 4096))

	// A block smaller than a page would share page protections with its neighbour
	require.Error(t, memutils.CheckBlockPageCoupling(2048, 4096))
	require.Error(t, memutils.CheckBlockPageCoupling(6144, 4096))
	require.Error(t, memutils.CheckBlockPageCoupling(12288, 4096))
	require.Error(t, memutils.CheckBlockPageCoupling(0, 4096))
	require.Error(t, memutils.CheckBlockPageCoupling(4096, 3000))
}

func TestOutOfMemoryMarking(t *testing.T) {
	err := memutils.OutOfMemory(nil, "failed to commit %d bytes", 4096)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Contains(t, err.Error(), "4096")

	cause := errors.New("mmap: cannot allocate memory")
	err = memutils.OutOfMemory(cause, "reserve")
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.True(t, errors.Is(err, cause))
}

func TestMagicValue(t *testing.T) {
	mem := osmem.NewSimulated(osmem.SimulatedOptions{})
	addr, err := mem.Reserve(4096)
	require.NoError(t, err)
	require.NoError(t, mem.Commit(addr, 4096, osmem.ProtectReadWrite))
	buffer := unsafe.Slice((*uint32)(unsafe.Pointer(addr)), 8)

	memutils.WriteMagicValue(addr, 16)
	require.True(t, memutils.ValidateMagicValue(addr, 16))
	require.Equal(t, uint32(0), buffer[4])

	buffer[2] = 7
	require.False(t, memutils.ValidateMagicValue(addr, 16))
	require.NoError(t, mem.Release(addr, 4096))
}
