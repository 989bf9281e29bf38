package osmem_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/jitmem/internal/osmem"
	"github.com/vkngwrapper/jitmem/memutils"
)

func TestSimulatedForeignProcessWriteRead(t *testing.T) {
	process := osmem.NewSimulatedForeignProcess(4242, 0)

	addr, err := process.Reserve(2 * 4096)
	require.NoError(t, err)

	// Writes into reserved but uncommitted pages fail
	require.Error(t, process.Write(addr, []byte{1, 2, 3}))

	require.NoError(t, process.Commit(addr, 4096, osmem.ProtectReadWrite))
	require.NoError(t, process.Write(addr+8, []byte{1, 2, 3}))

	out := make([]byte, 3)
	require.NoError(t, process.Read(addr+8, out))
	require.Equal(t, []byte{1, 2, 3}, out)

	// Crossing into the uncommitted second page
	require.Error(t, process.Write(addr+4094, []byte{1, 2, 3, 4}))
	require.Equal(t, 1, process.WriteCount())
}

func TestSimulatedForeignProcessExit(t *testing.T) {
	process := osmem.NewSimulatedForeignProcess(4242, 0)

	addr, err := process.Reserve(4096)
	require.NoError(t, err)
	require.NoError(t, process.Commit(addr, 4096, osmem.ProtectReadWrite))

	process.Exit()

	err = process.Write(addr, []byte{1})
	require.True(t, errors.Is(err, memutils.ErrForeignProcessGone))
	_, err = process.Reserve(4096)
	require.True(t, errors.Is(err, memutils.ErrForeignProcessGone))
	err = process.Commit(addr, 4096, osmem.ProtectReadWrite)
	require.True(t, errors.Is(err, memutils.ErrForeignProcessGone))
}
