package metadata_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/jitmem/memutils/metadata"
)

func TestSlotBitmapCarve(t *testing.T) {
	bitmap, err := metadata.NewSlotBitmap(4096, 24, metadata.SlotKindNumber)
	require.NoError(t, err)
	require.Equal(t, 170, bitmap.SlotCount())

	require.NoError(t, bitmap.MarkLive(0, 4096))
	require.Equal(t, 170, bitmap.LiveCount())
	require.True(t, bitmap.IsLive(0))
	require.True(t, bitmap.IsLive(169*24))
	// The 16 trailing bytes do not make up a slot
	require.False(t, bitmap.IsLive(170*24))
	require.NoError(t, bitmap.Validate())
}

func TestSlotBitmapWriteBarrier(t *testing.T) {
	bitmap, err := metadata.NewSlotBitmap(1024, 64, metadata.SlotKindChunk)
	require.NoError(t, err)

	require.NoError(t, bitmap.MarkLive(0, 512))
	require.NoError(t, bitmap.SetWriteBarrier(0, 256))
	require.Equal(t, 8, bitmap.LiveCount())
	require.Equal(t, 4, bitmap.BarrierCount())
	require.True(t, bitmap.HasWriteBarrier(128))
	require.False(t, bitmap.HasWriteBarrier(256))
	require.NoError(t, bitmap.Validate())

	require.NoError(t, bitmap.SetWriteBarrier(512, 64))
	require.Error(t, bitmap.Validate())
}

func TestSlotBitmapInvalidRanges(t *testing.T) {
	_, err := metadata.NewSlotBitmap(64, 128, metadata.SlotKindNumber)
	require.Error(t, err)

	bitmap, err := metadata.NewSlotBitmap(1024, 64, metadata.SlotKindNumber)
	require.NoError(t, err)
	require.Error(t, bitmap.MarkLive(32, 64))
	require.Error(t, bitmap.MarkLive(960, 128))
	require.Error(t, bitmap.MarkLive(-64, 64))
}
