package alloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/cowtree/types"
)

func TestAllocationIsAligned(t *testing.T) {
	requireT := require.New(t)

	a, err := New(Config{
		Size:         1 << 20,
		ReservedSize: 1000,
	})
	requireT.NoError(err)

	address, err := a.Allocate(1, 10)
	requireT.NoError(err)
	requireT.Equal(types.PhysicalAddress(1024), address)

	address, err = a.Allocate(1, 12)
	requireT.NoError(err)
	requireT.Equal(types.PhysicalAddress(4096), address)

	address, err = a.Allocate(2, 10)
	requireT.NoError(err)
	requireT.Equal(types.PhysicalAddress(8192), address)
	requireT.Equal(types.TID(2), a.LastTID())
}

func TestInvalidRadix(t *testing.T) {
	requireT := require.New(t)

	a, err := New(Config{Size: 1 << 20})
	requireT.NoError(err)

	_, err = a.Allocate(1, types.MinRadix-1)
	requireT.Error(err)
	_, err = a.Allocate(1, types.MaxRadix+1)
	requireT.Error(err)
}

func TestOutOfSpace(t *testing.T) {
	requireT := require.New(t)

	a, err := New(Config{
		Size:         4 * 1024,
		ReservedSize: 1024,
	})
	requireT.NoError(err)

	for range 3 {
		_, err := a.Allocate(1, 10)
		requireT.NoError(err)
	}
	_, err = a.Allocate(1, 10)
	requireT.ErrorIs(err, ErrOutOfSpace)
}

func TestFreedBlocksAreReusedAfterCommit(t *testing.T) {
	requireT := require.New(t)

	a, err := New(Config{
		Size:         4 * 1024,
		ReservedSize: 1024,
	})
	requireT.NoError(err)

	addresses := make([]types.PhysicalAddress, 0, 3)
	for range 3 {
		address, err := a.Allocate(1, 10)
		requireT.NoError(err)
		addresses = append(addresses, address)
	}

	a.Free(addresses[1], 10)
	_, err = a.Allocate(2, 10)
	requireT.ErrorIs(err, ErrOutOfSpace)

	a.Commit()

	address, err := a.Allocate(3, 10)
	requireT.NoError(err)
	requireT.Equal(addresses[1], address)

	stats := a.Stats()
	requireT.Equal(uint64(4*1024), stats.AllocatedBytes)
	requireT.Equal(uint64(1024), stats.FreedBytes)
	requireT.Equal(uint64(1), stats.ReusedBlocks)
}

func TestReservedSizeExceedsSize(t *testing.T) {
	_, err := New(Config{Size: 1024, ReservedSize: 2048})
	require.Error(t, err)
}
