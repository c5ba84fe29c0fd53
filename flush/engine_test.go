package flush_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/cowtree/chain"
	"github.com/outofforest/cowtree/checksum"
	"github.com/outofforest/cowtree/flush"
	"github.com/outofforest/cowtree/test"
	"github.com/outofforest/cowtree/trans"
	"github.com/outofforest/cowtree/types"
)

type env struct {
	*test.Env

	Engine  *flush.Engine
	VolSync *types.VolumeData
}

func newEnv(t *testing.T, depthLimit, maxPasses int) *env {
	e := test.NewEnv(t)
	volSync := &types.VolumeData{}
	return &env{
		Env:     e,
		VolSync: volSync,
		Engine: flush.New(flush.Config{
			Tree:       e.Tree,
			IO:         e.IO,
			Volume:     e.Volume,
			VolSync:    volSync,
			DepthLimit: depthLimit,
			MaxPasses:  maxPasses,
		}),
	}
}

// sync flushes the volume root and returns the sync TID of the flush.
func (e *env) sync(t *testing.T) types.TID {
	requireT := require.New(t)

	tx := e.Trans.Begin(trans.Flush)
	defer e.Trans.End(tx)

	root := e.Tree.VolumeRoot()
	c, err := e.Engine.Flush(test.Context(t), tx, root)
	requireT.NoError(err)
	requireT.Same(root, c)

	return tx.SyncTID
}

// requireConsistent verifies that all the chains are flushed and block tables match live children.
func requireConsistent(requireT *require.Assertions, root *chain.Chain, syncTID types.TID) {
	test.Walk(root, func(c *chain.Chain) {
		requireT.False(c.Has(chain.FlagModified), "key: %d", c.Key())
		requireT.False(c.Has(chain.FlagMoved), "key: %d", c.Key())
		requireT.False(c.Has(chain.FlagDeferred), "key: %d", c.Key())
		requireT.LessOrEqual(c.MirrorTID(), syncTID)

		if c.DeleteTID() == types.MaxTID {
			requireT.Equal(test.LiveKeys(c), test.TableKeys(c), "key: %d", c.Key())
		}
	})
}

func TestFlushRejectsNonFlushTransaction(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, 0, 0)

	tx := e.Trans.Begin(0)
	defer e.Trans.End(tx)

	_, err := e.Engine.Flush(test.Context(t), tx, e.Tree.VolumeRoot())
	requireT.Error(err)
}

func TestFlushInsertsNewChild(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, 0, 0)

	root := e.Tree.VolumeRoot()

	tx := e.Trans.Begin(0)
	c := e.Create(requireT, tx, root, 1, types.BrefTypeData)
	e.Trans.End(tx)

	syncTID := e.sync(t)

	c.Lock()
	requireT.Equal(syncTID, c.MirrorTID())
	address := c.Bref().DataOff
	c.Unlock()
	requireT.EqualValues(1, c.Refs())
	requireT.Equal(syncTID, root.MirrorTID())
	requireT.False(root.Has(chain.FlagModified))
	requireT.True(root.Has(chain.FlagVolumeSync))

	requireT.Equal([]types.Key{1}, chain.Keys(e.Volume.SRoot[:]))
	requireT.Equal(address, e.Volume.SRoot[0].DataOff)
	requireT.Equal(syncTID, e.Volume.SRoot[0].MirrorTID)
	requireT.Equal(syncTID, e.Volume.MirrorTID)
	requireT.Equal(*e.Volume, *e.VolSync)
	requireT.NoError(checksum.VerifyVolume(e.VolSync))

	stats := e.Engine.Stats()
	requireT.EqualValues(1, stats.Inserts)
	requireT.Zero(stats.Deletes)
	requireT.Zero(stats.Passes)
	requireT.Zero(stats.DegenerateFlushes)

	requireConsistent(requireT, root, syncTID)
	c.Drop()
}

func TestRepeatedFlushIsNoop(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, 0, 0)

	root := e.Tree.VolumeRoot()

	tx := e.Trans.Begin(0)
	c := e.Create(requireT, tx, root, 1, types.BrefTypeInode)
	e.SetData(requireT, c, []byte("inode"))
	e.Trans.End(tx)
	c.Drop()

	syncTID := e.sync(t)
	volume := *e.Volume
	stats := e.Engine.Stats()
	requireT.EqualValues(1, stats.MetaWrites)

	requireT.Greater(e.sync(t), syncTID)
	requireT.Equal(volume, *e.Volume)
	requireT.Equal(stats, e.Engine.Stats())
	requireT.Equal(syncTID, root.MirrorTID())

	requireConsistent(requireT, root, syncTID)
}

func TestFlushStoresInodeImage(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, 0, 0)

	tx := e.Trans.Begin(0)
	c := e.Create(requireT, tx, e.Tree.VolumeRoot(), 1, types.BrefTypeInode)
	e.SetData(requireT, c, []byte("payload"))
	e.Trans.End(tx)

	e.sync(t)
	requireT.NoError(e.IO.Flush())

	c.Lock()
	image := c.Image()
	bref := c.Bref()
	c.Unlock()
	c.Drop()

	stored := make([]byte, bref.Bytes())
	requireT.NoError(e.Device.Read(bref.DataOff, stored))
	requireT.Equal(image, stored)
	requireT.NoError(checksum.Verify(bref.Methods, stored, bref.Check))
	requireT.Equal(bref.Check, e.Volume.SRoot[0].Check)
}

func TestFlushReplacesDuplicatedChild(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, 0, 0)

	root := e.Tree.VolumeRoot()

	tx := e.Trans.Begin(0)
	c := e.Create(requireT, tx, root, 1, types.BrefTypeInode)
	e.Trans.End(tx)

	e.sync(t)

	c.Lock()
	oldAddress := c.Bref().DataOff
	c.Unlock()

	tx = e.Trans.Begin(0)
	n := e.Modify(requireT, tx, c)
	e.SetData(requireT, n, []byte("new version"))
	e.Trans.End(tx)

	n.Lock()
	newAddress := n.Bref().DataOff
	n.Unlock()
	requireT.NotEqual(oldAddress, newAddress)

	e.Allocator.Blocks()
	syncTID := e.sync(t)

	requireT.Equal([]types.Key{1}, chain.Keys(e.Volume.SRoot[:]))
	requireT.Equal(newAddress, e.Volume.SRoot[0].DataOff)
	requireT.Equal(1, root.Core().Len())

	_, _, deallocated := e.Allocator.Blocks()
	requireT.Equal([]types.PhysicalAddress{oldAddress}, deallocated)

	stats := e.Engine.Stats()
	requireT.EqualValues(2, stats.Inserts)
	requireT.EqualValues(1, stats.Deletes)
	requireT.Zero(stats.DegenerateFlushes)

	requireConsistent(requireT, root, syncTID)
	n.Drop()
}

func TestFlushRemovesDeletedChild(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, 0, 0)

	root := e.Tree.VolumeRoot()

	tx := e.Trans.Begin(0)
	inode := e.Create(requireT, tx, root, 1, types.BrefTypeInode)
	c := e.Create(requireT, tx, inode, 10, types.BrefTypeData)
	e.Trans.End(tx)
	inode.Drop()

	e.sync(t)

	inode = test.Live(requireT, e.Tree, root, 1)
	inode.Lock()
	requireT.EqualValues(c.Bytes(), inode.Inode().DataCount)
	inode.Unlock()
	requireT.Equal([]types.Key{10}, test.TableKeys(inode))
	inode.Drop()

	tx = e.Trans.Begin(0)
	e.Delete(requireT, tx, c)
	e.Trans.End(tx)
	c.Drop()

	syncTID := e.sync(t)

	inode = test.Live(requireT, e.Tree, root, 1)
	inode.Lock()
	requireT.Zero(inode.Inode().DataCount)
	inode.Unlock()
	requireT.Empty(test.TableKeys(inode))
	requireT.Zero(inode.Core().Len())
	inode.Drop()

	requireT.Equal([]types.Key{1}, chain.Keys(e.Volume.SRoot[:]))
	requireT.Equal(1, root.Core().Len())

	stats := e.Engine.Stats()
	requireT.EqualValues(2, stats.Deletes)
	requireT.Zero(stats.DegenerateFlushes)

	requireConsistent(requireT, root, syncTID)
}

func TestFlushKeepsMovedUntilReplacedOwnerIsSynced(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, 0, 0)

	root := e.Tree.VolumeRoot()

	tx := e.Trans.Begin(0)
	inode := e.Create(requireT, tx, root, 1, types.BrefTypeInode)
	c := e.Create(requireT, tx, inode, 10, types.BrefTypeData)
	e.Trans.End(tx)

	flushTx := e.Trans.Begin(trans.Flush)
	tx = e.Trans.Begin(0)
	inode = e.Modify(requireT, tx, inode)

	root, err := e.Engine.Flush(test.Context(t), flushTx, root)
	requireT.NoError(err)
	flushTID := flushTx.SyncTID
	e.Trans.End(tx)
	e.Trans.End(flushTx)

	// Version of the inode created after the flush point is not synchronized yet.
	requireT.True(c.Has(chain.FlagMoved))
	requireT.Equal(flushTID, c.MirrorTID())

	syncTID := e.sync(t)

	requireT.False(c.Has(chain.FlagMoved))
	requireT.EqualValues(1, c.Refs())

	live := test.Live(requireT, e.Tree, root, 1)
	requireT.Equal([]types.Key{10}, test.TableKeys(live))
	live.Drop()

	requireConsistent(requireT, root, syncTID)
	inode.Drop()
	c.Drop()
}

func TestFlushWritesDeletedInodeWhileOpen(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, 0, 0)

	root := e.Tree.VolumeRoot()

	tx := e.Trans.Begin(0)
	inode := e.Create(requireT, tx, root, 1, types.BrefTypeInode)
	e.Trans.End(tx)
	e.sync(t)
	requireT.EqualValues(1, e.Engine.Stats().MetaWrites)

	tx = e.Trans.Begin(0)
	c := e.Create(requireT, tx, inode, 10, types.BrefTypeData)
	e.Delete(requireT, tx, inode)
	e.Trans.End(tx)

	syncTID := e.sync(t)

	stats := e.Engine.Stats()
	requireT.EqualValues(2, stats.MetaWrites)
	requireT.EqualValues(1, stats.Deletes)
	requireT.Equal(syncTID, c.MirrorTID())
	requireT.False(c.Has(chain.FlagMoved))
	requireT.Empty(chain.Keys(e.Volume.SRoot[:]))

	_, err := e.Tree.Lookup(root, 1)
	requireT.ErrorIs(err, chain.ErrNotFound)

	inode.Drop()
	c.Drop()
}

func TestFlushSkipsDestroyedInode(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, 0, 0)

	root := e.Tree.VolumeRoot()

	tx := e.Trans.Begin(0)
	inode := e.Create(requireT, tx, root, 1, types.BrefTypeInode)
	e.Trans.End(tx)
	e.sync(t)

	tx = e.Trans.Begin(0)
	c := e.Create(requireT, tx, inode, 10, types.BrefTypeData)
	e.Delete(requireT, tx, inode)
	e.Trans.End(tx)

	inode.Lock()
	requireT.NoError(e.Tree.Destroy(inode))
	inode.Unlock()

	e.sync(t)

	stats := e.Engine.Stats()
	requireT.EqualValues(1, stats.MetaWrites)
	requireT.EqualValues(1, stats.Deletes)
	requireT.EqualValues(1, stats.Inserts)
	requireT.Empty(test.TableKeys(inode))
	requireT.False(c.Has(chain.FlagModified))
	requireT.False(c.Has(chain.FlagMoved))
	requireT.Empty(chain.Keys(e.Volume.SRoot[:]))

	inode.Drop()
	c.Drop()
}

func TestFlushNeverLowersMirrorAndUpdateTIDs(t *testing.T) {
	const (
		numOfInodes = 3
		numOfRounds = 6
	)

	requireT := require.New(t)
	e := newEnv(t, 2, 0)

	root := e.Tree.VolumeRoot()

	tx := e.Trans.Begin(0)
	for i := range types.Key(numOfInodes) {
		e.Create(requireT, tx, root, i, types.BrefTypeInode).Drop()
	}
	e.Trans.End(tx)

	mirrorTIDs := map[*chain.Chain]types.TID{}
	updateLos := map[*chain.Core]types.TID{}
	for round := range types.Key(numOfRounds) {
		tx := e.Trans.Begin(0)
		for i := range types.Key(numOfInodes) {
			inode := test.Live(requireT, e.Tree, root, i)
			if round%2 == 1 {
				inode = e.Modify(requireT, tx, inode)
			}
			e.Create(requireT, tx, inode, round, types.BrefTypeData).Drop()
			if round%3 == 2 {
				prev := test.Live(requireT, e.Tree, inode, round-1)
				e.Delete(requireT, tx, prev)
				prev.Drop()
			}
			inode.Drop()
		}
		e.Trans.End(tx)

		syncTID := e.sync(t)

		test.Walk(root, func(c *chain.Chain) {
			mirrorTID := c.MirrorTID()
			requireT.GreaterOrEqual(mirrorTID, mirrorTIDs[c], "key: %d", c.Key())
			mirrorTIDs[c] = mirrorTID

			updateLo := c.Core().UpdateLo()
			requireT.GreaterOrEqual(updateLo, updateLos[c.Core()], "key: %d", c.Key())
			updateLos[c.Core()] = updateLo
		})
		requireT.Equal(syncTID, root.MirrorTID())
		requireConsistent(requireT, root, syncTID)
	}
}

func TestFlushIgnoresChangesAfterFlushPoint(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, 0, 0)

	root := e.Tree.VolumeRoot()

	tx := e.Trans.Begin(0)
	c := e.Create(requireT, tx, root, 1, types.BrefTypeData)
	e.Trans.End(tx)
	c.Drop()

	flushTx := e.Trans.Begin(trans.Flush)
	tx = e.Trans.Begin(0)
	requireT.Greater(tx.SyncTID, flushTx.SyncTID)
	late := e.Create(requireT, tx, root, 2, types.BrefTypeData)

	c, err := e.Engine.Flush(test.Context(t), flushTx, root)
	requireT.NoError(err)
	requireT.Same(root, c)

	e.Trans.End(tx)
	e.Trans.End(flushTx)

	requireT.Equal([]types.Key{1}, chain.Keys(e.Volume.SRoot[:]))
	requireT.True(late.Has(chain.FlagModified))
	requireT.Zero(late.MirrorTID())

	syncTID := e.sync(t)
	requireT.Equal([]types.Key{1, 2}, chain.Keys(e.Volume.SRoot[:]))
	requireT.Equal(syncTID, late.MirrorTID())
	late.Drop()

	requireConsistent(requireT, root, syncTID)
}

func TestFlushDefersDeepChains(t *testing.T) {
	const depth = 10000

	requireT := require.New(t)
	e := newEnv(t, 8, 0)

	root := e.Tree.VolumeRoot()

	tx := e.Trans.Begin(0)
	path := e.CreatePath(requireT, tx, root, depth)
	e.Trans.End(tx)

	syncTID := e.sync(t)
	chain.DropAll(path)

	stats := e.Engine.Stats()
	requireT.EqualValues(1, stats.Passes)
	requireT.Greater(stats.Deferrals, uint64(depth/8-1))
	requireT.Zero(stats.DegenerateFlushes)
	requireT.EqualValues(depth, stats.Inserts)

	var count int
	test.Walk(root, func(c *chain.Chain) {
		if c.IsRoot() {
			return
		}
		count++
		requireT.EqualValues(1, c.Refs())
		requireT.Equal(types.MaxTID, c.DeleteTID())
	})
	requireT.Equal(depth, count)

	requireConsistent(requireT, root, syncTID)
}

func TestFlushFailsIfPassesAreExceeded(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, 1, 1)

	tx := e.Trans.Begin(0)
	e.CreatePath(requireT, tx, e.Tree.VolumeRoot(), 3)
	e.Trans.End(tx)

	flushTx := e.Trans.Begin(trans.Flush)
	defer e.Trans.End(flushTx)

	_, err := e.Engine.Flush(test.Context(t), flushTx, e.Tree.VolumeRoot())
	requireT.Error(err)
	requireT.ErrorContains(err, "did not converge")

	var invariantErr *chain.InvariantError
	requireT.ErrorAs(err, &invariantErr)

	// Locks taken by the aborted flush are released.
	unlocked := make(chan struct{})
	go func() {
		defer close(unlocked)
		test.Walk(e.Tree.VolumeRoot(), func(c *chain.Chain) {
			c.Lock()
			c.Unlock()
		})
	}()
	requireT.Eventually(func() bool {
		select {
		case <-unlocked:
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)
}
