package chain

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/outofforest/photon"

	"github.com/outofforest/cowtree/dio"
	"github.com/outofforest/cowtree/types"
)

// Chain is the in-memory version of a node in the tree.
// Several chains may represent the same node, each of them valid in a different range of transactions.
type Chain struct {
	tree *Tree
	mu   sync.Mutex

	refs  atomic.Int64
	flags atomic.Uint32

	modifyTID atomic.Uint64
	deleteTID atomic.Uint64
	mirrorTID atomic.Uint64

	key  types.Key
	seq  uint64
	bref types.BlockRef

	// core is shared by all the versions of the node, above is the core of the parent.
	core     *Core
	above    *Core
	released bool

	inode  *types.InodeData
	data   []byte
	blocks []types.BlockRef
	buf    *dio.Buffer

	dataCount  int64
	inodeCount int64
}

// Lock locks the chain.
func (c *Chain) Lock() {
	c.mu.Lock()
}

// Unlock unlocks the chain.
func (c *Chain) Unlock() {
	c.mu.Unlock()
}

// Ref increments reference count.
func (c *Chain) Ref() {
	c.refs.Add(1)
}

// Drop decrements reference count. Unreferenced deleted chains are released together with their blocks.
func (c *Chain) Drop() {
	refs := c.refs.Add(-1)
	Assert(refs >= 0, "negative reference count of chain %#x", c.key)
	if refs == 0 {
		c.tree.release(c)
	}
}

// Refs returns reference count.
func (c *Chain) Refs() int64 {
	return c.refs.Load()
}

// Key returns the key of the chain.
func (c *Chain) Key() types.Key {
	return c.key
}

// Type returns type of the chain.
func (c *Chain) Type() types.BrefType {
	return c.bref.Type
}

// Bytes returns size of the chain's block.
func (c *Chain) Bytes() uint64 {
	return c.bref.Bytes()
}

// Bref returns the block reference of the chain. Chain must be locked.
func (c *Chain) Bref() types.BlockRef {
	bref := c.bref
	bref.MirrorTID = c.MirrorTID()
	return bref
}

// IsRoot returns true for the volume and freemap roots.
func (c *Chain) IsRoot() bool {
	return c.above == nil
}

// ModifyTID returns the transaction which created this version of the node.
func (c *Chain) ModifyTID() types.TID {
	return types.TID(c.modifyTID.Load())
}

// DeleteTID returns the transaction which deleted the chain, MaxTID if it is live.
func (c *Chain) DeleteTID() types.TID {
	return types.TID(c.deleteTID.Load())
}

// MirrorTID returns the highest transaction fully synchronized into the chain's block.
func (c *Chain) MirrorTID() types.TID {
	return types.TID(c.mirrorTID.Load())
}

// RaiseMirrorTID sets mirror TID to tid if it is higher.
func (c *Chain) RaiseMirrorTID(tid types.TID) {
	for {
		current := c.mirrorTID.Load()
		if current >= uint64(tid) || c.mirrorTID.CompareAndSwap(current, uint64(tid)) {
			return
		}
	}
}

// Core returns the core shared by all versions of the node.
func (c *Chain) Core() *Core {
	return c.core
}

// Above returns the core of the parent.
func (c *Chain) Above() *Core {
	return c.above
}

// Blocks returns the block table of the chain, nil if there is none. Chain must be locked.
func (c *Chain) Blocks() []types.BlockRef {
	return c.blocks
}

// Data returns embedded payload. Chain must be locked.
func (c *Chain) Data() []byte {
	return c.data
}

// Inode returns copy of the inode header. Chain must be locked.
func (c *Chain) Inode() types.InodeData {
	if c.inode == nil {
		return types.InodeData{}
	}
	return *c.inode
}

// PendingStats returns data and inode counts not yet rolled up into the parent. Chain must be locked.
func (c *Chain) PendingStats() (int64, int64) {
	return c.dataCount, c.inodeCount
}

// SetCheck stores the check value of the block. Chain must be locked.
func (c *Chain) SetCheck(check types.Check) {
	c.bref.Check = check
}

// Image returns on-media image of the embedded block. Chain must be locked.
func (c *Chain) Image() []byte {
	image := make([]byte, c.Bytes())
	switch c.bref.Type {
	case types.BrefTypeInode:
		n := copy(image, photon.NewFromValue(c.inode).B)
		copy(image[n:], c.data)
	default:
		copy(image, c.data)
	}
	return image
}

// syncBuffer copies the block table into the pinned block buffer.
func (c *Chain) syncBuffer() {
	if c.buf == nil || len(c.blocks) == 0 {
		return
	}
	c.buf.Update(0, photon.SliceFromPointer[byte](unsafe.Pointer(&c.blocks[0]),
		len(c.blocks)*int(types.BlockRefSize)))
}

func (c *Chain) tableCapacity() int {
	switch c.bref.Type {
	case types.BrefTypeInode:
		if c.Has(FlagDirectData) {
			return 0
		}
		return types.SetCount
	case types.BrefTypeIndirect, types.BrefTypeFreemapNode:
		return len(c.blocks)
	case types.BrefTypeVolume, types.BrefTypeFreemap:
		return types.SetCount
	default:
		return 0
	}
}
