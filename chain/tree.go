package chain

import (
	"context"

	"github.com/pkg/errors"

	"github.com/outofforest/cowtree/checksum"
	"github.com/outofforest/cowtree/dio"
	"github.com/outofforest/cowtree/trans"
	"github.com/outofforest/cowtree/types"
)

// Allocator allocates device blocks.
type Allocator interface {
	Allocate(tid types.TID, radix uint8) (types.PhysicalAddress, error)
	Free(address types.PhysicalAddress, radix uint8)
}

// Config stores configuration of the tree.
type Config struct {
	Allocator Allocator
	IO        *dio.IO
	Volume    *types.VolumeData
}

// NewTree creates the tree with volume and freemap roots.
func NewTree(config Config) *Tree {
	t := &Tree{
		config: config,
	}
	t.vchain = t.newRoot(types.BrefTypeVolume, config.Volume.SRoot[:], config.Volume.MirrorTID)
	t.fchain = t.newRoot(types.BrefTypeFreemap, config.Volume.FreemapSet[:], config.Volume.FreemapTID)
	return t
}

// Tree manages chains of the volume.
type Tree struct {
	config Config
	vchain *Chain
	fchain *Chain
}

// VolumeRoot returns the root of the volume topology.
func (t *Tree) VolumeRoot() *Chain {
	return t.vchain
}

// FreemapRoot returns the root of the freemap topology.
func (t *Tree) FreemapRoot() *Chain {
	return t.fchain
}

// CreateRequest describes the chain to create.
type CreateRequest struct {
	Key         types.Key
	KeyBits     uint8
	Type        types.BrefType
	Radix       uint8
	Methods     types.CheckMethod
	InodeNumber uint64
	DirectData  bool
}

// Create creates new chain below the parent. Parent must be locked by the caller.
// Returned chain is unlocked and referenced.
func (t *Tree) Create(tx *trans.Transaction, parent *Chain, req CreateRequest) (*Chain, error) {
	switch req.Type {
	case types.BrefTypeInode, types.BrefTypeIndirect, types.BrefTypeData, types.BrefTypeFreemapNode,
		types.BrefTypeFreemapLeaf:
	default:
		return nil, errors.Wrapf(ErrInvalidType, "type: %s", req.Type)
	}
	if req.Radix == 0 {
		req.Radix = types.MinRadix
	}
	if req.Methods == types.CheckNone {
		req.Methods = defaultMethods(req.Type)
	}

	capacity := parent.tableCapacity()
	if capacity == 0 {
		return nil, errors.Wrapf(ErrNoBlockTable, "parent: %#x, type: %s", parent.key, parent.Type())
	}
	live, exists := parent.core.live(req.Key)
	if exists {
		return nil, errors.Wrapf(ErrKeyExists, "key: %#x", req.Key)
	}
	if live >= capacity {
		return nil, errors.Wrapf(ErrBlockTableFull, "parent: %#x", parent.key)
	}

	address, err := t.config.Allocator.Allocate(tx.AllocTID(), req.Radix)
	if err != nil {
		return nil, err
	}

	c := &Chain{
		tree: t,
		key:  req.Key,
		bref: types.BlockRef{
			Key:       req.Key,
			DataOff:   address,
			ModifyTID: tx.SyncTID,
			Type:      req.Type,
			Methods:   req.Methods,
			KeyBits:   req.KeyBits,
			Radix:     req.Radix,
		},
		core: newCore(),
	}
	c.modifyTID.Store(uint64(tx.SyncTID))
	c.deleteTID.Store(uint64(types.MaxTID))

	switch req.Type {
	case types.BrefTypeInode:
		c.inode = &types.InodeData{InodeNumber: req.InodeNumber}
		if req.DirectData {
			c.inode.OpFlags |= types.InodeOpFlagDirectData
			c.flags.Store(uint32(FlagEmbedded | FlagDirectData))
		} else {
			c.blocks = c.inode.BlockSet[:]
			c.flags.Store(uint32(FlagEmbedded))
		}
		c.data = make([]byte, c.Bytes()-types.InodeDataSize)
	case types.BrefTypeFreemapLeaf:
		c.data = make([]byte, c.Bytes())
		c.flags.Store(uint32(FlagEmbedded))
	case types.BrefTypeIndirect, types.BrefTypeFreemapNode:
		c.buf, err = t.config.IO.New(address, c.Bytes())
		if err != nil {
			t.config.Allocator.Free(address, req.Radix)
			return nil, err
		}
		c.blocks = make([]types.BlockRef, c.Bytes()/types.BlockRefSize)
	}

	c.refs.Store(1)
	c.MarkModified()
	c.core.addOwner(c)
	parent.core.insert(c)
	t.setSubmod(c, tx.SyncTID)

	return c, nil
}

// Modify prepares chain for modification in the transaction. Chain must be locked and referenced by the caller.
// If chain has to be duplicated, the caller's lock and reference are moved to the returned chain.
func (t *Tree) Modify(tx *trans.Transaction, c *Chain) (*Chain, error) {
	if err := checkReplaced(tx, c); err != nil {
		return nil, err
	}
	if c.IsRoot() || (c.Has(FlagModified) && c.ModifyTID() == tx.SyncTID) {
		c.MarkModified()
		c.modifyTID.Store(uint64(tx.SyncTID))
		if !tx.IsFlush() {
			c.bref.ModifyTID = tx.SyncTID
		}
		t.setSubmod(c, tx.SyncTID)
		return c, nil
	}
	return t.DeleteDuplicate(tx, c)
}

// DeleteDuplicate replaces the chain by its new version sharing the same core.
// Old version is deleted at the transaction and waits for the flush to remove it from the parent's block table.
// Chain must be locked and referenced by the caller, lock and reference are moved to the returned chain.
func (t *Tree) DeleteDuplicate(tx *trans.Transaction, c *Chain) (*Chain, error) {
	if c.IsRoot() {
		return nil, errors.WithStack(ErrRoot)
	}
	if err := checkReplaced(tx, c); err != nil {
		return nil, err
	}

	address, err := t.config.Allocator.Allocate(tx.AllocTID(), c.bref.Radix)
	if err != nil {
		return nil, err
	}

	n := &Chain{
		tree: t,
		key:  c.key,
		bref: c.bref,
		core: c.core,
	}
	n.bref.DataOff = address
	if !tx.IsFlush() {
		n.bref.ModifyTID = tx.SyncTID
	}
	n.modifyTID.Store(uint64(tx.SyncTID))
	n.mirrorTID.Store(uint64(c.MirrorTID()))
	flags := c.Flags() & (FlagEmbedded | FlagDirectData)

	deleteTID := c.DeleteTID()
	n.deleteTID.Store(uint64(deleteTID))
	if deleteTID != types.MaxTID {
		// New version inherits deletion, so open handles see it as before. If the chain has already been
		// replaced by a later transaction, the new version stays valid only up to that transaction.
		flags |= c.Flags() & (FlagDeleted | FlagDestroyed | FlagDuplicated)
	}
	n.flags.Store(uint32(flags))

	switch {
	case c.inode != nil:
		inode := *c.inode
		n.inode = &inode
		if c.blocks != nil {
			n.blocks = n.inode.BlockSet[:]
		}
		n.data = append([]byte(nil), c.data...)
	case c.data != nil:
		n.data = append([]byte(nil), c.data...)
	case c.buf != nil:
		n.blocks = append([]types.BlockRef(nil), c.blocks...)
		n.buf, err = t.config.IO.New(address, n.Bytes())
		if err != nil {
			t.config.Allocator.Free(address, n.bref.Radix)
			return nil, err
		}
		n.syncBuffer()
	case c.bref.Type == types.BrefTypeData:
		if err := t.copyBlock(c.bref.DataOff, address, c.Bytes()); err != nil {
			t.config.Allocator.Free(address, n.bref.Radix)
			return nil, err
		}
	}

	n.dataCount, c.dataCount = c.dataCount, 0
	n.inodeCount, c.inodeCount = c.inodeCount, 0

	n.refs.Store(1)
	n.MarkModified()
	c.core.addOwner(n)

	// New version is indexed before the old one is deleted, so lookups always find a live version.
	c.above.insert(n)

	if deleteTID == types.MaxTID || c.Has(FlagDuplicated) {
		c.deleteTID.Store(uint64(tx.SyncTID))
	}
	c.SetFlags(FlagDeleted | FlagDuplicated)
	c.ModifiedToMoved()

	t.setSubmod(n, tx.SyncTID)

	c.Unlock()
	n.Lock()
	c.Drop()

	return n, nil
}

// checkReplaced rejects modification of chain replaced by a newer version.
// Flush may still modify it if the replacement happened after the flush point.
func checkReplaced(tx *trans.Transaction, c *Chain) error {
	if !c.Has(FlagDuplicated) || (tx.IsFlush() && c.DeleteTID() > tx.SyncTID) {
		return nil
	}
	return errors.Wrapf(ErrDeleted, "chain %#x has been replaced", c.key)
}

// Lookup returns referenced live version of the child with the key.
func (t *Tree) Lookup(parent *Chain, key types.Key) (*Chain, error) {
	c := parent.core.lookup(key)
	if c == nil {
		return nil, errors.Wrapf(ErrNotFound, "key: %#x", key)
	}
	return c, nil
}

// Delete deletes the chain in the transaction. Chain must be locked by the caller.
func (t *Tree) Delete(tx *trans.Transaction, c *Chain) error {
	if c.IsRoot() {
		return errors.WithStack(ErrRoot)
	}
	if c.DeleteTID() != types.MaxTID {
		return errors.Wrapf(ErrDeleted, "key: %#x", c.key)
	}

	c.deleteTID.Store(uint64(tx.SyncTID))
	c.SetFlags(FlagDeleted)
	c.MarkMoved()
	t.setSubmod(c, tx.SyncTID)
	return nil
}

// Destroy marks deleted chain as unreachable. Chain must be locked by the caller.
func (t *Tree) Destroy(c *Chain) error {
	if !c.Has(FlagDeleted) {
		return errors.Errorf("chain %#x is not deleted", c.key)
	}
	c.SetFlags(FlagDestroyed)
	return nil
}

// SetData stores the payload of modified chain. Chain must be locked by the caller.
// Embedded chains keep it in memory, data blocks are written through the buffer cache.
func (t *Tree) SetData(ctx context.Context, c *Chain, data []byte) error {
	if !c.Has(FlagModified) {
		return errors.Wrapf(ErrNotModified, "key: %#x", c.key)
	}

	switch {
	case c.Has(FlagEmbedded):
		if len(data) > len(c.data) {
			return errors.Errorf("payload of %d bytes exceeds capacity of %d bytes", len(data), len(c.data))
		}
		copy(c.data, data)
		clear(c.data[len(data):])
		return nil
	case c.bref.Type == types.BrefTypeData:
		if uint64(len(data)) > c.Bytes() {
			return errors.Errorf("payload of %d bytes exceeds block size of %d bytes", len(data), c.Bytes())
		}
		buf, err := t.config.IO.Read(ctx, c.bref.DataOff, c.Bytes())
		if err != nil {
			return err
		}
		image := make([]byte, c.Bytes())
		copy(image, data)
		buf.Update(0, image)
		buf.Release()

		c.bref.Check, err = checksum.Compute(c.bref.Methods, image)
		return err
	default:
		return errors.Wrapf(ErrInvalidType, "type: %s", c.bref.Type)
	}
}

func (t *Tree) copyBlock(from, to types.PhysicalAddress, size uint64) error {
	src, err := t.config.IO.Read(context.Background(), from, size)
	if err != nil {
		return err
	}
	defer src.Release()

	dst, err := t.config.IO.New(to, size)
	if err != nil {
		return err
	}
	dst.Update(0, src.Data())
	dst.Release()
	return nil
}

// setSubmod raises update_hi of all the cores above the chain, through every owner of each core.
func (t *Tree) setSubmod(c *Chain, tid types.TID) {
	stack := []*Core{c.above}
	visited := map[*Core]struct{}{}
	for len(stack) > 0 {
		core := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if core == nil {
			continue
		}
		if _, exists := visited[core]; exists {
			continue
		}
		visited[core] = struct{}{}

		for _, owner := range core.raiseUpdateHi(tid) {
			stack = append(stack, owner.above)
		}
	}
}

func (t *Tree) newRoot(brefType types.BrefType, blocks []types.BlockRef, mirrorTID types.TID) *Chain {
	c := &Chain{
		tree: t,
		bref: types.BlockRef{
			Type:  brefType,
			Radix: types.MinRadix,
		},
		core:   newCore(),
		blocks: blocks,
	}
	c.deleteTID.Store(uint64(types.MaxTID))
	c.mirrorTID.Store(uint64(mirrorTID))
	c.refs.Store(1)
	c.core.addOwner(c)
	return c
}

func (t *Tree) release(c *Chain) {
	if c.IsRoot() || !c.removable() {
		return
	}
	if !c.above.remove(c) {
		return
	}
	c.core.removeOwner(c)

	if c.buf != nil {
		c.buf.Release()
		c.buf = nil
	}
	t.config.IO.Invalidate(c.bref.DataOff)
	t.config.Allocator.Free(c.bref.DataOff, c.bref.Radix)
}

func (c *Chain) removable() bool {
	flags := c.Flags()
	return flags&FlagDeleted != 0 && flags&(FlagModified|FlagMoved) == 0
}

func defaultMethods(brefType types.BrefType) types.CheckMethod {
	switch brefType {
	case types.BrefTypeInode:
		return types.CheckISCSI32
	case types.BrefTypeFreemapLeaf:
		return types.CheckFreemap
	case types.BrefTypeData:
		return types.CheckXXHash64
	default:
		return types.CheckNone
	}
}
