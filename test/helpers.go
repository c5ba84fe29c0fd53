package test

import (
	"context"
	"sort"
	"testing"

	"github.com/outofforest/logger"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/cowtree/alloc"
	"github.com/outofforest/cowtree/chain"
	"github.com/outofforest/cowtree/dio"
	"github.com/outofforest/cowtree/persistent"
	"github.com/outofforest/cowtree/trans"
	"github.com/outofforest/cowtree/types"
)

// DeviceSize is the size of the device used by tests.
const DeviceSize = 64 * 1024 * 1024

// Env bundles the tree with the layers below it.
type Env struct {
	Device    *persistent.MemoryDevice
	IO        *dio.IO
	Allocator *Allocator
	Volume    *types.VolumeData
	Tree      *chain.Tree
	Trans     *trans.Manager
}

// NewEnv creates tree environment backed by memory device.
func NewEnv(t *testing.T) *Env {
	requireT := require.New(t)

	dev, dealloc, err := persistent.NewMemoryDevice(DeviceSize, false)
	requireT.NoError(err)
	t.Cleanup(dealloc)

	a, err := alloc.New(alloc.Config{
		Size:         DeviceSize,
		ReservedSize: 64 * 1024,
	})
	requireT.NoError(err)

	allocator := NewAllocator(a)
	io := dio.New(dio.DefaultConfig(dev))
	volume := &types.VolumeData{
		Magic:      types.VolumeMagic,
		VolumeSize: DeviceSize,
	}

	return &Env{
		Device:    dev,
		IO:        io,
		Allocator: allocator,
		Volume:    volume,
		Tree: chain.NewTree(chain.Config{
			Allocator: allocator,
			IO:        io,
			Volume:    volume,
		}),
		Trans: trans.NewManager(1, 1),
	}
}

// Context returns context carrying the logger.
func Context(t *testing.T) context.Context {
	return logger.WithLogger(t.Context(), logger.New(logger.DefaultConfig))
}

// Create creates chain below the parent.
func (e *Env) Create(
	requireT *require.Assertions,
	tx *trans.Transaction,
	parent *chain.Chain,
	key types.Key,
	brefType types.BrefType,
) *chain.Chain {
	parent.Lock()
	defer parent.Unlock()

	c, err := e.Tree.Create(tx, parent, chain.CreateRequest{
		Key:         key,
		Type:        brefType,
		InodeNumber: uint64(key),
	})
	requireT.NoError(err)
	return c
}

// CreatePath creates path of indirect chains below the parent, returned chains are ordered from the top.
func (e *Env) CreatePath(
	requireT *require.Assertions,
	tx *trans.Transaction,
	parent *chain.Chain,
	depth int,
) []*chain.Chain {
	path := make([]*chain.Chain, 0, depth)
	for i := range depth {
		parent = e.Create(requireT, tx, parent, types.Key(i+1), types.BrefTypeIndirect)
		path = append(path, parent)
	}
	return path
}

// Modify modifies the chain in the transaction.
func (e *Env) Modify(requireT *require.Assertions, tx *trans.Transaction, c *chain.Chain) *chain.Chain {
	c.Lock()
	n, err := e.Tree.Modify(tx, c)
	if err != nil {
		c.Unlock()
		requireT.NoError(err)
	}
	n.Unlock()
	return n
}

// Delete deletes the chain in the transaction.
func (e *Env) Delete(requireT *require.Assertions, tx *trans.Transaction, c *chain.Chain) {
	c.Lock()
	defer c.Unlock()

	requireT.NoError(e.Tree.Delete(tx, c))
}

// SetData stores payload of the chain.
func (e *Env) SetData(requireT *require.Assertions, c *chain.Chain, data []byte) {
	c.Lock()
	defer c.Unlock()

	requireT.NoError(e.Tree.SetData(context.Background(), c, data))
}

// TableKeys collects keys stored in the block table of the chain.
func TableKeys(c *chain.Chain) []types.Key {
	c.Lock()
	defer c.Unlock()

	return chain.Keys(c.Blocks())
}

// LiveKeys collects keys of live children of the chain.
func LiveKeys(c *chain.Chain) []types.Key {
	children, _ := c.Core().Children()
	defer chain.DropAll(children)

	keys := []types.Key{}
	for _, child := range children {
		if child.DeleteTID() == types.MaxTID {
			keys = append(keys, child.Key())
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		return keys[i] < keys[j]
	})
	return keys
}

// Walk visits all the chains indexed below the root, including versions waiting for release.
// Children of a core shared by several versions are visited once.
func Walk(root *chain.Chain, fn func(c *chain.Chain)) {
	visited := map[*chain.Core]struct{}{}
	stack := []*chain.Chain{root}
	root.Ref()
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		fn(c)
		if _, exists := visited[c.Core()]; !exists {
			visited[c.Core()] = struct{}{}
			children, _ := c.Core().Children()
			stack = append(stack, children...)
		}
		c.Drop()
	}
}

// Live returns referenced live child of the parent.
func Live(requireT *require.Assertions, tree *chain.Tree, parent *chain.Chain, key types.Key) *chain.Chain {
	c, err := tree.Lookup(parent, key)
	requireT.NoError(err)
	return c
}
