package chain

import (
	"sync"

	"github.com/samber/lo"
	"github.com/tidwall/btree"

	"github.com/outofforest/cowtree/types"
)

func lessChain(a, b *Chain) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	return a.seq < b.seq
}

func newCore() *Core {
	return &Core{
		children: btree.NewBTreeGOptions[*Chain](lessChain, btree.Options{NoLocks: true}),
		owners:   map[*Chain]struct{}{},
	}
}

// Core is the state shared by all chains being versions of the same node.
// Core lock is a leaf lock, no chain lock is taken while holding it.
type Core struct {
	mu         sync.Mutex
	children   *btree.BTreeG[*Chain]
	owners     map[*Chain]struct{}
	updateLo   types.TID
	updateHi   types.TID
	generation uint64
	seq        uint64
}

// UpdateLo returns the TID up to which all modifications below are propagated.
func (c *Core) UpdateLo() types.TID {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.updateLo
}

// UpdateHi returns the highest TID touching the subtree.
func (c *Core) UpdateHi() types.TID {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.updateHi
}

// RaiseUpdateLo sets update_lo to tid if it is higher.
func (c *Core) RaiseUpdateLo(tid types.TID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.updateLo < tid {
		c.updateLo = tid
	}
}

// Generation returns the number of structural changes of the child index.
func (c *Core) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.generation
}

// Children returns children in key order together with the generation they were taken at.
// Each returned chain is referenced and must be dropped by the caller, see DropAll.
func (c *Core) Children() ([]*Chain, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	children := make([]*Chain, 0, c.children.Len())
	c.children.Scan(func(child *Chain) bool {
		child.Ref()
		children = append(children, child)
		return true
	})
	return children, c.generation
}

// Owners returns snapshot of chains sharing this core.
func (c *Core) Owners() []*Chain {
	c.mu.Lock()
	defer c.mu.Unlock()

	return lo.Keys(c.owners)
}

// Len returns the number of chains in the child index.
func (c *Core) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.children.Len()
}

func (c *Core) insert(child *Chain) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	child.seq = c.seq
	child.above = c
	c.children.Set(child)
	c.generation++
}

// remove removes unreferenced chain from the index. It returns false if chain must stay.
func (c *Core) remove(child *Chain) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if child.released || child.refs.Load() != 0 || !child.removable() {
		return false
	}
	child.released = true
	c.children.Delete(child)
	c.generation++
	return true
}

// live returns the number of live children and whether live child with the key exists.
func (c *Core) live(key types.Key) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var count int
	var exists bool
	c.children.Scan(func(child *Chain) bool {
		if child.DeleteTID() == types.MaxTID {
			count++
			if child.key == key {
				exists = true
			}
		}
		return true
	})
	return count, exists
}

// lookup returns referenced live child with the key. The most recent version wins.
func (c *Core) lookup(key types.Key) *Chain {
	c.mu.Lock()
	defer c.mu.Unlock()

	var found *Chain
	c.children.Ascend(&Chain{key: key}, func(child *Chain) bool {
		if child.key != key {
			return false
		}
		if child.DeleteTID() == types.MaxTID {
			found = child
		}
		return true
	})
	if found != nil {
		found.Ref()
	}
	return found
}

// raiseUpdateHi raises update_hi and returns owners to continue with, or nil if core was already up to date.
func (c *Core) raiseUpdateHi(tid types.TID) []*Chain {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.updateHi >= tid {
		return nil
	}
	c.updateHi = tid
	return lo.Keys(c.owners)
}

func (c *Core) addOwner(owner *Chain) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.owners[owner] = struct{}{}
}

func (c *Core) removeOwner(owner *Chain) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.owners, owner)
}

// DropAll drops references to all the chains.
func DropAll(chains []*Chain) {
	for _, c := range chains {
		c.Drop()
	}
}
