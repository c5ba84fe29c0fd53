package chain

import (
	"github.com/outofforest/cowtree/types"
)

// BaseInsert inserts block reference of the child into the table kept sorted by key.
// Entry having the same key is replaced, in that case true is returned.
// Parent and child must be locked.
func BaseInsert(parent *Chain, table []types.BlockRef, child *Chain) bool {
	bref := child.Bref()

	count := tableCount(table)
	index := 0
	for index < count && table[index].Key < bref.Key {
		index++
	}

	replaced := index < count && table[index].Key == bref.Key
	if !replaced {
		Assert(count < len(table), "block table of chain %#x is full", parent.key)
		copy(table[index+1:count+1], table[index:count])
	}
	table[index] = bref
	parent.syncBuffer()

	return replaced
}

// BaseDelete removes block reference of the child from the table.
// Parent and child must be locked.
func BaseDelete(parent *Chain, table []types.BlockRef, child *Chain) {
	count := tableCount(table)
	index := 0
	for index < count && table[index].Key != child.key {
		index++
	}
	Assert(index < count, "key %#x not found in block table of chain %#x", child.key, parent.key)

	copy(table[index:count-1], table[index+1:count])
	table[count-1] = types.BlockRef{}
	parent.syncBuffer()
}

// Rollup moves statistics of the child into the parent.
// Negative how accounts for the child removed from parent's table, positive one for the inserted child.
// Parent and child must be locked.
func Rollup(parent, child *Chain, how int) {
	parent.dataCount += child.dataCount
	parent.inodeCount += child.inodeCount
	child.dataCount = 0
	child.inodeCount = 0

	var inodes int64
	if child.bref.Type == types.BrefTypeInode {
		inodes = 1
	}
	switch {
	case how < 0:
		parent.dataCount -= int64(child.Bytes())
		parent.inodeCount -= inodes
	case how > 0:
		parent.dataCount += int64(child.Bytes())
		parent.inodeCount += inodes
	}

	if parent.inode != nil {
		parent.inode.DataCount += parent.dataCount
		parent.inode.InodeCount += parent.inodeCount
		parent.dataCount = 0
		parent.inodeCount = 0
	}
}

// Keys returns keys stored in the block table.
func Keys(table []types.BlockRef) []types.Key {
	count := tableCount(table)
	keys := make([]types.Key, 0, count)
	for _, bref := range table[:count] {
		keys = append(keys, bref.Key)
	}
	return keys
}

func tableCount(table []types.BlockRef) int {
	for i, bref := range table {
		if bref.Type == types.BrefTypeEmpty {
			return i
		}
	}
	return len(table)
}
