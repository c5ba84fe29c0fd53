package chain

// Flag is the chain state flag.
type Flag uint32

// Chain flags.
const (
	// FlagModified means chain contains changes not written yet. It holds a reference.
	FlagModified Flag = 1 << iota

	// FlagMoved means parent's block table must be updated. It holds a reference.
	FlagMoved

	// FlagDeleted means chain was deleted at its delete TID.
	FlagDeleted

	// FlagDuplicated means chain was replaced by a newer version sharing its core.
	FlagDuplicated

	// FlagDestroyed means deleted chain is not reachable anymore, even by open handles.
	FlagDestroyed

	// FlagDeferred means chain is waiting on the flush deferral list.
	FlagDeferred

	// FlagFlushed means flush processed the children of the chain.
	FlagFlushed

	// FlagEmbedded means chain carries in-memory image of its block.
	FlagEmbedded

	// FlagVolumeSync means volume header copy must be written.
	FlagVolumeSync

	// FlagDirectData means inode stores data instead of block table.
	FlagDirectData
)

// Flags returns chain flags.
func (c *Chain) Flags() Flag {
	return Flag(c.flags.Load())
}

// Has returns true if all the flags are set.
func (c *Chain) Has(f Flag) bool {
	return Flag(c.flags.Load())&f == f
}

// SetFlags sets the flags not carrying references.
func (c *Chain) SetFlags(f Flag) {
	Assert(f&(FlagModified|FlagMoved) == 0, "referencing flags must not be set directly")
	c.updateFlags(f, 0)
}

// ClearFlags clears the flags not carrying references.
func (c *Chain) ClearFlags(f Flag) {
	Assert(f&(FlagModified|FlagMoved) == 0, "referencing flags must not be cleared directly")
	c.updateFlags(0, f)
}

// MarkModified sets the modified flag taking a reference if it was not set.
func (c *Chain) MarkModified() {
	if c.updateFlags(FlagModified, FlagFlushed)&FlagModified == 0 {
		c.Ref()
	}
}

// ClearModified clears the modified flag dropping its reference.
func (c *Chain) ClearModified() {
	if c.updateFlags(0, FlagModified)&FlagModified != 0 {
		c.Drop()
	}
}

// MarkMoved sets the moved flag taking a reference if it was not set.
func (c *Chain) MarkMoved() {
	if c.updateFlags(FlagMoved, 0)&FlagMoved == 0 {
		c.Ref()
	}
}

// ClearMoved clears the moved flag dropping its reference.
func (c *Chain) ClearMoved() {
	if c.updateFlags(0, FlagMoved)&FlagMoved != 0 {
		c.Drop()
	}
}

// ModifiedToMoved clears the modified flag and sets the moved one.
// Reference held by the modified flag is passed to the moved flag or dropped if moved was already set.
func (c *Chain) ModifiedToMoved() {
	c.MarkMoved()
	c.ClearModified()
}

// updateFlags sets and clears flags in one step and returns the flags seen before the update.
func (c *Chain) updateFlags(set, clear Flag) Flag {
	for {
		old := c.flags.Load()
		if c.flags.CompareAndSwap(old, (old|uint32(set))&^uint32(clear)) {
			return Flag(old)
		}
	}
}
