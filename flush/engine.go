package flush

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/cowtree/chain"
	"github.com/outofforest/cowtree/checksum"
	"github.com/outofforest/cowtree/dio"
	"github.com/outofforest/cowtree/trans"
	"github.com/outofforest/cowtree/types"
)

const (
	// DefaultDepthLimit is the default recursion depth at which chains are deferred.
	DefaultDepthLimit = 8

	// DefaultMaxPasses is the default number of top-level passes after which flush is considered broken.
	DefaultMaxPasses = 16
)

// Config stores configuration of the flush engine.
type Config struct {
	Tree       *chain.Tree
	IO         *dio.IO
	Volume     *types.VolumeData
	VolSync    *types.VolumeData
	DepthLimit int
	MaxPasses  int
}

// Stats stores flush counters.
type Stats struct {
	MetaWrites        uint64
	IndirectWrites    uint64
	Deferrals         uint64
	Passes            uint64
	DegenerateFlushes uint64
	Inserts           uint64
	Deletes           uint64
}

// New creates new flush engine.
func New(config Config) *Engine {
	if config.DepthLimit <= 0 {
		config.DepthLimit = DefaultDepthLimit
	}
	if config.MaxPasses <= 0 {
		config.MaxPasses = DefaultMaxPasses
	}
	return &Engine{
		config: config,
	}
}

// Engine writes chains modified up to the flush point and propagates new block references up to the root.
type Engine struct {
	config Config

	metaWrites     atomic.Uint64
	indirectWrites atomic.Uint64
	deferrals      atomic.Uint64
	passes         atomic.Uint64
	degenerate     atomic.Uint64
	inserts        atomic.Uint64
	deletes        atomic.Uint64
}

// Stats returns flush counters.
func (e *Engine) Stats() Stats {
	return Stats{
		MetaWrites:        e.metaWrites.Load(),
		IndirectWrites:    e.indirectWrites.Load(),
		Deferrals:         e.deferrals.Load(),
		Passes:            e.passes.Load(),
		DegenerateFlushes: e.degenerate.Load(),
		Inserts:           e.inserts.Load(),
		Deletes:           e.deletes.Load(),
	}
}

// info is the state of a single top-level flush.
type info struct {
	ctx  context.Context
	log  *zap.Logger
	tx   *trans.Transaction
	sync types.TID

	parent      *chain.Chain
	depth       int
	didDeferral int
	domodify    bool
	deferred    []*chain.Chain
	locked      []*chain.Chain
}

// lock locks the chain and records it, so the lock is released if the flush is aborted.
func (info *info) lock(c *chain.Chain) {
	c.Lock()
	info.locked = append(info.locked, c)
}

func (info *info) unlock(c *chain.Chain) {
	i := slices.Index(info.locked, c)
	chain.Assert(i >= 0, "chain %#x is not locked by flush", c.Key())
	info.locked = slices.Delete(info.locked, i, i+1)
	c.Unlock()
}

// relocked records that the lock has been moved to the new version of the chain.
func (info *info) relocked(c, n *chain.Chain) {
	if i := slices.Index(info.locked, c); i >= 0 {
		info.locked[i] = n
	}
}

// unlockAll releases locks left by the aborted flush.
func (info *info) unlockAll() {
	for i := len(info.locked) - 1; i >= 0; i-- {
		info.locked[i].Unlock()
	}
	info.locked = nil
}

// abortError carries errors of collaborators through the recursion.
type abortError struct {
	err error
}

// Flush flushes the chain and everything below it up to the transaction's sync TID.
// Caller passes its reference to the chain, which is moved to the returned chain if the chain was replaced.
// Chain must not be locked by the caller.
func (e *Engine) Flush(ctx context.Context, tx *trans.Transaction, c *chain.Chain) (retChain *chain.Chain, retErr error) {
	if !tx.IsFlush() {
		return c, errors.New("flush requires flush transaction")
	}

	log := logger.Get(ctx)
	info := &info{
		ctx:  ctx,
		log:  log,
		tx:   tx,
		sync: tx.SyncTID,
	}

	defer func() {
		if res := recover(); res != nil {
			info.unlockAll()
			switch err := res.(type) {
			case *chain.InvariantError:
				log.Error("Flush invariant violated", zap.Uint64("syncTID", uint64(info.sync)), zap.Error(err))
				retChain, retErr = nil, errors.WithStack(err)
			case abortError:
				log.Error("Flush aborted", zap.Uint64("syncTID", uint64(info.sync)), zap.Error(err.err))
				retChain, retErr = nil, err.err
			default:
				panic(res)
			}
		}
	}()

	info.lock(c)
	var passes int
	for {
		e.drain(info)

		info.didDeferral = 0
		c = e.flushCore(info, c)
		if len(info.deferred) == 0 {
			break
		}

		passes++
		e.passes.Add(1)
		log.Debug("Flush pass left deferred chains", zap.Int("pass", passes),
			zap.Int("deferred", len(info.deferred)))
		chain.Assert(passes < e.config.MaxPasses, "flush of sync TID %d did not converge after %d passes",
			info.sync, passes)
	}
	info.unlock(c)

	return c, nil
}

// drain flushes deferred chains. Chain deferred again is put back below the chains it is waiting for.
func (e *Engine) drain(info *info) {
	for len(info.deferred) > 0 {
		c := info.deferred[len(info.deferred)-1]
		info.deferred = info.deferred[:len(info.deferred)-1]

		chain.Assert(c.Has(chain.FlagDeferred), "chain %#x on deferral list is not deferred", c.Key())
		c.ClearFlags(chain.FlagDeferred)

		mark := len(info.deferred)
		didDeferral := info.didDeferral

		info.lock(c)
		c = e.flushCore(info, c)
		info.unlock(c)

		if info.didDeferral == didDeferral {
			c.Drop()
			continue
		}

		if len(info.deferred) == mark {
			chain.Assert(mark > 0, "chain %#x deferred with nothing left to flush", c.Key())
			mark = 0
		}
		c.SetFlags(chain.FlagDeferred)
		info.deferred = slices.Insert(info.deferred, mark, c)
	}
}

// flushCore flushes the chain. Chain is locked and referenced by the caller.
// If the chain is replaced, lock and reference are moved to the returned chain.
func (e *Engine) flushCore(info *info, c *chain.Chain) *chain.Chain {
	sync := info.sync
	core := c.Core()
	didDeferral := info.didDeferral

	if !c.Has(chain.FlagModified) &&
		(core.UpdateLo() >= sync || c.MirrorTID() >= sync || c.MirrorTID() >= core.UpdateHi()) {
		return c
	}

	// Chains modified beyond the flush point do not exist for this flush.
	if c.ModifyTID() > sync && !c.IsRoot() {
		return c
	}

	for {
		// Replaced chain is reachable through its newer version sharing the core.
		if c.DeleteTID() <= sync && c.Has(chain.FlagDuplicated) {
			if c.Has(chain.FlagModified) {
				c.ModifiedToMoved()
			}
			c.RaiseMirrorTID(sync)
			return c
		}

		if c.MirrorTID() >= sync || c.MirrorTID() >= core.UpdateHi() {
			core.RaiseUpdateLo(sync)
			break
		}

		savedParent := info.parent
		savedDomodify := info.domodify
		info.parent = c
		info.domodify = false

		switch {
		case c.Has(chain.FlagDeferred):
			info.didDeferral++
		case info.depth == e.config.DepthLimit:
			c.Ref()
			c.SetFlags(chain.FlagDeferred)
			info.deferred = append(info.deferred, c)
			info.didDeferral++
			e.deferrals.Add(1)
		default:
			e.scan1(info, c)
		}

		// Parent was unlocked during the scan, recheck it.
		if (c.DeleteTID() <= sync && c.Has(chain.FlagDuplicated)) ||
			c.MirrorTID() >= sync || c.MirrorTID() >= core.UpdateHi() {
			info.parent = savedParent
			info.domodify = savedDomodify
			continue
		}

		deferred := didDeferral != info.didDeferral
		if deferred {
			info.domodify = false
		}

		if info.domodify && !ignoreDeleted(info, c) {
			chain.Assert(c.IsRoot() || c.ModifyTID() < sync,
				"chain %#x modified at %d is modified again by flush %d", c.Key(), c.ModifyTID(), sync)

			n, err := e.config.Tree.Modify(info.tx, c)
			if err != nil {
				panic(abortError{err: err})
			}
			if n != c {
				info.relocked(c, n)
				c.RaiseMirrorTID(sync)
				c = n
				info.parent = n
			}
		}

		if !deferred {
			c.SetFlags(chain.FlagFlushed)
			e.scan2(info, c, 1)
			e.scan2(info, c, 2)
			core.RaiseUpdateLo(sync)
			e.scan2(info, c, 3)
		}

		info.parent = savedParent
		info.domodify = savedDomodify
		break
	}

	if didDeferral != info.didDeferral {
		return c
	}

	c.RaiseMirrorTID(sync)

	if ignoreDeleted(info, c) {
		c.MarkMoved()
		c.ClearModified()
		return c
	}

	if !c.Has(chain.FlagModified) {
		e.degenerate.Add(1)
		info.log.Debug("Chain recursed but was not modified",
			zap.Uint64("key", uint64(c.Key())),
			zap.Stringer("type", c.Type()),
			zap.Uint64("mirrorTID", uint64(c.MirrorTID())),
			zap.Uint64("updateLo", uint64(core.UpdateLo())),
			zap.Uint64("syncTID", uint64(sync)))
		return c
	}

	if c.IsRoot() || c.Has(chain.FlagMoved) {
		c.ClearModified()
	} else {
		c.ModifiedToMoved()
	}

	e.write(info, c)
	return c
}

// scan1 recursively flushes children of the chain and detects block table changes.
// Parent is unlocked while its children are flushed.
func (e *Engine) scan1(info *info, parent *chain.Chain) {
	for {
		children, generation := parent.Core().Children()
		for _, child := range children {
			e.scan1Child(info, parent, child)
		}
		chain.DropAll(children)

		if parent.Core().Generation() == generation {
			return
		}
	}
}

func (e *Engine) scan1Child(info *info, parent *chain.Chain, child *chain.Chain) {
	sync := info.sync
	if child.ModifyTID() > sync {
		return
	}

	child.Ref()
	info.unlock(parent)
	info.lock(child)

	switch {
	case !child.Has(chain.FlagModified) && child.Core().UpdateLo() >= sync:
		child.RaiseMirrorTID(sync)
	case child.ModifyTID() > sync:
		info.unlock(child)
		child.Drop()
		info.lock(parent)
		return
	default:
		info.depth++
		child = e.flushCore(info, child)
		info.depth--
	}

	if !ignoreDeleted(info, parent) {
		mirrorTID := parent.MirrorTID()
		deleteTID := child.DeleteTID()
		modifyTID := child.ModifyTID()
		switch {
		case deleteTID <= sync && deleteTID > mirrorTID && modifyTID <= mirrorTID:
			info.domodify = true
		case deleteTID > sync && modifyTID > mirrorTID:
			info.domodify = true
		}
	}

	info.unlock(child)
	info.lock(parent)
	child.Drop()
}

// scan2 updates block table of the parent. Pass 1 removes deleted children, pass 2 inserts new ones
// and pass 3 clears moved flag of children once all versions of the parent are synchronized.
func (e *Engine) scan2(info *info, parent *chain.Chain, pass int) {
	sync := info.sync

	children, _ := parent.Core().Children()
	defer chain.DropAll(children)

	var table []types.BlockRef
	var tableResolved bool
	for _, child := range children {
		if child.ModifyTID() > sync {
			continue
		}
		if !tableResolved {
			table = e.blockTable(info, parent)
			tableResolved = true
		}

		info.lock(child)
		deleteTID := child.DeleteTID()
		switch pass {
		case 1:
			if table != nil && deleteTID <= sync && deleteTID > parent.MirrorTID() &&
				child.ModifyTID() <= parent.MirrorTID() {
				e.assertMoved(info, parent, child)
				chain.Rollup(parent, child, -1)
				chain.BaseDelete(parent, table, child)
				e.deletes.Add(1)
			}
		case 2:
			if table != nil && deleteTID > sync && child.ModifyTID() > parent.MirrorTID() {
				e.assertMoved(info, parent, child)
				chain.Rollup(parent, child, 1)
				if chain.BaseInsert(parent, table, child) {
					info.log.Warn("Block reference replaced", zap.Uint64("key", uint64(child.Key())),
						zap.Uint64("parentKey", uint64(parent.Key())))
				}
				e.inserts.Add(1)
			}
		case 3:
			if (deleteTID == types.MaxTID || deleteTID <= sync) && child.Has(chain.FlagMoved) &&
				e.ownersSynced(info, parent, child) {
				child.ClearMoved()
				chain.Assert(!child.Has(chain.FlagModified), "chain %#x is modified after flush", child.Key())
			}
		}
		info.unlock(child)
	}
}

// ownersSynced returns true if all the live versions of the parent, except the current one,
// are synchronized at the flush point.
func (e *Engine) ownersSynced(info *info, parent, child *chain.Chain) bool {
	for _, owner := range child.Above().Owners() {
		if owner == parent || ignoreDeleted(info, owner) {
			continue
		}
		// Replaced version is synchronized through its successor.
		if owner.Has(chain.FlagDuplicated) && owner.DeleteTID() <= info.sync {
			continue
		}
		if owner.MirrorTID() < info.sync {
			return false
		}
	}
	return true
}

func (e *Engine) assertMoved(info *info, parent, child *chain.Chain) {
	chain.Assert(child.Has(chain.FlagMoved), "block table update of chain %#x which is not moved", child.Key())
	chain.Assert(parent.IsRoot() || parent.ModifyTID() == info.sync,
		"block table of chain %#x updated without modifying it", parent.Key())
}

func (e *Engine) blockTable(info *info, parent *chain.Chain) []types.BlockRef {
	var table []types.BlockRef
	switch parent.Type() {
	case types.BrefTypeInode, types.BrefTypeIndirect, types.BrefTypeFreemapNode:
		table = parent.Blocks()
	case types.BrefTypeVolume:
		table = e.config.Volume.SRoot[:]
	case types.BrefTypeFreemap:
		table = e.config.Volume.FreemapSet[:]
	default:
		chain.Invariantf("unrecognized block table type %s", parent.Type())
	}

	if ignoreDeleted(info, parent) {
		return nil
	}
	return table
}

// write stores the chain's block. Block references of the chain are passed to the parent by scan2.
func (e *Engine) write(info *info, c *chain.Chain) {
	switch c.Type() {
	case types.BrefTypeFreemap:
		// Header must be written to record the new freemap topology.
		vchain := e.config.Tree.VolumeRoot()
		info.lock(vchain)
		_, err := e.config.Tree.Modify(info.tx, vchain)
		info.unlock(vchain)
		if err != nil {
			panic(abortError{err: err})
		}
		e.config.Volume.FreemapTID = c.MirrorTID()
	case types.BrefTypeVolume:
		fchain := e.config.Tree.FreemapRoot()
		info.lock(fchain)
		defer info.unlock(fchain)

		e.config.Volume.MirrorTID = c.MirrorTID()
		checksum.UpdateVolume(e.config.Volume)
		*e.config.VolSync = *e.config.Volume
		c.SetFlags(chain.FlagVolumeSync)
	case types.BrefTypeData:
		// Data blocks are written through the buffer cache by the frontend.
	case types.BrefTypeIndirect, types.BrefTypeFreemapNode:
		// Block table is kept in the pinned buffer written back by the buffer flush.
		chain.Assert(!c.Has(chain.FlagEmbedded), "device-backed chain %#x is embedded", c.Key())
	default:
		chain.Assert(c.Has(chain.FlagEmbedded), "chain %#x of type %s is not embedded", c.Key(), c.Type())

		bref := c.Bref()
		chain.Assert(bref.DataOff != 0, "chain %#x has no storage", c.Key())

		image := c.Image()
		buf, err := e.config.IO.Read(info.ctx, bref.DataOff, c.Bytes())
		if err != nil {
			panic(abortError{err: err})
		}
		buf.Update(0, image)
		buf.Release()

		var check types.Check
		switch bref.Methods {
		case types.CheckISCSI32, types.CheckFreemap:
			check.SetISCSI32(checksum.ISCSI32(image))
		case types.CheckXXHash64, types.CheckBlake3:
			check, err = checksum.Compute(bref.Methods, image)
			if err != nil {
				panic(abortError{err: err})
			}
		default:
			chain.Invariantf("bad check method %d of chain %#x", bref.Methods, c.Key())
		}
		c.SetCheck(check)

		if c.Type() == types.BrefTypeInode {
			e.metaWrites.Add(1)
		} else {
			e.indirectWrites.Add(1)
		}
	}
}

// ignoreDeleted returns true if chain is deleted at the flush point and not visible anymore.
// Deleted inodes stay visible until destroyed because they might be still open.
func ignoreDeleted(info *info, c *chain.Chain) bool {
	return c.DeleteTID() <= info.sync && (c.Type() != types.BrefTypeInode || c.Has(chain.FlagDestroyed))
}
