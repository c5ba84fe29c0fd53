package main

import (
	"context"
	"fmt"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"go.uber.org/zap"

	"github.com/outofforest/cowtree"
	"github.com/outofforest/cowtree/chain"
	"github.com/outofforest/cowtree/trans"
	"github.com/outofforest/cowtree/types"
)

// runWorkload runs workers, each one owning an inode with a path of indirect chains below it.
// In every round worker creates data chain at the bottom of its path and deletes the one created before.
func runWorkload(ctx context.Context, v *cowtree.Volume, config Config) error {
	if err := setup(v, config); err != nil {
		return err
	}

	log := logger.Get(ctx)
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for worker := range types.Key(config.Workers) {
			spawn(fmt.Sprintf("worker-%d", worker), parallel.Continue, func(ctx context.Context) error {
				path := workerPath(worker, config.Depth)
				for round := range types.Key(config.Rounds) {
					if err := runRound(ctx, v, path, round); err != nil {
						return err
					}
				}
				log.Info("Worker finished", zap.Uint64("worker", uint64(worker)))
				return nil
			})
		}
		return nil
	})
}

func setup(v *cowtree.Volume, config Config) error {
	for worker := range types.Key(config.Workers) {
		if err := setupWorker(v, worker, config.Depth); err != nil {
			return err
		}
	}
	return nil
}

// setupWorker creates worker's path in its own transaction so every inode gets reserved inode number.
func setupWorker(v *cowtree.Volume, worker types.Key, depth uint64) error {
	tx, err := v.Begin(trans.NewInode)
	if err != nil {
		return err
	}
	defer v.End(tx)

	parent := v.Root()
	parent.Ref()
	for i, key := range workerPath(worker, depth) {
		req := chain.CreateRequest{
			Key:  key,
			Type: types.BrefTypeIndirect,
		}
		if i == 0 {
			req.Type = types.BrefTypeInode
			req.InodeNumber = uint64(tx.InodeTID)
		}
		c, err := v.Create(tx, parent, req)
		parent.Drop()
		if err != nil {
			return err
		}
		parent = c
	}
	parent.Drop()
	return nil
}

func runRound(ctx context.Context, v *cowtree.Volume, path []types.Key, key types.Key) error {
	tx, err := v.Begin(0)
	if err != nil {
		return err
	}
	defer v.End(tx)

	parent, err := lookupPath(v, path)
	if err != nil {
		return err
	}
	defer parent.Drop()

	c, err := v.Create(tx, parent, chain.CreateRequest{
		Key:  key,
		Type: types.BrefTypeData,
	})
	if err != nil {
		return err
	}
	c, err = v.Write(ctx, tx, c, []byte(fmt.Sprintf("round %d", key)))
	if err != nil {
		return err
	}
	c.Drop()

	if key == 0 {
		return nil
	}

	prev, err := v.Lookup(parent, key-1)
	if err != nil {
		return err
	}
	defer prev.Drop()

	return v.Delete(tx, prev)
}

// lookupPath returns referenced live chain at the end of the path.
func lookupPath(v *cowtree.Volume, path []types.Key) (*chain.Chain, error) {
	c := v.Root()
	c.Ref()
	for _, key := range path {
		child, err := v.Lookup(c, key)
		c.Drop()
		if err != nil {
			return nil, err
		}
		c = child
	}
	return c, nil
}

func workerPath(worker types.Key, depth uint64) []types.Key {
	path := make([]types.Key, 0, depth+1)
	path = append(path, worker)
	for i := range types.Key(depth) {
		path = append(path, i)
	}
	return path
}
