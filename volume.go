package cowtree

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/photon"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/cowtree/alloc"
	"github.com/outofforest/cowtree/chain"
	"github.com/outofforest/cowtree/checksum"
	"github.com/outofforest/cowtree/dio"
	"github.com/outofforest/cowtree/flush"
	"github.com/outofforest/cowtree/persistent"
	"github.com/outofforest/cowtree/trans"
	"github.com/outofforest/cowtree/types"
)

// DefaultReservedSize is the size of the area at the beginning of the device holding the volume header.
const DefaultReservedSize = 64 * 1024

var (
	// ErrFailed is returned once a flush failed. Tree state is not trusted anymore.
	ErrFailed = errors.New("volume failed")

	// ErrClosed is returned when volume is used after closing.
	ErrClosed = errors.New("volume is closed")
)

// Config stores volume configuration.
type Config struct {
	Device            persistent.Device
	ReservedSize      uint64
	DepthLimit        int
	MaxPasses         int
	SyncInterval      time.Duration
	WritebackInterval time.Duration
	ReadAttempts      uint
	RetryDelay        time.Duration
}

// DefaultConfig returns default configuration for the device.
func DefaultConfig(dev persistent.Device) Config {
	ioConfig := dio.DefaultConfig(dev)
	return Config{
		Device:            dev,
		ReservedSize:      DefaultReservedSize,
		DepthLimit:        flush.DefaultDepthLimit,
		MaxPasses:         flush.DefaultMaxPasses,
		SyncInterval:      5 * time.Second,
		WritebackInterval: ioConfig.WritebackInterval,
		ReadAttempts:      ioConfig.ReadAttempts,
		RetryDelay:        ioConfig.RetryDelay,
	}
}

// Stats stores volume counters.
type Stats struct {
	Flush flush.Stats
	IO    dio.Stats
	Alloc alloc.Stats
}

// New formats new volume on the device.
func New(config Config) (*Volume, error) {
	if config.ReservedSize == 0 {
		config.ReservedSize = DefaultReservedSize
	}
	if config.ReservedSize < types.VolumeDataSize {
		return nil, errors.Errorf("reserved size %d is too small for volume header of %d bytes",
			config.ReservedSize, types.VolumeDataSize)
	}

	size := config.Device.Size()
	allocator, err := alloc.New(alloc.Config{
		Size:         size,
		ReservedSize: config.ReservedSize,
	})
	if err != nil {
		return nil, err
	}

	v := &Volume{
		config: config,
		io: dio.New(dio.Config{
			Device:            config.Device,
			ReadAttempts:      config.ReadAttempts,
			RetryDelay:        config.RetryDelay,
			WritebackInterval: config.WritebackInterval,
		}),
		allocator: allocator,
		trans:     trans.NewManager(1, 1),
		voldata: types.VolumeData{
			Magic:      types.VolumeMagic,
			FSID:       uuid.New(),
			VolumeSize: size,
			AllocTID:   1,
			InodeTID:   1,
		},
	}
	checksum.UpdateVolume(&v.voldata)
	v.volsync = v.voldata

	v.tree = chain.NewTree(chain.Config{
		Allocator: allocator,
		IO:        v.io,
		Volume:    &v.voldata,
	})
	v.engine = flush.New(flush.Config{
		Tree:       v.tree,
		IO:         v.io,
		Volume:     &v.voldata,
		VolSync:    &v.volsync,
		DepthLimit: config.DepthLimit,
		MaxPasses:  config.MaxPasses,
	})

	if err := v.writeHeader(); err != nil {
		return nil, err
	}
	return v, nil
}

// Volume binds the tree to the device and commits it by periodic flushes.
type Volume struct {
	config    Config
	io        *dio.IO
	allocator *alloc.Allocator
	trans     *trans.Manager
	tree      *chain.Tree
	engine    *flush.Engine

	// voldata is the working header updated by flushes, volsync is the image written to the device.
	voldata types.VolumeData
	volsync types.VolumeData

	mu     sync.Mutex
	header types.VolumeData
	err    error
}

// Root returns the root of the volume topology.
func (v *Volume) Root() *chain.Chain {
	return v.tree.VolumeRoot()
}

// Header returns the last header written to the device.
func (v *Volume) Header() types.VolumeData {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.header
}

// Stats returns volume counters.
func (v *Volume) Stats() Stats {
	return Stats{
		Flush: v.engine.Stats(),
		IO:    v.io.Stats(),
		Alloc: v.allocator.Stats(),
	}
}

// Begin starts new transaction.
func (v *Volume) Begin(flags trans.Flags) (*trans.Transaction, error) {
	if err := v.failure(); err != nil {
		return nil, err
	}
	if flags&trans.Flush != 0 {
		return nil, errors.New("flush transactions are started by sync")
	}
	return v.trans.Begin(flags), nil
}

// End finishes the transaction.
func (v *Volume) End(tx *trans.Transaction) {
	v.trans.End(tx)
}

// Lookup returns referenced live child of the parent.
func (v *Volume) Lookup(parent *chain.Chain, key types.Key) (*chain.Chain, error) {
	return v.tree.Lookup(parent, key)
}

// Create creates chain below the parent. Returned chain is referenced.
func (v *Volume) Create(tx *trans.Transaction, parent *chain.Chain, req chain.CreateRequest) (*chain.Chain, error) {
	parent.Lock()
	defer parent.Unlock()

	return v.tree.Create(tx, parent, req)
}

// Modify prepares chain for modification. Caller's reference is moved to the returned chain.
func (v *Volume) Modify(tx *trans.Transaction, c *chain.Chain) (*chain.Chain, error) {
	c.Lock()
	n, err := v.tree.Modify(tx, c)
	if err != nil {
		c.Unlock()
		return nil, err
	}
	n.Unlock()
	return n, nil
}

// Write modifies the chain and stores its payload. Caller's reference is moved to the returned chain,
// unless modification itself fails.
func (v *Volume) Write(ctx context.Context, tx *trans.Transaction, c *chain.Chain, data []byte) (*chain.Chain, error) {
	c.Lock()
	n, err := v.tree.Modify(tx, c)
	if err != nil {
		c.Unlock()
		return nil, err
	}
	defer n.Unlock()

	if err := v.tree.SetData(ctx, n, data); err != nil {
		return n, err
	}
	return n, nil
}

// Delete deletes the chain.
func (v *Volume) Delete(tx *trans.Transaction, c *chain.Chain) error {
	c.Lock()
	defer c.Unlock()

	return v.tree.Delete(tx, c)
}

// Destroy marks deleted chain as not reachable by anyone.
func (v *Volume) Destroy(c *chain.Chain) error {
	c.Lock()
	defer c.Unlock()

	return v.tree.Destroy(c)
}

// Sync flushes the tree up to the new flush point and writes the header.
func (v *Volume) Sync(ctx context.Context) error {
	if err := v.failure(); err != nil {
		return err
	}

	log := logger.Get(ctx)

	tx := v.trans.Begin(trans.Flush)
	defer v.trans.End(tx)

	// Freemap goes first because flushing it modifies the volume root.
	for _, root := range []*chain.Chain{v.tree.FreemapRoot(), v.tree.VolumeRoot()} {
		if _, err := v.engine.Flush(ctx, tx, root); err != nil {
			return v.fail(log, err)
		}
	}

	if err := v.io.Flush(); err != nil {
		return v.fail(log, err)
	}

	vchain := v.tree.VolumeRoot()
	if vchain.Has(chain.FlagVolumeSync) {
		vchain.ClearFlags(chain.FlagVolumeSync)

		// Blocks referenced by the new header must be durable before the header.
		if err := v.io.Sync(); err != nil {
			return v.fail(log, err)
		}

		v.volsync.AllocTID = v.trans.AllocTID()
		v.volsync.InodeTID = v.trans.InodeTID()
		checksum.UpdateVolume(&v.volsync)
		if err := v.writeHeader(); err != nil {
			return v.fail(log, err)
		}

		log.Debug("Volume header written",
			zap.Uint64("syncTID", uint64(tx.SyncTID)),
			zap.Uint64("mirrorTID", uint64(v.volsync.MirrorTID)))
	}

	v.allocator.Commit()
	return nil
}

// Run runs the periodic sync and the buffer write-back.
func (v *Volume) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("io", parallel.Fail, v.io.Run)
		spawn("syncer", parallel.Fail, v.runSyncer)
		return nil
	})
}

// Close syncs the volume for the last time. Volume can't be used afterwards.
func (v *Volume) Close(ctx context.Context) error {
	if err := v.Sync(ctx); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.err == nil {
		v.err = ErrClosed
	}
	return nil
}

func (v *Volume) runSyncer(ctx context.Context) error {
	log := logger.Get(ctx)

	var tickCh <-chan time.Time
	if v.config.SyncInterval > 0 {
		ticker := time.NewTicker(v.config.SyncInterval)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			if err := v.Sync(context.WithoutCancel(ctx)); err != nil {
				log.Error("Final sync failed", zap.Error(err))
				return err
			}
			return errors.WithStack(ctx.Err())
		case <-tickCh:
			if err := v.Sync(ctx); err != nil {
				log.Error("Sync failed", zap.Error(err))
				return err
			}
		}
	}
}

func (v *Volume) writeHeader() error {
	if err := v.io.Write(0, photon.NewFromValue(&v.volsync).B); err != nil {
		return err
	}
	if err := v.io.Sync(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.header = v.volsync
	return nil
}

func (v *Volume) failure() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.err
}

func (v *Volume) fail(log *zap.Logger, err error) error {
	log.Error("Volume failed", zap.Error(err))

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.err == nil {
		v.err = errors.Wrap(ErrFailed, err.Error())
	}
	return err
}

// ReadHeader reads and verifies the volume header stored on the device.
func ReadHeader(dev persistent.Device) (types.VolumeData, error) {
	b := make([]byte, types.VolumeDataSize)
	if err := dev.Read(0, b); err != nil {
		return types.VolumeData{}, err
	}

	header := *photon.FromBytes[types.VolumeData](b)
	if err := checksum.VerifyVolume(&header); err != nil {
		return types.VolumeData{}, err
	}
	return header, nil
}
