package dio

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/cowtree/persistent"
	"github.com/outofforest/cowtree/types"
)

// Config stores configuration of the device I/O layer.
type Config struct {
	Device            persistent.Device
	ReadAttempts      uint
	RetryDelay        time.Duration
	WritebackInterval time.Duration
}

// DefaultConfig returns default configuration for the device.
func DefaultConfig(dev persistent.Device) Config {
	return Config{
		Device:            dev,
		ReadAttempts:      3,
		RetryDelay:        10 * time.Millisecond,
		WritebackInterval: time.Second,
	}
}

// New creates new device I/O layer.
func New(config Config) *IO {
	if config.ReadAttempts == 0 {
		config.ReadAttempts = 1
	}
	return &IO{
		config:  config,
		buffers: map[types.PhysicalAddress]*Buffer{},
	}
}

// IO caches device blocks and writes dirty ones back.
type IO struct {
	config Config

	mu      sync.Mutex
	buffers map[types.PhysicalAddress]*Buffer
	stats   Stats
}

// Stats stores I/O counters.
type Stats struct {
	Reads       uint64
	CacheHits   uint64
	Writes      uint64
	WriteBlocks uint64
}

// Buffer is the cached device block.
type Buffer struct {
	io      *IO
	address types.PhysicalAddress
	data    []byte
	refs    uint64
	dirty   bool
}

// Address returns device address of the buffer.
func (b *Buffer) Address() types.PhysicalAddress {
	return b.address
}

// Data returns buffer bytes.
func (b *Buffer) Data() []byte {
	return b.data
}

// Bdwrite marks buffer dirty and releases it. Data is written by the next flush.
func (b *Buffer) Bdwrite() {
	b.io.mu.Lock()
	defer b.io.mu.Unlock()

	b.dirty = true
	b.release()
}

// Update copies data into the buffer at offset and marks it dirty.
// It is safe to call while write-back is running.
func (b *Buffer) Update(offset uint64, data []byte) {
	b.io.mu.Lock()
	defer b.io.mu.Unlock()

	copy(b.data[offset:], data)
	b.dirty = true
}

// Release releases the buffer.
func (b *Buffer) Release() {
	b.io.mu.Lock()
	defer b.io.mu.Unlock()

	b.release()
}

func (b *Buffer) release() {
	if b.refs == 0 {
		panic("buffer released too many times")
	}
	b.refs--
	if b.refs == 0 && !b.dirty {
		delete(b.io.buffers, b.address)
	}
}

// Read returns referenced buffer containing the block. Buffer must be released by the caller.
func (d *IO) Read(ctx context.Context, address types.PhysicalAddress, size uint64) (*Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b := d.buffers[address]; b != nil {
		if uint64(len(b.data)) == size {
			b.refs++
			d.stats.CacheHits++
			return b, nil
		}
		if b.refs > 0 {
			return nil, errors.Errorf("block %#x is in use with size %d, requested %d", address, len(b.data),
				size)
		}
		if b.dirty {
			if err := d.write(b); err != nil {
				return nil, err
			}
		}
		delete(d.buffers, address)
	}

	data, err := retry.DoWithData(func() ([]byte, error) {
		data := make([]byte, size)
		if err := d.config.Device.Read(address, data); err != nil {
			return nil, err
		}
		return data, nil
	},
		retry.Attempts(d.config.ReadAttempts),
		retry.Delay(d.config.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, persistent.ErrOutOfRange)
		}),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "reading block %#x failed", address)
	}

	d.stats.Reads++
	b := &Buffer{
		io:      d,
		address: address,
		data:    data,
		refs:    1,
	}
	d.buffers[address] = b
	return b, nil
}

// New returns referenced zeroed buffer for the block without reading the device.
func (d *IO) New(address types.PhysicalAddress, size uint64) (*Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b := d.buffers[address]; b != nil {
		if b.refs > 0 {
			return nil, errors.Errorf("block %#x is in use", address)
		}
		delete(d.buffers, address)
	}

	b := &Buffer{
		io:      d,
		address: address,
		data:    make([]byte, size),
		refs:    1,
		dirty:   true,
	}
	d.buffers[address] = b
	return b, nil
}

// Invalidate drops cached state of the block which has been freed.
func (d *IO) Invalidate(address types.PhysicalAddress) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b := d.buffers[address]; b != nil && b.refs == 0 {
		delete(d.buffers, address)
	}
}

// Write writes data directly to the device bypassing the cache.
func (d *IO) Write(address types.PhysicalAddress, data []byte) error {
	return errors.WithStack(d.config.Device.Write(address, data))
}

// Flush writes all dirty buffers to the device in address order.
func (d *IO) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	addresses := make([]types.PhysicalAddress, 0, len(d.buffers))
	for address, b := range d.buffers {
		if b.dirty {
			addresses = append(addresses, address)
		}
	}
	slices.Sort(addresses)

	for _, address := range addresses {
		b := d.buffers[address]
		if err := d.write(b); err != nil {
			return err
		}
		if b.refs == 0 {
			delete(d.buffers, address)
		}
	}
	if len(addresses) > 0 {
		d.stats.Writes++
	}
	return nil
}

// Sync flushes dirty buffers and syncs the device.
func (d *IO) Sync() error {
	if err := d.Flush(); err != nil {
		return err
	}
	return errors.WithStack(d.config.Device.Sync())
}

// Stats returns I/O counters.
func (d *IO) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.stats
}

// Run writes dirty buffers back periodically until context is canceled.
func (d *IO) Run(ctx context.Context) error {
	if d.config.WritebackInterval == 0 {
		<-ctx.Done()
		return errors.WithStack(ctx.Err())
	}

	log := logger.Get(ctx)
	ticker := time.NewTicker(d.config.WritebackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
			if err := d.Flush(); err != nil {
				log.Error("Write-back failed", zap.Error(err))
				return err
			}
		}
	}
}

func (d *IO) write(b *Buffer) error {
	if err := d.config.Device.Write(b.address, b.data); err != nil {
		return errors.Wrapf(err, "writing block %#x failed", b.address)
	}
	b.dirty = false
	d.stats.WriteBlocks++
	return nil
}
