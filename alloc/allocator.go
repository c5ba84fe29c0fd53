package alloc

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/cowtree/types"
)

// ErrOutOfSpace is returned if there is no free block of requested size.
var ErrOutOfSpace = errors.New("out of space")

// Config stores configuration of allocator.
type Config struct {
	// Size is the size of the device.
	Size uint64

	// ReservedSize is the size of the area at the beginning of the device which is never allocated.
	ReservedSize uint64
}

// New creates new freemap allocator.
func New(config Config) (*Allocator, error) {
	if config.ReservedSize > config.Size {
		return nil, errors.Errorf("reserved size %d exceeds device size %d", config.ReservedSize, config.Size)
	}
	return &Allocator{
		config: config,
		next:   config.ReservedSize,
	}, nil
}

// Stats stores allocator counters.
type Stats struct {
	AllocatedBytes uint64
	FreedBytes     uint64
	ReusedBlocks   uint64
}

// Allocator allocates blocks on the device.
// Released blocks are reused only after Commit, when the header not referencing them anymore is durable.
type Allocator struct {
	config Config

	mu      sync.Mutex
	next    uint64
	rings   [types.MaxRadix + 1]*ring[types.PhysicalAddress]
	lastTID types.TID
	stats   Stats
}

// Allocate allocates block of 1 << radix bytes on behalf of the transaction.
func (a *Allocator) Allocate(tid types.TID, radix uint8) (types.PhysicalAddress, error) {
	if radix < types.MinRadix || radix > types.MaxRadix {
		return 0, errors.Errorf("invalid radix %d", radix)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	size := uint64(1) << radix

	if r := a.rings[radix]; r != nil {
		if address, err := r.Get(); err == nil {
			a.lastTID = tid
			a.stats.AllocatedBytes += size
			a.stats.ReusedBlocks++
			return address, nil
		}
	}

	start := (a.next + size - 1) &^ (size - 1)
	if start+size > a.config.Size {
		return 0, errors.Wrapf(ErrOutOfSpace, "radix: %d", radix)
	}
	a.next = start + size
	a.lastTID = tid
	a.stats.AllocatedBytes += size

	return types.PhysicalAddress(start), nil
}

// Free releases the block.
func (a *Allocator) Free(address types.PhysicalAddress, radix uint8) {
	if address == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	r := a.rings[radix]
	if r == nil {
		r = newRing[types.PhysicalAddress](a.config.Size >> radix)
		a.rings[radix] = r
	}
	r.Put(address)
	a.stats.FreedBytes += uint64(1) << radix
}

// Commit makes released blocks available for allocation.
func (a *Allocator) Commit() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.rings {
		if r != nil {
			r.Commit()
		}
	}
}

// LastTID returns the transaction ID of the last allocation.
func (a *Allocator) LastTID() types.TID {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.lastTID
}

// Stats returns allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.stats
}
