package test

import (
	"sort"
	"sync"

	"github.com/outofforest/cowtree/alloc"
	"github.com/outofforest/cowtree/types"
)

// NewAllocator creates allocator tracking blocks for tests.
func NewAllocator(parent *alloc.Allocator) *Allocator {
	return &Allocator{
		parent:      parent,
		used:        map[types.PhysicalAddress]struct{}{},
		allocated:   map[types.PhysicalAddress]struct{}{},
		deallocated: map[types.PhysicalAddress]struct{}{},
	}
}

// Allocator is the allocator implementation used in tests.
type Allocator struct {
	parent *alloc.Allocator

	mu          sync.Mutex
	used        map[types.PhysicalAddress]struct{}
	allocated   map[types.PhysicalAddress]struct{}
	deallocated map[types.PhysicalAddress]struct{}
}

// Allocate allocates block.
func (a *Allocator) Allocate(tid types.TID, radix uint8) (types.PhysicalAddress, error) {
	address, err := a.parent.Allocate(tid, radix)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.allocated[address] = struct{}{}
	a.used[address] = struct{}{}
	return address, nil
}

// Free deallocates block.
func (a *Allocator) Free(address types.PhysicalAddress, radix uint8) {
	a.parent.Free(address, radix)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.deallocated[address] = struct{}{}
	delete(a.used, address)
}

// Blocks returns touched blocks. Allocated and deallocated sets are reset.
func (a *Allocator) Blocks() (
	used []types.PhysicalAddress,
	allocated []types.PhysicalAddress,
	deallocated []types.PhysicalAddress,
) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return mapToSlice(a.used, false),
		mapToSlice(a.allocated, true),
		mapToSlice(a.deallocated, true)
}

func mapToSlice(m map[types.PhysicalAddress]struct{}, empty bool) []types.PhysicalAddress {
	s := make([]types.PhysicalAddress, 0, len(m))
	for k := range m {
		s = append(s, k)
	}

	if empty {
		clear(m)
	}

	sort.Slice(s, func(i, j int) bool {
		return s[i] < s[j]
	})

	return s
}
