package alloc

import "github.com/pkg/errors"

// errRingEmpty is returned if there is no committed item in the ring.
var errRingEmpty = errors.New("no free item to get")

func newRing[T any](capacity uint64) *ring[T] {
	return &ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// ring keeps released items. Items become available for Get only after Commit.
type ring[T any] struct {
	items []T

	capacity                  uint64
	getPtr, commitPtr, putPtr uint64
}

func (r *ring[T]) Get() (T, error) {
	if r.getPtr == r.commitPtr {
		var t T
		return t, errRingEmpty
	}
	item := r.items[r.getPtr%r.capacity]
	r.getPtr++
	return item, nil
}

func (r *ring[T]) Put(item T) {
	if r.putPtr-r.getPtr == r.capacity {
		// This is really critical because it means that we released more than allocated.
		panic("no space left in the ring")
	}

	r.items[r.putPtr%r.capacity] = item
	r.putPtr++
}

func (r *ring[T]) Commit() {
	r.commitPtr = r.putPtr
}

func (r *ring[T]) Available() uint64 {
	return r.commitPtr - r.getPtr
}

func (r *ring[T]) Pending() uint64 {
	return r.putPtr - r.commitPtr
}
