package internal

import "errors"

// ErrFreeListExhausted is returned by [FreeList.Get] when every element is checked out.
var ErrFreeListExhausted = errors.New("internal: freelist exhausted")

// FreeList is a fixed-capacity typed object pool. It is the in-module stand-in
// for the freelist collaborator named in the component design: request
// objects and bounce payloads are allocated from one of these rather than via
// the garbage collector, so their count stays observable and bounded and the
// backing storage can be bulk-registered with the fabric once up front
// (see [FreeList.BackingStore]).
type FreeList[T any] struct {
	items []T
	free  []uint32 // stack of indices into items currently available.
}

// NewFreeList allocates a FreeList with n pre-constructed elements, all
// initially free. The backing slice is contiguous, which is what allows
// [FreeList.BackingStore] to be bulk-registered as one memory region.
func NewFreeList[T any](n int) *FreeList[T] {
	fl := &FreeList[T]{
		items: make([]T, n),
		free:  make([]uint32, n),
	}
	for i := range fl.free {
		fl.free[i] = uint32(n - 1 - i) // pop order starts at index 0.
	}
	return fl
}

// BackingStore returns the contiguous backing array, for bulk memory
// registration with the fabric adapter.
func (fl *FreeList[T]) BackingStore() []T { return fl.items }

// Cap returns the freelist's total capacity.
func (fl *FreeList[T]) Cap() int { return len(fl.items) }

// Len returns the number of elements currently checked out.
func (fl *FreeList[T]) Len() int { return len(fl.items) - len(fl.free) }

// Get checks out a free element and returns its index and pointer.
func (fl *FreeList[T]) Get() (idx uint32, elem *T, err error) {
	n := len(fl.free)
	if n == 0 {
		return 0, nil, ErrFreeListExhausted
	}
	idx = fl.free[n-1]
	fl.free = fl.free[:n-1]
	return idx, &fl.items[idx], nil
}

// At returns the element at idx without checking it out. Used to resolve a
// back-reference index into a live pointer.
func (fl *FreeList[T]) At(idx uint32) *T { return &fl.items[idx] }

// Put returns idx to the free set. Putting an index twice corrupts the pool;
// callers (request teardown paths) must ensure exactly-once release.
func (fl *FreeList[T]) Put(idx uint32) {
	fl.free = append(fl.free, idx)
}
