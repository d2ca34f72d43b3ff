package internal

import "errors"

// ErrIDPoolExhausted is returned by [IDPool.Alloc] when no ids remain.
var ErrIDPoolExhausted = errors.New("internal: id pool exhausted")

// IDPool is a fixed-capacity allocator of small integer ids in [0, cap).
// It is the in-module stand-in for the id-pool collaborator named in the
// component design: callers that need a bounded, reusable identifier space
// (communicator ids, mr keys) allocate from one of these instead of growing
// an unbounded counter.
type IDPool struct {
	free []uint32 // stack of free ids, LIFO reuse favors cache-hot ids.
	next uint32
	cap  uint32
}

// NewIDPool returns an IDPool that can hand out ids in [0, capacity).
func NewIDPool(capacity uint32) IDPool {
	return IDPool{cap: capacity}
}

// Cap returns the pool's configured capacity.
func (p *IDPool) Cap() uint32 { return p.cap }

// Len returns the number of ids currently allocated (not free).
func (p *IDPool) Len() uint32 {
	return p.next - uint32(len(p.free))
}

// Alloc returns an unused id, or [ErrIDPoolExhausted] if the pool is at capacity.
func (p *IDPool) Alloc() (uint32, error) {
	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		return id, nil
	}
	if p.next >= p.cap {
		return 0, ErrIDPoolExhausted
	}
	id := p.next
	p.next++
	return id, nil
}

// Free returns id to the pool for reuse. Freeing an id not currently
// allocated is a caller bug and is not detected (mirrors the teacher's
// preference for cheap, unchecked hot paths over defensive bookkeeping).
func (p *IDPool) Free(id uint32) {
	p.free = append(p.free, id)
}

// Reset clears the pool back to its initial, fully-free state.
func (p *IDPool) Reset() {
	p.free = p.free[:0]
	p.next = 0
}
