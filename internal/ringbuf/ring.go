// Package ringbuf provides fixed-capacity rolling buffers and the
// active/inactive pairs used to capture streams without blocking on disk.
package ringbuf

import "sync"

// Ring is a fixed-capacity circular buffer. When full, Append overwrites the
// oldest item. A Ring is not safe for concurrent use; Pair serialises access
// to its active ring.
type Ring[T any] struct {
	items   []T
	head    int // index of the oldest item
	n       int
	dropped uint64
}

// NewRing returns an empty ring holding up to capacity items.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Append adds v, evicting the oldest item when the ring is full.
func (r *Ring[T]) Append(v T) {
	if r.n < len(r.items) {
		r.items[(r.head+r.n)%len(r.items)] = v
		r.n++
		return
	}
	r.items[r.head] = v
	r.head = (r.head + 1) % len(r.items)
	r.dropped++
}

// Len is the number of items held.
func (r *Ring[T]) Len() int { return r.n }

// Cap is the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.items) }

// Dropped counts items evicted since the last Reset.
func (r *Ring[T]) Dropped() uint64 { return r.dropped }

// Items returns the held items, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.items[(r.head+i)%len(r.items)])
	}
	return out
}

// Reset empties the ring and releases references to its items.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head, r.n, r.dropped = 0, 0, 0
}

// Pair is an active/inactive pair of rings for one stream. Producers append
// to the active ring. Swap exchanges the rings and hands the previously
// active ring to the caller, who owns it until Release.
type Pair[T any] struct {
	mu       sync.Mutex
	active   *Ring[T]
	spare    *Ring[T] // nil while the inactive ring is out with a writer
	capacity int
	allocs   int
}

// NewPair returns a pair of rings of the given capacity.
func NewPair[T any](capacity int) *Pair[T] {
	return &Pair[T]{
		active:   NewRing[T](capacity),
		spare:    NewRing[T](capacity),
		capacity: capacity,
	}
}

// Append adds v to the active ring.
func (p *Pair[T]) Append(v T) {
	p.mu.Lock()
	p.active.Append(v)
	p.mu.Unlock()
}

// Swap makes the spare ring active and returns the previously active ring.
// If the last swapped ring has not been released yet a fresh ring is
// allocated so producers are never blocked by a slow writer.
func (p *Pair[T]) Swap() *Ring[T] {
	p.mu.Lock()
	next := p.spare
	if next == nil {
		p.allocs++
		next = NewRing[T](p.capacity)
	}
	out := p.active
	p.active, p.spare = next, nil
	p.mu.Unlock()
	return out
}

// Release returns a drained ring for reuse.
func (p *Pair[T]) Release(r *Ring[T]) {
	if r == nil {
		return
	}
	r.Reset()
	p.mu.Lock()
	if p.spare == nil && r != p.active {
		p.spare = r
	}
	p.mu.Unlock()
}

// Len is the number of items in the active ring.
func (p *Pair[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active.Len()
}

// Allocations counts the extra rings Swap had to allocate.
func (p *Pair[T]) Allocations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocs
}
