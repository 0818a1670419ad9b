// Package slab implements fixed-capacity, reference-counted buffer pools.
//
// The server keeps two instances: 64-byte buffers for small control-plane
// responses and 2 KiB buffers for receive windows and fan-out payloads.
// Reference counting lets one encoded message back several in-flight send
// operations; a buffer returns to the free list on the 1 -> 0 transition.
package slab

import "fmt"

// DefaultInitialCap is how many buffers a slab preallocates.
const DefaultInitialCap = 64

// Buffer is a fixed-capacity byte buffer owned by its slab.
type Buffer struct {
	data []byte
	refs int
}

// Bytes returns the full backing slice. Its address is handed to the kernel,
// so the slice is never reallocated.
func (b *Buffer) Bytes() []byte { return b.data }

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Refs returns the current reference count.
func (b *Buffer) Refs() int { return b.refs }

// Slab hands out buffers of one fixed size from a free list.
type Slab struct {
	bufCap    int
	free      []*Buffer
	allocated int
}

// New creates a slab with DefaultInitialCap preallocated buffers.
func New(bufCap int) *Slab {
	return NewWithCap(bufCap, DefaultInitialCap)
}

// NewWithCap creates a slab of bufCap-sized buffers with initial buffers
// already on the free list.
func NewWithCap(bufCap, initial int) *Slab {
	s := &Slab{
		bufCap: bufCap,
		free:   make([]*Buffer, 0, initial),
	}
	for i := 0; i < initial; i++ {
		s.free = append(s.free, &Buffer{data: make([]byte, bufCap)})
	}
	s.allocated = initial
	return s
}

// BufCap returns the fixed buffer size.
func (s *Slab) BufCap() int { return s.bufCap }

// Allocated returns how many buffers the slab has ever created.
func (s *Slab) Allocated() int { return s.allocated }

// FreeLen returns the current free-list length.
func (s *Slab) FreeLen() int { return len(s.free) }

// Acquire returns a buffer with its reference count set to refs. The most
// recently released buffer is reused first; a new one is allocated when the
// free list is empty.
func (s *Slab) Acquire(refs int) *Buffer {
	if refs < 1 {
		panic(fmt.Sprintf("slab: acquire with refs=%d", refs))
	}
	var b *Buffer
	if n := len(s.free); n > 0 {
		b = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		b = &Buffer{data: make([]byte, s.bufCap)}
		s.allocated++
	}
	b.refs = refs
	return b
}

// Release drops one reference. On the last release the buffer goes back on
// the free list.
func (s *Slab) Release(b *Buffer) {
	if b.refs < 1 {
		panic("slab: release of a free buffer")
	}
	if len(b.data) != s.bufCap {
		panic(fmt.Sprintf("slab: buffer cap %d released to %d-byte slab", len(b.data), s.bufCap))
	}
	b.refs--
	if b.refs == 0 {
		s.free = append(s.free, b)
	}
}
