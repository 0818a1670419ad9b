package oppool

import "fmt"

const (
	opsInitialCap  = 1024
	freeInitialCap = 256
)

// Pool recycles Operation records. Acquire prefers the most recently
// released record; Get resolves a pool id from a completion cookie.
//
// Contract: before Release, the caller must have disposed of the buffer and
// socket (Buf == nil, ClientFD == -1). The pool never closes sockets and
// never releases buffers — a buffer can outlive one Operation during
// fan-out, and a socket is shared by many Operations.
type Pool struct {
	ops  []*Operation
	free []uint64
}

// NewPool creates a pool with default capacities.
func NewPool() *Pool {
	return NewPoolWithCap(opsInitialCap, freeInitialCap)
}

// NewPoolWithCap creates a pool with explicit initial capacities.
func NewPoolWithCap(opsCap, freeCap int) *Pool {
	return &Pool{
		ops:  make([]*Operation, 0, opsCap),
		free: make([]uint64, 0, freeCap),
	}
}

// Live returns the number of operations currently handed out.
func (p *Pool) Live() int { return len(p.ops) - len(p.free) }

// Acquire returns a free Operation, reusing the most recently released one
// if any. The returned record always has ClientFD == -1 and Buf == nil.
func (p *Pool) Acquire() *Operation {
	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		op := p.ops[id]
		if op.poolID != id {
			panic(fmt.Sprintf("oppool: pool id mutated: have %d want %d", op.poolID, id))
		}
		return op
	}

	op := &Operation{
		poolID:   uint64(len(p.ops)),
		ClientFD: -1,
	}
	p.ops = append(p.ops, op)
	return op
}

// Get resolves a completion cookie to its Operation, bounds-checked.
func (p *Pool) Get(poolID uint64) (*Operation, error) {
	if poolID >= uint64(len(p.ops)) {
		return nil, fmt.Errorf("oppool: pool id %d out of range (%d allocated)", poolID, len(p.ops))
	}
	return p.ops[poolID], nil
}

// Release returns an Operation to the free stack.
func (p *Pool) Release(op *Operation) {
	if op.Buf != nil {
		panic("oppool: release with live buffer")
	}
	if op.ClientFD != -1 {
		panic("oppool: release with open socket")
	}
	p.free = append(p.free, op.poolID)
}
