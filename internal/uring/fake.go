package uring

import (
	"errors"

	"golang.org/x/sys/unix"
)

// FakeOp identifies the kind of a recorded fake submission.
type FakeOp uint8

const (
	FakeAccept FakeOp = iota
	FakeRecv
	FakeSend
)

func (o FakeOp) String() string {
	switch o {
	case FakeAccept:
		return "accept"
	case FakeRecv:
		return "recv"
	case FakeSend:
		return "send"
	}
	return "unknown"
}

// FakeSubmission records one prepared entry.
type FakeSubmission struct {
	Op       FakeOp
	FD       int
	Buf      []byte // recv: writable window; send: bytes to transmit
	UserData uint64
	Addr     *unix.RawSockaddrAny
	AddrLen  *uint32
}

// ErrDrained is returned by WaitCQE when no scripted completion remains.
// Tests use it to stop the event loop.
var ErrDrained = errors.New("fake ring drained")

// FakeRing is an in-memory Ring for event-loop tests. Prepared entries
// accumulate until Submit moves them to Submitted; completions are pushed by
// the test with Complete and drained by WaitCQE/PeekBatch in FIFO order.
type FakeRing struct {
	Pending     []FakeSubmission
	Submitted   []FakeSubmission
	completions []CQE
	Closed      bool
}

// NewFakeRing creates an empty fake ring.
func NewFakeRing() *FakeRing {
	return &FakeRing{}
}

func (r *FakeRing) PrepareAccept(fd int, rsa *unix.RawSockaddrAny, rsaLen *uint32, flags uint32, userData uint64) error {
	r.Pending = append(r.Pending, FakeSubmission{
		Op:       FakeAccept,
		FD:       fd,
		UserData: userData,
		Addr:     rsa,
		AddrLen:  rsaLen,
	})
	return nil
}

func (r *FakeRing) PrepareRecv(fd int, buf []byte, userData uint64) error {
	r.Pending = append(r.Pending, FakeSubmission{
		Op:       FakeRecv,
		FD:       fd,
		Buf:      buf,
		UserData: userData,
	})
	return nil
}

func (r *FakeRing) PrepareSend(fd int, buf []byte, userData uint64) error {
	r.Pending = append(r.Pending, FakeSubmission{
		Op:       FakeSend,
		FD:       fd,
		Buf:      buf,
		UserData: userData,
	})
	return nil
}

func (r *FakeRing) Submit() (int, error) {
	n := len(r.Pending)
	r.Submitted = append(r.Submitted, r.Pending...)
	r.Pending = r.Pending[:0]
	return n, nil
}

// Complete queues a completion for WaitCQE/PeekBatch to deliver.
func (r *FakeRing) Complete(cqe CQE) {
	r.completions = append(r.completions, cqe)
}

func (r *FakeRing) WaitCQE() (CQE, error) {
	if len(r.completions) == 0 {
		return CQE{}, ErrDrained
	}
	cqe := r.completions[0]
	r.completions = r.completions[1:]
	return cqe, nil
}

func (r *FakeRing) PeekBatch(dst []CQE) (int, error) {
	n := copy(dst, r.completions)
	r.completions = r.completions[n:]
	return n, nil
}

// TakeSubmitted returns everything submitted so far and clears the record.
func (r *FakeRing) TakeSubmitted() []FakeSubmission {
	out := r.Submitted
	r.Submitted = nil
	return out
}

func (r *FakeRing) Close() error {
	r.Closed = true
	return nil
}
