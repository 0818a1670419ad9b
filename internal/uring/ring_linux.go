//go:build linux

package uring

import (
	"fmt"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// kernelRing implements Ring on a real io_uring via giouring.
type kernelRing struct {
	ring *giouring.Ring
	cqes []*giouring.CompletionQueueEvent
}

// NewRing creates an io_uring with the given submission queue depth.
func NewRing(entries uint32) (Ring, error) {
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("io_uring setup: %w", err)
	}
	return &kernelRing{
		ring: ring,
		cqes: make([]*giouring.CompletionQueueEvent, entries),
	}, nil
}

func (r *kernelRing) getSQE() (*giouring.SubmissionQueueEntry, error) {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return nil, ErrRingFull
	}
	return sqe, nil
}

func (r *kernelRing) PrepareAccept(fd int, rsa *unix.RawSockaddrAny, rsaLen *uint32, flags uint32, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareAccept(
		fd,
		uintptr(unsafe.Pointer(rsa)),
		uint64(uintptr(unsafe.Pointer(rsaLen))),
		flags,
	)
	sqe.UserData = userData
	return nil
}

func (r *kernelRing) PrepareRecv(fd int, buf []byte, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareRecv(fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)
	sqe.UserData = userData
	return nil
}

func (r *kernelRing) PrepareSend(fd int, buf []byte, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareSend(fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)
	sqe.UserData = userData
	return nil
}

func (r *kernelRing) Submit() (int, error) {
	n, err := r.ring.Submit()
	if err != nil {
		return 0, fmt.Errorf("io_uring submit: %w", err)
	}
	return int(n), nil
}

func (r *kernelRing) WaitCQE() (CQE, error) {
	cqe, err := r.ring.WaitCQE()
	if err != nil {
		return CQE{}, fmt.Errorf("io_uring wait: %w", err)
	}
	out := CQE{UserData: cqe.UserData, Res: cqe.Res}
	// No access to the CQE after this point.
	r.ring.CQESeen(cqe)
	return out, nil
}

func (r *kernelRing) PeekBatch(dst []CQE) (int, error) {
	buff := r.cqes
	if len(dst) < len(buff) {
		buff = buff[:len(dst)]
	}
	n := r.ring.PeekBatchCQE(buff)
	for i := uint32(0); i < n; i++ {
		dst[i] = CQE{UserData: buff[i].UserData, Res: buff[i].Res}
	}
	r.ring.CQAdvance(n)
	return int(n), nil
}

func (r *kernelRing) Close() error {
	r.ring.QueueExit()
	return nil
}
