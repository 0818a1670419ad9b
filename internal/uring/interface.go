// Package uring provides the io_uring interface used by the chatd event loop.
package uring

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrRingFull is returned when no submission queue entry can be obtained.
// The event loop treats this as fatal and returns it from Run. The loop does
// not bound how many entries one cycle prepares.
var ErrRingFull = errors.New("submission queue full")

// CQE is a completion delivered by the kernel: the cookie chosen at
// submission time and the operation result (negative errno on failure).
type CQE struct {
	UserData uint64
	Res      int32
}

// Ring is the submission/completion interface the event loop runs on.
//
// Prepare* methods write a submission entry into ring memory but do not make
// it visible to the kernel; Submit flushes all prepared entries with a single
// syscall. The buffers and sockaddr storage handed to Prepare* must stay
// alive and immovable until the matching completion is observed.
type Ring interface {
	// PrepareAccept queues a multishot-free accept on the listening socket.
	// The peer address is written into rsa/rsaLen on completion.
	PrepareAccept(fd int, rsa *unix.RawSockaddrAny, rsaLen *uint32, flags uint32, userData uint64) error

	// PrepareRecv queues a receive into buf.
	PrepareRecv(fd int, buf []byte, userData uint64) error

	// PrepareSend queues a send of buf.
	PrepareSend(fd int, buf []byte, userData uint64) error

	// Submit makes all prepared entries visible to the kernel.
	// Returns the number of entries submitted.
	Submit() (int, error)

	// WaitCQE blocks until at least one completion is available and
	// acknowledges it before returning.
	WaitCQE() (CQE, error)

	// PeekBatch drains up to len(dst) already-available completions without
	// blocking and acknowledges them. Returns the number drained.
	PeekBatch(dst []CQE) (int, error)

	// Close tears down the ring.
	Close() error
}
