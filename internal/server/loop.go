package server

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-chatd/internal/client"
	"github.com/ehrlich-b/go-chatd/internal/oppool"
	"github.com/ehrlich-b/go-chatd/internal/protocol"
	"github.com/ehrlich-b/go-chatd/internal/uring"
)

// Start submits the first accept. From here on each successful accept queues
// its replacement, so the listen socket has one pending accept; a failed
// accept goes through the failure arm and queues no replacement.
func (s *Server) Start() error {
	if err := s.addAccept(s.takeClientID()); err != nil {
		return err
	}
	_, err := s.ring.Submit()
	return err
}

func (s *Server) takeClientID() uint64 {
	id := s.nextClientID
	s.nextClientID++
	return id
}

// Run processes completions until the context is cancelled or a fatal error
// occurs. Per-connection failures never surface here; they tear down the
// affected connection and the loop continues.
func (s *Server) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.RunOnce(); err != nil {
			return err
		}
	}
}

// RunOnce performs one cycle: block for a completion, drain a bounded batch
// of further completions without blocking, then submit everything the
// handlers prepared with a single syscall.
func (s *Server) RunOnce() error {
	cqe, err := s.ring.WaitCQE()
	if err != nil {
		return err
	}
	if err := s.handleCQE(cqe); err != nil {
		return err
	}

	n, err := s.ring.PeekBatch(s.cqes)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := s.handleCQE(s.cqes[i]); err != nil {
			return err
		}
	}

	_, err = s.ring.Submit()
	return err
}

// handleCQE routes one completion. Errors returned here are fatal to the
// process (corrupt cookie, submission queue exhaustion).
func (s *Server) handleCQE(cqe uring.CQE) error {
	op, err := s.pool.Get(cqe.UserData)
	if err != nil {
		return err
	}

	info := s.clients.Get(op.ClientID)

	// Failure arm: the operation failed, disconnect the client and move on.
	if cqe.Res < 0 {
		errno := unix.Errno(-cqe.Res)
		s.log.Warn("operation failed",
			"op", op.Type, "fd", op.ClientFD, "client_id", op.ClientID, "error", errno)
		s.disconnect(info, op)
		return nil
	}

	// Orphan arm: the operation succeeded but the client is already gone,
	// e.g. a send completing after a malformed request dropped the
	// connection. The socket was closed then; only release resources.
	if info == nil {
		s.log.Debug("orphan completion",
			"op", op.Type, "fd", op.ClientFD, "client_id", op.ClientID)
		if s.obs != nil {
			s.obs.OrphanCompletion()
		}
		s.freeOp(op)
		return nil
	}

	switch op.Type {
	case oppool.Accept:
		return s.handleAccept(info, op, int(cqe.Res))
	case oppool.Recv:
		return s.handleRecv(info, op, int(cqe.Res))
	case oppool.Send:
		return s.handleSend(info, op, int(cqe.Res))
	}
	return fmt.Errorf("server: invalid operation type %d", op.Type)
}

// handleAccept starts receiving on the new connection and replaces the
// pending accept on the listen socket.
func (s *Server) handleAccept(info *client.Info, op *oppool.Operation, clientFD int) error {
	s.clientLog(info, clientFD).Info("connected")
	if s.obs != nil {
		s.obs.ClientConnected()
	}

	if err := s.addRecv(op, clientFD); err != nil {
		return err
	}
	return s.addAccept(s.takeClientID())
}

// handleRecv runs the framing loop over the bytes now available and queues
// the next receive.
//
// op.BufLen is the unconsumed tail carried over from the previous
// completion; the kernel appended n new bytes after it. Whole frames are
// dispatched in order; a trailing partial frame is moved to the front of
// the buffer so the next receive appends contiguously.
func (s *Server) handleRecv(info *client.Info, op *oppool.Operation, n int) error {
	// Zero bytes read is an orderly shutdown from the peer.
	if n == 0 {
		s.disconnect(info, op)
		return nil
	}
	if s.obs != nil {
		s.obs.BytesReceived(n)
	}

	buf := op.Buf.Bytes()
	avail := op.BufLen + n
	off := 0

	for avail-off >= protocol.HeaderLen {
		frameLen := int(binary.BigEndian.Uint16(buf[off:]))

		// A frame shorter than its own header or longer than the buffer
		// makes every later boundary untrustworthy.
		if frameLen < protocol.HeaderLen || frameLen > op.Buf.Cap() {
			s.clientLog(info, op.ClientFD).Warn("invalid frame length", "len", frameLen)
			s.disconnect(info, op)
			return nil
		}

		// The last frame is incomplete; wait for more bytes.
		if avail-off < frameLen {
			break
		}

		drop, err := s.handle(info, op, buf[off:off+frameLen])
		if err != nil {
			return err
		}
		if drop {
			s.disconnect(info, op)
			return nil
		}
		off += frameLen
	}

	tail := avail - off
	if off > 0 && tail > 0 {
		copy(buf, buf[off:avail])
	}
	op.BufLen = tail
	return s.resumeRecv(op, tail)
}

// handleSend resumes short writes and releases the operation once the
// buffer is drained.
func (s *Server) handleSend(info *client.Info, op *oppool.Operation, n int) error {
	if s.obs != nil {
		s.obs.BytesSent(n)
	}
	if n == 0 {
		s.clientLog(info, op.ClientFD).Warn("short write of zero bytes")
		if s.obs != nil {
			s.obs.ShortWrite()
		}
	}

	if op.Incomplete(n) {
		if s.obs != nil && n > 0 {
			s.obs.ShortWrite()
		}
		return s.resumeSend(op, n)
	}

	s.freeOp(op)
	return nil
}
