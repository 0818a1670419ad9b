// Package server implements the chatd event loop: the state machine over
// kernel completions that drives connection acceptance, framed message
// ingest, request dispatch, response emission, and connection teardown.
package server

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-chatd/internal/client"
	"github.com/ehrlich-b/go-chatd/internal/group"
	"github.com/ehrlich-b/go-chatd/internal/logging"
	"github.com/ehrlich-b/go-chatd/internal/oppool"
	"github.com/ehrlich-b/go-chatd/internal/protocol"
	"github.com/ehrlich-b/go-chatd/internal/slab"
	"github.com/ehrlich-b/go-chatd/internal/uring"
)

const (
	// SmallBufSize fits every control-plane response.
	SmallBufSize = 64
	// LargeBufSize holds receive windows and fan-out payloads; one maximal
	// wire message fits.
	LargeBufSize = protocol.MaxMsgLen

	// DefaultCQEBatchSize bounds how many completions are drained per
	// non-blocking peek.
	DefaultCQEBatchSize = 32

	clientBuckets = 1024
	groupBuckets  = 64
)

// Config wires a Server's collaborators.
type Config struct {
	Ring uring.Ring

	// ListenFD is the bound, listening, non-blocking IPv4 socket.
	ListenFD int

	CQEBatchSize int
	Logger       *logging.Logger
	Observer     Observer

	// CloseFD overrides socket close, for tests. Defaults to unix.Close.
	CloseFD func(fd int) error
}

// Server is the single-threaded event loop over one io_uring. None of its
// state is shared across goroutines; the only suspension point is the
// blocking wait on the completion queue.
type Server struct {
	ring     uring.Ring
	clients  *client.Map
	groups   *group.Groups
	small    *slab.Slab
	large    *slab.Slab
	pool     *oppool.Pool
	listenFD int

	nextClientID uint64
	nextGroupID  uint64

	cqes    []uring.CQE
	uids    []uint64 // CREATE_GROUP decode scratch
	log     *logging.Logger
	obs     Observer
	closeFD func(fd int) error
}

// New creates a Server around an already-listening socket and ring.
func New(cfg Config) (*Server, error) {
	if cfg.Ring == nil {
		return nil, fmt.Errorf("server: nil ring")
	}
	clients, err := client.NewMap(clientBuckets)
	if err != nil {
		return nil, err
	}
	groups, err := group.New(groupBuckets)
	if err != nil {
		return nil, err
	}

	batch := cfg.CQEBatchSize
	if batch <= 0 {
		batch = DefaultCQEBatchSize
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	closeFD := cfg.CloseFD
	if closeFD == nil {
		closeFD = unix.Close
	}

	return &Server{
		ring:         cfg.Ring,
		clients:      clients,
		groups:       groups,
		small:        slab.New(SmallBufSize),
		large:        slab.New(LargeBufSize),
		pool:         oppool.NewPool(),
		listenFD:     cfg.ListenFD,
		nextClientID: 1,
		nextGroupID:  1,
		cqes:         make([]uring.CQE, batch),
		uids:         make([]uint64, protocol.MaxUIDsPerMsg),
		log:          log,
		obs:          cfg.Observer,
		closeFD:      closeFD,
	}, nil
}

// Clients exposes the registry for the public Server wrapper.
func (s *Server) Clients() *client.Map { return s.clients }

// Groups exposes the group registry.
func (s *Server) Groups() *group.Groups { return s.groups }

func (s *Server) clientLog(info *client.Info, fd int) *logging.Logger {
	return s.log.WithScope("addr", info.RemoteAddr(), "client_id", info.ClientID, "fd", fd)
}

// slabFor picks the slab a buffer belongs to by its capacity. The cutoff is
// hard: anything over SmallBufSize came from the large slab.
func (s *Server) slabFor(b *slab.Buffer) *slab.Slab {
	if b.Cap() > SmallBufSize {
		return s.large
	}
	return s.small
}

// acquireSendBuf attaches the smallest buffer that fits length bytes.
func (s *Server) acquireSendBuf(op *oppool.Operation, length int) {
	sl := s.small
	if length > SmallBufSize {
		sl = s.large
	}
	op.Buf = sl.Acquire(1)
	op.BufLen = length
}

// freeOp releases the operation's buffer reference and returns the record
// to the pool. Sockets are not closed here; that belongs to disconnect.
func (s *Server) freeOp(op *oppool.Operation) {
	s.slabFor(op.Buf).Release(op.Buf)
	op.Buf = nil
	op.ClientFD = -1
	s.pool.Release(op)
}

// disconnect closes the client's socket exactly once and drops its record,
// then frees the operation. A nil info means an earlier failure already tore
// the connection down; only the operation's resources remain to release.
func (s *Server) disconnect(info *client.Info, op *oppool.Operation) {
	if info != nil {
		s.clientLog(info, op.ClientFD).Info("disconnected")
		if op.ClientFD >= 0 {
			if err := s.closeFD(op.ClientFD); err != nil {
				s.log.Error("close failed", "fd", op.ClientFD, "error", err)
			}
		}
		s.clients.Remove(op.ClientID)
		if s.obs != nil {
			s.obs.ClientDisconnected()
		}
	}
	s.freeOp(op)
}

// addAccept queues an accept for the next client. The client record is
// created now so its sockaddr storage can receive the peer address.
func (s *Server) addAccept(clientID uint64) error {
	op := s.pool.Acquire()

	// Accepts reuse their buffer as the connection's receive window, so it
	// comes from the large slab.
	op.Buf = s.large.Acquire(1)
	op.BufLen = 0
	op.ClientID = clientID
	op.Processed = 0
	op.ClientFD = -1
	op.Type = oppool.Accept

	info, ok := s.clients.NewEntry(clientID)
	if !ok {
		return fmt.Errorf("server: duplicate client id %d", clientID)
	}
	info.AddrLen = uint32(unix.SizeofSockaddrAny)

	s.log.Debug("add accept", "client_id", clientID)

	// SOCK_NONBLOCK on the accept saves an fcntl round-trip per connection.
	return s.ring.PrepareAccept(s.listenFD, &info.Addr, &info.AddrLen, unix.SOCK_NONBLOCK, op.PoolID())
}

// addRecv turns an accept's operation into the connection's first receive.
func (s *Server) addRecv(op *oppool.Operation, clientFD int) error {
	op.ClientFD = clientFD
	op.Type = oppool.Recv
	return s.ring.PrepareRecv(clientFD, op.Buf.Bytes(), op.PoolID())
}

// resumeRecv queues the follow-up receive after tail bytes of unconsumed
// input were kept at the front of the buffer.
func (s *Server) resumeRecv(op *oppool.Operation, tail int) error {
	return s.ring.PrepareRecv(op.ClientFD, op.Buf.Bytes()[tail:], op.PoolID())
}

// addSend queues a send of op.BufLen encoded bytes.
func (s *Server) addSend(op *oppool.Operation, clientFD int, clientID uint64) error {
	op.ClientID = clientID
	op.Processed = 0
	op.ClientFD = clientFD
	op.Type = oppool.Send
	return s.ring.PrepareSend(clientFD, op.Buf.Bytes()[:op.BufLen], op.PoolID())
}

// resumeSend advances the short-write cursor and queues the unsent tail.
func (s *Server) resumeSend(op *oppool.Operation, written int) error {
	op.Processed += written
	return s.ring.PrepareSend(op.ClientFD, op.Buf.Bytes()[op.Processed:op.BufLen], op.PoolID())
}
