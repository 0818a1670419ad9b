// Package chatd is a single-process TCP chat broker built on an io_uring
// completion loop. Clients exchange length-prefixed binary messages to set a
// username and create groups; all state is in-memory.
package chatd

import (
	"context"
	"errors"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-chatd/internal/logging"
	"github.com/ehrlich-b/go-chatd/internal/server"
	"github.com/ehrlich-b/go-chatd/internal/uring"
)

// Defaults for Config fields left zero.
const (
	DefaultPort        = 8080
	DefaultBacklog     = 10
	DefaultRingEntries = 256
)

// Config configures a Server. The zero value listens on DefaultPort with
// default sizing.
type Config struct {
	Port        int
	Backlog     int
	RingEntries uint32

	// CQEBatchSize bounds completions drained by the non-blocking peek in
	// each loop cycle, after the one blocking wait.
	CQEBatchSize int

	Logger  *logging.Logger
	Metrics *Metrics
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Port == 0 {
		out.Port = DefaultPort
	}
	if out.Backlog == 0 {
		out.Backlog = DefaultBacklog
	}
	if out.RingEntries == 0 {
		out.RingEntries = DefaultRingEntries
	}
	if out.Logger == nil {
		out.Logger = logging.Default()
	}
	return out
}

// Server owns the listening socket, the ring, and the event loop.
type Server struct {
	cfg      Config
	ring     uring.Ring
	listenFD int
	loop     *server.Server
	log      *logging.Logger
}

// New binds the listening socket, sets up the ring, and wires the event
// loop. Failures here are fatal to startup and returned as *Error.
func New(cfg Config) (*Server, error) {
	c := cfg.withDefaults()

	fd, err := listen(c.Port, c.Backlog)
	if err != nil {
		return nil, err
	}

	ring, err := uring.NewRing(c.RingEntries)
	if err != nil {
		unix.Close(fd)
		return nil, &Error{Op: "ring_setup", Msg: "io_uring initialization failed", Inner: err}
	}

	var obs server.Observer
	if c.Metrics != nil {
		obs = c.Metrics
	}
	loop, err := server.New(server.Config{
		Ring:         ring,
		ListenFD:     fd,
		CQEBatchSize: c.CQEBatchSize,
		Logger:       c.Logger,
		Observer:     obs,
	})
	if err != nil {
		ring.Close()
		unix.Close(fd)
		return nil, &Error{Op: "server_setup", Msg: "event loop setup failed", Inner: err}
	}

	return &Server{
		cfg:      c,
		ring:     ring,
		listenFD: fd,
		loop:     loop,
		log:      c.Logger,
	}, nil
}

// Serve runs the event loop until ctx is cancelled or a fatal error occurs.
// Context cancellation is reported as nil.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("listening", "port", s.cfg.Port)
	if err := s.loop.Start(); err != nil {
		return &Error{Op: "start", Msg: "initial accept submission failed", Inner: err}
	}
	err := s.loop.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close releases the ring and the listening socket.
func (s *Server) Close() error {
	var first error
	if err := s.ring.Close(); err != nil {
		first = err
	}
	if err := unix.Close(s.listenFD); err != nil && first == nil {
		first = err
	}
	return first
}

// listen creates the non-blocking IPv4 listening socket.
func listen(port, backlog int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, &Error{Op: "socket", Errno: errno(err), Msg: "socket creation failed", Inner: err}
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, &Error{Op: "setsockopt", Errno: errno(err), Msg: "SO_REUSEADDR failed", Inner: err}
	}

	sa := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, &Error{Op: "bind", Errno: errno(err), Msg: "bind failed", Inner: err}
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, &Error{Op: "listen", Errno: errno(err), Msg: "listen failed", Inner: err}
	}

	return fd, nil
}

func errno(err error) unix.Errno {
	var e unix.Errno
	if errors.As(err, &e) {
		return e
	}
	return 0
}
