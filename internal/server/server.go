// Package server implements the Unix-socket daemon front end: the listener,
// the per-connection protocol loop, and request dispatch into the object
// lifecycle.
package server

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/sys/unix"

	"github.com/objmapper/objmapper/internal/backend"
	"github.com/objmapper/objmapper/internal/metrics"
	"github.com/objmapper/objmapper/internal/object"
	"github.com/objmapper/objmapper/internal/wire"
	"github.com/objmapper/objmapper/pkg/utils"
)

// Config tunes the listener.
type Config struct {
	SocketPath  string
	Permissions uint32
	MaxPipeline uint16
}

// Server owns the listening socket and one task per accepted client.
type Server struct {
	store    *object.Store
	registry *backend.Registry
	logger   *utils.StructuredLogger
	metrics  *metrics.Collector
	tracker  *metrics.OperationTracker
	config   Config

	listenFD    int
	stopping    atomic.Bool
	activeConns atomic.Int64
	wg          conc.WaitGroup
}

// New creates a server over an object store. The collector and tracker
// may be nil.
func New(store *object.Store, logger *utils.StructuredLogger,
	collector *metrics.Collector, tracker *metrics.OperationTracker, config Config) *Server {
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(nil)
	}
	if config.SocketPath == "" {
		config.SocketPath = "/tmp/objmapper.sock"
	}
	if config.Permissions == 0 {
		config.Permissions = 0666
	}
	if config.MaxPipeline == 0 {
		config.MaxPipeline = 256
	}
	return &Server{
		store:    store,
		registry: store.Registry(),
		logger:   logger.WithComponent("server"),
		metrics:  collector,
		tracker:  tracker,
		config:   config,
		listenFD: -1,
	}
}

// Start binds the socket and begins accepting clients.
func (s *Server) Start() error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}

	// A stale socket from an unclean exit would fail the bind.
	os.Remove(s.config.SocketPath)

	addr := &unix.SockaddrUnix{Name: s.config.SocketPath}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return err
	}
	if err := os.Chmod(s.config.SocketPath, os.FileMode(s.config.Permissions)); err != nil {
		unix.Close(fd)
		os.Remove(s.config.SocketPath)
		return err
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		os.Remove(s.config.SocketPath)
		return err
	}

	s.listenFD = fd
	s.wg.Go(s.acceptLoop)

	s.logger.Info("listening", map[string]interface{}{
		"socket": s.config.SocketPath,
	})
	return nil
}

func (s *Server) acceptLoop() {
	for {
		connFD, _, err := unix.Accept(s.listenFD)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			// EBADF/EINVAL arrive when Stop closes the listener.
			if s.stopping.Load() {
				return
			}
			s.logger.Error("accept failed", map[string]interface{}{"error": err.Error()})
			return
		}
		if s.stopping.Load() {
			unix.Close(connFD)
			return
		}
		s.wg.Go(func() {
			s.handleConn(connFD)
		})
	}
}

// Stop drains the server: no more accepts, active connections run until
// their loop exits or the context expires, then the socket path is
// unlinked.
func (s *Server) Stop(ctx context.Context) error {
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}
	if s.listenFD >= 0 {
		unix.Close(s.listenFD)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("connection drain timed out", map[string]interface{}{
			"active": s.activeConns.Load(),
		})
	}

	os.Remove(s.config.SocketPath)
	s.logger.Info("server stopped", nil)
	return nil
}

// ActiveConnections returns the number of clients currently connected.
func (s *Server) ActiveConnections() int {
	return int(s.activeConns.Load())
}

// SocketPath returns the bound socket path.
func (s *Server) SocketPath() string {
	return s.config.SocketPath
}

func (s *Server) handleConn(fd int) {
	conn := wire.NewConn(fd)
	defer conn.Close()

	count := s.activeConns.Add(1)
	if s.metrics != nil {
		s.metrics.UpdateActiveConnections(int(count))
	}
	defer func() {
		remaining := s.activeConns.Add(-1)
		if s.metrics != nil {
			s.metrics.UpdateActiveConnections(int(remaining))
		}
	}()

	session, err := s.handshake(conn)
	if err != nil {
		s.logger.Debug("handshake failed", map[string]interface{}{"error": err.Error()})
		return
	}

	session.serve()
}

// handshake peeks the first byte to tell V1 clients (which start with a
// request) from V2 clients (which start with the magic), then negotiates.
func (s *Server) handshake(conn *wire.Conn) (*session, error) {
	first, err := conn.PeekByte()
	if err != nil {
		return nil, err
	}

	params := wire.Params{Version: wire.Version1, MaxPipeline: 1}
	if first == wire.Magic[0] {
		clientHello, err := conn.ReadHello()
		if err != nil {
			return nil, err
		}
		serverHello := wire.Hello{
			Capabilities:       wire.CapOOOReplies | wire.CapPipelining | wire.CapSegmentedDelivery,
			MaxPipeline:        s.config.MaxPipeline,
			BackendParallelism: s.registry.EnabledPersistentCount(),
		}
		params = wire.Negotiate(serverHello, clientHello)
		ack := wire.Hello{
			Capabilities:       params.Capabilities,
			MaxPipeline:        params.MaxPipeline,
			BackendParallelism: params.BackendParallelism,
		}
		if err := conn.WriteHelloAck(ack); err != nil {
			return nil, err
		}
	}

	return &session{server: s, conn: conn, params: params}, nil
}

func (s *Server) recordRequest(op metrics.OperationType, status string, start time.Time, bytes int64, success bool) {
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordRequest(string(op), status, elapsed)
	}
	if s.tracker != nil {
		s.tracker.Record(op, elapsed, bytes, success)
	}
}
