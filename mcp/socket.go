package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/zhubert/agent-browser/logger"
)

// Socket communication constants
const (
	// DefaultTCPAddr is the loopback endpoint for MCP clients that connect over TCP.
	DefaultTCPAddr = "127.0.0.1:8084"

	// SocketWriteTimeout bounds a single response write so an unresponsive
	// client cannot hold its connection goroutine forever.
	SocketWriteTimeout = 10 * time.Second
)

// SocketServer accepts MCP clients on a TCP listener. Each connection runs its
// own read-dispatch-write loop.
type SocketServer struct {
	listener   net.Listener
	dispatcher *Dispatcher
	closed     bool           // Set to true when Close() is called
	closedMu   sync.RWMutex   // Guards closed flag
	wg         sync.WaitGroup // Tracks the accept loop and connection handlers
	readyCh    chan struct{}  // Closed when the server is ready to accept connections
	conns      map[net.Conn]struct{}
	connsMu    sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	log        *slog.Logger
}

// NewSocketServer binds addr and returns a server that is not yet accepting.
func NewSocketServer(addr string, d *Dispatcher) (*SocketServer, error) {
	log := logger.WithComponent("mcp-tcp")

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	log.Info("listening on TCP", "addr", listener.Addr().String())

	ctx, cancel := context.WithCancel(context.Background())
	return &SocketServer{
		listener:   listener,
		dispatcher: d,
		readyCh:    make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
		ctx:        ctx,
		cancel:     cancel,
		log:        log,
	}, nil
}

// Addr returns the address the server is listening on.
func (s *SocketServer) Addr() string {
	return s.listener.Addr().String()
}

// Start launches Run() in a goroutine. It increments the WaitGroup before
// starting the goroutine to avoid a race with Close()/wg.Wait().
func (s *SocketServer) Start() {
	s.wg.Add(1)
	go s.Run()
}

// WaitReady blocks until the server is ready to accept connections.
func (s *SocketServer) WaitReady() {
	<-s.readyCh
}

// Run accepts connections until Close is called. Must be paired with a
// wg.Add(1) call before the goroutine is launched; use Start() instead of
// calling go Run() directly.
func (s *SocketServer) Run() {
	defer s.wg.Done()

	close(s.readyCh)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				s.log.Info("listener closed, stopping")
				return
			}
			// Log error but continue accepting connections
			s.log.Warn("accept error (continuing)", "error", err)
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Go(func() {
			defer s.untrack(conn)
			s.handleConnection(conn)
		})
	}
}

func (s *SocketServer) handleConnection(conn net.Conn) {
	defer conn.Close()

	log := logger.WithConn("mcp-tcp", conn.RemoteAddr().String())
	log.Info("client connected")

	err := serveLines(s.ctx, conn, deadlineWriter{conn}, s.dispatcher, log)
	if err != nil && !s.isClosed() {
		log.Warn("connection ended with error", "error", err)
	}
	log.Info("client disconnected")
}

// track registers a live connection. It reports false once the server is closed.
func (s *SocketServer) track(conn net.Conn) bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	if s.closed {
		return false
	}

	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
	return true
}

func (s *SocketServer) untrack(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *SocketServer) isClosed() bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.closed
}

// Close stops accepting, closes live connections and waits for every
// connection goroutine to exit.
func (s *SocketServer) Close() error {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil
	}
	// Mark as closed BEFORE closing listener to signal Run() goroutine to exit
	s.closed = true
	s.closedMu.Unlock()

	s.log.Info("closing socket server")

	s.cancel()
	err := s.listener.Close()

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	return err
}

// deadlineWriter refreshes the write deadline before every write.
type deadlineWriter struct {
	conn net.Conn
}

func (w deadlineWriter) Write(p []byte) (int, error) {
	w.conn.SetWriteDeadline(time.Now().Add(SocketWriteTimeout))
	return w.conn.Write(p)
}
