// Package extension accepts the browser extension's WebSocket connection and
// bridges it to the broker.
//
// Only one extension is served at a time. A new connection replaces the
// previous registration; the old socket keeps delivering replies for commands
// it already received but gets no new commands.
package extension

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/zhubert/agent-browser/broker"
	"github.com/zhubert/agent-browser/logger"
)

const (
	// DefaultAddr is where the extension connects.
	DefaultAddr = "127.0.0.1:8085"

	// DefaultReadLimit caps one inbound frame. Screenshots arrive inline.
	DefaultReadLimit = 64 << 20

	// WriteTimeout bounds writing one command frame.
	WriteTimeout = 10 * time.Second
)

var errMalformedReply = errors.New("frame is not a reply")

// Registry is the broker surface the extension server drives.
type Registry interface {
	Register(ch *broker.Channel)
	Unregister(ch *broker.Channel)
	Deliver(reply broker.Reply) bool
	Connected() bool
}

// Server is an HTTP server that upgrades every request to a WebSocket.
type Server struct {
	addr           string
	registry       Registry
	queueSize      int
	readLimit      int64
	originPatterns []string

	listener   net.Listener
	httpServer *http.Server

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup

	log *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithQueueSize sets the outbound queue capacity of each connection.
func WithQueueSize(n int) Option {
	return func(s *Server) {
		s.queueSize = n
	}
}

// WithReadLimit sets the largest inbound frame accepted.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithOriginPatterns sets the allowed Origin host patterns. Extension pages
// send a chrome-extension:// origin, so the default allows any.
func WithOriginPatterns(patterns []string) Option {
	return func(s *Server) {
		s.originPatterns = patterns
	}
}

// NewServer creates a server for addr. Call Listen before Serve.
func NewServer(addr string, reg Registry, opts ...Option) *Server {
	s := &Server{
		addr:           addr,
		registry:       reg,
		queueSize:      broker.DefaultQueueSize,
		readLimit:      DefaultReadLimit,
		originPatterns: []string{"*"},
		conns:          make(map[*websocket.Conn]struct{}),
		log:            logger.WithComponent("extension"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info("WebSocket server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Serve accepts connections until Shutdown. It returns nil after Shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting, closes every live extension connection and
// waits for their handlers to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.CloseNow()
	}
	s.mu.Unlock()

	err := s.httpServer.Shutdown(ctx)
	if s.listener != nil {
		// Serve may never have run; Shutdown only closes listeners it tracks.
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// ServeHTTP upgrades the request and runs the connection until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.WithConn("extension", r.RemoteAddr)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		log.Warn("failed to accept WebSocket", "error", err)
		return
	}
	if !s.track(conn) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer s.untrack(conn)

	conn.SetReadLimit(s.readLimit)
	log.Info("extension connected")

	if s.registry.Connected() {
		log.Info("replacing existing extension connection")
	}
	ch := broker.NewChannel(s.queueSize)
	s.registry.Register(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var loops sync.WaitGroup
	loops.Go(func() {
		s.writeLoop(ctx, cancel, conn, ch, log)
	})

	err = s.readLoop(ctx, conn, log)
	s.registry.Unregister(ch)
	cancel()
	loops.Wait()

	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		log.Info("WebSocket closed by peer")
	case err != nil && !errors.Is(err, context.Canceled):
		log.Warn("WebSocket error", "error", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
	log.Info("extension disconnected")
}

// writeLoop drains the channel's queue onto the socket. It stops when the
// channel is abandoned or ctx ends; a write failure cancels ctx.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, ch *broker.Channel, log *slog.Logger) {
	for {
		select {
		case cmd := <-ch.Queue():
			wctx, wcancel := context.WithTimeout(ctx, WriteTimeout)
			err := wsjson.Write(wctx, conn, cmd)
			wcancel()
			if err != nil {
				log.Error("failed to send WebSocket message", "id", cmd.ID, "method", cmd.Method, "error", err)
				cancel()
				return
			}
			log.Debug("command sent", "id", cmd.ID, "method", cmd.Method)
		case <-ch.Done():
			log.Info("outbound queue closed")
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop routes reply frames to the broker until the connection fails.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, log *slog.Logger) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			log.Debug("ignoring binary frame", "bytes", len(data))
			continue
		}

		reply, err := DecodeReply(data)
		if err != nil {
			log.Warn("unknown WebSocket message format", "error", err, "bytes", len(data))
			continue
		}
		s.registry.Deliver(reply)
	}
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// replyFrame mirrors broker.Reply with pointers so missing fields are detected.
type replyFrame struct {
	ID      *string         `json:"id"`
	Success *bool           `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *string         `json:"error"`
}

// DecodeReply parses one inbound frame. id must be a string and success a
// boolean; result and error are optional.
func DecodeReply(data []byte) (broker.Reply, error) {
	var f replyFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return broker.Reply{}, err
	}
	if f.ID == nil || f.Success == nil {
		return broker.Reply{}, errMalformedReply
	}

	reply := broker.Reply{ID: *f.ID, Success: *f.Success, Result: f.Result}
	if f.Error != nil {
		reply.Error = *f.Error
	}
	return reply, nil
}
