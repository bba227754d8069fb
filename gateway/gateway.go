// Package gateway assembles the broker, the authorization guard, the
// credential vault and the three transports into one running server.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zhubert/agent-browser/audit"
	"github.com/zhubert/agent-browser/authz"
	"github.com/zhubert/agent-browser/broker"
	"github.com/zhubert/agent-browser/config"
	"github.com/zhubert/agent-browser/extension"
	"github.com/zhubert/agent-browser/logger"
	"github.com/zhubert/agent-browser/mcp"
	"github.com/zhubert/agent-browser/paths"
	"github.com/zhubert/agent-browser/vault"
)

// ShutdownTimeout bounds how long Run waits for extension connections to end.
const ShutdownTimeout = 5 * time.Second

// StartupError reports which stage of New failed.
type StartupError struct {
	Stage string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed (%s): %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// Gateway is a fully wired server. Create it with New and start it with Run.
type Gateway struct {
	cfg     *config.Config
	dataDir string

	audit      *audit.Sink
	vault      *vault.Vault
	guard      *authz.Guard
	broker     *broker.Broker
	dispatcher *mcp.Dispatcher

	extension *extension.Server
	tcp       *mcp.SocketServer

	shutdownOnce sync.Once
	log          *slog.Logger
}

// New validates cfg, prepares the private data directory and binds every
// enabled listener. Nothing is served until Run.
func New(cfg *config.Config) (*Gateway, error) {
	log := logger.WithComponent("gateway")

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, &StartupError{Stage: "config", Err: errors.Join(validationErrs(errs)...)}
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dir, err := paths.DataDir()
		if err != nil {
			return nil, &StartupError{Stage: "data dir", Err: err}
		}
		dataDir = dir
	}
	if err := paths.EnsurePrivateDir(dataDir); err != nil {
		return nil, &StartupError{Stage: "data dir", Err: err}
	}

	sink := audit.NewSink(dataDir)
	v, err := vault.Open(dataDir, sink)
	if err != nil {
		return nil, &StartupError{Stage: "vault", Err: err}
	}

	g := &Gateway{
		cfg:     cfg,
		dataDir: dataDir,
		audit:   sink,
		vault:   v,
		guard:   authz.NewGuard(sink),
		broker:  broker.New(broker.WithTimeout(cfg.Broker.Timeout.Duration)),
		log:     log,
	}
	g.dispatcher = mcp.NewDispatcher(g.broker, g.guard)

	extOpts := []extension.Option{
		extension.WithQueueSize(cfg.Extension.QueueSize),
		extension.WithReadLimit(cfg.Extension.ReadLimit),
	}
	if len(cfg.Extension.OriginPatterns) > 0 {
		extOpts = append(extOpts, extension.WithOriginPatterns(cfg.Extension.OriginPatterns))
	}
	g.extension = extension.NewServer(cfg.Extension.Addr, g.broker, extOpts...)
	if err := g.extension.Listen(); err != nil {
		return nil, &StartupError{Stage: "extension listener", Err: err}
	}

	if cfg.TCP.Enabled {
		tcp, err := mcp.NewSocketServer(cfg.TCP.Addr, g.dispatcher)
		if err != nil {
			g.extension.Shutdown(context.Background())
			return nil, &StartupError{Stage: "tcp listener", Err: err}
		}
		g.tcp = tcp
	}

	return g, nil
}

func validationErrs(errs []config.ValidationError) []error {
	out := make([]error, len(errs))
	for i, e := range errs {
		out[i] = e
	}
	return out
}

// Broker returns the gateway's request broker.
func (g *Gateway) Broker() *broker.Broker { return g.broker }

// Guard returns the authorization guard.
func (g *Gateway) Guard() *authz.Guard { return g.guard }

// Vault returns the credential vault.
func (g *Gateway) Vault() *vault.Vault { return g.vault }

// DataDir returns the private directory holding the audit trail and vault.
func (g *Gateway) DataDir() string { return g.dataDir }

// ExtensionAddr returns the bound WebSocket address.
func (g *Gateway) ExtensionAddr() string { return g.extension.Addr() }

// TCPAddr returns the bound JSON-RPC TCP address, or "" when disabled.
func (g *Gateway) TCPAddr() string {
	if g.tcp == nil {
		return ""
	}
	return g.tcp.Addr()
}

// Run serves until ctx is cancelled, a listener fails, or stdin reaches end
// of input when the stdio transport is enabled. A clean stop returns nil.
func (g *Gateway) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := g.extension.Serve(); err != nil {
			return fmt.Errorf("extension server: %w", err)
		}
		return nil
	})

	if g.tcp != nil {
		g.log.Info("MCP TCP enabled, starting MCP TCP server", "addr", g.tcp.Addr())
		g.tcp.Start()
	}

	if g.cfg.Stdio.Enabled {
		g.log.Info("MCP stdio enabled, starting MCP stdio server")
		eg.Go(func() error {
			err := mcp.NewServer(stdin, stdout, g.dispatcher).Run(egCtx)
			// The process lives as long as its stdio client.
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("stdio server: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		g.shutdown()
		return nil
	})

	g.log.Info("server initialized successfully", "request_timeout", g.broker.Timeout())
	g.log.Info("listening", "transport", "websocket", "addr", "ws://"+g.extension.Addr())
	if g.tcp != nil {
		g.log.Info("listening", "transport", "tcp", "addr", g.tcp.Addr())
	}

	err := eg.Wait()
	g.log.Info("gateway stopped", "error", err)
	return err
}

// Close releases the listeners of a gateway whose Run was never called.
// It is safe to call after Run.
func (g *Gateway) Close() {
	g.shutdown()
}

// shutdown fails outstanding calls, then closes every listener. Only the
// first call has any effect.
func (g *Gateway) shutdown() {
	g.shutdownOnce.Do(g.doShutdown)
}

func (g *Gateway) doShutdown() {
	g.log.Info("shutting down")
	g.broker.Close()

	if g.tcp != nil {
		if err := g.tcp.Close(); err != nil {
			g.log.Warn("error closing TCP listener", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := g.extension.Shutdown(ctx); err != nil {
		g.log.Warn("error shutting down extension server", "error", err)
	}
}
