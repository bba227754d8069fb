// Command agent-browser-nmh is the native messaging host the browser
// extension launches to make sure the gateway server is running.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/agent-browser/config"
	"github.com/zhubert/agent-browser/logger"
	"github.com/zhubert/agent-browser/nativemsg"
	"github.com/zhubert/agent-browser/process"
)

// The extension connects MCP clients to the TCP listener the spawned
// server opens because of MCP_TCP.
const (
	replyHost   = "localhost"
	replyPort   = 8084
	replyScheme = "http"
)

type shimOptions struct {
	checkAddr   string
	serverPath  string
	startupWait time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &shimOptions{}

	cmd := &cobra.Command{
		Use:   "agent-browser-nmh [origin]",
		Short: "Native messaging host that starts agent-browser-server on demand",
		// The browser passes the caller's origin, and on Windows a
		// --parent-window flag, neither of which the shim uses.
		Args:               cobra.ArbitraryArgs,
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path, err := logger.ShimLogPath(); err == nil {
				if err := logger.Init(path); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
				}
			}
			defer logger.Close()
			return runShim(cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.checkAddr, "check-addr", config.DefaultExtensionAddr, "address that answers when the server is running")
	flags.StringVar(&opts.serverPath, "server-path", "", "server binary to start (default: next to this executable)")
	flags.DurationVar(&opts.startupWait, "startup-wait", process.DefaultStartupWait, "how long to wait for a started server")
	return cmd
}

// runShim handles one native message: read the request, ensure the server
// is up, write the reply.
func runShim(in io.Reader, out io.Writer, opts *shimOptions) error {
	log := logger.WithComponent("nmh")

	var payload json.RawMessage
	if err := nativemsg.ReadMessage(in, &payload); err != nil {
		return fmt.Errorf("failed to read native message: %w", err)
	}
	log.Info("NMH request", "payload", string(payload))

	// Any JSON value means "ensure the server is running"; its shape is informational.
	var req nativemsg.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Debug("request is not a command object", "error", err)
	}

	logs, err := process.EnsureServer(process.EnsureOptions{
		Addr:        opts.checkAddr,
		BinaryPath:  opts.serverPath,
		Env:         []string{config.EnvTCP + "=1"},
		StartupWait: opts.startupWait,
	})

	resp := nativemsg.Response{
		OK:     err == nil,
		Logs:   logs,
		Host:   replyHost,
		Port:   replyPort,
		Scheme: replyScheme,
	}
	if err != nil {
		resp.Error = fmt.Sprintf("Failed to start server: %v", err)
		log.Error("failed to start server", "error", err)
	}

	return nativemsg.WriteMessage(out, resp)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
