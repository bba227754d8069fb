// Command agent-browser-server bridges MCP tool calls to the browser extension.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zhubert/agent-browser/config"
	"github.com/zhubert/agent-browser/gateway"
	"github.com/zhubert/agent-browser/logger"
	"github.com/zhubert/agent-browser/mcp"
	"github.com/zhubert/agent-browser/paths"
	"github.com/zhubert/agent-browser/process"
)

type serveOptions struct {
	configPath string
	tcp        bool
	stdio      bool
	debug      bool
	dataDir    string
}

func newRootCmd() *cobra.Command {
	opts := &serveOptions{}

	root := &cobra.Command{
		Use:   "agent-browser-server",
		Short: "Gateway between MCP clients and the Agent Browser extension",
		Long: `agent-browser-server accepts MCP JSON-RPC requests and relays browser
commands to the extension over a local WebSocket.

The WebSocket endpoint for the extension is always on. The TCP and stdio
transports are enabled by --tcp/--stdio, by gateway.yaml, or by the
MCP_TCP/MCP_STDIO environment variables.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	flags := root.Flags()
	flags.StringVar(&opts.configPath, "config", "", "path to gateway.yaml (default: config directory)")
	flags.BoolVar(&opts.tcp, "tcp", false, "enable the JSON-RPC TCP listener")
	flags.BoolVar(&opts.stdio, "stdio", false, "serve JSON-RPC on stdin/stdout")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flags.StringVar(&opts.dataDir, "data-dir", "", "directory for audit.log and credentials")

	root.AddCommand(newInitCmd(), newStatusCmd(), newVersionCmd())
	return root
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(opts *serveOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if opts.tcp {
		cfg.TCP.Enabled = true
	}
	if opts.stdio {
		cfg.Stdio.Enabled = true
	}
	if opts.debug {
		cfg.Debug = true
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	return cfg, nil
}

func initLogging(cfg *config.Config) error {
	path := cfg.LogFile
	if path == "" {
		p, err := logger.DefaultLogPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := logger.Init(path); err != nil {
		return err
	}
	logger.SetDebug(cfg.Debug)
	return nil
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Close()

	log := logger.WithComponent("main")
	log.Info("Agent Browser Server starting", "version", mcp.ServerVersion)

	g, err := gateway.New(cfg)
	if err != nil {
		log.Error("startup failed", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := g.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
		log.Error("server error", "error", err)
		return err
	}
	return nil
}

func newInitCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented gateway.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				p, err := paths.ConfigFilePath()
				if err != nil {
					return err
				}
				path = p
			}
			if err := config.WriteTemplate(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "where to write the file (default: config directory)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report which gateway listeners are reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(&serveOptions{configPath: configPath})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			extensionUp := process.IsServerRunning(cfg.Extension.Addr)
			fmt.Fprintf(out, "extension  %s  %s\n", cfg.Extension.Addr, upDown(extensionUp))
			fmt.Fprintf(out, "tcp        %s  %s\n", cfg.TCP.Addr, upDown(process.IsServerRunning(cfg.TCP.Addr)))

			// The extension listener is always on, so a running process
			// without it is stuck or still starting.
			if !extensionUp {
				procs, err := findServerProcesses()
				if err != nil {
					fmt.Fprintf(out, "process    unknown (%v)\n", err)
					return nil
				}
				for _, p := range procs {
					fmt.Fprintf(out, "process    %d  %s\n", p.PID, p.Command)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to gateway.yaml (default: config directory)")
	return cmd
}

// findServerProcesses is replaced in tests.
var findServerProcesses = process.FindServerProcesses

func upDown(up bool) string {
	if up {
		return "up"
	}
	return "down"
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (MCP %s)\n", mcp.ServerName, mcp.ServerVersion, mcp.ProtocolVersion)
		},
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
