package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Template is the commented gateway.yaml written by `agent-browser-server init`.
const Template = `# Agent Browser gateway configuration
#
# MCP_TCP and MCP_STDIO in the environment enable their transports
# regardless of the settings below.

tcp:
  enabled: false
  addr: 127.0.0.1:8084       # JSON-RPC over line-delimited TCP

stdio:
  enabled: false             # JSON-RPC over stdin/stdout

extension:
  addr: 127.0.0.1:8085       # WebSocket endpoint for the browser extension
  queue_size: 100            # Commands buffered for the extension
  read_limit: 67108864       # Largest reply frame in bytes
  # origin_patterns: ["chrome-extension://*"]

broker:
  timeout: 30s               # How long a tool call waits for the extension

# data_dir: ""               # audit.log, master.key, credentials.json
# log_file: ""
# debug: false
`

// WriteTemplate writes Template to path. Returns an error if the file already exists.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(Template), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
