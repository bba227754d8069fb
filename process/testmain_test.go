package process

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/zhubert/agent-browser/logger"
)

// helperEnv makes the test binary act as a tiny server when spawned by a test.
const helperEnv = "AGENT_BROWSER_PROCESS_HELPER_ADDR"

func TestMain(m *testing.M) {
	if addr := os.Getenv(helperEnv); addr != "" {
		runHelperServer(addr)
		os.Exit(0)
	}

	// Disable logging during tests
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}

// runHelperServer listens on addr for a few seconds, accepting and dropping
// connections.
func runHelperServer(addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		os.Exit(3)
	}
	time.AfterFunc(5*time.Second, func() { ln.Close() })
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}
