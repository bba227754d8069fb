package mcp

import (
	"os"
	"testing"

	"github.com/zhubert/agent-browser/logger"
)

func TestMain(m *testing.M) {
	// Keep test runs out of the real gateway log
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}
