package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zhubert/agent-browser/paths"
)

// setupTestLogger creates a temp log file and initializes the logger with it.
func setupTestLogger(t *testing.T) string {
	t.Helper()
	Reset()

	logPath := filepath.Join(t.TempDir(), "test-debug.log")
	if err := Init(logPath); err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}
	t.Cleanup(Reset)
	return logPath
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	return string(content)
}

func TestGet_StructuredLogging(t *testing.T) {
	logPath := setupTestLogger(t)

	Get().Info("command sent", "method", "navigate", "pending", 3)

	content := readLog(t, logPath)
	for _, want := range []string{"command sent", "method=navigate", "pending=3", "time="} {
		if !strings.Contains(content, want) {
			t.Errorf("log should contain %q, got:\n%s", want, content)
		}
	}
}

func TestPath(t *testing.T) {
	logPath := setupTestLogger(t)
	if got := Path(); got != logPath {
		t.Errorf("Path() = %q, want %q", got, logPath)
	}
}

func TestLog_Concurrent(t *testing.T) {
	setupTestLogger(t)

	done := make(chan bool)
	for i := range 10 {
		go func(n int) {
			log := WithComponent("broker")
			for j := range 100 {
				log.Debug("concurrent test", "goroutine", n, "iteration", j)
			}
			done <- true
		}(i)
	}
	for range 10 {
		<-done
	}
}

func TestReset(t *testing.T) {
	tmpDir := t.TempDir()
	logPath1 := filepath.Join(tmpDir, "log1.log")
	Reset()
	if err := Init(logPath1); err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}
	Get().Info("message to log1")

	Reset()

	logPath2 := filepath.Join(tmpDir, "log2.log")
	if err := Init(logPath2); err != nil {
		t.Fatalf("Failed to reinit logger: %v", err)
	}
	Get().Info("message to log2")
	defer Reset()

	content1 := readLog(t, logPath1)
	if !strings.Contains(content1, "message to log1") || strings.Contains(content1, "message to log2") {
		t.Errorf("log1 has unexpected content:\n%s", content1)
	}
	content2 := readLog(t, logPath2)
	if !strings.Contains(content2, "message to log2") || strings.Contains(content2, "message to log1") {
		t.Errorf("log2 has unexpected content:\n%s", content2)
	}
}

func TestLogLevel_Filtering(t *testing.T) {
	logPath := setupTestLogger(t)

	SetDebug(false)
	Get().Debug("debug-filtered")
	Get().Info("info-visible")

	SetDebug(true)
	defer SetDebug(false)
	Get().Debug("debug-visible")

	content := readLog(t, logPath)
	if strings.Contains(content, "debug-filtered") {
		t.Error("Debug message should be filtered at Info level")
	}
	if !strings.Contains(content, "info-visible") {
		t.Error("Info message should be visible at Info level")
	}
	if !strings.Contains(content, "debug-visible") {
		t.Error("Debug message should be visible after SetDebug(true)")
	}
}

func TestWithConn(t *testing.T) {
	logPath := setupTestLogger(t)

	WithConn("mcp-tcp", "127.0.0.1:50123").Info("client connected")

	content := readLog(t, logPath)
	if !strings.Contains(content, "component=mcp-tcp") {
		t.Error("Should contain component attribute")
	}
	if !strings.Contains(content, "peer=127.0.0.1:50123") {
		t.Error("Should contain peer attribute")
	}
}

func TestEnsureInit_DefaultPath(t *testing.T) {
	t.Setenv(paths.HomeEnvVar, t.TempDir())
	paths.Reset()
	Reset()
	defer Reset()
	defer paths.Reset()

	log := Get()
	if log == nil {
		t.Fatal("Get() returned nil without prior Init()")
	}
	log.Info("default path test")

	want, err := DefaultLogPath()
	if err != nil {
		t.Fatalf("DefaultLogPath: %v", err)
	}
	if !strings.HasSuffix(want, filepath.Join("logs", "gateway.log")) {
		t.Errorf("DefaultLogPath = %q, want suffix logs/gateway.log", want)
	}
	if got := Path(); got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
}

func TestShimLogPath(t *testing.T) {
	t.Setenv(paths.HomeEnvVar, t.TempDir())
	paths.Reset()
	defer paths.Reset()

	got, err := ShimLogPath()
	if err != nil {
		t.Fatalf("ShimLogPath: %v", err)
	}
	if filepath.Base(got) != "nmh-shim.log" {
		t.Errorf("ShimLogPath = %q, want nmh-shim.log", got)
	}
}
