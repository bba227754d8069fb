package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/zhubert/agent-browser/broker"
	"github.com/zhubert/agent-browser/config"
	"github.com/zhubert/agent-browser/logger"
	"github.com/zhubert/agent-browser/mcp"
)

func TestMain(m *testing.M) {
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.TCP.Addr = "127.0.0.1:0"
	cfg.Extension.Addr = "127.0.0.1:0"
	cfg.Broker.Timeout = config.Duration{Duration: 5 * time.Second}
	return cfg
}

// startGateway runs g in the background and returns a channel with Run's result.
func startGateway(ctx context.Context, t *testing.T, g *Gateway, stdin io.Reader, stdout io.Writer) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, stdin, stdout) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func dialExtension(t *testing.T, g *Gateway) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+g.ExtensionAddr(), nil)
	if err != nil {
		t.Fatalf("dial extension: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	waitFor(t, "extension registration", g.Broker().Connected)
	return conn
}

// answerOne reads one command from the extension socket and replies with result.
func answerOne(t *testing.T, conn *websocket.Conn, result string) broker.Command {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var cmd broker.Command
	if err := wsjson.Read(ctx, conn, &cmd); err != nil {
		t.Fatalf("read command: %v", err)
	}
	reply := `{"id":"` + cmd.ID + `","success":true,"result":` + result + `}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
		t.Fatalf("write reply: %v", err)
	}
	return cmd
}

func TestNew_PreparesDataDir(t *testing.T) {
	cfg := testConfig(t)
	g, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	info, err := os.Stat(cfg.DataDir)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("data dir mode = %o, want 700", perm)
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDir, "master.key")); err != nil {
		t.Errorf("vault master key missing: %v", err)
	}
	if g.TCPAddr() != "" {
		t.Errorf("TCP should be disabled, got %q", g.TCPAddr())
	}
	if g.Vault().Len() != 0 {
		t.Errorf("vault Len = %d", g.Vault().Len())
	}
	if got := g.Broker().Timeout(); got != 5*time.Second {
		t.Errorf("broker timeout = %v, want configured 5s", got)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Extension.QueueSize = 0

	_, err := New(cfg)
	var se *StartupError
	if !errors.As(err, &se) || se.Stage != "config" {
		t.Fatalf("err = %v, want config StartupError", err)
	}
}

func TestNew_ExtensionPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Extension.Addr = ln.Addr().String()

	_, err = New(cfg)
	var se *StartupError
	if !errors.As(err, &se) || se.Stage != "extension listener" {
		t.Fatalf("err = %v, want extension listener StartupError", err)
	}
}

func TestNew_TCPPortInUseReleasesExtension(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.TCP.Enabled = true
	cfg.TCP.Addr = ln.Addr().String()

	_, err = New(cfg)
	var se *StartupError
	if !errors.As(err, &se) || se.Stage != "tcp listener" {
		t.Fatalf("err = %v, want tcp listener StartupError", err)
	}
}

func TestNew_UnusableDataDir(t *testing.T) {
	cfg := testConfig(t)
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.DataDir = file

	_, err := New(cfg)
	var se *StartupError
	if !errors.As(err, &se) || se.Stage != "data dir" {
		t.Fatalf("err = %v, want data dir StartupError", err)
	}
}

func TestRun_StdioEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stdio.Enabled = true
	g, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	done := startGateway(context.Background(), t, g, stdinR, stdoutW)
	out := bufio.NewReader(stdoutR)

	send := func(line string) {
		t.Helper()
		if _, err := io.WriteString(stdinW, line+"\n"); err != nil {
			t.Fatal(err)
		}
	}
	recv := func() map[string]json.RawMessage {
		t.Helper()
		line, err := out.ReadString('\n')
		if err != nil {
			t.Fatalf("read response: %v", err)
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad response %q: %v", line, err)
		}
		return m
	}

	send(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	if r := recv(); !strings.Contains(string(r["result"]), `"agent-browser"`) {
		t.Errorf("initialize result = %s", r["result"])
	}

	ext := dialExtension(t, g)
	send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"playwright_navigate","arguments":{"url":"https://example.com"}}}`)
	cmd := answerOne(t, ext, `{"url":"https://example.com"}`)
	if cmd.Method != "navigate" {
		t.Errorf("extension got method %q", cmd.Method)
	}
	var result mcp.ToolCallResult
	if err := json.Unmarshal(recv()["result"], &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) != 1 || !strings.Contains(result.Content[0].Text, "https://example.com") {
		t.Errorf("tool result = %+v", result)
	}

	send(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"session-authorize","arguments":{"duration_hours":1}}}`)
	recv()
	if !g.Guard().IsAuthorized() {
		t.Error("session-authorize did not reach the guard")
	}
	audit, err := os.ReadFile(filepath.Join(g.DataDir(), "audit.log"))
	if err != nil || !strings.Contains(string(audit), "Session authorized for 1 hours") {
		t.Errorf("audit log = %q, %v", audit, err)
	}

	// End of stdin stops the whole gateway.
	stdinW.Close()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run() = %v, want nil at end of stdin", err)
	}
	stdoutW.Close()

	if _, err := net.DialTimeout("tcp", g.ExtensionAddr(), 200*time.Millisecond); err == nil {
		t.Error("extension listener still open after Run returned")
	}
}

func TestRun_TCPTransport(t *testing.T) {
	cfg := testConfig(t)
	cfg.TCP.Enabled = true
	g, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startGateway(ctx, t, g, strings.NewReader(""), io.Discard)

	conn, err := net.Dial("tcp", g.TCPAddr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte(`{"jsonrpc":"2.0","id":"t","method":"ping"}` + "\n")); err != nil {
		t.Fatal(err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(line) != `{"jsonrpc":"2.0","id":"t","result":{"ok":true}}` {
		t.Errorf("ping over TCP = %s", line)
	}

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run() = %v, want nil after cancel", err)
	}
}

func TestRun_ShutdownFailsPendingCalls(t *testing.T) {
	g, err := New(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := startGateway(ctx, t, g, nil, nil)
	dialExtension(t, g)

	callErr := make(chan error, 1)
	go func() {
		_, err := g.Broker().Call(context.Background(), "get_title", nil)
		callErr <- err
	}()
	waitFor(t, "pending call", func() bool { return g.Broker().Pending() == 1 })

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run() = %v", err)
	}

	select {
	case err := <-callErr:
		if !errors.Is(err, broker.ErrSlotClosed) {
			t.Errorf("pending call err = %v, want ErrSlotClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not released by shutdown")
	}
}

func TestStartupError(t *testing.T) {
	inner := errors.New("boom")
	err := error(&StartupError{Stage: "vault", Err: inner})
	if !errors.Is(err, inner) {
		t.Error("StartupError should unwrap")
	}
	if err.Error() != "startup failed (vault): boom" {
		t.Errorf("Error() = %q", err.Error())
	}
}
