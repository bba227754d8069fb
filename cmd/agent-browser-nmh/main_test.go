package main

import (
	"bytes"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zhubert/agent-browser/logger"
	"github.com/zhubert/agent-browser/nativemsg"
	"github.com/zhubert/agent-browser/paths"
)

func TestMain(m *testing.M) {
	home, err := os.MkdirTemp("", "agent-browser-nmh-*")
	if err != nil {
		panic(err)
	}
	os.Setenv(paths.HomeEnvVar, home)
	paths.Reset()

	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.RemoveAll(home)
	os.Exit(code)
}

func frame(payload string) []byte {
	out := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func liveAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func decodeReply(t *testing.T, out *bytes.Buffer) nativemsg.Response {
	t.Helper()
	var resp nativemsg.Response
	if err := nativemsg.ReadMessage(out, &resp); err != nil {
		t.Fatalf("reply is not a native message: %v", err)
	}
	return resp
}

func TestRunShim_ServerAlreadyRunning(t *testing.T) {
	var out bytes.Buffer
	opts := &shimOptions{checkAddr: liveAddr(t), serverPath: filepath.Join(t.TempDir(), "unused")}
	if err := runShim(bytes.NewReader(frame(`{"cmd":"ensure"}`)), &out, opts); err != nil {
		t.Fatal(err)
	}

	resp := decodeReply(t, &out)
	if !resp.OK || resp.Error != "" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Logs != "Server already running\n" {
		t.Errorf("logs = %q", resp.Logs)
	}
	if resp.Host != "localhost" || resp.Port != 8084 || resp.Scheme != "http" {
		t.Errorf("endpoint = %s://%s:%d", resp.Scheme, resp.Host, resp.Port)
	}
}

func TestRunShim_SpawnFailure(t *testing.T) {
	var out bytes.Buffer
	opts := &shimOptions{
		checkAddr:   deadAddr(t),
		serverPath:  filepath.Join(t.TempDir(), "missing-server"),
		startupWait: 100 * time.Millisecond,
	}
	if err := runShim(bytes.NewReader(frame(`{}`)), &out, opts); err != nil {
		t.Fatal(err)
	}

	resp := decodeReply(t, &out)
	if resp.OK {
		t.Error("ok should be false when the server cannot start")
	}
	if !strings.HasPrefix(resp.Error, "Failed to start server: ") {
		t.Errorf("error = %q", resp.Error)
	}
	if !strings.Contains(resp.Logs, "Server not running, starting it...") {
		t.Errorf("logs = %q", resp.Logs)
	}
}

func TestRunShim_NonObjectRequest(t *testing.T) {
	var out bytes.Buffer
	opts := &shimOptions{checkAddr: liveAddr(t)}
	if err := runShim(bytes.NewReader(frame(`"hello"`)), &out, opts); err != nil {
		t.Fatal(err)
	}
	if resp := decodeReply(t, &out); !resp.OK {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRunShim_NoInput(t *testing.T) {
	var out bytes.Buffer
	err := runShim(bytes.NewReader(nil), &out, &shimOptions{checkAddr: liveAddr(t)})
	if err == nil {
		t.Fatal("expected error for missing request")
	}
	if out.Len() != 0 {
		t.Errorf("nothing should be written on a failed read, got %q", out.Bytes())
	}
}

func TestRunShim_InvalidJSON(t *testing.T) {
	var out bytes.Buffer
	err := runShim(bytes.NewReader(frame(`not json`)), &out, &shimOptions{checkAddr: liveAddr(t)})
	if err == nil {
		t.Fatal("expected error for a payload that is not JSON")
	}
	if out.Len() != 0 {
		t.Errorf("nothing should be written for an undecodable request, got %q", out.Bytes())
	}
}

func TestRootCmd_AcceptsBrowserArguments(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetIn(bytes.NewReader(frame(`{"cmd":"ensure"}`)))
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{
		"chrome-extension://abcdefghijklmnop/",
		"--parent-window=0",
		"--check-addr", liveAddr(t),
	})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp := decodeReply(t, &out); !resp.OK {
		t.Errorf("resp = %+v", resp)
	}
}
