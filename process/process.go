// Package process locates, checks and launches the gateway server binary on
// behalf of the native messaging host.
package process

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/zhubert/agent-browser/logger"
)

// ServerBinaryName is the gateway executable installed next to the shim.
const ServerBinaryName = "agent-browser-server"

// dialTimeout bounds the TCP dial used to detect a running server.
const dialTimeout = 500 * time.Millisecond

// DefaultStartupWait is how long EnsureServer waits for a spawned server to
// open its port.
const DefaultStartupWait = time.Second

// IsServerRunning reports whether something accepts TCP connections on addr.
func IsServerRunning(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ServerBinaryPath returns the server binary next to the running executable,
// or the bare name (resolved through PATH) when that cannot be determined.
func ServerBinaryPath() string {
	exe, err := os.Executable()
	if err != nil {
		return serverBinaryFile()
	}
	return filepath.Join(filepath.Dir(exe), serverBinaryFile())
}

func serverBinaryFile() string {
	if runtime.GOOS == "windows" {
		return ServerBinaryName + ".exe"
	}
	return ServerBinaryName
}

// SpawnServer starts path detached with null stdio and env appended to the
// current environment. It returns the child's PID without waiting for it.
func SpawnServer(path string, env []string) (int, error) {
	log := logger.WithComponent("process")

	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), env...)
	// Nil stdio is connected to the null device.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to spawn %s: %w", filepath.Base(path), err)
	}
	pid := cmd.Process.Pid

	// Reap the child if it exits while we are still alive.
	go cmd.Wait()

	log.Info("spawned server", "path", path, "pid", pid)
	return pid, nil
}

// EnsureOptions configures EnsureServer.
type EnsureOptions struct {
	// Addr is dialed to decide whether the server is up.
	Addr string
	// BinaryPath is the server to start. Empty means ServerBinaryPath().
	BinaryPath string
	// Env is added to the spawned server's environment.
	Env []string
	// StartupWait bounds the wait for the spawned server's port.
	StartupWait time.Duration
}

// EnsureServer starts the server unless Addr already answers. The returned
// log is a human-readable account of what happened; it is filled in even
// when an error is returned.
func EnsureServer(opts EnsureOptions) (string, error) {
	var logs strings.Builder

	if IsServerRunning(opts.Addr) {
		logs.WriteString("Server already running\n")
		return logs.String(), nil
	}
	logs.WriteString("Server not running, starting it...\n")

	path := opts.BinaryPath
	if path == "" {
		path = ServerBinaryPath()
	}
	fmt.Fprintf(&logs, "Starting server: %q\n", path)

	pid, err := SpawnServer(path, opts.Env)
	if err != nil {
		fmt.Fprintf(&logs, "Error: %v\n", err)
		return logs.String(), err
	}
	fmt.Fprintf(&logs, "Server started with PID: %d\n", pid)

	wait := opts.StartupWait
	if wait <= 0 {
		wait = DefaultStartupWait
	}
	if waitForServer(opts.Addr, wait) {
		logs.WriteString("Server is now running\n")
		return logs.String(), nil
	}
	logs.WriteString("Warning: Server may not have started properly\n")

	procs, err := findServerProcesses()
	if err != nil {
		fmt.Fprintf(&logs, "Could not list server processes: %v\n", err)
		return logs.String(), nil
	}
	for _, p := range procs {
		if p.PID == pid {
			continue
		}
		fmt.Fprintf(&logs, "Another server process is running: PID %d (%s)\n", p.PID, p.Command)
	}
	return logs.String(), nil
}

// waitForServer polls addr until it answers or wait elapses.
func waitForServer(addr string, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for {
		if IsServerRunning(addr) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// ServerProcess is a running gateway found on the system.
type ServerProcess struct {
	PID     int    // Process ID
	Command string // Full command line
}

// findServerProcesses is replaced in tests.
var findServerProcesses = FindServerProcesses

// FindServerProcesses lists running gateway processes. It is used to explain
// a server that exists but does not answer on its port.
func FindServerProcesses() ([]ServerProcess, error) {
	var processes []ServerProcess
	log := logger.WithComponent("process")

	switch runtime.GOOS {
	case "darwin", "linux":
		cmd := exec.Command("pgrep", "-f", ServerBinaryName)
		output, err := cmd.Output()
		if err != nil {
			// pgrep returns exit code 1 if no processes found
			if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
				return processes, nil
			}
			return nil, err
		}
		processes = parsePgrep(string(output), func(pid string) (string, error) {
			out, err := exec.Command("ps", "-p", pid, "-o", "args=").Output()
			return strings.TrimSpace(string(out)), err
		})

	case "windows":
		cmd := exec.Command("tasklist", "/FI", "IMAGENAME eq "+ServerBinaryName+"*", "/FO", "CSV", "/NH")
		output, err := cmd.Output()
		if err != nil {
			return nil, err
		}
		processes = parseTasklist(string(output))
	}

	log.Debug("found server processes", "count", len(processes))
	return processes, nil
}

// parsePgrep turns pgrep output into processes, looking up each command line
// with args. PIDs whose lookup fails have exited and are skipped.
func parsePgrep(output string, args func(pid string) (string, error)) []ServerProcess {
	var processes []ServerProcess
	self := os.Getpid()
	for _, pidStr := range strings.Fields(output) {
		pid, err := strconv.Atoi(pidStr)
		if err != nil || pid == self {
			continue
		}
		command, err := args(pidStr)
		if err != nil {
			continue
		}
		processes = append(processes, ServerProcess{PID: pid, Command: command})
	}
	return processes
}

// parseTasklist reads tasklist's CSV rows: "image","pid",...
func parseTasklist(output string) []ServerProcess {
	var processes []ServerProcess
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(strings.Trim(strings.TrimSpace(fields[1]), "\""))
		if err != nil {
			continue
		}
		processes = append(processes, ServerProcess{
			PID:     pid,
			Command: strings.Trim(fields[0], "\""),
		})
	}
	return processes
}
