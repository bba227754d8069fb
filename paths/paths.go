// Package paths resolves the gateway's config, data and state directories.
//
// AGENT_BROWSER_HOME, when set, roots a flat layout. Otherwise an existing
// ~/.agent-browser is used as a flat layout, and failing that any XDG base
// directory variable selects separate config, data and state directories
// under XDG_CONFIG_HOME, XDG_DATA_HOME and XDG_STATE_HOME. A fresh install
// without XDG variables gets ~/.agent-browser.
//
// The data directory holds audit.log and the credential files and is kept
// owner-only.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// HomeEnvVar overrides every other resolution rule when set.
const HomeEnvVar = "AGENT_BROWSER_HOME"

// PrivateDirMode is the permission applied to directories holding audit and key material.
const PrivateDirMode os.FileMode = 0700

var (
	mu       sync.Mutex
	resolved *resolvedPaths
)

type resolvedPaths struct {
	configDir string
	dataDir   string
	stateDir  string
	legacy    bool
}

func flat(dir string) *resolvedPaths {
	return &resolvedPaths{
		configDir: dir,
		dataDir:   dir,
		stateDir:  dir,
		legacy:    true,
	}
}

// resolve computes the path layout once and caches it.
func resolve() (*resolvedPaths, error) {
	mu.Lock()
	defer mu.Unlock()

	if resolved != nil {
		return resolved, nil
	}

	if override := os.Getenv(HomeEnvVar); override != "" {
		resolved = flat(override)
		return resolved, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	legacyDir := filepath.Join(home, ".agent-browser")

	if info, err := os.Stat(legacyDir); err == nil && info.IsDir() {
		resolved = flat(legacyDir)
		return resolved, nil
	}

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	xdgData := os.Getenv("XDG_DATA_HOME")
	xdgState := os.Getenv("XDG_STATE_HOME")

	if xdgConfig != "" || xdgData != "" || xdgState != "" {
		if xdgConfig == "" {
			xdgConfig = filepath.Join(home, ".config")
		}
		if xdgData == "" {
			xdgData = filepath.Join(home, ".local", "share")
		}
		if xdgState == "" {
			xdgState = filepath.Join(home, ".local", "state")
		}
		resolved = &resolvedPaths{
			configDir: filepath.Join(xdgConfig, "agent-browser"),
			dataDir:   filepath.Join(xdgData, "agent-browser"),
			stateDir:  filepath.Join(xdgState, "agent-browser"),
			legacy:    false,
		}
		return resolved, nil
	}

	resolved = flat(legacyDir)
	return resolved, nil
}

// ConfigDir returns the directory for configuration files (gateway.yaml).
func ConfigDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.configDir, nil
}

// DataDir returns the private directory for the audit trail and credential material.
func DataDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.dataDir, nil
}

// StateDir returns the directory for runtime state and logs.
func StateDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.stateDir, nil
}

// ConfigFilePath returns the full path to gateway.yaml.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "gateway.yaml"), nil
}

// LogsDir returns the directory for log files.
func LogsDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// IsLegacyLayout reports whether all directories share one root. It is true
// when the home directory cannot be resolved.
func IsLegacyLayout() bool {
	r, err := resolve()
	if err != nil {
		return true
	}
	return r.legacy
}

// EnsurePrivateDir creates dir if needed and restricts it to the owner.
// An existing directory with looser permissions is tightened.
func EnsurePrivateDir(dir string) error {
	if err := os.MkdirAll(dir, PrivateDirMode); err != nil {
		return fmt.Errorf("create private dir %s: %w", dir, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat private dir %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("private dir %s is not a directory", dir)
	}
	if info.Mode().Perm() != PrivateDirMode {
		if err := os.Chmod(dir, PrivateDirMode); err != nil {
			return fmt.Errorf("restrict private dir %s: %w", dir, err)
		}
	}
	return nil
}

// Reset clears the cached resolution for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resolved = nil
}
