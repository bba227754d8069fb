// Package config loads the gateway's settings from gateway.yaml.
//
// A missing file yields Default(). The MCP_TCP and MCP_STDIO environment
// variables enable their transports when present, whatever their value.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/agent-browser/paths"
)

// Environment variables that switch on the optional transports.
const (
	EnvTCP   = "MCP_TCP"
	EnvStdio = "MCP_STDIO"
)

// Defaults.
const (
	DefaultTCPAddr       = "127.0.0.1:8084"
	DefaultExtensionAddr = "127.0.0.1:8085"
	DefaultQueueSize     = 100
	DefaultReadLimit     = 64 << 20
	DefaultTimeout       = 30 * time.Second
)

// Config is the top-level gateway configuration.
type Config struct {
	TCP       TCPConfig       `yaml:"tcp"`
	Stdio     StdioConfig     `yaml:"stdio"`
	Extension ExtensionConfig `yaml:"extension"`
	Broker    BrokerConfig    `yaml:"broker"`
	DataDir   string          `yaml:"data_dir,omitempty"` // empty means paths.DataDir()
	LogFile   string          `yaml:"log_file,omitempty"` // empty means logger.DefaultLogPath()
	Debug     bool            `yaml:"debug,omitempty"`
}

// TCPConfig controls the loopback JSON-RPC listener.
type TCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// StdioConfig controls the JSON-RPC transport on stdin/stdout.
type StdioConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ExtensionConfig controls the WebSocket endpoint the browser extension dials.
type ExtensionConfig struct {
	Addr           string   `yaml:"addr"`
	QueueSize      int      `yaml:"queue_size"`
	ReadLimit      int64    `yaml:"read_limit"`
	OriginPatterns []string `yaml:"origin_patterns,omitempty"`
}

// BrokerConfig controls request correlation.
type BrokerConfig struct {
	Timeout Duration `yaml:"timeout"`
}

// Duration is a wrapper around time.Duration that implements YAML unmarshaling
// from human-readable strings like "30s", "2m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Default returns the configuration used when no file exists: extension
// channel only, as the server runs when launched without MCP_* variables.
func Default() *Config {
	return &Config{
		TCP: TCPConfig{Addr: DefaultTCPAddr},
		Extension: ExtensionConfig{
			Addr:      DefaultExtensionAddr,
			QueueSize: DefaultQueueSize,
			ReadLimit: DefaultReadLimit,
		},
		Broker: BrokerConfig{Timeout: Duration{DefaultTimeout}},
	}
}

// Load reads gateway.yaml from the config directory.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads the config at path over Default(), applies environment
// overrides and validates the result. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read gateway config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse gateway config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, joinValidation(path, errs)
	}
	return cfg, nil
}

// ApplyEnv enables the TCP and stdio transports when their variables are set.
// An unset variable leaves the file's choice alone.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if _, ok := lookup(EnvTCP); ok {
		c.TCP.Enabled = true
	}
	if _, ok := lookup(EnvStdio); ok {
		c.Stdio.Enabled = true
	}
}

// ValidationError describes a single validation problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a Config for errors and returns all problems found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if c.TCP.Enabled {
		errs = append(errs, validateAddr("tcp.addr", c.TCP.Addr)...)
	}
	errs = append(errs, validateAddr("extension.addr", c.Extension.Addr)...)

	if c.TCP.Enabled && c.TCP.Addr == c.Extension.Addr && !ephemeral(c.TCP.Addr) {
		errs = append(errs, ValidationError{
			Field:   "tcp.addr",
			Message: fmt.Sprintf("conflicts with extension.addr %q", c.Extension.Addr),
		})
	}

	if c.Extension.QueueSize <= 0 {
		errs = append(errs, ValidationError{
			Field:   "extension.queue_size",
			Message: "must be positive",
		})
	}
	if c.Extension.ReadLimit <= 0 {
		errs = append(errs, ValidationError{
			Field:   "extension.read_limit",
			Message: "must be positive",
		})
	}
	if c.Broker.Timeout.Duration <= 0 {
		errs = append(errs, ValidationError{
			Field:   "broker.timeout",
			Message: "must be positive",
		})
	}

	return errs
}

func validateAddr(field, addr string) []ValidationError {
	if addr == "" {
		return []ValidationError{{Field: field, Message: "address is required"}}
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return []ValidationError{{Field: field, Message: fmt.Sprintf("invalid address %q: %v", addr, err)}}
	}
	return nil
}

// ephemeral reports whether addr asks the OS for a free port.
func ephemeral(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port == "0"
}

func joinValidation(path string, errs []ValidationError) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("invalid gateway config %s: %w", path, errors.New(strings.Join(msgs, "; ")))
}
