// Package config defines the runtime configuration for kserver and the
// rules that decide whether a configuration is usable.
package config

import (
	"net"
	"time"

	"github.com/tvanderbruggen/kserver/internal/device"
	kerrors "github.com/tvanderbruggen/kserver/internal/errors"
	"github.com/tvanderbruggen/kserver/internal/transport"
)

// Config holds every tuneable of a kserver process.  Field tags name
// the keys of the YAML config file.
type Config struct {
	// ── Listeners ────────────────────────────────────────────────────
	TCPAddr       string `yaml:"tcp_addr"`       // empty disables
	UnixPath      string `yaml:"unix_path"`      // empty disables
	WebSocketAddr string `yaml:"websocket_addr"` // empty disables
	MetricsAddr   string `yaml:"metrics_addr"`   // empty disables

	// ── Sessions ─────────────────────────────────────────────────────
	MaxSessions   int               `yaml:"max_sessions"` // 0 = unlimited
	Perf          bool              `yaml:"perf"`
	Permissions   PermissionsConfig `yaml:"permissions"`
	ShutdownGrace time.Duration     `yaml:"shutdown_grace"`

	// ── Buffers ──────────────────────────────────────────────────────
	ReadBufferSize       int `yaml:"read_buffer_size"`
	MaxLineLength        int `yaml:"max_line_length"`
	MaxStringLength      int `yaml:"max_string_length"`
	MaxHandshakeElements int `yaml:"max_handshake_elements"`

	// ── Devices ──────────────────────────────────────────────────────
	Memory  MemoryConfig  `yaml:"memory"`
	Devices DevicesConfig `yaml:"devices"`

	// ── Output ───────────────────────────────────────────────────────
	Verbose int `yaml:"verbose"`
}

// PermissionsConfig holds the default session permissions per
// transport, each one of "rw", "r", "w" or "none".
type PermissionsConfig struct {
	TCP       string `yaml:"tcp"`
	Unix      string `yaml:"unix"`
	WebSocket string `yaml:"websocket"`
}

// MemoryConfig configures the MEMORY device.
type MemoryConfig struct {
	Path string `yaml:"path"` // backing file; empty maps anonymous memory
	Size int    `yaml:"size"`
}

// DevicesConfig configures device startup.
type DevicesConfig struct {
	StartAttempts int `yaml:"start_attempts"`
}

// Default returns a Config populated from defaults.go.
func Default() *Config {
	return &Config{
		TCPAddr:       DefaultTCPAddr,
		UnixPath:      DefaultUnixPath,
		WebSocketAddr: DefaultWebSocketAddr,
		Perf:          true,
		Permissions: PermissionsConfig{
			TCP:       DefaultPermissions,
			Unix:      DefaultPermissions,
			WebSocket: DefaultPermissions,
		},
		ShutdownGrace:        DefaultShutdownGrace,
		ReadBufferSize:       DefaultReadBufferSize,
		MaxLineLength:        DefaultMaxLineLength,
		MaxStringLength:      DefaultMaxStringLength,
		MaxHandshakeElements: DefaultMaxHandshakeElements,
		Memory:               MemoryConfig{Size: DefaultMemorySize},
		Devices:              DevicesConfig{StartAttempts: DefaultStartAttempts},
	}
}

// ListenerPermissions parses the per-transport permission strings.
func (c *Config) ListenerPermissions() (map[transport.Kind]device.Permissions, error) {
	fields := []struct {
		name  string
		kind  transport.Kind
		value string
	}{
		{"permissions.tcp", transport.TCP, c.Permissions.TCP},
		{"permissions.unix", transport.Unix, c.Permissions.Unix},
		{"permissions.websocket", transport.WebSocket, c.Permissions.WebSocket},
	}

	out := make(map[transport.Kind]device.Permissions, len(fields))
	for _, f := range fields {
		p, err := device.ParsePermissions(f.value)
		if err != nil {
			return nil, &kerrors.ConfigError{
				Field:   f.name,
				Value:   f.value,
				Message: err.Error(),
				Hint:    `use one of "rw", "r", "w" or "none"`,
			}
		}
		out[f.kind] = p
	}
	return out, nil
}

// MaxHandshakeBytes converts MaxHandshakeElements to a byte bound.
func (c *Config) MaxHandshakeBytes() int {
	return c.MaxHandshakeElements * HandshakeElementSize
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.TCPAddr == "" && c.UnixPath == "" && c.WebSocketAddr == "" {
		return &kerrors.ConfigError{
			Field:   "tcp-addr",
			Message: "no listener is enabled",
			Hint:    "set at least one of --tcp-addr, --unix-path or --websocket-addr",
		}
	}

	positive := []struct {
		name  string
		value int
	}{
		{"read-buffer-size", c.ReadBufferSize},
		{"max-line-length", c.MaxLineLength},
		{"max-string-length", c.MaxStringLength},
		{"max-handshake-elements", c.MaxHandshakeElements},
		{"memory-size", c.Memory.Size},
		{"start-attempts", c.Devices.StartAttempts},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return &kerrors.ConfigError{Field: p.name, Value: p.value, Message: "must be positive"}
		}
	}

	if c.Memory.Size%4 != 0 {
		return &kerrors.ConfigError{
			Field:   "memory-size",
			Value:   c.Memory.Size,
			Message: "must be a multiple of 4",
			Hint:    "the register file is addressed in 32-bit words",
		}
	}
	if c.MaxSessions < 0 {
		return &kerrors.ConfigError{
			Field:   "max-sessions",
			Value:   c.MaxSessions,
			Message: "must not be negative",
			Hint:    "use 0 for no limit",
		}
	}
	if c.ShutdownGrace < 0 {
		return &kerrors.ConfigError{Field: "shutdown-grace", Value: c.ShutdownGrace, Message: "must not be negative"}
	}
	if c.Verbose < 0 || c.Verbose > 3 {
		return &kerrors.ConfigError{
			Field:   "verbose",
			Value:   c.Verbose,
			Message: "out of range",
			Hint:    "use a verbosity between 0 and 3 (-v, -vv, -vvv)",
		}
	}
	if collides(c.MetricsAddr, c.TCPAddr) || collides(c.MetricsAddr, c.WebSocketAddr) {
		return &kerrors.ConfigError{
			Field:   "metrics-addr",
			Value:   c.MetricsAddr,
			Message: "collides with a command listener",
		}
	}

	if _, err := c.ListenerPermissions(); err != nil {
		return err
	}
	return nil
}

// collides reports whether two listen addresses name the same fixed
// port.  Port 0 never collides.
func collides(a, b string) bool {
	if a == "" || a != b {
		return false
	}
	_, port, err := net.SplitHostPort(a)
	return err != nil || port != "0"
}
