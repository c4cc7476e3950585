package config

// loader.go - configuration loading from a YAML file and environment
// variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (LoadFromEnv)
//   3. Config file  (LoadFile)
//   4. Defaults   (defaults.go)

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile names the environment variable holding the config
// file path.
const EnvConfigFile = "KSERVER_CONFIG"

// ── Config file ──────────────────────────────────────────────────────

// LoadFile overlays the YAML document at path onto cfg.  Keys absent
// from the file leave cfg unchanged; unknown keys are an error.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the KSERVER_ prefix.  Boolean values
// accept "1", "true", "yes" and "0", "false", "no" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	envString("KSERVER_TCP_ADDR", &cfg.TCPAddr)
	envString("KSERVER_UNIX_PATH", &cfg.UnixPath)
	envString("KSERVER_WEBSOCKET_ADDR", &cfg.WebSocketAddr)
	envString("KSERVER_METRICS_ADDR", &cfg.MetricsAddr)

	if v, ok := envInt("KSERVER_MAX_SESSIONS"); ok {
		cfg.MaxSessions = v
	}
	if v, ok := envBool("KSERVER_PERF"); ok {
		cfg.Perf = v
	}
	envString("KSERVER_PERMISSIONS_TCP", &cfg.Permissions.TCP)
	envString("KSERVER_PERMISSIONS_UNIX", &cfg.Permissions.Unix)
	envString("KSERVER_PERMISSIONS_WEBSOCKET", &cfg.Permissions.WebSocket)
	if v, ok := envDuration("KSERVER_SHUTDOWN_GRACE"); ok {
		cfg.ShutdownGrace = v
	}

	// Buffers
	if v, ok := envInt("KSERVER_READ_BUFFER_SIZE"); ok {
		cfg.ReadBufferSize = v
	}
	if v, ok := envInt("KSERVER_MAX_LINE_LENGTH"); ok {
		cfg.MaxLineLength = v
	}
	if v, ok := envInt("KSERVER_MAX_STRING_LENGTH"); ok {
		cfg.MaxStringLength = v
	}
	if v, ok := envInt("KSERVER_MAX_HANDSHAKE_ELEMENTS"); ok {
		cfg.MaxHandshakeElements = v
	}

	// Devices
	envString("KSERVER_MEMORY_PATH", &cfg.Memory.Path)
	if v, ok := envInt("KSERVER_MEMORY_SIZE"); ok {
		cfg.Memory.Size = v
	}
	if v, ok := envInt("KSERVER_START_ATTEMPTS"); ok {
		cfg.Devices.StartAttempts = v
	}

	// Output
	if v, ok := envInt("KSERVER_VERBOSE"); ok {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true, true
	case "0", "false", "no":
		return false, true
	}
	return false, false
}

// envDuration accepts a Go duration ("1500ms") or whole seconds ("5").
func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
