package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnv_Listeners(t *testing.T) {
	t.Setenv("KSERVER_TCP_ADDR", "127.0.0.1:4000")
	t.Setenv("KSERVER_UNIX_PATH", "/tmp/k.sock")
	t.Setenv("KSERVER_WEBSOCKET_ADDR", ":9000")
	t.Setenv("KSERVER_METRICS_ADDR", ":9100")

	cfg := Default()
	LoadFromEnv(cfg)

	if cfg.TCPAddr != "127.0.0.1:4000" {
		t.Errorf("TCPAddr = %q", cfg.TCPAddr)
	}
	if cfg.UnixPath != "/tmp/k.sock" {
		t.Errorf("UnixPath = %q", cfg.UnixPath)
	}
	if cfg.WebSocketAddr != ":9000" {
		t.Errorf("WebSocketAddr = %q", cfg.WebSocketAddr)
	}
	if cfg.MetricsAddr != ":9100" {
		t.Errorf("MetricsAddr = %q", cfg.MetricsAddr)
	}
}

func TestLoadFromEnv_Numbers(t *testing.T) {
	t.Setenv("KSERVER_MAX_SESSIONS", "8")
	t.Setenv("KSERVER_READ_BUFFER_SIZE", "4096")
	t.Setenv("KSERVER_MAX_LINE_LENGTH", "512")
	t.Setenv("KSERVER_MAX_STRING_LENGTH", "64")
	t.Setenv("KSERVER_MAX_HANDSHAKE_ELEMENTS", "1024")
	t.Setenv("KSERVER_MEMORY_SIZE", "256")
	t.Setenv("KSERVER_START_ATTEMPTS", "5")
	t.Setenv("KSERVER_VERBOSE", "3")

	cfg := Default()
	LoadFromEnv(cfg)

	checks := []struct {
		name      string
		got, want int
	}{
		{"MaxSessions", cfg.MaxSessions, 8},
		{"ReadBufferSize", cfg.ReadBufferSize, 4096},
		{"MaxLineLength", cfg.MaxLineLength, 512},
		{"MaxStringLength", cfg.MaxStringLength, 64},
		{"MaxHandshakeElements", cfg.MaxHandshakeElements, 1024},
		{"Memory.Size", cfg.Memory.Size, 256},
		{"Devices.StartAttempts", cfg.Devices.StartAttempts, 5},
		{"Verbose", cfg.Verbose, 3},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
}

func TestLoadFromEnv_Booleans(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"1", true}, {"true", true}, {"YES", true},
		{"0", false}, {"false", false}, {"No", false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("KSERVER_PERF", tt.value)
			cfg := Default()
			cfg.Perf = !tt.want
			LoadFromEnv(cfg)
			if cfg.Perf != tt.want {
				t.Errorf("Perf = %v, want %v", cfg.Perf, tt.want)
			}
		})
	}
}

func TestLoadFromEnv_ShutdownGrace(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"10", 10 * time.Second},
		{"1500ms", 1500 * time.Millisecond},
		{"bogus", DefaultShutdownGrace},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("KSERVER_SHUTDOWN_GRACE", tt.value)
			cfg := Default()
			LoadFromEnv(cfg)
			if cfg.ShutdownGrace != tt.want {
				t.Errorf("ShutdownGrace = %v, want %v", cfg.ShutdownGrace, tt.want)
			}
		})
	}
}

func TestLoadFromEnv_Permissions(t *testing.T) {
	t.Setenv("KSERVER_PERMISSIONS_TCP", "r")
	t.Setenv("KSERVER_PERMISSIONS_WEBSOCKET", "none")

	cfg := Default()
	LoadFromEnv(cfg)

	if cfg.Permissions.TCP != "r" || cfg.Permissions.WebSocket != "none" {
		t.Errorf("Permissions = %+v", cfg.Permissions)
	}
	if cfg.Permissions.Unix != DefaultPermissions {
		t.Errorf("Unix permissions overridden: %q", cfg.Permissions.Unix)
	}
}

func TestLoadFromEnv_NoOverrideWhenEmpty(t *testing.T) {
	// Ensure no KSERVER_ vars are set.
	os.Clearenv()

	cfg := Default()
	cfg.TCPAddr = "original"
	LoadFromEnv(cfg)

	if cfg.TCPAddr != "original" {
		t.Errorf("TCPAddr was overridden: %q", cfg.TCPAddr)
	}
	want := Default()
	want.TCPAddr = "original"
	if *cfg != *want {
		t.Errorf("config changed: %+v", cfg)
	}
}

func TestLoadFromEnv_InvalidIntIgnored(t *testing.T) {
	t.Setenv("KSERVER_MAX_SESSIONS", "not-a-number")
	cfg := Default()
	cfg.MaxSessions = 3
	LoadFromEnv(cfg)
	if cfg.MaxSessions != 3 {
		t.Errorf("MaxSessions should be unchanged for invalid input, got %d", cfg.MaxSessions)
	}
}

// ── Config file ──────────────────────────────────────────────────────

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kserver.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
tcp_addr: "127.0.0.1:1234"
unix_path: ""
perf: false
max_sessions: 4
shutdown_grace: 2s
permissions:
  websocket: r
memory:
  path: /tmp/regs.bin
  size: 4096
devices:
  start_attempts: 1
`)
	cfg := Default()
	if err := LoadFile(cfg, path); err != nil {
		t.Fatal(err)
	}

	if cfg.TCPAddr != "127.0.0.1:1234" {
		t.Errorf("TCPAddr = %q", cfg.TCPAddr)
	}
	if cfg.UnixPath != "" {
		t.Errorf("UnixPath = %q, want disabled", cfg.UnixPath)
	}
	if cfg.Perf {
		t.Error("Perf should be false")
	}
	if cfg.MaxSessions != 4 || cfg.ShutdownGrace != 2*time.Second {
		t.Errorf("MaxSessions = %d, ShutdownGrace = %v", cfg.MaxSessions, cfg.ShutdownGrace)
	}
	if cfg.Permissions.WebSocket != "r" || cfg.Permissions.TCP != DefaultPermissions {
		t.Errorf("Permissions = %+v", cfg.Permissions)
	}
	if cfg.Memory.Path != "/tmp/regs.bin" || cfg.Memory.Size != 4096 {
		t.Errorf("Memory = %+v", cfg.Memory)
	}
	if cfg.Devices.StartAttempts != 1 {
		t.Errorf("StartAttempts = %d", cfg.Devices.StartAttempts)
	}
	// Untouched keys keep their defaults.
	if cfg.WebSocketAddr != DefaultWebSocketAddr || cfg.ReadBufferSize != DefaultReadBufferSize {
		t.Errorf("defaults lost: %q %d", cfg.WebSocketAddr, cfg.ReadBufferSize)
	}
}

func TestLoadFile_Empty(t *testing.T) {
	cfg := Default()
	if err := LoadFile(cfg, writeFile(t, "")); err != nil {
		t.Fatalf("empty file: %v", err)
	}
	if *cfg != *Default() {
		t.Errorf("empty file changed config: %+v", cfg)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "tcp_adr: x\n"},
		{"bad type", "max_sessions: many\n"},
		{"bad duration", "shutdown_grace: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := LoadFile(Default(), writeFile(t, tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}

	if err := LoadFile(Default(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
