package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/tvanderbruggen/kserver/config"
	"github.com/tvanderbruggen/kserver/internal/core"
)

// captureStdout redirects command output for the duration of the test.
func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

// dryRun executes args with --dry-run and decodes the printed config.
func dryRun(t *testing.T, args ...string) *config.Config {
	t.Helper()
	out := captureStdout(t)
	if err := Execute(context.Background(), append(args, "--dry-run")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := &config.Config{}
	if err := yaml.Unmarshal(out.Bytes(), cfg); err != nil {
		t.Fatalf("dry-run output is not YAML: %v\n%s", err, out)
	}
	return cfg
}

// TestExecute_Version verifies --version prints the version string.
func TestExecute_Version(t *testing.T) {
	out := captureStdout(t)
	if err := Execute(context.Background(), []string{"--version"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), core.Version) {
		t.Errorf("output %q missing version %s", out, core.Version)
	}
}

func TestExecute_Help(t *testing.T) {
	for _, args := range [][]string{{"--help"}, {"-h"}} {
		t.Run(args[0], func(t *testing.T) {
			if err := Execute(context.Background(), args); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// TestExecute_DryRun verifies --dry-run validates and exits cleanly.
func TestExecute_DryRun(t *testing.T) {
	t.Setenv(config.EnvConfigFile, "")
	cfg := dryRun(t, "--tcp-addr", "127.0.0.1:4000", "--perm-websocket", "r", "-vv")
	if cfg.TCPAddr != "127.0.0.1:4000" {
		t.Errorf("tcp addr = %q", cfg.TCPAddr)
	}
	if cfg.Permissions.WebSocket != "r" {
		t.Errorf("websocket permissions = %q", cfg.Permissions.WebSocket)
	}
	if cfg.Verbose != 2 {
		t.Errorf("verbose = %d, want 2", cfg.Verbose)
	}
	if cfg.UnixPath != config.DefaultUnixPath {
		t.Errorf("unix path = %q, want default", cfg.UnixPath)
	}
}

// TestExecute_DryRunInvalid verifies --dry-run still catches bad configs.
func TestExecute_DryRunInvalid(t *testing.T) {
	tests := [][]string{
		{"--tcp-addr", "", "--unix-path", "", "--websocket-addr", ""},
		{"--memory-size", "10"},
		{"--perm-tcp", "x"},
		{"-vvvv"},
	}
	for _, args := range tests {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			captureStdout(t)
			if err := Execute(context.Background(), append(args, "--dry-run")); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

// TestExecute_InvalidFlags verifies unknown flags produce an error.
func TestExecute_InvalidFlags(t *testing.T) {
	err := Execute(context.Background(), []string{"--nonexistent-flag"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestExecute_PositionalRejected(t *testing.T) {
	err := Execute(context.Background(), []string{"localhost", "--dry-run"})
	if err == nil || !strings.Contains(err.Error(), "unexpected argument") {
		t.Fatalf("err = %v, want unexpected argument", err)
	}
}

// TestExecute_Precedence checks defaults < file < env < flags.
func TestExecute_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kserver.yaml")
	doc := "tcp_addr: 127.0.0.1:5000\nmax_sessions: 4\nperf: true\nmemory:\n  size: 4096\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KSERVER_MAX_SESSIONS", "8")

	cfg := dryRun(t, "-f", path, "--tcp-addr", "127.0.0.1:6000")

	if cfg.TCPAddr != "127.0.0.1:6000" {
		t.Errorf("flag did not win: tcp addr = %q", cfg.TCPAddr)
	}
	if cfg.MaxSessions != 8 {
		t.Errorf("env did not win over file: max sessions = %d", cfg.MaxSessions)
	}
	if !cfg.Perf || cfg.Memory.Size != 4096 {
		t.Errorf("file values lost: perf=%v memory=%d", cfg.Perf, cfg.Memory.Size)
	}
}

func TestExecute_ConfigFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kserver.yaml")
	if err := os.WriteFile(path, []byte("websocket_addr: \"\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvConfigFile, path)

	cfg := dryRun(t)
	if cfg.WebSocketAddr != "" {
		t.Errorf("websocket addr = %q, want disabled", cfg.WebSocketAddr)
	}
}

func TestExecute_BadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kserver.yaml")
	if err := os.WriteFile(path, []byte("no_such_key: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	captureStdout(t)
	if err := Execute(context.Background(), []string{"-f", path, "--dry-run"}); err == nil {
		t.Fatal("expected error for unknown key")
	}
}
