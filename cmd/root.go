// Package cmd wires up the CLI flags and starts the server.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/tvanderbruggen/kserver/config"
	"github.com/tvanderbruggen/kserver/internal/core"
	"github.com/tvanderbruggen/kserver/util"
)

// stdout receives --version and --dry-run output.
var stdout io.Writer = os.Stdout //nolint:gochecknoglobals

// Execute parses args and runs the server until ctx is cancelled.
//
// Settings are layered defaults < config file < KSERVER_* environment <
// flags; a flag only overrides the lower layers when it is given.
func Execute(ctx context.Context, args []string) error {
	fl := config.Default()
	fs := flag.NewFlagSet("kserver", flag.ContinueOnError)

	var configPath string
	fs.StringVarP(&configPath, "config", "f", "", "YAML config file (or $"+config.EnvConfigFile+")")

	// ── listeners ────────────────────────────────────────────────
	fs.StringVar(&fl.TCPAddr, "tcp-addr", fl.TCPAddr, "TCP listen address (empty disables)")
	fs.StringVar(&fl.UnixPath, "unix-path", fl.UnixPath, "Unix socket path (empty disables)")
	fs.StringVar(&fl.WebSocketAddr, "websocket-addr", fl.WebSocketAddr, "WebSocket listen address (empty disables)")
	fs.StringVar(&fl.MetricsAddr, "metrics-addr", fl.MetricsAddr, "Prometheus endpoint address (empty disables)")

	// ── sessions ─────────────────────────────────────────────────
	fs.IntVar(&fl.MaxSessions, "max-sessions", fl.MaxSessions, "Maximum concurrent sessions (0 = unlimited)")
	fs.BoolVar(&fl.Perf, "perf", fl.Perf, "Record per-operation timings")
	fs.StringVar(&fl.Permissions.TCP, "perm-tcp", fl.Permissions.TCP, "Permissions of TCP sessions (rw, r, w, none)")
	fs.StringVar(&fl.Permissions.Unix, "perm-unix", fl.Permissions.Unix, "Permissions of Unix sessions")
	fs.StringVar(&fl.Permissions.WebSocket, "perm-websocket", fl.Permissions.WebSocket, "Permissions of WebSocket sessions")
	fs.DurationVar(&fl.ShutdownGrace, "shutdown-grace", fl.ShutdownGrace, "Time sessions get to finish on shutdown")

	// ── buffers ──────────────────────────────────────────────────
	fs.IntVar(&fl.ReadBufferSize, "read-buffer-size", fl.ReadBufferSize, "Bytes per transport read")
	fs.IntVar(&fl.MaxLineLength, "max-line-length", fl.MaxLineLength, "Longest command record")
	fs.IntVar(&fl.MaxStringLength, "max-string-length", fl.MaxStringLength, "Longest string argument")
	fs.IntVar(&fl.MaxHandshakeElements, "max-handshake-elements", fl.MaxHandshakeElements, "Largest handshake upload in 32-bit words")

	// ── devices ──────────────────────────────────────────────────
	fs.StringVar(&fl.Memory.Path, "memory-path", fl.Memory.Path, "File backing the MEMORY device (empty = anonymous)")
	fs.IntVar(&fl.Memory.Size, "memory-size", fl.Memory.Size, "Size of the MEMORY device in bytes")
	fs.IntVar(&fl.Devices.StartAttempts, "start-attempts", fl.Devices.StartAttempts, "Start attempts before a device is marked FAIL")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&fl.Verbose, "verbose", "v", "Increase verbosity (repeatable)")

	var showVersion, showHelp, dryRun bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.BoolVar(&dryRun, "dry-run", false, "Validate the configuration, print it and exit")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showHelp {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "kserver %s\n", core.Version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument %q (use --help for usage)", fs.Arg(0))
	}

	// ── layer ────────────────────────────────────────────────────
	cfg := config.Default()
	if configPath == "" {
		configPath = os.Getenv(config.EnvConfigFile)
	}
	if configPath != "" {
		if err := config.LoadFile(cfg, configPath); err != nil {
			return err
		}
	}
	config.LoadFromEnv(cfg)
	applyFlags(fs, cfg, fl)

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := util.NewLogger(cfg.Verbose)
	mode, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}

	if dryRun {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = stdout.Write(out)
		return err
	}

	logger.Info("kserver %s starting", core.Version)
	return mode.Run(ctx)
}

// ── helpers ──────────────────────────────────────────────────────────

// flagFields copies one flag's value from src to dst.
var flagFields = map[string]func(dst, src *config.Config){ //nolint:gochecknoglobals
	"tcp-addr":               func(d, s *config.Config) { d.TCPAddr = s.TCPAddr },
	"unix-path":              func(d, s *config.Config) { d.UnixPath = s.UnixPath },
	"websocket-addr":         func(d, s *config.Config) { d.WebSocketAddr = s.WebSocketAddr },
	"metrics-addr":           func(d, s *config.Config) { d.MetricsAddr = s.MetricsAddr },
	"max-sessions":           func(d, s *config.Config) { d.MaxSessions = s.MaxSessions },
	"perf":                   func(d, s *config.Config) { d.Perf = s.Perf },
	"perm-tcp":               func(d, s *config.Config) { d.Permissions.TCP = s.Permissions.TCP },
	"perm-unix":              func(d, s *config.Config) { d.Permissions.Unix = s.Permissions.Unix },
	"perm-websocket":         func(d, s *config.Config) { d.Permissions.WebSocket = s.Permissions.WebSocket },
	"shutdown-grace":         func(d, s *config.Config) { d.ShutdownGrace = s.ShutdownGrace },
	"read-buffer-size":       func(d, s *config.Config) { d.ReadBufferSize = s.ReadBufferSize },
	"max-line-length":        func(d, s *config.Config) { d.MaxLineLength = s.MaxLineLength },
	"max-string-length":      func(d, s *config.Config) { d.MaxStringLength = s.MaxStringLength },
	"max-handshake-elements": func(d, s *config.Config) { d.MaxHandshakeElements = s.MaxHandshakeElements },
	"memory-path":            func(d, s *config.Config) { d.Memory.Path = s.Memory.Path },
	"memory-size":            func(d, s *config.Config) { d.Memory.Size = s.Memory.Size },
	"start-attempts":         func(d, s *config.Config) { d.Devices.StartAttempts = s.Devices.StartAttempts },
	"verbose":                func(d, s *config.Config) { d.Verbose = s.Verbose },
}

// applyFlags overlays the flags that were set on the command line.
func applyFlags(fs *flag.FlagSet, dst, src *config.Config) {
	fs.Visit(func(f *flag.Flag) {
		if apply, ok := flagFields[f.Name]; ok {
			apply(dst, src)
		}
	})
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `KServer v%s

Serves command records to the built-in devices over TCP, a Unix socket
and WebSocket.

Usage:
  kserver [options]

Options:
`, core.Version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Environment:
  %s names a YAML config file; every setting also reads
  KSERVER_<SETTING> (e.g. KSERVER_TCP_ADDR, KSERVER_MAX_SESSIONS).

Examples:
  kserver                                     Default listeners
  kserver --unix-path "" --perm-tcp r         TCP read-only, no Unix socket
  kserver -f /etc/kserver.yaml -vv            Config file, verbose
  kserver --metrics-addr :9100 --perf         Prometheus metrics and timings
`, config.EnvConfigFile)
}
