package core

import (
	"github.com/tvanderbruggen/kserver/config"
	"github.com/tvanderbruggen/kserver/internal/device"
	"github.com/tvanderbruggen/kserver/internal/devices"
	"github.com/tvanderbruggen/kserver/internal/metrics"
	"github.com/tvanderbruggen/kserver/internal/session"
	"github.com/tvanderbruggen/kserver/internal/transport"
	"github.com/tvanderbruggen/kserver/util"
)

// Build constructs the server described by cfg.  cfg must already be
// validated.
func Build(cfg *config.Config, logger *util.Logger) (Mode, error) {
	return NewServer(cfg, logger)
}

// NewServer wires the device manager, the session manager and the
// metrics collector together.  Devices are constructed but not started.
func NewServer(cfg *config.Config, logger *util.Logger) (*Server, error) {
	if logger == nil {
		logger = util.NewLogger(cfg.Verbose)
	}
	perms, err := cfg.ListenerPermissions()
	if err != nil {
		return nil, err
	}

	mc := metrics.New()
	devs := device.NewManager(device.ManagerOptions{
		MaxStringLength: cfg.MaxStringLength,
		StartAttempts:   cfg.Devices.StartAttempts,
		Logger:          logger,
		Observer:        mc,
	})
	sessions := session.NewManager(devs, session.ManagerOptions{
		Permissions: perms,
		MaxSessions: cfg.MaxSessions,
		Session: session.Options{
			Perf:          cfg.Perf,
			MaxLineLength: cfg.MaxLineLength,
		},
		Metrics: mc,
		Logger:  logger,
	})

	err = devs.Init(devices.Factory(devices.Deps{
		Version:  Version,
		Registry: devs,
		Sessions: sessions,
		Stats:    mc,
		Memory:   devices.MemoryConfig{Path: cfg.Memory.Path, Size: cfg.Memory.Size},
		Logger:   logger,
	}))
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		log:      logger,
		devices:  devs,
		sessions: sessions,
		metrics:  mc,
		connOpts: transport.Options{
			ReadBufferSize:    cfg.ReadBufferSize,
			MaxHandshakeBytes: cfg.MaxHandshakeBytes(),
			MaxLineLength:     cfg.MaxLineLength,
			Counter:           mc,
		},
		ready: make(chan struct{}),
	}, nil
}

// endpoints lists the enabled command listeners.
func endpoints(cfg *config.Config) []endpoint {
	var out []endpoint
	if cfg.TCPAddr != "" {
		out = append(out, endpoint{transport.TCP, cfg.TCPAddr})
	}
	if cfg.UnixPath != "" {
		out = append(out, endpoint{transport.Unix, cfg.UnixPath})
	}
	if cfg.WebSocketAddr != "" {
		out = append(out, endpoint{transport.WebSocket, cfg.WebSocketAddr})
	}
	return out
}

type endpoint struct {
	kind transport.Kind
	addr string
}
