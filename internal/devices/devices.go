// Package devices holds the closed set of kserver devices and the
// factory that builds them.
package devices

import (
	"context"
	"fmt"

	"github.com/tvanderbruggen/kserver/internal/device"
	"github.com/tvanderbruggen/kserver/internal/status"
	"github.com/tvanderbruggen/kserver/util"
)

// Registry is the device-manager view used by KSERVER.
// Implemented by *device.Manager.
type Registry interface {
	Tables() []*device.Table
	Statuses() []device.DeviceStatus
	Reset(ctx context.Context) error
}

// Sessions is the session-manager view used by KSERVER.
// Implemented by *session.Manager.
type Sessions interface {
	RunningSessions() []status.Session
	SessionPerfs(id uint32) ([]status.TimingPoint, bool)
	Kill(id uint32) bool
}

// Stats renders the server counters.
// Implemented by *metrics.Collector.
type Stats interface {
	JSON() string
}

// MemoryConfig sizes the MEMORY register file.
type MemoryConfig struct {
	// Path of a backing file; empty maps anonymous memory.
	Path string
	// Size in bytes, a positive multiple of 4.
	Size int
}

// Deps are the collaborators devices are built with.
type Deps struct {
	Version  string
	Registry Registry
	Sessions Sessions
	Stats    Stats
	Memory   MemoryConfig
	Logger   *util.Logger
}

// New builds the device of the given kind.
func New(kind device.Kind, deps Deps) (device.Device, error) {
	if deps.Logger == nil {
		deps.Logger = util.NewLogger(0)
	}
	switch kind {
	case device.KServer:
		return NewKServer(deps), nil
	case device.Memory:
		return NewMemory(deps.Memory, deps.Logger)
	case device.Echo:
		return NewEcho(), nil
	case device.NoDevice:
		return nil, fmt.Errorf("%s is not a constructible device", kind)
	}
	return nil, fmt.Errorf("unknown device kind %d", uint32(kind))
}

// Factory adapts New to device.Factory.
func Factory(deps Deps) device.Factory {
	return func(kind device.Kind) (device.Device, error) {
		return New(kind, deps)
	}
}
