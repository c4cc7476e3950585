package devices

import (
	"context"
	"encoding/binary"

	"github.com/tvanderbruggen/kserver/internal/device"
)

// ECHO operation ids.
const (
	OpEcho uint32 = iota
	OpAdd
	OpSum
)

// Echo exercises every reply path of the protocol without touching
// hardware.
type Echo struct{}

// NewEcho returns the ECHO device.
func NewEcho() *Echo { return &Echo{} }

func (e *Echo) Kind() device.Kind           { return device.Echo }
func (e *Echo) Name() string                { return device.Echo.String() }
func (e *Echo) Start(context.Context) error { return nil }
func (e *Echo) Stop() error                 { return nil }

func (e *Echo) Operations() []device.Operation {
	return []device.Operation{
		{ID: OpEcho, Name: "ECHO", Args: []device.ArgKind{device.String}, Handler: e.echo},
		{ID: OpAdd, Name: "ADD", Args: []device.ArgKind{device.Float32, device.Float32}, Access: device.AccessRead, Handler: e.add},
		{ID: OpSum, Name: "SUM", Args: []device.ArgKind{device.Uint32}, Access: device.AccessRead, Handler: e.sum},
	}
}

func (e *Echo) echo(_ context.Context, _ device.Call, a device.Args) (device.Reply, error) {
	return device.CString(a.String(0)), nil
}

func (e *Echo) add(_ context.Context, _ device.Call, a device.Args) (device.Reply, error) {
	return device.F32(a.Float32(0) + a.Float32(1)), nil
}

// sum receives n little-endian u32 through the handshake.
func (e *Echo) sum(_ context.Context, call device.Call, a device.Args) (device.Reply, error) {
	payload, err := call.ReceiveHandshake(a.Uint32(0), 4)
	if err != nil {
		return device.Reply{}, err
	}
	var total uint64
	for i := 0; i+4 <= len(payload); i += 4 {
		total += uint64(binary.LittleEndian.Uint32(payload[i:]))
	}
	return device.U64(total), nil
}
