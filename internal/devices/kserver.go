package devices

import (
	"context"
	"fmt"
	"strings"

	"github.com/tvanderbruggen/kserver/internal/device"
	"github.com/tvanderbruggen/kserver/internal/status"
)

// Introspection list terminators.
const (
	EndOfCommands     = "EOC"
	EndOfDeviceStatus = "EODS"
)

// KServer operation ids.
const (
	OpGetVersion uint32 = iota
	OpGetCmds
	OpGetStats
	OpGetDevStatus
	OpGetRunningSessions
	OpGetSessionID
	OpGetSessionPerfs
	OpKillSession
	OpResetDevices
)

// KServer is the built-in introspection device.
type KServer struct {
	deps Deps
}

// NewKServer returns the KSERVER device.
func NewKServer(deps Deps) *KServer { return &KServer{deps: deps} }

func (k *KServer) Kind() device.Kind               { return device.KServer }
func (k *KServer) Name() string                    { return device.KServer.String() }
func (k *KServer) Start(ctx context.Context) error { return nil }
func (k *KServer) Stop() error                     { return nil }

func (k *KServer) Operations() []device.Operation {
	return []device.Operation{
		{ID: OpGetVersion, Name: "GET_VERSION", Handler: k.getVersion},
		{ID: OpGetCmds, Name: "GET_CMDS", Handler: k.getCmds},
		{ID: OpGetStats, Name: "GET_STATS", Handler: k.getStats},
		{ID: OpGetDevStatus, Name: "GET_DEV_STATUS", Handler: k.getDevStatus},
		{ID: OpGetRunningSessions, Name: "GET_RUNNING_SESSIONS", Handler: k.getRunningSessions},
		{ID: OpGetSessionID, Name: "GET_SESSION_ID", Handler: k.getSessionID},
		{ID: OpGetSessionPerfs, Name: "GET_SESSION_PERFS", Args: []device.ArgKind{device.Uint32}, Handler: k.getSessionPerfs},
		{ID: OpKillSession, Name: "KILL_SESSION", Args: []device.ArgKind{device.Uint32}, Access: device.AccessWrite, Handler: k.killSession},
		{ID: OpResetDevices, Name: "RESET_DEVICES", Access: device.AccessWrite, Handler: k.resetDevices},
	}
}

func (k *KServer) getVersion(context.Context, device.Call, device.Args) (device.Reply, error) {
	return device.CString(k.deps.Version), nil
}

// getCmds lists "<id>:<DEVICE>:<OP0>:<OP1>..." per device.
func (k *KServer) getCmds(context.Context, device.Call, device.Args) (device.Reply, error) {
	if k.deps.Registry == nil {
		return device.Reply{}, fmt.Errorf("no device registry")
	}
	var b strings.Builder
	for _, t := range k.deps.Registry.Tables() {
		dev := t.Device()
		fmt.Fprintf(&b, "%d:%s", uint32(dev.Kind()), dev.Name())
		for _, op := range t.Operations() {
			b.WriteByte(':')
			b.WriteString(op.Name)
		}
		b.WriteByte('\n')
	}
	b.WriteString(EndOfCommands + "\n")
	return device.Text(b.String()), nil
}

func (k *KServer) getStats(context.Context, device.Call, device.Args) (device.Reply, error) {
	if k.deps.Stats == nil {
		return device.CString("{}"), nil
	}
	return device.CString(k.deps.Stats.JSON()), nil
}

func (k *KServer) getDevStatus(context.Context, device.Call, device.Args) (device.Reply, error) {
	if k.deps.Registry == nil {
		return device.Reply{}, fmt.Errorf("no device registry")
	}
	var b strings.Builder
	for _, s := range k.deps.Registry.Statuses() {
		fmt.Fprintf(&b, "%s:%s\n", s.Name, s.Status)
	}
	b.WriteString(EndOfDeviceStatus + "\n")
	return device.Text(b.String()), nil
}

func (k *KServer) getRunningSessions(context.Context, device.Call, device.Args) (device.Reply, error) {
	var sessions []status.Session
	if k.deps.Sessions != nil {
		sessions = k.deps.Sessions.RunningSessions()
	}
	return device.Text(status.FormatSessions(sessions)), nil
}

func (k *KServer) getSessionID(_ context.Context, call device.Call, _ device.Args) (device.Reply, error) {
	return device.U32(call.SessionID()), nil
}

// getSessionPerfs answers an empty list for unknown sessions.
func (k *KServer) getSessionPerfs(_ context.Context, _ device.Call, args device.Args) (device.Reply, error) {
	var points []status.TimingPoint
	if k.deps.Sessions != nil {
		points, _ = k.deps.Sessions.SessionPerfs(args.Uint32(0))
	}
	return device.Text(status.FormatPerfs(points)), nil
}

func (k *KServer) killSession(_ context.Context, call device.Call, args device.Args) (device.Reply, error) {
	id := args.Uint32(0)
	if k.deps.Sessions == nil || !k.deps.Sessions.Kill(id) {
		return device.U32(0), nil
	}
	call.Logger().Info("killed session %d", id)
	return device.U32(1), nil
}

func (k *KServer) resetDevices(ctx context.Context, call device.Call, _ device.Args) (device.Reply, error) {
	if k.deps.Registry == nil {
		return device.Reply{}, fmt.Errorf("no device registry")
	}
	call.Logger().Info("resetting devices")
	if err := k.deps.Registry.Reset(ctx); err != nil {
		return device.Reply{}, err
	}
	return device.Void(), nil
}
