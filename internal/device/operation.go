package device

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"

	"github.com/tvanderbruggen/kserver/internal/command"
	kerrors "github.com/tvanderbruggen/kserver/internal/errors"
	"github.com/tvanderbruggen/kserver/util"
)

// Call is the view of the calling session that handlers receive.
type Call interface {
	SessionID() uint32
	Permissions() Permissions
	Logger() *util.Logger

	// ReceiveHandshake announces count elements of elemSize bytes to
	// the client and blocks until all of them have arrived.
	ReceiveHandshake(count, elemSize uint32) ([]byte, error)
}

// Handler implements one operation.  args match the operation's
// declared signature.
type Handler func(ctx context.Context, call Call, args Args) (Reply, error)

// Operation describes one entry of a device's operation table.
type Operation struct {
	ID      uint32
	Name    string
	Args    []ArgKind
	Access  Access
	Handler Handler
}

// Device is implemented by every member of the closed device set.
type Device interface {
	Kind() Kind
	Name() string
	Operations() []Operation
	Start(ctx context.Context) error
	Stop() error
}

// ── Operation table ──────────────────────────────────────────────────

// Table indexes a device's operations by id.
type Table struct {
	dev    Device
	ops    []Operation // indexed by ID
	maxStr int
}

// NewTable builds the table for dev.  Operation ids must be dense and
// start at zero.
func NewTable(dev Device, maxStringLength int) (*Table, error) {
	if maxStringLength <= 0 {
		maxStringLength = DefaultMaxStringLength
	}
	ops := dev.Operations()
	t := &Table{dev: dev, ops: make([]Operation, len(ops)), maxStr: maxStringLength}
	seen := make([]bool, len(ops))
	for _, op := range ops {
		if int(op.ID) >= len(ops) || seen[op.ID] {
			return nil, fmt.Errorf("device %s: operation ids must be unique and dense, got %d", dev.Name(), op.ID)
		}
		if op.Handler == nil {
			return nil, fmt.Errorf("device %s: operation %s has no handler", dev.Name(), op.Name)
		}
		seen[op.ID] = true
		t.ops[op.ID] = op
	}
	return t, nil
}

// Device returns the device the table belongs to.
func (t *Table) Device() Device { return t.dev }

// Operations returns the operations in id order.
func (t *Table) Operations() []Operation { return t.ops }

// Lookup returns the operation with id.
func (t *Table) Lookup(id uint32) (Operation, bool) {
	if int(id) >= len(t.ops) {
		return Operation{}, false
	}
	return t.ops[id], true
}

// Parse resolves cmd to an operation and decodes its arguments.  No
// device state is touched.
func (t *Table) Parse(cmd command.Command) (Invocation, error) {
	op, ok := t.Lookup(cmd.Operation)
	if !ok {
		return Invocation{}, kerrors.Exec(t.dev.Name(), strconv.FormatUint(uint64(cmd.Operation), 10),
			kerrors.ErrUnknownOperation)
	}
	args, err := decodeArgs(op.Args, cmd.Args, t.maxStr, cmd.String())
	if err != nil {
		return Invocation{}, err
	}
	return Invocation{device: t.dev, op: op, args: args}, nil
}

// ── Invocation ───────────────────────────────────────────────────────

// Invocation is a validated command, ready to run.
type Invocation struct {
	device Device
	op     Operation
	args   Args
}

// Label names the invocation as "<DEVICE>.<OPERATION>".
func (inv Invocation) Label() string {
	return inv.device.Name() + "." + inv.op.Name
}

// Device returns the device the invocation runs on.
func (inv Invocation) Device() Device { return inv.device }

// Operation returns the resolved operation.
func (inv Invocation) Operation() Operation { return inv.op }

// Args returns the decoded arguments.
func (inv Invocation) Args() Args { return inv.args }

// Execute checks the caller's permissions and runs the handler.  A
// panic in the handler is returned as an execution error.
func (inv Invocation) Execute(ctx context.Context, call Call) (reply Reply, err error) {
	if !call.Permissions().Allows(inv.op.Access) {
		return Reply{}, kerrors.Exec(inv.device.Name(), inv.op.Name,
			fmt.Errorf("%w: %s access required", kerrors.ErrPermissionDenied, inv.op.Access))
	}

	defer func() {
		if r := recover(); r != nil {
			if l := call.Logger(); l != nil {
				l.Debug("panic in %s: %v\n%s", inv.Label(), r, debug.Stack())
			}
			reply = Reply{}
			err = kerrors.Exec(inv.device.Name(), inv.op.Name, fmt.Errorf("handler panic: %v", r))
		}
	}()

	reply, err = inv.op.Handler(ctx, call, inv.args)
	if err != nil {
		var ee *kerrors.ExecutionError
		if !kerrors.As(err, &ee) {
			err = kerrors.Exec(inv.device.Name(), inv.op.Name, err)
		}
		return Reply{}, err
	}
	return reply, nil
}
