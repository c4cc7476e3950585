package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tvanderbruggen/kserver/internal/command"
	kerrors "github.com/tvanderbruggen/kserver/internal/errors"
	"github.com/tvanderbruggen/kserver/internal/retry"
	"github.com/tvanderbruggen/kserver/util"
)

// Factory constructs the device of the given kind.
type Factory func(kind Kind) (Device, error)

// StatusObserver is told about every status transition.
// Implemented by *metrics.Collector.
type StatusObserver interface {
	DeviceStatus(name string, status Status)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// MaxStringLength bounds String arguments.
	MaxStringLength int
	// StartAttempts is the number of tries per device start (default 1).
	StartAttempts int
	Logger        *util.Logger
	Observer      StatusObserver
}

// DeviceStatus pairs a device with its current state.
type DeviceStatus struct {
	Kind   Kind
	Name   string
	Status Status
}

type entry struct {
	dev    Device
	table  *Table
	status Status
}

// Manager owns every device for the lifetime of the process.
type Manager struct {
	opts ManagerOptions
	log  *util.Logger

	// life serializes Start, Stop and Reset.  mu guards statuses and is
	// never held while a device starts or stops, so dispatch keeps running
	// during a slow start.
	life    sync.Mutex
	mu      sync.Mutex
	entries [kindCount]*entry
}

// NewManager returns an empty Manager; call Init before use.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}
	return &Manager{opts: opts, log: opts.Logger.WithPrefix("devices")}
}

// Init constructs one device per kind.  Construction failures are
// returned; startup happens separately.
func (m *Manager) Init(factory Factory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range Kinds() {
		dev, err := factory(k)
		if err != nil {
			return fmt.Errorf("construct device %s: %w", k, err)
		}
		if dev.Kind() != k {
			return fmt.Errorf("construct device %s: factory returned %s", k, dev.Kind())
		}
		table, err := NewTable(dev, m.opts.MaxStringLength)
		if err != nil {
			return err
		}
		m.entries[k] = &entry{dev: dev, table: table, status: Off}
		m.observe(k, Off)
	}
	return nil
}

func (m *Manager) lookup(kind Kind) (*entry, error) {
	if !kind.Valid() || m.entries[kind] == nil {
		return nil, fmt.Errorf("%w: %d", kerrors.ErrUnknownDevice, uint32(kind))
	}
	return m.entries[kind], nil
}

func (m *Manager) observe(kind Kind, s Status) {
	if m.opts.Observer != nil {
		m.opts.Observer.DeviceStatus(kind.String(), s)
	}
}

// ── Lifecycle ────────────────────────────────────────────────────────

// StartDev starts kind.  Starting a device that is already ON is a
// no-op.  A failure marks the device FAIL and is reported as a
// DeviceStartupError; a FAIL device is not retried until Reset.
// The device stays OFF, and rejects commands, until its start returns.
func (m *Manager) StartDev(ctx context.Context, kind Kind) error {
	m.life.Lock()
	defer m.life.Unlock()
	return m.start(ctx, kind)
}

// start requires m.life.
func (m *Manager) start(ctx context.Context, kind Kind) error {
	m.mu.Lock()
	e, err := m.lookup(kind)
	var status Status
	if err == nil {
		status = e.status
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	switch status {
	case On:
		return nil
	case Fail:
		return &kerrors.DeviceStartupError{Device: kind.String(), Err: kerrors.ErrDeviceFailed}
	}

	b := retry.DeviceStart(m.opts.StartAttempts)
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		m.log.Warn("%s start attempt %d failed: %v (retrying in %v)", kind, attempt, err, wait.Round(time.Millisecond))
	}
	err = b.Do(ctx, func(int) error {
		return e.dev.Start(ctx)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		e.status = Fail
		m.observe(kind, Fail)
		m.log.Error("%s failed to start: %v", kind, err)
		return &kerrors.DeviceStartupError{Device: kind.String(), Err: err}
	}
	e.status = On
	m.observe(kind, On)
	m.log.Verbose("%s started", kind)
	return nil
}

// StartAll starts every device, continuing past failures.  The
// returned error joins every DeviceStartupError.
func (m *Manager) StartAll(ctx context.Context) error {
	m.life.Lock()
	defer m.life.Unlock()
	return m.startAll(ctx)
}

func (m *Manager) startAll(ctx context.Context) error {
	var errs []error
	for _, k := range Kinds() {
		if err := m.start(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return kerrors.Join(errs...)
}

// StopDev stops kind and marks it OFF.  Stopping a device that is not
// running is a no-op.
func (m *Manager) StopDev(kind Kind) error {
	m.life.Lock()
	defer m.life.Unlock()
	return m.stop(kind)
}

// stop requires m.life.  The device is marked OFF before Stop runs so
// no new command reaches it.
func (m *Manager) stop(kind Kind) error {
	m.mu.Lock()
	e, err := m.lookup(kind)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	prev := e.status
	e.status = Off
	if prev != Off {
		m.observe(kind, Off)
	}
	m.mu.Unlock()

	if prev != On {
		return nil
	}
	if err := e.dev.Stop(); err != nil {
		return fmt.Errorf("stop device %s: %w", kind, err)
	}
	m.log.Verbose("%s stopped", kind)
	return nil
}

// StopAll stops every device in reverse id order.
func (m *Manager) StopAll() error {
	m.life.Lock()
	defer m.life.Unlock()
	return m.stopAll()
}

func (m *Manager) stopAll() error {
	kinds := Kinds()
	var errs []error
	for i := len(kinds) - 1; i >= 0; i-- {
		if err := m.stop(kinds[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return kerrors.Join(errs...)
}

// Reset stops every device, clears FAIL and starts everything again.
// Concurrent resets run one after the other.
func (m *Manager) Reset(ctx context.Context) error {
	m.life.Lock()
	defer m.life.Unlock()
	stopErr := m.stopAll()
	return kerrors.Join(stopErr, m.startAll(ctx))
}

// ── Queries ──────────────────────────────────────────────────────────

// Status returns the state of kind; unknown kinds report OFF.
func (m *Manager) Status(kind Kind) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(kind)
	if err != nil {
		return Off
	}
	return e.status
}

// IsStarted reports whether kind is ON.
func (m *Manager) IsStarted(kind Kind) bool { return m.Status(kind) == On }

// IsFailed reports whether kind is FAIL.
func (m *Manager) IsFailed(kind Kind) bool { return m.Status(kind) == Fail }

// Statuses returns every device state in id order.
func (m *Manager) Statuses() []DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeviceStatus, 0, len(Kinds()))
	for _, k := range Kinds() {
		if e := m.entries[k]; e != nil {
			out = append(out, DeviceStatus{Kind: k, Name: e.dev.Name(), Status: e.status})
		}
	}
	return out
}

// Tables returns the operation table of every device in id order.
func (m *Manager) Tables() []*Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Table, 0, len(Kinds()))
	for _, k := range Kinds() {
		if e := m.entries[k]; e != nil {
			out = append(out, e.table)
		}
	}
	return out
}

// ── Dispatch ─────────────────────────────────────────────────────────

// Prepare resolves cmd against a running device without executing it.
func (m *Manager) Prepare(cmd command.Command) (Invocation, error) {
	kind := Kind(cmd.Device)

	m.mu.Lock()
	e, err := m.lookup(kind)
	var status Status
	if err == nil {
		status = e.status
	}
	m.mu.Unlock()

	if err != nil {
		return Invocation{}, kerrors.Exec(fmt.Sprintf("%d", cmd.Device), fmt.Sprintf("%d", cmd.Operation), err)
	}
	switch status {
	case Fail:
		return Invocation{}, kerrors.Exec(kind.String(), fmt.Sprintf("%d", cmd.Operation), kerrors.ErrDeviceFailed)
	case Off:
		return Invocation{}, kerrors.Exec(kind.String(), fmt.Sprintf("%d", cmd.Operation), kerrors.ErrDeviceOff)
	}
	return e.table.Parse(cmd)
}

// Execute dispatches cmd.  The manager lock is released before the
// handler runs.
func (m *Manager) Execute(ctx context.Context, cmd command.Command, call Call) (Reply, error) {
	inv, err := m.Prepare(cmd)
	if err != nil {
		return Reply{}, err
	}
	return inv.Execute(ctx, call)
}
