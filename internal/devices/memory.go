package devices

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tvanderbruggen/kserver/internal/device"
	kerrors "github.com/tvanderbruggen/kserver/internal/errors"
	"github.com/tvanderbruggen/kserver/internal/retry"
	"github.com/tvanderbruggen/kserver/util"
)

// DefaultMemorySize is the register file size when none is configured.
const DefaultMemorySize = 64 * 1024

const wordSize = 4

// MEMORY operation ids.
const (
	OpRead uint32 = iota
	OpWrite
	OpReadArray
	OpWriteArray
	OpSetBit
	OpClearBit
	OpToggleBit
	OpGetSize
)

// Memory is a register file of 32-bit little-endian words over a
// memory-mapped region.  Offsets are in bytes and must be word aligned.
type Memory struct {
	cfg MemoryConfig
	log *util.Logger

	mu   sync.RWMutex
	data []byte
	file *os.File
}

// NewMemory validates cfg and returns an unmapped device.
func NewMemory(cfg MemoryConfig, logger *util.Logger) (*Memory, error) {
	if cfg.Size == 0 {
		cfg.Size = DefaultMemorySize
	}
	if cfg.Size < 0 || cfg.Size%wordSize != 0 {
		return nil, fmt.Errorf("memory size %d must be a positive multiple of %d", cfg.Size, wordSize)
	}
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return &Memory{cfg: cfg, log: logger.WithPrefix("memory")}, nil
}

func (m *Memory) Kind() device.Kind { return device.Memory }
func (m *Memory) Name() string      { return device.Memory.String() }

// Start maps the region.  A backing file is created and grown to the
// configured size if needed.
func (m *Memory) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data != nil {
		return nil
	}

	if m.cfg.Path == "" {
		data, err := unix.Mmap(-1, 0, m.cfg.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			return fmt.Errorf("mmap anonymous: %w", err)
		}
		m.data = data
		m.log.Verbose("mapped %d bytes of anonymous memory", m.cfg.Size)
		return nil
	}

	f, err := os.OpenFile(m.cfg.Path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return retry.Permanent(fmt.Errorf("open %s: %w", m.cfg.Path, err))
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", m.cfg.Path, err)
	}
	if info.Size() < int64(m.cfg.Size) {
		if err := f.Truncate(int64(m.cfg.Size)); err != nil {
			f.Close()
			return fmt.Errorf("truncate %s: %w", m.cfg.Path, err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, m.cfg.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return fmt.Errorf("mmap %s: %w", m.cfg.Path, err)
	}
	m.file = f
	m.data = data
	m.log.Verbose("mapped %d bytes of %s", m.cfg.Size, m.cfg.Path)
	return nil
}

// Stop flushes and unmaps the region.
func (m *Memory) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}

	var errs []error
	if m.file != nil {
		if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
			errs = append(errs, fmt.Errorf("msync: %w", err))
		}
	}
	if err := unix.Munmap(m.data); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	m.data = nil
	if m.file != nil {
		if err := m.file.Close(); err != nil {
			errs = append(errs, err)
		}
		m.file = nil
	}
	return kerrors.Join(errs...)
}

func (m *Memory) Operations() []device.Operation {
	u32 := device.Uint32
	return []device.Operation{
		{ID: OpRead, Name: "READ", Args: []device.ArgKind{u32}, Access: device.AccessRead, Handler: m.read},
		{ID: OpWrite, Name: "WRITE", Args: []device.ArgKind{u32, u32}, Access: device.AccessWrite, Handler: m.write},
		{ID: OpReadArray, Name: "READ_ARRAY", Args: []device.ArgKind{u32, u32}, Access: device.AccessRead, Handler: m.readArray},
		{ID: OpWriteArray, Name: "WRITE_ARRAY", Args: []device.ArgKind{u32, u32}, Access: device.AccessWrite, Handler: m.writeArray},
		{ID: OpSetBit, Name: "SET_BIT", Args: []device.ArgKind{u32, u32}, Access: device.AccessWrite, Handler: m.bitOp(func(v, mask uint32) uint32 { return v | mask })},
		{ID: OpClearBit, Name: "CLEAR_BIT", Args: []device.ArgKind{u32, u32}, Access: device.AccessWrite, Handler: m.bitOp(func(v, mask uint32) uint32 { return v &^ mask })},
		{ID: OpToggleBit, Name: "TOGGLE_BIT", Args: []device.ArgKind{u32, u32}, Access: device.AccessWrite, Handler: m.bitOp(func(v, mask uint32) uint32 { return v ^ mask })},
		{ID: OpGetSize, Name: "GET_SIZE", Access: device.AccessRead, Handler: m.getSize},
	}
}

// span validates n words starting at off.  Caller holds m.mu.
func (m *Memory) span(off, n uint32) (int, int, error) {
	if m.data == nil {
		return 0, 0, kerrors.ErrDeviceOff
	}
	if off%wordSize != 0 {
		return 0, 0, fmt.Errorf("%w: offset %#x is not %d-byte aligned", kerrors.ErrOutOfRange, off, wordSize)
	}
	end := uint64(off) + uint64(n)*wordSize
	if end > uint64(len(m.data)) || (n == 0 && uint64(off) >= uint64(len(m.data))) {
		return 0, 0, fmt.Errorf("%w: [%#x, %#x) outside %d-byte region", kerrors.ErrOutOfRange, off, end, len(m.data))
	}
	return int(off), int(end), nil
}

func (m *Memory) read(_ context.Context, _ device.Call, a device.Args) (device.Reply, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lo, hi, err := m.span(a.Uint32(0), 1)
	if err != nil {
		return device.Reply{}, err
	}
	return device.U32(binary.LittleEndian.Uint32(m.data[lo:hi])), nil
}

func (m *Memory) write(_ context.Context, _ device.Call, a device.Args) (device.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lo, hi, err := m.span(a.Uint32(0), 1)
	if err != nil {
		return device.Reply{}, err
	}
	binary.LittleEndian.PutUint32(m.data[lo:hi], a.Uint32(1))
	return device.Void(), nil
}

func (m *Memory) readArray(_ context.Context, _ device.Call, a device.Args) (device.Reply, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := a.Uint32(1)
	lo, _, err := m.span(a.Uint32(0), n)
	if err != nil {
		return device.Reply{}, err
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(m.data[lo+i*wordSize:])
	}
	return device.U32Array(out), nil
}

// writeArray checks the target range, then receives n words from the
// client through the handshake.
func (m *Memory) writeArray(_ context.Context, call device.Call, a device.Args) (device.Reply, error) {
	off, n := a.Uint32(0), a.Uint32(1)

	m.mu.RLock()
	_, _, err := m.span(off, n)
	m.mu.RUnlock()
	if err != nil {
		return device.Reply{}, err
	}

	payload, err := call.ReceiveHandshake(n, wordSize)
	if err != nil {
		return device.Reply{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	lo, hi, err := m.span(off, n)
	if err != nil {
		return device.Reply{}, err
	}
	copy(m.data[lo:hi], payload)
	return device.Void(), nil
}

func (m *Memory) bitOp(apply func(v, mask uint32) uint32) device.Handler {
	return func(_ context.Context, _ device.Call, a device.Args) (device.Reply, error) {
		bit := a.Uint32(1)
		if bit >= 32 {
			return device.Reply{}, fmt.Errorf("%w: bit %d", kerrors.ErrOutOfRange, bit)
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		lo, hi, err := m.span(a.Uint32(0), 1)
		if err != nil {
			return device.Reply{}, err
		}
		w := m.data[lo:hi]
		binary.LittleEndian.PutUint32(w, apply(binary.LittleEndian.Uint32(w), 1<<bit))
		return device.Void(), nil
	}
}

func (m *Memory) getSize(context.Context, device.Call, device.Args) (device.Reply, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return device.Reply{}, kerrors.ErrDeviceOff
	}
	return device.U32(uint32(len(m.data))), nil
}
