// Package errors provides domain-specific error types for kserver.
//
// The taxonomy mirrors how far a failure is allowed to propagate:
// transport errors end a session, parse and execution errors end a
// single command, startup errors fail a single device, and fatal
// errors stop the process.
package errors

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrPeerClosed        = errors.New("connection closed by peer")
	ErrUnknownDevice     = errors.New("unknown device")
	ErrUnknownOperation  = errors.New("unknown operation")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceFailed      = errors.New("device failed")
	ErrDeviceOff         = errors.New("device not started")
	ErrArgCount          = errors.New("wrong number of arguments")
	ErrOversized         = errors.New("input exceeds buffer limit")
	ErrSessionLimit      = errors.New("session limit reached")
	ErrHandshakeTooLarge = errors.New("handshake size exceeds receive buffer")
	ErrOutOfRange        = errors.New("value out of range")
)

// Reply codes carried in ERR lines sent back to clients.
const (
	CodeParse            = "parse"
	CodeUnknownDevice    = "unknown_device"
	CodeUnknownOperation = "unknown_operation"
	CodePermissionDenied = "permission_denied"
	CodeDeviceFailed     = "device_failed"
	CodeExecution        = "execution"
)

// ── Structured error types ───────────────────────────────────────────

// TransportError represents an I/O failure on a client connection.
// It is fatal to the session that owns the connection and nothing else.
type TransportError struct {
	Op         string // "read", "write", "handshake", "upgrade"
	Addr       string // peer address
	Err        error
	PeerClosed bool // graceful disconnect rather than failure
}

func (e *TransportError) Error() string {
	if e.PeerClosed {
		return fmt.Sprintf("%s %s: %v (peer closed)", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError reports a malformed protocol line or an argument list that
// does not match the operation signature.
type ParseError struct {
	Line  string // offending line, possibly truncated
	Field string // "device", "operation", "arg[2]", "line"
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("parse %q: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("parse %q: %s: %v", e.Line, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ExecutionError reports a well-formed command that could not be run.
type ExecutionError struct {
	Device    string
	Operation string
	Code      string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Device, e.Operation, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// DeviceStartupError reports a device whose Start failed.  The device
// is marked FAIL; other devices are unaffected.
type DeviceStartupError struct {
	Device string
	Err    error
}

func (e *DeviceStartupError) Error() string {
	return fmt.Sprintf("start device %s: %v", e.Device, e.Err)
}

func (e *DeviceStartupError) Unwrap() error { return e.Err }

// FatalError is reserved for unrecoverable resource failures that
// terminate the process.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// WrapTransport creates a TransportError, classifying err as a peer
// close when it is EOF or a closed connection.
func WrapTransport(op, addr string, err error) *TransportError {
	return &TransportError{
		Op:         op,
		Addr:       addr,
		Err:        err,
		PeerClosed: classifyClosed(err),
	}
}

// Exec creates an ExecutionError, deriving the reply code from err.
func Exec(device, operation string, err error) *ExecutionError {
	return &ExecutionError{
		Device:    device,
		Operation: operation,
		Code:      Code(err),
		Err:       err,
	}
}

// ── Classification helpers ───────────────────────────────────────────

// IsPeerClosed reports whether err is a graceful disconnect.
func IsPeerClosed(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.PeerClosed
	}
	return classifyClosed(err)
}

// IsTransport reports whether err must end the session.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Code maps err to the reply code sent to the client.
func Code(err error) string {
	var ee *ExecutionError
	if errors.As(err, &ee) && ee.Code != "" {
		return ee.Code
	}
	switch {
	case errors.Is(err, ErrUnknownDevice):
		return CodeUnknownDevice
	case errors.Is(err, ErrUnknownOperation):
		return CodeUnknownOperation
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrDeviceFailed), errors.Is(err, ErrDeviceOff):
		return CodeDeviceFailed
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return CodeParse
	}
	return CodeExecution
}

func classifyClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrPeerClosed) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use kserver/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
