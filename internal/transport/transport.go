// Package transport provides a uniform I/O abstraction over the
// connection types kserver accepts: TCP, Unix-domain sockets and
// WebSocket.  A Conn hides stream-versus-message framing from the
// session layer, which only sees chunks of command bytes and a small
// set of reply primitives.
package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	kerrors "github.com/tvanderbruggen/kserver/internal/errors"
)

// HandshakeHeaderSize is the size of the element count sent by the
// server before a bulk upload.
const HandshakeHeaderSize = 4

// Kind identifies the transport a session arrived on.
type Kind int

const (
	TCP Kind = iota
	WebSocket
	Unix
)

func (k Kind) String() string {
	switch k {
	case TCP:
		return "TCP"
	case WebSocket:
		return "WEBSOCK"
	case Unix:
		return "UNIX"
	default:
		return "UNKNOWN"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(s) {
	case "TCP":
		return TCP, nil
	case "WEBSOCK":
		return WebSocket, nil
	case "UNIX":
		return Unix, nil
	}
	return 0, fmt.Errorf("invalid connection type %q", s)
}

// Status classifies the outcome of a read.
type Status int

const (
	Data Status = iota
	Closed
	Error
)

// Chunk is the result of a single ReadChunk call.  Data is only valid
// until the next read on the same connection.
type Chunk struct {
	Status Status
	Data   []byte
	Err    error
}

// Conn is one accepted client connection.
type Conn interface {
	// Kind reports the transport type.
	Kind() Kind

	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr

	// RemoteIP and RemotePort split RemoteAddr.  Unix peers report
	// "local" and 0.
	RemoteIP() string
	RemotePort() int

	// ReadChunk blocks until bytes arrive or the connection ends.
	ReadChunk() Chunk

	// SendBytes transmits raw binary data.
	SendBytes(b []byte) error

	// SendString transmits text without a terminator.
	SendString(s string) error

	// SendCString transmits text followed by a NUL byte on stream
	// transports, or as a single text message on WebSocket.
	SendCString(s string) error

	// ReceiveHandshake sends count to the client, then blocks until
	// exactly count*elemSize bytes have been received.
	ReceiveHandshake(count, elemSize uint32) ([]byte, error)

	// Close releases the connection.  Safe to call more than once.
	Close() error
}

// ByteCounter receives I/O volume notifications.
// Implemented by *metrics.Collector.
type ByteCounter interface {
	BytesReceived(n int64)
	BytesSent(n int64)
}

// Options tunes buffer sizes shared by every connection of a listener.
type Options struct {
	// ReadBufferSize is the size of the per-connection read buffer
	// (default util.DefaultBufSize).
	ReadBufferSize int

	// MaxHandshakeBytes bounds the bulk receive buffer (default 4 MiB).
	MaxHandshakeBytes int

	// MaxLineLength is the command record bound.  Together with
	// MaxHandshakeBytes it caps the size of one WebSocket message.
	MaxLineLength int

	// Counter, if set, is told about every read and write.
	Counter ByteCounter
}

// DefaultMaxHandshakeBytes bounds a bulk upload when Options leaves it unset.
const DefaultMaxHandshakeBytes = 4 << 20

func (o Options) maxHandshake() uint64 {
	if o.MaxHandshakeBytes <= 0 {
		return DefaultMaxHandshakeBytes
	}
	return uint64(o.MaxHandshakeBytes)
}

// maxMessage is the largest WebSocket message a peer may send.
func (o Options) maxMessage() int64 {
	return int64(max(uint64(max(o.MaxLineLength, 0)), o.maxHandshake()))
}

func (o Options) received(n int) {
	if o.Counter != nil && n > 0 {
		o.Counter.BytesReceived(int64(n))
	}
}

func (o Options) sent(n int) {
	if o.Counter != nil && n > 0 {
		o.Counter.BytesSent(int64(n))
	}
}

// handshakeSize validates a bulk request against the receive bound.
func handshakeSize(count, elemSize uint32, limit uint64) (int, error) {
	total := uint64(count) * uint64(elemSize)
	if total > limit {
		return 0, fmt.Errorf("%w: %d bytes > %d", kerrors.ErrHandshakeTooLarge, total, limit)
	}
	return int(total), nil
}

// ── Fixed-width reply helpers ────────────────────────────────────────

// Scalar is any fixed-width value that can be sent without framing.
type Scalar interface {
	uint8 | int8 | uint16 | int16 | uint32 | int32 | uint64 | int64 | float32 | float64
}

// SendScalar writes v in little-endian byte order.
func SendScalar[T Scalar](c Conn, v T) error {
	b, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		return err
	}
	return c.SendBytes(b)
}

// SendArray writes every element of v in little-endian byte order as a
// single contiguous payload.
func SendArray[T Scalar](c Conn, v []T) error {
	b, err := binary.Append(make([]byte, 0, len(v)*binary.Size(*new(T))), binary.LittleEndian, v)
	if err != nil {
		return err
	}
	return c.SendBytes(b)
}
