package transport

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	kerrors "github.com/tvanderbruggen/kserver/internal/errors"
	"github.com/tvanderbruggen/kserver/util"
)

// StreamConn adapts a byte-stream net.Conn (TCP or Unix) to Conn.
//
// The pooled read buffer goes back to util.BufPool once the connection
// is closed and the reader no longer uses it: the reader is outside
// Read, and it has either started another read or sent a reply since
// the last chunk.
type StreamConn struct {
	conn net.Conn
	kind Kind
	opts Options

	bufMu   sync.Mutex
	buf     *[]byte
	reading bool // inside conn.Read
	lent    bool // a Data chunk may still be in use
	closed  bool

	wmu       sync.Mutex // serialises replies
	closeOnce sync.Once
	closeErr  error
}

// NewStreamConn wraps c.  kind must be TCP or Unix.
func NewStreamConn(c net.Conn, kind Kind, opts Options) *StreamConn {
	return &StreamConn{
		conn: c,
		kind: kind,
		opts: opts,
		buf:  util.GetBuf(opts.ReadBufferSize),
	}
}

func (c *StreamConn) Kind() Kind           { return c.kind }
func (c *StreamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *StreamConn) RemoteIP() string {
	ip, _ := util.SplitHostPort(c.conn.RemoteAddr())
	return ip
}

func (c *StreamConn) RemotePort() int {
	_, port := util.SplitHostPort(c.conn.RemoteAddr())
	return port
}

func (c *StreamConn) addr() string {
	if a := c.conn.RemoteAddr(); a != nil && a.String() != "" && a.String() != "@" {
		return a.String()
	}
	return c.kind.String()
}

// ReadChunk must only be called from one goroutine.
func (c *StreamConn) ReadChunk() Chunk {
	c.bufMu.Lock()
	c.lent = false
	if c.closed || c.buf == nil {
		c.releaseLocked()
		c.bufMu.Unlock()
		return Chunk{Status: Closed, Err: kerrors.WrapTransport("read", c.addr(), net.ErrClosed)}
	}
	buf := *c.buf
	c.reading = true
	c.bufMu.Unlock()

	n, err := c.conn.Read(buf)

	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	c.reading = false
	if n > 0 {
		c.opts.received(n)
		c.lent = true
		// Deliver the bytes; the error, if any, resurfaces on the next read.
		return Chunk{Status: Data, Data: buf[:n]}
	}
	if err == nil {
		return Chunk{Status: Data, Data: buf[:0]}
	}
	c.closed = true
	c.releaseLocked()
	te := kerrors.WrapTransport("read", c.addr(), err)
	if te.PeerClosed {
		return Chunk{Status: Closed, Err: te}
	}
	return Chunk{Status: Error, Err: te}
}

// releaseLocked returns the read buffer to the pool when nothing can
// still touch it.  c.bufMu must be held.
func (c *StreamConn) releaseLocked() {
	if !c.closed || c.reading || c.lent || c.buf == nil {
		return
	}
	util.PutBuf(c.buf)
	c.buf = nil
}

// replying marks the last chunk as consumed: replies are only sent once
// every record of a chunk has been parsed.
func (c *StreamConn) replying() {
	c.bufMu.Lock()
	c.lent = false
	c.releaseLocked()
	c.bufMu.Unlock()
}

func (c *StreamConn) SendBytes(b []byte) error {
	c.replying()
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.write(b)
}

func (c *StreamConn) write(b []byte) error {
	n, err := c.conn.Write(b)
	c.opts.sent(n)
	if err != nil {
		return kerrors.WrapTransport("write", c.addr(), err)
	}
	return nil
}

func (c *StreamConn) SendString(s string) error {
	return c.SendBytes([]byte(s))
}

func (c *StreamConn) SendCString(s string) error {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return c.SendBytes(b)
}

// ReceiveHandshake sends the element count in network byte order,
// then reads the payload.
func (c *StreamConn) ReceiveHandshake(count, elemSize uint32) ([]byte, error) {
	total, err := handshakeSize(count, elemSize, c.opts.maxHandshake())
	if err != nil {
		return nil, err
	}

	var hdr [HandshakeHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], count)
	if err := c.SendBytes(hdr[:]); err != nil {
		return nil, err
	}
	if total == 0 {
		return []byte{}, nil
	}

	data := make([]byte, total)
	n, err := io.ReadFull(c.conn, data)
	c.opts.received(n)
	if err != nil {
		return nil, kerrors.WrapTransport("handshake", c.addr(), err)
	}
	return data, nil
}

// Close closes the connection and releases the read buffer unless a
// read or its last chunk is still in progress, in which case the
// reader releases it.
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		c.bufMu.Lock()
		c.closed = true
		c.releaseLocked()
		c.bufMu.Unlock()
	})
	return c.closeErr
}
