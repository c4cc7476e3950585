package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	kerrors "github.com/tvanderbruggen/kserver/internal/errors"
	"github.com/tvanderbruggen/kserver/util"
)

const closeWriteTimeout = time.Second

// WebSocketConn adapts an upgraded gorilla/websocket connection to Conn.
// Each message is delivered as one chunk.
type WebSocketConn struct {
	ws   *websocket.Conn
	opts Options

	wmu       sync.Mutex // gorilla allows one concurrent writer
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn wraps an upgraded connection.  Messages larger than
// the line or handshake bound fail the read.
func NewWebSocketConn(ws *websocket.Conn, opts Options) *WebSocketConn {
	ws.SetReadLimit(opts.maxMessage())
	return &WebSocketConn{ws: ws, opts: opts}
}

func (c *WebSocketConn) Kind() Kind           { return WebSocket }
func (c *WebSocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WebSocketConn) RemoteIP() string {
	ip, _ := util.SplitHostPort(c.ws.RemoteAddr())
	return ip
}

func (c *WebSocketConn) RemotePort() int {
	_, port := util.SplitHostPort(c.ws.RemoteAddr())
	return port
}

func (c *WebSocketConn) addr() string { return c.ws.RemoteAddr().String() }

func (c *WebSocketConn) ReadChunk() Chunk {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return c.failed("read", err)
	}
	c.opts.received(len(data))
	return Chunk{Status: Data, Data: data}
}

func (c *WebSocketConn) failed(op string, err error) Chunk {
	te := kerrors.WrapTransport(op, c.addr(), err)
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		te.PeerClosed = true
	}
	if te.PeerClosed {
		return Chunk{Status: Closed, Err: te}
	}
	return Chunk{Status: Error, Err: te}
}

func (c *WebSocketConn) send(mt int, b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(mt, b); err != nil {
		return kerrors.WrapTransport("write", c.addr(), err)
	}
	c.opts.sent(len(b))
	return nil
}

func (c *WebSocketConn) SendBytes(b []byte) error   { return c.send(websocket.BinaryMessage, b) }
func (c *WebSocketConn) SendString(s string) error  { return c.send(websocket.TextMessage, []byte(s)) }
func (c *WebSocketConn) SendCString(s string) error { return c.send(websocket.TextMessage, []byte(s)) }

// ReceiveHandshake sends the element count as a little-endian binary
// message, then accumulates binary messages until the payload is
// complete.  A message that overshoots the expected size fails the
// transfer.
func (c *WebSocketConn) ReceiveHandshake(count, elemSize uint32) ([]byte, error) {
	total, err := handshakeSize(count, elemSize, c.opts.maxHandshake())
	if err != nil {
		return nil, err
	}

	var hdr [HandshakeHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], count)
	if err := c.SendBytes(hdr[:]); err != nil {
		return nil, err
	}
	if total == 0 {
		return []byte{}, nil
	}

	data := make([]byte, 0, total)
	for len(data) < total {
		mt, msg, err := c.ws.ReadMessage()
		if err != nil {
			ch := c.failed("handshake", err)
			return nil, ch.Err
		}
		c.opts.received(len(msg))
		if mt != websocket.BinaryMessage {
			return nil, fmt.Errorf("handshake: expected binary message, got text")
		}
		if len(data)+len(msg) > total {
			return nil, fmt.Errorf("handshake: invalid data size: got %d bytes, expected %d",
				len(data)+len(msg), total)
		}
		data = append(data, msg...)
	}
	return data, nil
}

// Close sends a normal-closure frame when possible and releases the
// underlying connection.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)) //nolint:errcheck
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
