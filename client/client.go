// Package client talks to a kserver over TCP, a Unix-domain socket or
// WebSocket.  A Client is not safe for concurrent use; replies must be
// read in the order their commands were sent.
package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tvanderbruggen/kserver/internal/device"
	"github.com/tvanderbruggen/kserver/internal/devices"
	"github.com/tvanderbruggen/kserver/internal/status"
)

const (
	errorPrefix = "ERR:"

	// DefaultHandshakeTimeout bounds the WebSocket opening handshake.
	DefaultHandshakeTimeout = 10 * time.Second
)

// ReplyError is an error line sent back by the server.
type ReplyError struct {
	Code   string
	Detail string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("kserver: %s: %s", e.Code, e.Detail)
}

// parseReplyError decodes "ERR:<code>:<detail>".
func parseReplyError(line string) *ReplyError {
	line = strings.TrimRight(strings.TrimPrefix(line, errorPrefix), "\r\n")
	code, detail, _ := strings.Cut(line, ":")
	return &ReplyError{Code: code, Detail: detail}
}

// IsReplyError reports whether err is a server error reply with the
// given code.  An empty code matches any reply error.
func IsReplyError(err error, code string) bool {
	var re *ReplyError
	if !errors.As(err, &re) {
		return false
	}
	return code == "" || re.Code == code
}

// Client is one connection to a kserver.
type Client struct {
	network string
	link    link
}

// Dial connects to addr.  network is "tcp", "unix" (addr is the socket
// path) or "ws" (addr is host:port or a ws:// URL).
func Dial(ctx context.Context, network, addr string) (*Client, error) {
	switch network {
	case "tcp", "unix":
		var d net.Dialer
		c, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s %s: %w", network, addr, err)
		}
		if tc, ok := c.(*net.TCPConn); ok {
			tc.SetNoDelay(true) //nolint:errcheck
		}
		return &Client{network: network, link: newStreamLink(c)}, nil

	case "ws":
		url := addr
		if !strings.Contains(url, "://") {
			url = "ws://" + addr + "/"
		}
		dialer := &websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout}
		ws, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		return &Client{network: network, link: &wsLink{ws: ws}}, nil
	}
	return nil, fmt.Errorf("unsupported network %q", network)
}

// Network returns the network the client was dialled with.
func (c *Client) Network() string { return c.network }

// Close closes the connection.
func (c *Client) Close() error { return c.link.close() }

// ── Commands ─────────────────────────────────────────────────────────

// FormatCommand renders a command record, newline included.
func FormatCommand(dev, op uint32, args ...any) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(uint64(dev), 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(uint64(op), 10))
	b.WriteByte('|')
	for _, a := range args {
		b.WriteString(formatArg(a))
		b.WriteByte('|')
	}
	b.WriteString("#\n")
	return b.String()
}

func formatArg(a any) string {
	switch v := a.(type) {
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Send writes one command.
func (c *Client) Send(dev, op uint32, args ...any) error {
	return c.link.sendCommand(FormatCommand(dev, op, args...))
}

// ── Replies ──────────────────────────────────────────────────────────

// ReadUint32 reads a little-endian u32 reply.
func (c *Client) ReadUint32() (uint32, error) {
	b, err := c.link.readN(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadUint64 reads a little-endian u64 reply.
func (c *Client) ReadUint64() (uint64, error) {
	b, err := c.link.readN(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadFloat32 reads a little-endian f32 reply.
func (c *Client) ReadFloat32() (float32, error) {
	v, err := c.ReadUint32()
	return math.Float32frombits(v), err
}

// ReadUint32Array reads n little-endian u32.
func (c *Client) ReadUint32Array(n int) ([]uint32, error) {
	b, err := c.link.readN(4 * n)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	return out, nil
}

// ReadString reads a C string reply (NUL terminated on stream
// transports, one text message on WebSocket).
func (c *Client) ReadString() (string, error) {
	return c.link.readCString()
}

// ReadError reads an error reply line.
func (c *Client) ReadError() (*ReplyError, error) {
	r, err := c.link.text()
	if err != nil {
		return nil, err
	}
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, errorPrefix) {
		return nil, fmt.Errorf("not an error reply: %q", line)
	}
	return parseReplyError(line), nil
}

// checkError turns a pending error reply into a *ReplyError.
func (c *Client) checkError() error {
	isErr, err := c.link.peekError()
	if err != nil {
		return err
	}
	if !isErr {
		return nil
	}
	re, err := c.ReadError()
	if err != nil {
		return err
	}
	return re
}

// ── KSERVER helpers ──────────────────────────────────────────────────

// Version returns the server version string.
func (c *Client) Version() (string, error) {
	if err := c.Send(uint32(device.KServer), devices.OpGetVersion); err != nil {
		return "", err
	}
	if err := c.checkError(); err != nil {
		return "", err
	}
	return c.ReadString()
}

// SessionID returns the id the server assigned to this connection.
func (c *Client) SessionID() (uint32, error) {
	if err := c.Send(uint32(device.KServer), devices.OpGetSessionID); err != nil {
		return 0, err
	}
	return c.ReadUint32()
}

// RunningSessions lists the live sessions.
func (c *Client) RunningSessions() ([]status.Session, error) {
	if err := c.Send(uint32(device.KServer), devices.OpGetRunningSessions); err != nil {
		return nil, err
	}
	if err := c.checkError(); err != nil {
		return nil, err
	}
	r, err := c.link.text()
	if err != nil {
		return nil, err
	}
	return status.ParseSessions(r)
}

// SessionPerfs returns the timing points of session sid.
func (c *Client) SessionPerfs(sid uint32) ([]status.TimingPoint, error) {
	if err := c.Send(uint32(device.KServer), devices.OpGetSessionPerfs, sid); err != nil {
		return nil, err
	}
	if err := c.checkError(); err != nil {
		return nil, err
	}
	r, err := c.link.text()
	if err != nil {
		return nil, err
	}
	return status.ParsePerfs(r)
}

// KillSession asks the server to close session sid.
func (c *Client) KillSession(sid uint32) (bool, error) {
	if err := c.Send(uint32(device.KServer), devices.OpKillSession, sid); err != nil {
		return false, err
	}
	if err := c.checkError(); err != nil {
		return false, err
	}
	v, err := c.ReadUint32()
	return v == 1, err
}

// ── Bulk upload ──────────────────────────────────────────────────────

// Upload sends a command that receives data through the handshake,
// waits for the element count and streams data.  The operation's own
// reply, if any, is left for the caller to read.
func (c *Client) Upload(dev, op uint32, data []uint32, args ...any) error {
	if err := c.Send(dev, op, args...); err != nil {
		return err
	}

	hdr, err := c.link.readN(len(errorPrefix))
	if err != nil {
		return err
	}
	if string(hdr) == errorPrefix {
		rest, err := c.link.restOfLine()
		if err != nil {
			return err
		}
		return parseReplyError(errorPrefix + rest)
	}

	count := c.link.handshakeOrder().Uint32(hdr)
	if int(count) != len(data) {
		return fmt.Errorf("handshake: server expects %d elements, have %d", count, len(data))
	}
	if count == 0 {
		return nil
	}

	payload := make([]byte, 0, 4*len(data))
	for _, v := range data {
		payload = binary.LittleEndian.AppendUint32(payload, v)
	}
	return c.link.sendPayload(payload)
}
