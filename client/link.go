package client

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// link is the framing of one transport as seen from the client side.
type link interface {
	sendCommand(line string) error
	sendPayload(b []byte) error
	readN(n int) ([]byte, error)
	readCString() (string, error)
	// text returns a reader positioned at a text reply.
	text() (*bufio.Reader, error)
	// restOfLine returns what is left of a partly read text reply.
	restOfLine() (string, error)
	// peekError reports whether the next reply is an error line.
	peekError() (bool, error)
	handshakeOrder() binary.ByteOrder
	close() error
}

// ── Stream (TCP, Unix) ───────────────────────────────────────────────

type streamLink struct {
	conn net.Conn
	r    *bufio.Reader
}

func newStreamLink(c net.Conn) *streamLink {
	return &streamLink{conn: c, r: bufio.NewReader(c)}
}

func (l *streamLink) sendCommand(line string) error {
	_, err := io.WriteString(l.conn, line)
	return err
}

func (l *streamLink) sendPayload(b []byte) error {
	_, err := l.conn.Write(b)
	return err
}

func (l *streamLink) readN(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(l.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (l *streamLink) readCString() (string, error) {
	s, err := l.r.ReadString(0)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(s, "\x00"), nil
}

func (l *streamLink) text() (*bufio.Reader, error) { return l.r, nil }

func (l *streamLink) restOfLine() (string, error) { return l.r.ReadString('\n') }

func (l *streamLink) peekError() (bool, error) {
	b, err := l.r.Peek(len(errorPrefix))
	if err != nil {
		return false, err
	}
	return string(b) == errorPrefix, nil
}

func (l *streamLink) handshakeOrder() binary.ByteOrder { return binary.BigEndian }
func (l *streamLink) close() error                     { return l.conn.Close() }

// ── WebSocket ────────────────────────────────────────────────────────

// wsLink reassembles binary replies that the caller reads in pieces;
// text replies are always whole messages.
type wsLink struct {
	ws      *websocket.Conn
	pending []byte
	next    []byte // a text message peeked by peekError
	peeked  bool
}

func (l *wsLink) sendCommand(line string) error {
	return l.ws.WriteMessage(websocket.TextMessage, []byte(line))
}

func (l *wsLink) sendPayload(b []byte) error {
	return l.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (l *wsLink) message() ([]byte, error) {
	if l.peeked {
		l.peeked = false
		msg := l.next
		l.next = nil
		return msg, nil
	}
	_, msg, err := l.ws.ReadMessage()
	return msg, err
}

func (l *wsLink) readN(n int) ([]byte, error) {
	for len(l.pending) < n {
		msg, err := l.message()
		if err != nil {
			return nil, err
		}
		l.pending = append(l.pending, msg...)
	}
	out := bytes.Clone(l.pending[:n])
	l.pending = l.pending[n:]
	return out, nil
}

func (l *wsLink) readCString() (string, error) {
	if len(l.pending) > 0 {
		return "", fmt.Errorf("websocket: %d unread binary bytes before a text reply", len(l.pending))
	}
	msg, err := l.message()
	return string(msg), err
}

func (l *wsLink) text() (*bufio.Reader, error) {
	msg, err := l.readCString()
	if err != nil {
		return nil, err
	}
	return bufio.NewReader(strings.NewReader(msg)), nil
}

func (l *wsLink) restOfLine() (string, error) {
	s := string(l.pending)
	l.pending = nil
	return s, nil
}

func (l *wsLink) peekError() (bool, error) {
	if len(l.pending) > 0 {
		return false, nil
	}
	if !l.peeked {
		msg, err := l.message()
		if err != nil {
			return false, err
		}
		l.next, l.peeked = msg, true
	}
	return strings.HasPrefix(string(l.next), errorPrefix), nil
}

func (l *wsLink) handshakeOrder() binary.ByteOrder { return binary.LittleEndian }

func (l *wsLink) close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	l.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
	return l.ws.Close()
}
