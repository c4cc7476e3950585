package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Listener accepts Conns of a single Kind.
type Listener interface {
	Accept() (Conn, error)
	Addr() net.Addr
	Kind() Kind
	Close() error
}

// Listen opens a listener of the given kind.  For Unix, addr is the
// socket path.
func Listen(kind Kind, addr string, opts Options) (Listener, error) {
	switch kind {
	case TCP:
		return ListenTCP(addr, opts)
	case Unix:
		return ListenUnix(addr, opts)
	case WebSocket:
		return ListenWebSocket(addr, opts)
	}
	return nil, fmt.Errorf("listen: unsupported transport %v", kind)
}

// ── Stream listeners ─────────────────────────────────────────────────

// StreamListener accepts TCP or Unix stream connections.
type StreamListener struct {
	ln   net.Listener
	kind Kind
	opts Options
}

// ListenTCP binds a TCP listener on addr.
func ListenTCP(addr string, opts Options) (*StreamListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	return &StreamListener{ln: ln, kind: TCP, opts: opts}, nil
}

// ListenUnix binds a Unix-domain socket at path.  A stale socket file
// left by a previous process is removed first; the file is unlinked
// again when the listener closes.
func ListenUnix(path string, opts Options) (*StreamListener, error) {
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", path, err)
	}
	ln.(*net.UnixListener).SetUnlinkOnClose(true)
	return &StreamListener{ln: ln, kind: Unix, opts: opts}, nil
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat unix socket %s: %w", path, err)
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("unix socket path %s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	return nil
}

func (l *StreamListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true) //nolint:errcheck
	}
	return NewStreamConn(c, l.kind, l.opts), nil
}

func (l *StreamListener) Addr() net.Addr { return l.ln.Addr() }
func (l *StreamListener) Kind() Kind     { return l.kind }
func (l *StreamListener) Close() error   { return l.ln.Close() }

// ── WebSocket listener ───────────────────────────────────────────────

// WebSocketListener runs an HTTP server that upgrades every request on
// "/" and hands the resulting connections to Accept.
type WebSocketListener struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	opts     Options

	conns     chan *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
	serveErr  error
}

// ListenWebSocket binds addr and starts serving upgrades.
func ListenWebSocket(addr string, opts Options) (*WebSocketListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen websocket %s: %w", addr, err)
	}

	l := &WebSocketListener{
		ln:    ln,
		opts:  opts,
		conns: make(chan *websocket.Conn),
		done:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.ReadBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true // browser clients are served from arbitrary origins
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleUpgrade)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.serveErr = err
			l.Close() //nolint:errcheck
		}
	}()
	return l, nil
}

func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		return
	}
	select {
	case l.conns <- ws:
	case <-l.done:
		ws.Close() //nolint:errcheck
	case <-r.Context().Done():
		ws.Close() //nolint:errcheck
	}
}

func (l *WebSocketListener) Accept() (Conn, error) {
	select {
	case ws := <-l.conns:
		return NewWebSocketConn(ws, l.opts), nil
	case <-l.done:
		if l.serveErr != nil {
			return nil, l.serveErr
		}
		return nil, net.ErrClosed
	}
}

func (l *WebSocketListener) Addr() net.Addr { return l.ln.Addr() }
func (l *WebSocketListener) Kind() Kind     { return WebSocket }

// Close stops the HTTP server.  Already-upgraded connections are owned
// by their sessions and stay open.
func (l *WebSocketListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err = l.srv.Shutdown(ctx)
	})
	return err
}
