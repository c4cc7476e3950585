package session

import (
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvanderbruggen/kserver/internal/device"
	kerrors "github.com/tvanderbruggen/kserver/internal/errors"
	"github.com/tvanderbruggen/kserver/internal/metrics"
	"github.com/tvanderbruggen/kserver/internal/status"
	"github.com/tvanderbruggen/kserver/internal/transport"
)

// fakeConn replays chunks and records what the session writes.  An
// exhausted script reads as a peer close.
type fakeConn struct {
	kind    transport.Kind
	ip      string
	port    int
	chunks  []string
	onRead  func()
	reads   int
	sendErr error

	mu     sync.Mutex
	sent   strings.Builder
	closed bool
}

func (c *fakeConn) Kind() transport.Kind { return c.kind }
func (c *fakeConn) RemoteAddr() net.Addr { return nil }
func (c *fakeConn) RemoteIP() string     { return c.ip }
func (c *fakeConn) RemotePort() int      { return c.port }

func (c *fakeConn) ReadChunk() transport.Chunk {
	c.reads++
	if c.onRead != nil {
		c.onRead()
	}
	if len(c.chunks) == 0 {
		return transport.Chunk{Status: transport.Closed}
	}
	d := c.chunks[0]
	c.chunks = c.chunks[1:]
	return transport.Chunk{Status: transport.Data, Data: []byte(d)}
}

func (c *fakeConn) write(s string) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent.WriteString(s)
	return nil
}

func (c *fakeConn) SendBytes(b []byte) error   { return c.write(string(b)) }
func (c *fakeConn) SendString(s string) error  { return c.write(s) }
func (c *fakeConn) SendCString(s string) error { return c.write(s + "\x00") }

func (c *fakeConn) ReceiveHandshake(uint32, uint32) ([]byte, error) {
	return nil, kerrors.ErrPeerClosed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent.String()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestManager(opts ManagerOptions) *Manager {
	opts.Logger = quietLogger()
	return NewManager(nil, opts)
}

func TestManager_CreateAssignsMonotonicIDs(t *testing.T) {
	m := newTestManager(ManagerOptions{})

	var ids []uint32
	for i := 0; i < 3; i++ {
		s, err := m.Create(&fakeConn{})
		require.NoError(t, err)
		ids = append(ids, s.ID())
	}
	assert.Equal(t, []uint32{0, 1, 2}, ids)

	require.True(t, m.Destroy(1))
	s, err := m.Create(&fakeConn{})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), s.ID(), "freed ids are not reused immediately")
	assert.Equal(t, 3, m.Count())
}

func TestManager_CreateSkipsLiveIDs(t *testing.T) {
	m := newTestManager(ManagerOptions{})
	for i := 0; i < 3; i++ {
		_, err := m.Create(&fakeConn{})
		require.NoError(t, err)
	}
	m.Destroy(0)
	m.nextID = 1 // as if the counter had wrapped

	s, err := m.Create(&fakeConn{})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), s.ID())
}

func TestManager_MaxSessions(t *testing.T) {
	m := newTestManager(ManagerOptions{MaxSessions: 2})
	for i := 0; i < 2; i++ {
		_, err := m.Create(&fakeConn{})
		require.NoError(t, err)
	}
	_, err := m.Create(&fakeConn{})
	assert.ErrorIs(t, err, kerrors.ErrSessionLimit)

	m.Destroy(0)
	_, err = m.Create(&fakeConn{})
	assert.NoError(t, err)
}

func TestManager_DefaultPermissionsPerTransport(t *testing.T) {
	m := newTestManager(ManagerOptions{
		Permissions: map[transport.Kind]device.Permissions{
			transport.WebSocket: {Read: true},
			transport.Unix:      {},
		},
	})
	tcp, _ := m.Create(&fakeConn{kind: transport.TCP})
	ws, _ := m.Create(&fakeConn{kind: transport.WebSocket})
	unix, _ := m.Create(&fakeConn{kind: transport.Unix})

	assert.Equal(t, "rw", tcp.Permissions().String())
	assert.Equal(t, "r", ws.Permissions().String())
	assert.Equal(t, "none", unix.Permissions().String())
}

func TestManager_DestroyAndKill(t *testing.T) {
	m := newTestManager(ManagerOptions{})
	conn := &fakeConn{}
	s, _ := m.Create(conn)

	assert.True(t, m.Kill(s.ID()))
	assert.True(t, conn.isClosed())
	_, live := m.Get(s.ID())
	assert.True(t, live, "kill leaves deregistration to the session loop")

	assert.True(t, m.Destroy(s.ID()))
	assert.False(t, m.Destroy(s.ID()))
	assert.False(t, m.Kill(s.ID()))
	_, live = m.Get(s.ID())
	assert.False(t, live)
}

func TestManager_CloseAll(t *testing.T) {
	m := newTestManager(ManagerOptions{})
	conns := []*fakeConn{{}, {}, {}}
	for _, c := range conns {
		_, err := m.Create(c)
		require.NoError(t, err)
	}
	m.CloseAll()
	for i, c := range conns {
		assert.True(t, c.isClosed(), "conn %d", i)
	}
}

func TestManager_RunningSessions(t *testing.T) {
	m := newTestManager(ManagerOptions{
		Permissions: map[transport.Kind]device.Permissions{transport.Unix: {Read: true}},
	})
	_, err := m.Create(&fakeConn{kind: transport.TCP, ip: "127.0.0.1", port: 51000})
	require.NoError(t, err)
	s, err := m.Create(&fakeConn{kind: transport.Unix, ip: "local"})
	require.NoError(t, err)
	s.requests.Add(10)
	s.errors.Add(2)

	got := m.RunningSessions()
	require.Len(t, got, 2)
	assert.Equal(t, status.Session{ID: 0, ConnType: transport.TCP, IP: "127.0.0.1", Port: 51000, Permissions: "rw"}, got[0])
	assert.Equal(t, status.Session{ID: 1, ConnType: transport.Unix, IP: "local", Requests: 10, Errors: 2, Permissions: "r"}, got[1])

	// The snapshot survives the trip through the wire format.
	parsed, err := status.ParseSessions(strings.NewReader(status.FormatSessions(got)))
	require.NoError(t, err)
	assert.Equal(t, got, parsed)
}

func TestManager_SessionPerfs(t *testing.T) {
	m := newTestManager(ManagerOptions{Session: Options{Perf: true}})
	s, _ := m.Create(&fakeConn{})
	s.perf.Observe("ECHO.ADD", 1400) // 1.4µs
	s.perf.Observe("ECHO.ADD", 2600) // 2.6µs
	s.perf.Observe("MEMORY.READ", 500)

	got, ok := m.SessionPerfs(s.ID())
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "ECHO.ADD", got[0].Name)
	assert.InDelta(t, 2.0, got[0].Mean, 1e-9)
	assert.Equal(t, uint64(1), got[0].Min)
	assert.Equal(t, uint64(3), got[0].Max)
	assert.Equal(t, "MEMORY.READ", got[1].Name)

	_, ok = m.SessionPerfs(99)
	assert.False(t, ok)
}

func TestManager_Metrics(t *testing.T) {
	mc := metrics.New()
	m := newTestManager(ManagerOptions{Metrics: mc})
	a, _ := m.Create(&fakeConn{kind: transport.TCP})
	m.Create(&fakeConn{kind: transport.WebSocket}) //nolint:errcheck
	assert.Equal(t, int64(2), mc.ActiveSessions())

	m.Destroy(a.ID())
	assert.Equal(t, int64(1), mc.ActiveSessions())
	assert.Equal(t, int64(2), mc.TotalSessions())
}
