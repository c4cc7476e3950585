package session

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/tvanderbruggen/kserver/internal/device"
	kerrors "github.com/tvanderbruggen/kserver/internal/errors"
	"github.com/tvanderbruggen/kserver/internal/metrics"
	"github.com/tvanderbruggen/kserver/internal/status"
	"github.com/tvanderbruggen/kserver/internal/transport"
	"github.com/tvanderbruggen/kserver/util"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Permissions granted to new sessions per transport.  Transports
	// absent from the map get device.ReadWrite.
	Permissions map[transport.Kind]device.Permissions
	// MaxSessions caps live sessions; 0 is unlimited.
	MaxSessions int
	Session     Options
	Metrics     *metrics.Collector
	Logger      *util.Logger
}

// Manager owns the set of live sessions.
type Manager struct {
	disp Dispatcher
	opts ManagerOptions
	log  *util.Logger

	mu       sync.Mutex
	sessions map[uint32]*Session
	nextID   uint32
}

// NewManager returns an empty Manager dispatching to disp.
func NewManager(disp Dispatcher, opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}
	return &Manager{
		disp:     disp,
		opts:     opts,
		log:      opts.Logger,
		sessions: make(map[uint32]*Session),
	}
}

func (m *Manager) permissions(kind transport.Kind) device.Permissions {
	if p, ok := m.opts.Permissions[kind]; ok {
		return p
	}
	return device.ReadWrite
}

// Create registers a session for conn under the next free id.  Ids
// increase monotonically and skip any still in use.
func (m *Manager) Create(conn transport.Conn) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.MaxSessions > 0 && len(m.sessions) >= m.opts.MaxSessions {
		return nil, fmt.Errorf("%w (%d)", kerrors.ErrSessionLimit, m.opts.MaxSessions)
	}

	id := m.nextID
	for {
		if _, live := m.sessions[id]; !live {
			break
		}
		id++
	}
	m.nextID = id + 1

	s := newSession(id, conn, m.permissions(conn.Kind()), m.disp, m.opts.Metrics, m.log, m.opts.Session)
	m.sessions[id] = s
	m.opts.Metrics.SessionOpened(conn.Kind().String())
	return s, nil
}

// Get returns the live session with the given id.
func (m *Manager) Get(id uint32) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Destroy deregisters id and closes its connection.  It reports
// whether the session was live.
func (m *Manager) Destroy(id uint32) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return false
	}
	s.conn.Close() //nolint:errcheck
	m.opts.Metrics.SessionClosed(s.conn.Kind().String())
	return true
}

// Kill closes the connection of session id.  The session deregisters
// when its loop returns.
func (m *Manager) Kill(id uint32) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	s.Kill() //nolint:errcheck
	return true
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll closes every live connection.
func (m *Manager) CloseAll() {
	for _, s := range m.snapshot() {
		s.Kill() //nolint:errcheck
	}
}

// snapshot copies the live sessions ordered by id.
func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// ── Status views ─────────────────────────────────────────────────────

// RunningSessions describes every live session, ordered by id.
func (m *Manager) RunningSessions() []status.Session {
	live := m.snapshot()
	out := make([]status.Session, 0, len(live))
	for _, s := range live {
		out = append(out, status.Session{
			ID:          s.id,
			ConnType:    s.conn.Kind(),
			IP:          s.conn.RemoteIP(),
			Port:        s.conn.RemotePort(),
			Requests:    s.Requests(),
			Errors:      s.Errors(),
			Uptime:      int64(s.Uptime().Seconds()),
			Permissions: s.perms.String(),
		})
	}
	return out
}

// SessionPerfs returns the timing points of session id.  ok is false
// when no such session is live.
func (m *Manager) SessionPerfs(id uint32) ([]status.TimingPoint, bool) {
	s, ok := m.Get(id)
	if !ok {
		return nil, false
	}
	points := s.Perfs()
	out := make([]status.TimingPoint, 0, len(points))
	for _, p := range points {
		out = append(out, status.TimingPoint{
			Name: p.Name,
			Mean: p.Mean,
			Min:  uint64(math.Round(p.Min)),
			Max:  uint64(math.Round(p.Max)),
		})
	}
	return out, true
}
