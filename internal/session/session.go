// Package session runs the command loop of one client connection and
// keeps the registry of live sessions.
//
// A Session reads chunks from its transport, reassembles command
// records, dispatches each to the device layer and writes the reply.
// Devices see the session only through the device.Call view.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tvanderbruggen/kserver/internal/command"
	"github.com/tvanderbruggen/kserver/internal/device"
	kerrors "github.com/tvanderbruggen/kserver/internal/errors"
	"github.com/tvanderbruggen/kserver/internal/metrics"
	"github.com/tvanderbruggen/kserver/internal/perf"
	"github.com/tvanderbruggen/kserver/internal/transport"
	"github.com/tvanderbruggen/kserver/util"
)

// ErrorReplyPrefix starts every error reply line.
const ErrorReplyPrefix = "ERR:"

// Dispatcher resolves commands against the running devices.
// Implemented by *device.Manager.
type Dispatcher interface {
	Prepare(cmd command.Command) (device.Invocation, error)
}

// Options tunes the command loop.
type Options struct {
	// Perf times every successful execution per "<DEV>.<OP>" label.
	Perf bool
	// MaxLineLength bounds one command record.
	MaxLineLength int
}

// Session is one client connection and its statistics.
type Session struct {
	id      uint32
	trace   uuid.UUID
	conn    transport.Conn
	perms   device.Permissions
	started time.Time
	opts    Options

	disp    Dispatcher
	metrics *metrics.Collector
	log     *util.Logger
	parser  *command.Parser

	requests atomic.Uint64
	errors   atomic.Uint64
	killed   atomic.Bool

	perfMu sync.Mutex
	perf   *perf.Recorder
}

func newSession(id uint32, conn transport.Conn, perms device.Permissions, disp Dispatcher,
	mc *metrics.Collector, logger *util.Logger, opts Options) *Session {
	s := &Session{
		id:      id,
		trace:   uuid.New(),
		conn:    conn,
		perms:   perms,
		started: time.Now(),
		opts:    opts,
		disp:    disp,
		metrics: mc,
		log:     logger.WithPrefix(fmt.Sprintf("sess#%d", id)),
		parser:  command.NewParser(opts.MaxLineLength),
	}
	if opts.Perf {
		s.perf = perf.NewRecorder()
	}
	return s
}

// ── device.Call ──────────────────────────────────────────────────────

func (s *Session) SessionID() uint32               { return s.id }
func (s *Session) Permissions() device.Permissions { return s.perms }
func (s *Session) Logger() *util.Logger            { return s.log }

func (s *Session) ReceiveHandshake(count, elemSize uint32) ([]byte, error) {
	return s.conn.ReceiveHandshake(count, elemSize)
}

// ── Accessors ────────────────────────────────────────────────────────

func (s *Session) ID() uint32            { return s.id }
func (s *Session) TraceID() uuid.UUID    { return s.trace }
func (s *Session) Conn() transport.Conn  { return s.conn }
func (s *Session) StartTime() time.Time  { return s.started }
func (s *Session) Requests() uint64      { return s.requests.Load() }
func (s *Session) Errors() uint64        { return s.errors.Load() }
func (s *Session) Uptime() time.Duration { return time.Since(s.started) }
func (s *Session) Remainder() []byte     { return s.parser.Remainder() }
func (s *Session) PerfEnabled() bool     { return s.perf != nil }

// Perfs copies the session's timing points, ordered by label.
func (s *Session) Perfs() []perf.TimingPoint {
	if s.perf == nil {
		return nil
	}
	s.perfMu.Lock()
	defer s.perfMu.Unlock()
	return s.perf.Snapshot()
}

// Kill closes the connection.  Run returns once its pending read fails.
func (s *Session) Kill() error {
	s.killed.Store(true)
	return s.conn.Close()
}

// ── Command loop ─────────────────────────────────────────────────────

// Run serves the connection until the peer disconnects, the session is
// killed, a transport error occurs, or ctx is cancelled.  Cancellation
// is observed between reads; a blocked read ends when the connection is
// closed.  A graceful end returns nil.
func (s *Session) Run(ctx context.Context) error {
	s.log.Verbose("open %s %s (trace %s, perms %s)",
		s.conn.Kind(), s.conn.RemoteAddr(), s.trace, s.perms)
	defer func() {
		s.log.Verbose("closed after %d requests, %d errors", s.Requests(), s.Errors())
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		chunk := s.conn.ReadChunk()
		switch chunk.Status {
		case transport.Closed:
			return nil
		case transport.Error:
			if s.killed.Load() || ctx.Err() != nil {
				return nil
			}
			return chunk.Err
		}

		for _, rec := range s.parser.FeedRecords(chunk.Data) {
			var err error
			if rec.Err != nil {
				err = s.fail(rec.Err)
			} else {
				err = s.dispatch(ctx, rec.Command)
			}
			if err != nil {
				if s.killed.Load() {
					return nil
				}
				return err
			}
		}
	}
}

// dispatch executes one command and writes its reply.  The returned
// error is a transport failure; command failures are answered.
func (s *Session) dispatch(ctx context.Context, cmd command.Command) error {
	inv, err := s.disp.Prepare(cmd)
	if err != nil {
		return s.fail(err)
	}

	begin := time.Now()
	reply, err := inv.Execute(ctx, s)
	elapsed := time.Since(begin)
	if err != nil {
		if kerrors.IsTransport(err) {
			s.errors.Add(1)
			s.metrics.CommandFailed(kerrors.Code(err), err.Error())
			return err
		}
		return s.fail(err)
	}

	s.requests.Add(1)
	s.metrics.CommandExecuted(inv.Device().Name(), elapsed)
	if s.perf != nil {
		s.perfMu.Lock()
		s.perf.Observe(inv.Label(), elapsed)
		s.perfMu.Unlock()
	}
	s.log.Debug("%s %s in %s", inv.Label(), cmd, elapsed)
	return reply.Send(s.conn)
}

// fail counts err and answers it with an error line.
func (s *Session) fail(err error) error {
	s.errors.Add(1)
	code := kerrors.Code(err)
	s.metrics.CommandFailed(code, err.Error())
	s.log.Verbose("%s: %v", code, err)
	return s.conn.SendString(ErrorLine(err))
}

// ErrorLine formats err as "ERR:<code>:<detail>\n".
func ErrorLine(err error) string {
	detail := strings.NewReplacer("\n", " ", "\r", " ").Replace(err.Error())
	return ErrorReplyPrefix + kerrors.Code(err) + ":" + detail + "\n"
}
