package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tvanderbruggen/kserver/config"
	"github.com/tvanderbruggen/kserver/internal/device"
	kerrors "github.com/tvanderbruggen/kserver/internal/errors"
	"github.com/tvanderbruggen/kserver/internal/metrics"
	"github.com/tvanderbruggen/kserver/internal/retry"
	"github.com/tvanderbruggen/kserver/internal/session"
	"github.com/tvanderbruggen/kserver/internal/transport"
	"github.com/tvanderbruggen/kserver/util"
)

const (
	// acceptFailureThreshold consecutive accept errors pause a listener
	// for acceptCooldown.
	acceptFailureThreshold = 5
	acceptCooldown         = time.Second

	metricsShutdownTimeout = time.Second
)

// Server accepts clients on every enabled transport and runs one
// session per connection.
type Server struct {
	cfg      *config.Config
	log      *util.Logger
	devices  *device.Manager
	sessions *session.Manager
	metrics  *metrics.Collector
	connOpts transport.Options

	mu         sync.Mutex
	listeners  []transport.Listener
	metricsLn  net.Listener
	metricsSrv *http.Server
	ready      chan struct{}

	active sync.WaitGroup
}

// Devices returns the device manager.
func (s *Server) Devices() *device.Manager { return s.devices }

// Sessions returns the session manager.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// Metrics returns the collector.
func (s *Server) Metrics() *metrics.Collector { return s.metrics }

// Ready is closed once every listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address of the listener of the given kind, or
// nil.  Valid after Ready.
func (s *Server) Addr(kind transport.Kind) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		if ln.Kind() == kind {
			return ln.Addr()
		}
	}
	return nil
}

// MetricsAddr returns the bound metrics address, or nil.
func (s *Server) MetricsAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metricsLn == nil {
		return nil
	}
	return s.metricsLn.Addr()
}

// Run starts the devices, binds the listeners and serves until ctx is
// cancelled.  A listener that cannot be bound is a FatalError.  On
// return every session has ended and every device is stopped.
func (s *Server) Run(ctx context.Context) error {
	if err := s.devices.StartAll(ctx); err != nil {
		// Failed devices are marked FAIL; the rest of the server runs.
		s.log.Warn("device startup: %v", err)
	}
	defer func() {
		if err := s.devices.StopAll(); err != nil {
			s.log.Warn("device shutdown: %v", err)
		}
	}()

	if err := s.bind(); err != nil {
		s.closeListeners()
		return &kerrors.FatalError{Op: "listen", Err: err}
	}
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range s.listeners {
		g.Go(func() error { return s.acceptLoop(gctx, ln) })
	}
	if s.metricsSrv != nil {
		g.Go(func() error {
			if err := s.metricsSrv.Serve(s.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	// Shut the listeners down when the context expires.
	g.Go(func() error {
		<-gctx.Done()
		s.closeListeners()
		return nil
	})

	err := g.Wait()
	s.drain()
	return err
}

// bind opens every enabled listener and the metrics endpoint.
func (s *Server) bind() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ep := range endpoints(s.cfg) {
		ln, err := transport.Listen(ep.kind, ep.addr, s.connOpts)
		if err != nil {
			return err
		}
		s.listeners = append(s.listeners, ln)
		s.log.Info("listening on %s (%s)", ln.Addr(), ln.Kind())
	}

	if s.cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("listen metrics %s: %w", s.cfg.MetricsAddr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.metricsLn = ln
		s.metricsSrv = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.log.Info("metrics on http://%s/metrics", ln.Addr())
	}
	return nil
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		ln.Close() //nolint:errcheck
	}
	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		s.metricsSrv.Shutdown(ctx) //nolint:errcheck
	} else if s.metricsLn != nil {
		s.metricsLn.Close() //nolint:errcheck
	}
}

// ── Accept loop ──────────────────────────────────────────────────────

// acceptLoop runs until ln is closed.  Repeated accept failures open a
// breaker that pauses the loop instead of spinning.
func (s *Server) acceptLoop(ctx context.Context, ln transport.Listener) error {
	log := s.log.WithPrefix(ln.Kind().String())
	breaker := retry.NewBreaker(acceptFailureThreshold, acceptCooldown)
	breaker.OnStateChange = func(from, to retry.State) {
		log.Verbose("accept breaker %s → %s", from, to)
	}

	for {
		if wait := breaker.Remaining(); wait > 0 {
			log.Warn("accept paused for %s after %d failures", wait.Round(time.Millisecond), breaker.Failures())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		}

		var conn transport.Conn
		err := breaker.Do(func() error {
			c, err := ln.Accept()
			conn = c
			return err
		})
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if !errors.Is(err, retry.ErrOpen) {
				log.Warn("accept: %v", err)
			}
			continue
		}

		log.Verbose("connection from %s", conn.RemoteAddr())
		s.serveConn(ctx, conn)
	}
}

// serveConn registers conn and runs its session in a new goroutine.
func (s *Server) serveConn(ctx context.Context, conn transport.Conn) {
	sess, err := s.sessions.Create(conn)
	if err != nil {
		s.log.Warn("rejecting %s: %v", conn.RemoteAddr(), err)
		conn.SendString(session.ErrorLine(err)) //nolint:errcheck
		conn.Close()                            //nolint:errcheck
		return
	}

	s.active.Add(1)
	go func() {
		defer s.active.Done()
		defer s.sessions.Destroy(sess.ID())
		if err := sess.Run(ctx); err != nil {
			sess.Logger().Warn("%v", err)
		}
	}()
}

// drain waits up to the shutdown grace for sessions to end on their
// own, then closes the remaining connections.
func (s *Server) drain() {
	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()

	if n := s.sessions.Count(); n > 0 {
		s.log.Info("waiting up to %s for %d sessions", s.cfg.ShutdownGrace, n)
	}
	timer := time.NewTimer(s.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}

	s.log.Verbose("closing %d sessions", s.sessions.Count())
	s.sessions.CloseAll()
	<-done
}
