// Package server accepts AGI connections from the PBX and runs each one
// through the dispatcher on its own goroutine.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"

	"github.com/flowpbx/agigate/internal/agi"
	"github.com/flowpbx/agigate/internal/dispatch"
	"github.com/flowpbx/agigate/internal/notify"
)

// notifyTimeout bounds the call-ended webhook after each session.
const notifyTimeout = 10 * time.Second

// Notifier is told about every finished session.
type Notifier interface {
	CallEnded(ctx context.Context, ev notify.CallEvent) error
}

// Config holds the acceptor settings.
type Config struct {
	// Addr is the TCP listen address, e.g. ":4573".
	Addr string

	// DefaultHandler runs when the PBX sends no script path.
	DefaultHandler string

	// Conn configures each agi.Conn. Its Logger is replaced per connection.
	Conn agi.ConnConfig
}

// Stats is a snapshot of the acceptor counters.
type Stats struct {
	Active   int64  `json:"active"`
	Accepted uint64 `json:"accepted"`
	Failed   uint64 `json:"failed"`
}

// Server is the AGI connection acceptor.
type Server struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	notifier   Notifier
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	shutdown core.Fuse
	done     core.Fuse

	active   atomic.Int64
	accepted atomic.Uint64
	failed   atomic.Uint64
}

// New creates an acceptor. notifier may be nil.
func New(cfg Config, dispatcher *dispatch.Dispatcher, notifier Notifier, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger.With("component", "agi"),
	}
}

// Start binds the listener and begins accepting connections in the
// background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown.IsBroken() {
		return errors.New("server: already shut down")
	}
	if s.listener != nil {
		return errors.New("server: already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info("agi listener started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections. Sessions already running finish on
// their own; Join waits for them. Calling Shutdown again is a no-op.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown.IsBroken() {
		return
	}
	s.shutdown.Break()
	s.logger.Info("stopping agi listener", "active", s.active.Load())

	if s.listener == nil {
		s.done.Break()
		return
	}
	if err := s.listener.Close(); err != nil {
		s.logger.Warn("closing agi listener", "error", err)
	}

	go func() {
		s.wg.Wait()
		s.done.Break()
		s.logger.Info("agi server stopped")
	}()
}

// Join blocks until Shutdown has been requested and every session has
// finished. It returns at once if that already happened.
func (s *Server) Join() {
	<-s.done.Watch()
}

// Done is closed when the server has fully stopped.
func (s *Server) Done() <-chan struct{} {
	return s.done.Watch()
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	return Stats{
		Active:   s.active.Load(),
		Accepted: s.accepted.Load(),
		Failed:   s.failed.Load(),
	}
}

// ActiveSessions returns the number of sessions in progress.
func (s *Server) ActiveSessions() int { return int(s.active.Load()) }

// AcceptedTotal returns the number of connections accepted since start.
func (s *Server) AcceptedTotal() uint64 { return s.accepted.Load() }

// FailedTotal returns the number of sessions that ended with an error.
func (s *Server) FailedTotal() uint64 { return s.failed.Load() }

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.shutdown.IsBroken() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accepting agi connection", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.accepted.Add(1)
		s.wg.Add(1)
		go s.handle(nc)
	}
}

// handle owns one connection from handshake to close.
func (s *Server) handle(nc net.Conn) {
	defer s.wg.Done()
	s.active.Add(1)
	defer s.active.Add(-1)

	started := time.Now()
	ev := notify.CallEvent{ConnID: uuid.NewString(), StartedAt: started}
	logger := s.logger.With("conn_id", ev.ConnID, "remote_addr", nc.RemoteAddr().String())

	cfg := s.cfg.Conn
	cfg.Logger = logger
	conn, err := agi.NewConn(nc, cfg)
	if err != nil {
		s.failed.Add(1)
		logger.Warn("agi handshake failed", "error", err)
		nc.Close()
		return
	}

	ev.UniqueID = conn.Param(agi.ParamUniqueID)
	ev.Channel = conn.Param(agi.ParamChannel)
	ev.CallerID = conn.Param(agi.ParamCallerID)
	logger = logger.With("agi_uniqueid", ev.UniqueID)

	err = s.serve(conn, &ev, logger)
	conn.Close()

	ev.EndedAt = time.Now()
	ev.DurationMS = ev.EndedAt.Sub(started).Milliseconds()
	ev.Outcome = notify.OutcomeCompleted
	if err != nil {
		s.failed.Add(1)
		ev.Outcome = notify.OutcomeFailed
		ev.Error = err.Error()
		logger.Error("agi session failed", "route", ev.Route, "error", err)
	} else {
		logger.Info("agi session finished", "route", ev.Route, "duration_ms", ev.DurationMS)
	}

	s.notify(ev, logger)
}

// serve resolves the initial route and dispatches it. Panics in handler
// code end the session only.
func (s *Server) serve(conn *agi.Conn, ev *notify.CallEvent, logger *slog.Logger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic in agi handler", "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic in handler: %v", rec)
		}
	}()

	route, err := s.initialRoute(conn)
	if err != nil {
		return err
	}
	ev.Route = route.String()
	logger.Info("agi session started", "route", ev.Route, "caller_id", ev.CallerID)

	return s.dispatcher.Dispatch(context.Background(), conn, route)
}

// initialRoute prefers the script path sent in the handshake and falls
// back to the default handler.
func (s *Server) initialRoute(conn *agi.Conn) (dispatch.Route, error) {
	if script := conn.Script(); script != "" {
		return dispatch.ParseRoute(script)
	}
	return dispatch.Route{Handler: s.cfg.DefaultHandler, Action: dispatch.DefaultAction}, nil
}

func (s *Server) notify(ev notify.CallEvent, logger *slog.Logger) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := s.notifier.CallEnded(ctx, ev); err != nil {
		logger.Warn("call notification failed", "error", err)
	}
}
