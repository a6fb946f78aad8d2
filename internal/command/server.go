package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"callisto_daemon/internal/clock"
	"callisto_daemon/internal/logger"
	"callisto_daemon/internal/models"
	"callisto_daemon/internal/service"
)

const (
	maxLineBytes       = 1 << 10
	defaultIdleTimeout = 30 * time.Minute
	defaultCallTimeout = 30 * time.Second
	writeTimeout       = 10 * time.Second

	// lines queued per connection; notifications beyond it are dropped
	sessionQueue = 32
)

type Options struct {
	Instrument string
	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration
	// CallTimeout bounds how long one command waits for the state machine.
	CallTimeout time.Duration
	Clock       clock.Clock
}

// Server accepts line-oriented operator commands over TCP. Every mutation is
// forwarded to the mode service, which serializes them. Connections that sent
// "watch" also receive a STATE line for every accepted transition.
type Server struct {
	modes  service.Modes
	status service.Monitoring
	opts   Options
	log    *logger.Logger

	listener net.Listener

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	sessions map[*session]struct{}
	closed   bool

	handled  atomic.Int64
	notified atomic.Int64
	wg       sync.WaitGroup
}

// session is one connection's outbound line queue. Replies and
// notifications share it so lines never interleave.
type session struct {
	out   chan string
	watch atomic.Bool
}

// Listen binds addr and returns a server ready to Serve.
func Listen(addr string, modes service.Modes, status service.Monitoring, opts Options, log *logger.Logger) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return NewServer(l, modes, status, opts, log), nil
}

// NewServer wraps an existing listener.
func NewServer(l net.Listener, modes service.Modes, status service.Monitoring, opts Options, log *logger.Logger) *Server {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Server{
		modes:    modes,
		status:   status,
		opts:     opts,
		log:      logger.OrNop(log).Named("command"),
		listener: l,
		conns:    make(map[net.Conn]struct{}),
		sessions: make(map[*session]struct{}),
	}
}

// Addr is the bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Handled counts commands executed since start.
func (s *Server) Handled() int64 { return s.handled.Load() }

// Notified counts STATE lines queued to watching connections.
func (s *Server) Notified() int64 { return s.notified.Load() }

// Notify queues a STATE line for every watching connection. It never blocks;
// a connection whose queue is full misses the line.
func (s *Server) Notify(ch models.StateChange) {
	line := fmt.Sprintf("STATE mode %d %s focus %d source %s", ch.To.Code(), ch.To, ch.ToFocus, ch.Source)
	s.mu.Lock()
	defer s.mu.Unlock()
	for ss := range s.sessions {
		if !ss.watch.Load() {
			continue
		}
		select {
		case ss.out <- line:
			s.notified.Add(1)
		default:
			s.log.Warnw("command_notify_dropped", "line", line)
		}
	}
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) {
	s.log.Infow("command_server_listening", "addr", s.Addr().String())
	stop := context.AfterFunc(ctx, s.Close)
	defer stop()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warnw("command_accept_failed", "err", err)
			continue
		}
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.ServeConn(ctx, conn)
		}()
	}
}

// Close stops admitting connections, closes open ones and waits for their
// handlers. A command already handed to the state machine still completes.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	_ = s.listener.Close()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Infow("command_server_closed", "handled", s.handled.Load())
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

func (s *Server) attach() *session {
	ss := &session{out: make(chan string, sessionQueue)}
	s.mu.Lock()
	s.sessions[ss] = struct{}{}
	s.mu.Unlock()
	return ss
}

// detach stops notifications to ss and closes its queue.
func (s *Server) detach(ss *session) {
	s.mu.Lock()
	delete(s.sessions, ss)
	s.mu.Unlock()
	close(ss.out)
}

// writeLoop sends queued lines until the queue is closed. After a write
// error it closes conn and discards the rest.
func writeLoop(conn net.Conn, out <-chan string) {
	w := bufio.NewWriter(conn)
	failed := false
	for line := range out {
		if failed {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_, err := w.WriteString(line + "\r\n")
		if err == nil {
			err = w.Flush()
		}
		if err != nil {
			failed = true
			_ = conn.Close()
		}
	}
}

// ServeConn runs the read-execute-reply loop on one connection.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	s.log.Infow("command_client_connected", "remote", remote)
	defer s.log.Infow("command_client_disconnected", "remote", remote)

	ss := s.attach()
	written := make(chan struct{})
	go func() {
		defer close(written)
		writeLoop(conn, ss.out)
	}()
	defer func() {
		s.detach(ss)
		<-written
	}()

	ss.out <- s.banner()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 128), maxLineBytes)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		if !sc.Scan() {
			if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Infow("command_read_failed", "remote", remote, "err", err)
				if errors.Is(err, bufio.ErrTooLong) {
					ss.out <- "ERROR line too long"
				}
			}
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		reply, quit := s.execute(ctx, ss, line)
		s.log.Infow("command_executed", "remote", remote, "line", line, "reply", reply)
		ss.out <- reply
		if quit {
			return
		}
	}
}

func (s *Server) banner() string {
	name := s.opts.Instrument
	if name == "" {
		name = "callisto"
	}
	return fmt.Sprintf("OK %s command server ready; mode <0-9> [focus], focus <0-63>, format <fmt>, status, reload, watch [on|off], quit", name)
}

// Execute parses and runs one command line, returning the reply and whether
// the client asked to disconnect. Watch needs a connection and is refused.
func (s *Server) Execute(ctx context.Context, line string) (string, bool) {
	return s.execute(ctx, nil, line)
}

func (s *Server) execute(ctx context.Context, ss *session, line string) (string, bool) {
	s.handled.Add(1)
	req, err := Parse(line)
	if err != nil {
		return errorReply(err), false
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	switch req.Kind {
	case KindQuit:
		return "OK bye", true
	case KindWatch:
		if ss == nil {
			return "ERROR watch needs a connection", false
		}
		ss.watch.Store(req.Watch)
		if req.Watch {
			return "OK watch on", false
		}
		return "OK watch off", false
	case KindStatus:
		st, err := s.status.GetStatus(ctx)
		if err != nil {
			return errorReply(err), false
		}
		return "OK " + FormatStatus(st, s.opts.Clock.Now()), false
	case KindMode:
		focus := req.Focus
		if !req.FocusSet {
			focus = s.modes.Current().FocusCode
		}
		ch, err := s.modes.RequestTransition(ctx, service.TransitionRequest{
			Mode: req.Mode, FocusCode: focus, Source: models.SourceCommand,
		})
		if err != nil {
			return errorReply(err), false
		}
		return fmt.Sprintf("OK mode %d %s focus %d", ch.To.Code(), ch.To, ch.ToFocus), false
	case KindFocus:
		ch, err := s.modes.SetFocus(ctx, req.Focus, models.SourceCommand)
		if err != nil {
			return errorReply(err), false
		}
		return fmt.Sprintf("OK focus %d mode %d %s", ch.ToFocus, ch.To.Code(), ch.To), false
	case KindFormat:
		if err := s.modes.SetOutputFormat(ctx, req.Format, models.SourceCommand); err != nil {
			return errorReply(err), false
		}
		return "OK format " + s.modes.Current().OutputFormat, false
	case KindReload:
		n, err := s.modes.ReloadSchedule(ctx)
		if err != nil {
			return errorReply(err), false
		}
		return fmt.Sprintf("OK schedule reloaded, %d entries", n), false
	}
	return errorReply(ErrUnknownVerb), false
}

func errorReply(err error) string {
	return "ERROR " + strings.ReplaceAll(err.Error(), "\n", "; ")
}
