package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"netcli-daemon/internal/cliconf"
	"netcli-daemon/internal/jsonrpc"
	"netcli-daemon/internal/terminal"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateStopped State = iota
	StateConnecting
	StateRunning
	StateClosing
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateShutdown:
		return "shutdown"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// watchdogGrace is how long a request may overrun its deadline before
// the session is torn down regardless of what the handler is doing.
const watchdogGrace = 5 * time.Second

// SessionConfig is everything a daemon needs to open and serve a shell.
type SessionConfig struct {
	Identity   Identity
	ControlDir string
	Dialer     terminal.Dialer
	Registry   *cliconf.Registry
	// NetworkOS selects the platform. Empty means probe the device.
	NetworkOS  string
	Become     bool
	BecomePass string

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	IdleTimeout    time.Duration
	// ProbeQuiet is how long the shell must stay silent before probe
	// output is considered complete.
	ProbeQuiet time.Duration
	Newline    string
	// WindowSize bounds the output prompt matching looks at. Zero uses
	// terminal.DefaultWindowSize.
	WindowSize int

	// Lock is released once the socket is listening or Connect fails.
	Lock *Lock
	Log  zerolog.Logger
}

func (c *SessionConfig) setDefaults() {
	if c.Registry == nil {
		c.Registry = cliconf.DefaultRegistry()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.ProbeQuiet <= 0 {
		c.ProbeQuiet = 500 * time.Millisecond
	}
	if c.Newline == "" {
		c.Newline = "\n"
	}
	if c.WindowSize <= 0 {
		c.WindowSize = terminal.DefaultWindowSize
	}
}

// Session owns one device shell for the lifetime of a daemon process.
// Requests are served one at a time, in arrival order.
type Session struct {
	cfg SessionConfig
	log zerolog.Logger

	sockPath string
	pidPath  string

	mu         sync.Mutex
	state      State
	serving    bool
	term       *terminal.Terminal
	driver     cliconf.Driver
	dispatcher *jsonrpc.Dispatcher
	listener   *net.UnixListener
	conn       net.Conn

	listenerClosed bool
	teardownOnce   sync.Once
	done           chan struct{}
}

func NewSession(cfg SessionConfig) *Session {
	cfg.setDefaults()
	return &Session{
		cfg:      cfg,
		log:      cfg.Log.With().Str("identity", cfg.Identity.String()).Logger(),
		sockPath: cfg.Identity.SocketPath(cfg.ControlDir),
		pidPath:  cfg.Identity.PidPath(cfg.ControlDir),
		done:     make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.log.Debug().Stringer("from", prev).Stringer("to", st).Msg("session state")
}

func (s *Session) SocketPath() string { return s.sockPath }

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Platform returns the driver's platform name once connected.
func (s *Session) Platform() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driver == nil {
		return ""
	}
	return s.driver.Name()
}

// Connect logs in to the device, prepares the shell and starts
// listening. On failure everything opened so far is closed and the
// session is back in StateStopped.
func (s *Session) Connect(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.state != StateStopped {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("connect in state %s", st)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	defer func() {
		if s.cfg.Lock != nil {
			s.cfg.Lock.Release()
			s.cfg.Lock = nil
		}
		if err != nil {
			s.log.Error().Err(err).Msg("connect failed")
			s.abandon()
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	s.log.Info().Msg("connecting")
	tr, err := s.cfg.Dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	term := terminal.New(tr,
		terminal.WithLogger(s.log.With().Str("component", "terminal").Logger()),
		terminal.WithNewline(s.cfg.Newline),
		terminal.WithWindowSize(s.cfg.WindowSize),
	)
	s.mu.Lock()
	s.term = term
	s.mu.Unlock()

	platform, err := s.selectPlatform(ctx, term)
	if err != nil {
		return err
	}
	s.log.Info().Str("platform", platform.Name).Str("prompt", term.Prompt()).Msg("shell ready")

	driver := platform.New(term)
	if err := driver.OnOpenShell(ctx); err != nil {
		return err
	}
	if s.cfg.Become {
		if err := driver.OnAuthorize(ctx, s.cfg.BecomePass); err != nil {
			return err
		}
	}

	dispatcher := jsonrpc.NewDispatcher(s, s.log.With().Str("component", "rpc").Logger())
	dispatcher.RegisterAll(cliconf.Methods(driver))
	dispatcher.RegisterAll(s.methods())

	if err := os.Remove(s.sockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing old socket: %w", err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.sockPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	// The socket file is removed by teardown, after the pid file.
	ln.SetUnlinkOnClose(false)
	// Make socket accessible only to owner.
	if err := os.Chmod(s.sockPath, 0600); err != nil {
		ln.Close()
		os.Remove(s.sockPath)
		return err
	}
	if err := os.WriteFile(s.pidPath, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		ln.Close()
		os.Remove(s.sockPath)
		return err
	}

	s.mu.Lock()
	s.driver = driver
	s.dispatcher = dispatcher
	s.listener = ln
	s.mu.Unlock()
	s.setState(StateRunning)
	s.log.Info().Str("socket", s.sockPath).Msg("listening")
	return nil
}

func (s *Session) selectPlatform(ctx context.Context, term *terminal.Terminal) (*cliconf.Platform, error) {
	if s.cfg.NetworkOS != "" {
		p, err := s.cfg.Registry.Lookup(s.cfg.NetworkOS)
		if err != nil {
			return nil, err
		}
		term.SetPatterns(p.Patterns)
		if _, err := term.Receive(ctx); err != nil {
			return nil, fmt.Errorf("waiting for initial prompt: %w", err)
		}
		return p, nil
	}

	p, err := s.cfg.Registry.Detect(ctx, term, s.cfg.ProbeQuiet)
	if err != nil {
		return nil, err
	}
	term.SetPatterns(p.Patterns)
	// The probe consumed the prompt; ask for a fresh one.
	if _, err := term.Send(ctx, terminal.Command{}); err != nil {
		return nil, fmt.Errorf("waiting for initial prompt: %w", err)
	}
	return p, nil
}

// abandon undoes a failed Connect.
func (s *Session) abandon() {
	s.mu.Lock()
	term := s.term
	s.term = nil
	s.state = StateStopped
	s.mu.Unlock()
	if term != nil {
		term.Close()
	}
}

func (s *Session) methods() []jsonrpc.Method {
	return []jsonrpc.Method{
		{Name: "history", Handler: func(context.Context, jsonrpc.Params) (any, error) {
			return s.term.History(), nil
		}},
	}
}

// Run serves connections until the session terminates. Connections are
// accepted one at a time; a client holding the socket blocks the next.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("run in state %s", st)
	}
	s.serving = true
	ln := s.listener
	s.mu.Unlock()

	defer s.teardown()
	stop := context.AfterFunc(ctx, s.Terminate)
	defer stop()

	for s.State() == StateRunning {
		ln.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
		conn, err := ln.AcceptUnix()
		if err != nil {
			if s.State() != StateRunning {
				return nil
			}
			if isTimeout(err) {
				s.log.Info().Dur("idle", s.cfg.IdleTimeout).Msg("idle timeout, shutting down")
				s.Terminate()
				return nil
			}
			s.log.Error().Err(err).Msg("accept failed")
			s.Terminate()
			return err
		}
		s.serve(ctx, conn)
	}
	return nil
}

func (s *Session) serve(ctx context.Context, conn *net.UnixConn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	for s.State() == StateRunning {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		req, err := jsonrpc.ReadFrame(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case isTimeout(err) && s.State() == StateRunning:
				s.log.Info().Msg("client idle, shutting down")
				s.Terminate()
			case s.State() == StateRunning:
				s.log.Warn().Err(err).Msg("reading request")
			}
			return
		}

		resp := s.handle(ctx, req)

		conn.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout))
		if err := jsonrpc.WriteFrame(conn, resp); err != nil {
			s.log.Warn().Err(err).Msg("writing response")
			return
		}

		if err := s.term.Err(); err != nil && terminal.IsFatal(err) {
			s.log.Error().Err(err).Msg("shell unusable, shutting down")
			s.Terminate()
			return
		}
	}
}

func (s *Session) handle(ctx context.Context, req []byte) []byte {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()

	watchdog := time.AfterFunc(s.cfg.CommandTimeout+watchdogGrace, func() {
		s.log.Error().Msg("request overran its deadline, closing shell")
		s.term.Close()
		s.Terminate()
	})
	defer watchdog.Stop()

	return s.dispatcher.Handle(ctx, req)
}

// Terminate stops the session. It is safe to call more than once and
// from any goroutine, including a request handler. When Run is active
// the shell is closed by Run once the current request has finished.
func (s *Session) Terminate() {
	s.mu.Lock()
	switch s.state {
	case StateClosing, StateShutdown:
		s.mu.Unlock()
		return
	case StateStopped, StateConnecting:
		// Connect cleans up after itself.
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	serving := s.serving
	conn := s.conn
	s.mu.Unlock()
	s.log.Info().Msg("terminating")

	s.closeListener()
	if conn != nil {
		// Unblock a pending read; a response being written still goes out.
		conn.SetReadDeadline(time.Now())
	}
	if !serving {
		s.teardown()
	}
}

func (s *Session) closeListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listenerClosed || s.listener == nil {
		return
	}
	s.listenerClosed = true
	if err := s.listener.Close(); err != nil {
		s.log.Warn().Err(err).Msg("closing listener")
	}
}

// teardown closes the shell and removes the session's files. The shell
// is left politely only when it is still healthy.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		if s.state != StateShutdown {
			s.state = StateClosing
		}
		term, driver := s.term, s.driver
		s.mu.Unlock()

		s.closeListener()
		if term != nil {
			if driver != nil && term.Err() == nil {
				ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CommandTimeout)
				if err := driver.OnCloseShell(ctx); err != nil {
					s.log.Warn().Err(err).Msg("closing shell")
				}
				cancel()
			}
			term.Close()
		}

		os.Remove(s.pidPath)
		os.Remove(s.sockPath)
		s.setState(StateShutdown)
		s.log.Info().Msg("session stopped")
		close(s.done)
	})
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
