// SPDX-License-Identifier: MPL-2.0

package sshserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"golang.org/x/term"

	"github.com/modbot/modbot/internal/serverbase"
)

const (
	defaultStartupTimeout  = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	prompt = "> "
)

// ErrInvalidSSHConfig is the sentinel error wrapped by InvalidSSHConfigError.
var ErrInvalidSSHConfig = errors.New("invalid SSH console config")

type (
	// Console runs operator commands on behalf of a session.
	Console interface {
		ExecuteTo(ctx context.Context, line string, w io.Writer) error
		Serve(ctx context.Context, in io.Reader, out io.Writer) error
	}

	// Config holds immutable configuration for the SSH console.
	Config struct {
		// Listen is the host:port to bind.
		Listen string
		// HostKeyPath is the private host key, generated (ed25519) when missing.
		HostKeyPath string
		// AuthorizedKeysPath lists the keys allowed to log in, one per line.
		AuthorizedKeysPath string
		StartupTimeout     time.Duration
		ShutdownTimeout    time.Duration
	}

	// InvalidSSHConfigError is returned when a Config has invalid fields.
	// It wraps ErrInvalidSSHConfig for errors.Is() compatibility.
	InvalidSSHConfigError struct {
		FieldErrors []error
	}

	// Option configures a Server.
	Option func(*Server)

	// Server is the SSH operator console.
	// A Server instance is single-use: once stopped or failed, create a new instance.
	Server struct {
		*serverbase.Base

		cfg     Config
		console Console
		logger  *slog.Logger
		keys    *keyring

		srvMu    sync.Mutex
		srv      *ssh.Server
		listener net.Listener
	}
)

// Validate reports every missing field.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen: must not be empty"))
	}
	if strings.TrimSpace(c.HostKeyPath) == "" {
		errs = append(errs, errors.New("host key: must not be empty"))
	}
	if strings.TrimSpace(c.AuthorizedKeysPath) == "" {
		errs = append(errs, errors.New("authorized keys: must not be empty"))
	}
	if len(errs) > 0 {
		return &InvalidSSHConfigError{FieldErrors: errs}
	}
	return nil
}

func (e *InvalidSSHConfigError) Error() string {
	return fmt.Sprintf("invalid SSH console config: %s", errors.Join(e.FieldErrors...))
}

// Unwrap returns ErrInvalidSSHConfig for errors.Is() compatibility.
func (e *InvalidSSHConfigError) Unwrap() error { return ErrInvalidSSHConfig }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates an SSH console that runs sessions against c.
func New(cfg Config, c Console, opts ...Option) *Server {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	s := &Server{
		Base:    serverbase.New("ssh console"),
		cfg:     cfg,
		console: c,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start loads the authorized keys, binds the listener and serves in the
// background. It returns once the server accepts connections.
func (s *Server) Start(ctx context.Context) error {
	if err := s.TransitionToStarting(ctx); err != nil {
		return err
	}

	if err := s.cfg.Validate(); err != nil {
		s.TransitionToFailed(err)
		return err
	}

	keys, err := loadKeyring(s.cfg.AuthorizedKeysPath)
	if err != nil {
		s.TransitionToFailed(err)
		return err
	}
	s.keys = keys

	if err := os.MkdirAll(filepath.Dir(s.cfg.HostKeyPath), 0o700); err != nil {
		s.TransitionToFailed(fmt.Errorf("failed to create host key directory: %w", err))
		return s.LastError()
	}

	srv, err := wish.NewServer(
		wish.WithAddress(s.cfg.Listen),
		wish.WithHostKeyPath(s.cfg.HostKeyPath),
		wish.WithPublicKeyAuth(s.authorize),
		wish.WithMiddleware(
			s.sessionMiddleware(),
			s.logMiddleware(),
		),
	)
	if err != nil {
		s.TransitionToFailed(fmt.Errorf("failed to create SSH server: %w", err))
		return s.LastError()
	}

	startupCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancel()

	var lc net.ListenConfig
	listener, err := lc.Listen(startupCtx, "tcp", s.cfg.Listen)
	if err != nil {
		s.TransitionToFailed(fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err))
		return s.LastError()
	}

	s.srvMu.Lock()
	s.srv = srv
	s.listener = listener
	s.srvMu.Unlock()

	s.Go(func() { s.serve(srv, listener) })

	select {
	case <-s.Started():
		s.logger.Info("ssh console started", "address", listener.Addr().String(), "keys", s.keys.len())
		return nil
	case <-startupCtx.Done():
		s.TransitionToFailed(fmt.Errorf("startup timeout: %w", startupCtx.Err()))
		_ = listener.Close()
		return s.LastError()
	}
}

func (s *Server) serve(srv *ssh.Server, listener net.Listener) {
	s.TransitionToRunning()

	err := srv.Serve(listener)
	if err != nil && !errors.Is(err, ssh.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		s.TransitionToFailed(fmt.Errorf("serve error: %w", err))
	}
}

// Stop closes the listener and waits for open sessions up to the shutdown
// timeout, then drops the rest. Safe to call more than once.
func (s *Server) Stop() error {
	if !s.TransitionToStopping() {
		s.Wait()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.srvMu.Lock()
	srv := s.srv
	s.srvMu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("ssh sessions still open at shutdown, closing them")
			err = srv.Close()
		}
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}

	s.Wait()
	s.TransitionToStopped()
	s.logger.Info("ssh console stopped")
	return err
}

func (s *Server) sessionMiddleware() wish.Middleware {
	return func(next ssh.Handler) ssh.Handler {
		return func(sess ssh.Session) {
			s.handle(sess)
			next(sess)
		}
	}
}

func (s *Server) logMiddleware() wish.Middleware {
	return func(next ssh.Handler) ssh.Handler {
		return func(sess ssh.Session) {
			start := time.Now()
			s.logger.Info("ssh session opened",
				"user", sess.User(),
				"remote", sess.RemoteAddr().String(),
				"command", sess.RawCommand())
			next(sess)
			s.logger.Info("ssh session closed",
				"user", sess.User(),
				"duration", time.Since(start))
		}
	}
}

func (s *Server) handle(sess ssh.Session) {
	ctx := sess.Context()

	if line := sess.RawCommand(); line != "" {
		if err := s.console.ExecuteTo(ctx, line, sess); err != nil {
			fmt.Fprintf(sess.Stderr(), "error: %v\n", err)
			_ = sess.Exit(1)
			return
		}
		_ = sess.Exit(0)
		return
	}

	if pty, winCh, isPty := sess.Pty(); isPty {
		s.interactive(ctx, sess, pty, winCh)
	} else if err := s.console.Serve(ctx, sess, sess); err != nil {
		s.logger.Debug("ssh session read failed", "user", sess.User(), "error", err)
	}
	_ = sess.Exit(0)
}

// interactive runs a line-editing prompt until the client sends EOF or exit.
func (s *Server) interactive(ctx context.Context, sess ssh.Session, pty ssh.Pty, winCh <-chan ssh.Window) {
	t := term.NewTerminal(sess, prompt)
	_ = t.SetSize(pty.Window.Width, pty.Window.Height)
	go func() {
		for win := range winCh {
			_ = t.SetSize(win.Width, win.Height)
		}
	}()

	for {
		line, err := t.ReadLine()
		if err != nil {
			return
		}
		switch strings.TrimSpace(line) {
		case "exit", "quit":
			return
		}
		if err := s.console.ExecuteTo(ctx, line, t); err != nil {
			fmt.Fprintf(t, "error: %v\n", err)
		}
	}
}
