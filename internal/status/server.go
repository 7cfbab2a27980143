// SPDX-License-Identifier: MPL-2.0

package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/modbot/modbot/internal/manager"
	"github.com/modbot/modbot/internal/module"
	"github.com/modbot/modbot/internal/serverbase"
)

const (
	defaultStartupTimeout  = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Lifecycle states, re-exported from serverbase.
const (
	StateCreated  = serverbase.StateCreated
	StateStarting = serverbase.StateStarting
	StateRunning  = serverbase.StateRunning
	StateStopping = serverbase.StateStopping
	StateStopped  = serverbase.StateStopped
	StateFailed   = serverbase.StateFailed
)

// ErrInvalidState is re-exported from serverbase.
var ErrInvalidState = serverbase.ErrInvalidState

type (
	// State is re-exported from serverbase.
	State = serverbase.State

	// ModuleInfo is the JSON view of one module.
	ModuleInfo struct {
		Name       string   `json:"name"`
		Version    string   `json:"version"`
		Author     string   `json:"author"`
		Status     string   `json:"status"`
		Source     string   `json:"source"`
		Tasks      int      `json:"tasks"`
		DependsOn  []string `json:"dependsOn,omitempty"`
		LastError  string   `json:"lastError,omitempty"`
		Namespaces []string `json:"exceptionNamespaces,omitempty"`
	}

	// Health is the /healthz body.
	Health struct {
		Status  string `json:"status"`
		Modules int    `json:"modules"`
		Enabled int    `json:"enabled"`
	}

	// Source lists the modules to report.
	Source interface {
		Modules() []ModuleInfo
	}

	// SourceFunc adapts a function to Source.
	SourceFunc func() []ModuleInfo

	// Option configures a Server.
	Option func(*Server)

	// Server is the status HTTP server.
	Server struct {
		*serverbase.Base

		addr            string
		allowOrigins    []string
		source          Source
		logger          *slog.Logger
		engine          *gin.Engine
		startupTimeout  time.Duration
		shutdownTimeout time.Duration

		srvMu    sync.Mutex
		srv      *http.Server
		listener net.Listener
	}
)

// Modules implements Source.
func (f SourceFunc) Modules() []ModuleInfo { return f() }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithShutdownTimeout bounds how long Stop waits for in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// WithAllowOrigins enables CORS for read requests from the given origins.
func WithAllowOrigins(origins ...string) Option {
	return func(s *Server) { s.allowOrigins = origins }
}

// New creates a server that will listen on addr.
func New(addr string, source Source, opts ...Option) *Server {
	s := &Server{
		Base:            serverbase.New("status server"),
		addr:            addr,
		source:          source,
		logger:          slog.Default(),
		startupTimeout:  defaultStartupTimeout,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	g := gin.New()
	g.Use(gin.Recovery(), s.requestLog())
	if len(s.allowOrigins) > 0 {
		g.Use(cors.New(cors.Config{
			AllowOrigins:  s.allowOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodOptions},
			AllowHeaders:  []string{"Origin", "Accept"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        time.Hour,
		}))
	}
	g.GET("/healthz", s.health)
	g.GET("/modules", s.modules)
	g.GET("/modules/:name", s.module)
	s.engine = g

	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listener and serves in the background. It returns once
// the server accepts requests.
func (s *Server) Start(ctx context.Context) error {
	if err := s.TransitionToStarting(ctx); err != nil {
		return err
	}

	startupCtx, cancel := context.WithTimeout(ctx, s.startupTimeout)
	defer cancel()

	var lc net.ListenConfig
	listener, err := lc.Listen(startupCtx, "tcp", s.addr)
	if err != nil {
		s.TransitionToFailed(fmt.Errorf("failed to listen on %s: %w", s.addr, err))
		return s.LastError()
	}

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.srvMu.Lock()
	s.listener = listener
	s.srv = srv
	s.srvMu.Unlock()

	s.Go(func() { s.serve(srv, listener) })

	select {
	case <-s.Started():
		s.logger.Info("status server started", "address", listener.Addr().String())
		return nil
	case <-startupCtx.Done():
		s.TransitionToFailed(fmt.Errorf("startup timeout: %w", startupCtx.Err()))
		_ = listener.Close()
		return s.LastError()
	}
}

func (s *Server) serve(srv *http.Server, listener net.Listener) {
	s.TransitionToRunning()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.TransitionToFailed(fmt.Errorf("serve error: %w", err))
	}
}

// Stop drains in-flight requests and closes the listener. Safe to call more
// than once.
func (s *Server) Stop() error {
	if !s.TransitionToStopping() {
		s.Wait()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.srvMu.Lock()
	srv := s.srv
	s.srvMu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	s.Wait()
	s.TransitionToStopped()
	s.logger.Info("status server stopped")
	return err
}

func (s *Server) health(c *gin.Context) {
	infos := s.source.Modules()
	enabled := 0
	for _, info := range infos {
		if info.Status == module.StatusEnabled.String() {
			enabled++
		}
	}
	c.JSON(http.StatusOK, Health{Status: "ok", Modules: len(infos), Enabled: enabled})
}

func (s *Server) modules(c *gin.Context) {
	infos := s.source.Modules()
	if infos == nil {
		infos = []ModuleInfo{}
	}
	c.JSON(http.StatusOK, infos)
}

func (s *Server) module(c *gin.Context) {
	name := c.Param("name")
	for _, info := range s.source.Modules() {
		if strings.EqualFold(info.Name, name) {
			c.JSON(http.StatusOK, info)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("module %q is not loaded", name)})
}

// requestLog logs each request at debug level through slog.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("status request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// ManagerSource reports the modules registered with m.
func ManagerSource(m *manager.Manager) Source {
	return SourceFunc(func() []ModuleInfo {
		instances := m.Instances()
		out := make([]ModuleInfo, 0, len(instances))
		for _, inst := range instances {
			desc := inst.Descriptor()
			info := ModuleInfo{
				Name:       desc.Name,
				Version:    desc.Version,
				Author:     desc.Author,
				Status:     inst.Status().String(),
				Source:     inst.Source(),
				DependsOn:  slices.Clone(desc.HardDependencies),
				Namespaces: slices.Clone(desc.ExceptionNamespaces),
			}
			if sched := inst.Scheduler(); sched != nil {
				info.Tasks = sched.Active()
			}
			if err := inst.LastError(); err != nil {
				info.LastError = err.Error()
			}
			out = append(out, info)
		}
		return out
	})
}
