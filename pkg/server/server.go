// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/davel-ai/gateway/pkg/cache"
	"github.com/davel-ai/gateway/pkg/config"
	"github.com/davel-ai/gateway/pkg/coordination"
	"github.com/davel-ai/gateway/pkg/logger"
	"github.com/davel-ai/gateway/pkg/observability"
	"github.com/davel-ai/gateway/pkg/quota"
	"github.com/davel-ai/gateway/pkg/registry"
	"github.com/davel-ai/gateway/pkg/relay"
	"github.com/davel-ai/gateway/pkg/session"
)

// statsKey is the cache key of the /api/stats snapshot.
const statsKey = "stats"

// Deps are the components the server routes to. Cache and
// Observability may be nil.
type Deps struct {
	Store         *coordination.Store
	Relay         *relay.Relay
	Sessions      *session.Store
	Cache         *cache.Service
	Quota         *quota.Service
	Registry      *registry.LocalRegistry
	Observability *observability.Manager
}

// Options tunes a Server.
type Options struct {
	// LogsChannel is the pub/sub channel of job log lines.
	// Default: DefaultLogsChannel
	LogsChannel string

	// MetricsPath serves the Prometheus handler when Observability has one.
	// Default: "/metrics"
	MetricsPath string

	Logger *slog.Logger
}

// Server is the gateway HTTP server.
type Server struct {
	cfg      config.ServerConfig
	deps     Deps
	opts     Options
	logs     *LogHub
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  observability.Metrics
	handler  http.Handler

	server   *http.Server
	draining atomic.Bool

	// work tracks chat messages still being processed.
	work sync.WaitGroup

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, deps Deps, opts Options) *Server {
	if opts.LogsChannel == "" {
		opts.LogsChannel = DefaultLogsChannel
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger()
	}

	metrics := observability.GetGlobalMetrics()
	if deps.Observability != nil {
		metrics = deps.Observability.GetMetrics()
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		opts:    opts,
		logger:  opts.Logger.With("component", "server"),
		metrics: metrics,
		conns:   make(map[*wsConn]struct{}),
	}
	s.logs = NewLogHub(deps.Store, opts.LogsChannel, opts.Logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// Logs returns the log hub.
func (s *Server) Logs() *LogHub { return s.logs }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	tracer := observability.GetTracer("github.com/davel-ai/gateway/pkg/server")
	if s.deps.Observability != nil {
		tracer = s.deps.Observability.GetTracer("github.com/davel-ai/gateway/pkg/server")
	}
	r.Use(observability.HTTPMiddleware(tracer, s.metrics))
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.deps.Observability != nil {
		if h := s.deps.Observability.MetricsHandler(); h != nil {
			r.Handle(s.opts.MetricsPath, h)
		}
	}

	r.Get("/ws/chat", s.handleChatSocket)
	r.Get("/ws/logs", s.handleLogSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(quota.Middleware(quota.MiddlewareConfig{
			Service:     s.deps.Quota,
			AddressFunc: s.clientAddress,
			OnLimited:   s.onLimited,
			Logger:      s.logger,
		}))
		r.Post("/chat", s.handleChat)
		r.Get("/stats", s.handleStats)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Get("/last", s.handleLastEnvelope)
		})
	})

	if s.cfg.AdminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(adminAuth(s.cfg.AdminToken))
			r.Post("/quota/reset", s.handleQuotaReset)
			r.Delete("/cache", s.handleCacheInvalidate)
		})
	} else {
		s.logger.Info("admin routes disabled, no admin token configured")
	}

	return r
}

func (s *Server) clientAddress(r *http.Request) string {
	return relay.ClientAddress(r, s.cfg.TrustProxyHeaders)
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln together with the chat subscription,
// the log hub and the session sweeper. It returns after a graceful
// shutdown once ctx is cancelled, or on the first fatal error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.deps.Relay.Run(gctx) })
	g.Go(func() error { return s.logs.Run(gctx) })
	g.Go(func() error { return s.deps.Sessions.Start(gctx) })
	g.Go(func() error {
		s.logger.Info("HTTP server starting", "address", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown(context.Background())
	})
	return g.Wait()
}

// Shutdown stops accepting requests, closes every socket after flushing
// its queue and waits for in-flight chat messages, all within the
// configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.draining.CompareAndSwap(false, true) {
		return nil
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("HTTP server shutting down")

	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.work.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("shutdown timed out with messages in flight")
		errs = append(errs, shutdownCtx.Err())
	}

	return errors.Join(errs...)
}

func (s *Server) track(c *wsConn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
