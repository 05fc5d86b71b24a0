package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smsbridge/smsbridge/internal/config"
	"github.com/smsbridge/smsbridge/internal/contacts"
	"github.com/smsbridge/smsbridge/internal/queue"
	"github.com/smsbridge/smsbridge/internal/registry"
	"github.com/smsbridge/smsbridge/internal/tenant"
	"go.uber.org/zap"
)

const readHeaderTimeout = 10 * time.Second

// Deps are the collaborators a Server is built from.
type Deps struct {
	Registry registry.Registry
	Contacts contacts.Store
	Queue    queue.Queue
	Version  string
}

// Server hosts the relay WebSocket endpoint, the HTTP API and the admin listener.
type Server struct {
	cfg      config.Config
	log      *zap.Logger
	registry registry.Registry
	contacts contacts.Store
	queue    queue.Queue
	auth     *tenant.Authenticator
	router   *Router
	upgrader websocket.Upgrader

	promReg    *prometheus.Registry
	metrics    *serverMetrics
	handler    http.Handler
	httpServer *http.Server
	adminHTTP  *http.Server
	ready      atomic.Bool

	version   string
	startedAt time.Time

	connCtx     context.Context
	cancelConns context.CancelFunc
	conns       sync.WaitGroup
	houseOnce   sync.Once
}

// New constructs a server with its dependencies. Metrics are registered on a
// private Prometheus registry.
func New(cfg config.Config, logger *zap.Logger, deps Deps) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := deps.Registry
	if reg == nil {
		reg = registry.New(registry.WithLogger(logger))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := newServerMetrics(promReg, reg.GlobalStats)

	connCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		log:         logger,
		registry:    reg,
		contacts:    deps.Contacts,
		queue:       deps.Queue,
		auth:        tenant.NewAuthenticator(cfg.Auth.APIKeys),
		upgrader:    makeUpgrader(cfg.WebSocket.AllowedOrigins),
		promReg:     promReg,
		metrics:     metrics,
		version:     version,
		startedAt:   time.Now(),
		connCtx:     connCtx,
		cancelConns: cancel,
	}
	s.router = NewRouter(logger, reg, deps.Contacts, RouterOptions{Metrics: metrics})
	s.handler = s.routes()

	if !s.auth.Enabled() {
		logger.Warn("no API keys configured; authentication disabled")
	}
	return s
}

// Handler exposes the public HTTP surface.
func (s *Server) Handler() http.Handler { return s.handler }

// Router exposes the message router.
func (s *Server) Router() *Router { return s.router }

// Start listens on the configured address and blocks until ctx ends and the
// server has shut down.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.HTTPAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.HTTPAddress, err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the HTTP server on lis.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.startAdminServer()
	s.StartHousekeeping(ctx)

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("http server listening", zap.String("address", lis.Addr().String()))
	s.ready.Store(true)
	err := s.httpServer.Serve(lis)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	<-stopped
	return nil
}

// StartHousekeeping launches the periodic queue cleanup.
func (s *Server) StartHousekeeping(ctx context.Context) {
	if s.queue == nil || s.cfg.Queue.SweepInterval <= 0 || s.cfg.Queue.Retention <= 0 {
		return
	}

	s.houseOnce.Do(func() {
		ticker := time.NewTicker(s.cfg.Queue.SweepInterval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.sweepQueue(ctx)
				}
			}
		}()
	})
}

func (s *Server) sweepQueue(ctx context.Context) {
	removed, err := s.queue.Cleanup(ctx, s.cfg.Queue.Retention)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("queue cleanup failed", zap.Error(err))
		}
		return
	}
	s.metrics.recordSwept(removed)
	if removed > 0 {
		s.log.Info("queue cleanup", zap.Int64("removed", removed))
	}
}

func (s *Server) startAdminServer() {
	if s.cfg.Admin.Address == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

// Shutdown stops accepting requests, closes every relay connection and waits
// for them to unregister or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http server shutdown", zap.Error(err))
		}
	}

	// hijacked websocket connections are not tracked by http.Server
	s.cancelConns()
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("http server stopped")
	case <-ctx.Done():
		s.log.Warn("graceful shutdown timed out; relay connections still open")
	}
}
