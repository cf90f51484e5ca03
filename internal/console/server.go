// Package console serves the task list over HTTP: a small REST API, a websocket
// push of the full list and the Prometheus scrape endpoint.
package console

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"homebgp/internal/bgp"
	"homebgp/internal/storage"
	"homebgp/pkg/logx"
)

// PushTaskID is the hidden task that feeds websocket clients.
const PushTaskID = "send-bgp-to-ui"

type Config struct {
	Addr         string
	Token        string
	PushInterval time.Duration
	ReadTimeout  time.Duration
	IdleTimeout  time.Duration
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8090"
	}
	if c.PushInterval <= 0 {
		c.PushInterval = time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	return c
}

// Server manages the lifecycle of the console listener.
type Server struct {
	log     logx.Logger
	sup     *bgp.Supervisor
	store   storage.Store
	metrics http.Handler
	hub     *Hub
	handler http.Handler
	// tok is read by handlers without mu; Shutdown runs under mu.
	tok   atomic.Value // string
	pprof atomic.Bool

	mu   sync.Mutex
	cfg  Config
	srv  *http.Server
	ln   net.Listener
	addr string
	push *bgp.Handle
}

// New builds the console. store and metrics may be nil; their routes then
// answer 404.
func New(sup *bgp.Supervisor, store storage.Store, metrics http.Handler, log logx.Logger) *Server {
	s := &Server{
		log:     log,
		sup:     sup,
		store:   store,
		metrics: metrics,
		hub:     NewHub(log),
	}
	s.handler = s.routes()
	return s
}

// Handler exposes the routes without a listener (tests, embedding).
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) token() string {
	v, _ := s.tok.Load().(string)
	return v
}

// Apply starts, stops or reconfigures the listener. A changed address restarts
// it; token and push interval apply in place.
func (s *Server) Apply(ctx context.Context, enabled bool, cfg Config) error {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !enabled {
		s.stopLocked(ctx)
		return nil
	}

	restart := s.srv == nil || s.cfg.Addr != cfg.Addr ||
		s.cfg.ReadTimeout != cfg.ReadTimeout || s.cfg.IdleTimeout != cfg.IdleTimeout
	s.cfg = cfg
	s.tok.Store(cfg.Token)
	s.pprof.Store(cfg.Pprof)
	if restart {
		s.stopLocked(ctx)
		if err := s.startLocked(); err != nil {
			return err
		}
	}
	return s.ensurePushLocked(cfg.PushInterval)
}

func (s *Server) startLocked() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.log.Warn("console.listen_failed", logx.String("addr", s.cfg.Addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("console.serve_failed", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("console.started", logx.String("addr", addr))
	return nil
}

func (s *Server) ensurePushLocked(every time.Duration) error {
	if s.push != nil {
		return s.push.SetPeriod(every)
	}
	h, err := s.sup.Register(PushTaskID, bgp.Every(every), bgp.WorkFunc(s.pushList), bgp.Options{
		Description: "Push task list to console clients",
		HideOnUI:    true,
		RunOnStart:  true,
	})
	if err != nil {
		return err
	}
	s.push = h
	return nil
}

func (s *Server) pushList(context.Context) error {
	if s.hub.Count() == 0 {
		return nil
	}
	s.hub.Broadcast(msgTasks, s.sup.List())
	return nil
}

// Stop shuts the listener down, drops websocket clients and removes the push task.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.push != nil {
		if err := s.push.Unregister(ctx); err != nil && !errors.Is(err, bgp.ErrNotFound) {
			s.log.Debug("console.push_unregister_failed", logx.Err(err))
		}
		s.push = nil
	}
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	// Hijacked websocket conns are not tracked by Shutdown.
	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("console.shutdown_failed", logx.String("addr", addr), logx.Err(err))
	}
	_ = ln.Close()
	s.log.Info("console.stopped", logx.String("addr", addr))
}

// Addr reports the actual listen address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
