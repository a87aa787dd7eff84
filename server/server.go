// Package server exposes the state tree over HTTP: JSON reads and writes
// under /state, live replication over /ws, and debugging endpoints.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/gzhttp"
	"github.com/obsdeck/backoffice/cfg"
	"github.com/obsdeck/backoffice/encoding"
	"github.com/obsdeck/backoffice/loop"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Server is the backoffice HTTP surface
type Server struct {
	loop    *loop.Loop
	httpCfg cfg.HTTPConfiguration
	repl    cfg.ReplicationConfiguration
	codec   encoding.Codec

	origins  *OriginFilter
	upgrader websocket.Upgrader
	cache    *lru.Cache[uint64, stateBody]
	sessions *xsync.MapOf[uint64, *wsPeer]

	metricsHandler http.Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a server around l. Replication sessions default to the
// configured encoding; clients may ask for another one with ?encoding=.
func New(l *loop.Loop, httpCfg cfg.HTTPConfiguration, repl cfg.ReplicationConfiguration) (*Server, error) {
	codec, err := encoding.CodecFor(repl.Encoding)
	if err != nil {
		return nil, err
	}
	origins, err := NewOriginFilter(httpCfg.AllowedOrigins)
	if err != nil {
		return nil, err
	}
	entries := httpCfg.StateCacheEntries
	if entries < 1 {
		entries = 1
	}
	cache, err := lru.New[uint64, stateBody](entries)
	if err != nil {
		return nil, fmt.Errorf("failed to create state cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		loop:     l,
		httpCfg:  httpCfg,
		repl:     repl,
		codec:    codec,
		origins:  origins,
		cache:    cache,
		sessions: xsync.NewMapOf[uint64, *wsPeer](),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     origins.CheckOrigin,
	}
	return s, nil
}

// SetMetricsHandler exposes handler at /metrics, outside authentication.
func (s *Server) SetMetricsHandler(handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricsHandler = handler
}

func gzipMiddleware(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	s.mu.Lock()
	metrics := s.metricsHandler
	s.mu.Unlock()
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.httpCfg.Secret))

		r.Route("/state", func(r chi.Router) {
			r.With(gzipMiddleware).Get("/", s.handleGetState)
			r.With(gzipMiddleware).Get("/*", s.handleGetState)
			r.Put("/", s.handlePutState)
			r.Put("/*", s.handlePutState)
			r.Delete("/", s.handleDeleteState)
			r.Delete("/*", s.handleDeleteState)
		})

		// Compression would hide the Hijacker the upgrade needs.
		r.Get("/ws", s.handleWebSocket)

		r.Get("/debug/registry", s.handleRegistry)
		r.HandleFunc("/debug/pprof/*", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	})

	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.httpCfg.BindAddress, s.httpCfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Duration(s.httpCfg.ReadTimeoutMS) * time.Millisecond,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	s.mu.Lock()
	s.server = srv
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	log.Info().Str("address", listener.Addr().String()).Msg("HTTP server started")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop ends every replication session and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping HTTP server")
	s.cancel()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Sessions returns the number of connected WebSocket replicas.
func (s *Server) Sessions() int {
	return s.sessions.Size()
}
