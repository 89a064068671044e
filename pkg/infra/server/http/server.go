// Package http provides the gin based HTTP server.
package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	apierrors "github.com/kart-io/sentinel-rag/pkg/errors"
	"github.com/kart-io/sentinel-rag/pkg/infra/middleware"
	mwopts "github.com/kart-io/sentinel-rag/pkg/options/middleware"
	options "github.com/kart-io/sentinel-rag/pkg/options/server/http"
	"github.com/kart-io/sentinel-rag/pkg/utils/response"
)

// Options is re-exported from the options package for convenience.
type Options = options.Options

// Server is the HTTP server implementation.
type Server struct {
	opts   *options.Options
	engine *gin.Engine

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a new HTTP server. Middleware is applied immediately so
// every route group registered afterwards inherits it. extra handlers run
// after the standard chain, in order.
func NewServer(serverOpts *options.Options, middlewareOpts *mwopts.Options, extra ...gin.HandlerFunc) *Server {
	if serverOpts == nil {
		serverOpts = options.NewOptions()
	}
	if middlewareOpts == nil {
		middlewareOpts = mwopts.NewOptions()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		opts:   serverOpts,
		engine: engine,
	}
	s.applyMiddleware(middlewareOpts)
	engine.Use(extra...)

	engine.NoRoute(func(c *gin.Context) {
		response.Fail(c, apierrors.ErrRouteNotFound)
	})
	engine.NoMethod(func(c *gin.Context) {
		response.Fail(c, apierrors.ErrRouteNotFound)
	})

	return s
}

// applyMiddleware applies configured middleware to the engine.
// 顺序：Recovery 最先，RequestID 为后续中间件提供请求 ID，Logger 依赖 RequestID。
func (s *Server) applyMiddleware(opts *mwopts.Options) {
	_ = opts.Complete()

	s.engine.Use(middleware.RecoveryWithOptions(*opts.Recovery))
	s.engine.Use(middleware.RequestIDWithOptions(*opts.RequestID))
	s.engine.Use(middleware.LoggerWithOptions(*opts.Logger))

	if opts.CORS.Enabled {
		s.engine.Use(middleware.CORSWithOptions(*opts.CORS))
	}
	if opts.BodyLimit.Enabled {
		s.engine.Use(middleware.BodyLimitWithOptions(*opts.BodyLimit))
	}
}

// Name returns the server name.
func (s *Server) Name() string {
	return "http[gin]"
}

// Engine returns the underlying gin.Engine for route registration.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Addr returns the bound address once started, otherwise the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

// Start binds the listener and serves in the background. Bind errors are
// returned synchronously so a taken port fails startup.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("HTTP server stopped unexpectedly", "addr", ln.Addr().String(), "error", err.Error())
		}
	}()
	return nil
}

// Stop stops the HTTP server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	<-done
	return err
}
