// Package server exposes a Mesh over HTTP: SSE chat and pipeline streams,
// session stats and reset, instruction management, and live traces.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hupe1980/tailormesh"
	"github.com/hupe1980/tailormesh/config"
	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/logging"
)

// Options configures a Server.
type Options struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	KeepaliveInterval time.Duration
	AllowedOrigins    []string

	// RequestsPerSecond and Burst bound chat and pipeline starts per
	// session. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int

	// DefaultModel is reported by stats for sessions without a model yet.
	DefaultModel string

	Logger logging.Logger
}

// WithConfig copies the server section of cfg into the options.
func WithConfig(cfg *config.Config) func(o *Options) {
	return func(o *Options) {
		o.Addr = cfg.Server.Addr
		o.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout
		o.ShutdownTimeout = cfg.Server.ShutdownTimeout
		o.KeepaliveInterval = cfg.Server.KeepaliveInterval
		o.AllowedOrigins = cfg.Server.AllowedOrigins
		o.RequestsPerSecond = cfg.Server.RateLimit.RequestsPerSecond
		o.Burst = cfg.Server.RateLimit.Burst
		o.DefaultModel = cfg.Provider.DefaultModel
	}
}

// Server is the HTTP surface of a Mesh.
type Server struct {
	mesh    *tailormesh.Mesh
	opts    Options
	logger  logging.Logger
	router  *gin.Engine
	limiter *sessionLimiter
	ready   atomic.Bool
}

// New builds the router for mesh.
func New(mesh *tailormesh.Mesh, optFns ...func(o *Options)) *Server {
	opts := Options{
		Addr:              ":5000",
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		KeepaliveInterval: 15 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 15 * time.Second
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = mesh.Accountant().FallbackModel()
	}

	s := &Server{
		mesh:   mesh,
		opts:   opts,
		logger: logging.OrNoOp(opts.Logger),
	}
	if opts.RequestsPerSecond > 0 && opts.Burst > 0 {
		s.limiter = newSessionLimiter(opts.RequestsPerSecond, opts.Burst)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), cors(opts.AllowedOrigins))
	s.routes(r)
	s.router = r
	return s
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/ready", s.handleReady)

	api.POST("/chat/stream", s.handleChatStream)
	api.GET("/chat/stream", s.handleChatStreamGet)
	api.POST("/chat", s.handleChatSync)
	api.POST("/multi-agent/stream", s.handlePipelineStream)

	api.GET("/session/stats", s.handleStats)
	api.POST("/session/reset", s.handleReset)

	api.GET("/instructions", s.handleGetInstructions)
	api.POST("/instructions", s.handleUpdateInstructions)
	api.POST("/instructions/reset", s.handleResetInstructions)

	api.GET("/session/:id/traces", s.handleTraces)
	api.GET("/session/:id/traces/stream", s.handleTraceStream)
	api.GET("/session/:id/traces/ws", s.handleTraceSocket)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// MarkReady flips the readiness probe to 200.
func (s *Server) MarkReady() { s.ready.Store(true) }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()
	s.MarkReady()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, core.ErrAttachmentRejected):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrInvalidInstructions):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with a sanitized message. Rejections carry their detail
// since it names the offending file or section.
func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	kind := core.KindOf(err)
	msg := core.ClientMessage(kind)
	switch status {
	case http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity, http.StatusBadRequest:
		msg = err.Error()
	case http.StatusGatewayTimeout:
		msg = "The request timed out."
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg, "kind": kind})
}

func (s *Server) allow(c *gin.Context, sessionID string) bool {
	if s.limiter.Allow(sessionID) {
		return true
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "Too many requests for this session. Please slow down."})
	return false
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "status": "warming up"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true, "status": "ready for requests"})
}
