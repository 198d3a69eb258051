package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aussie/gateway/internal/logging"
	"github.com/aussie/gateway/internal/middleware"
	"github.com/aussie/gateway/internal/ratelimit"
	"github.com/aussie/gateway/internal/tracing"
	"github.com/aussie/gateway/internal/trustedproxy"
	"github.com/aussie/gateway/internal/websocket"
)

// ServerConfig tunes the inbound HTTP server.
type ServerConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// Server runs the proxy handler plus the health and metrics surfaces, and
// owns graceful shutdown of the long-lived pipeline pieces.
type Server struct {
	cfg        ServerConfig
	httpServer *http.Server
	handler    *Handler
	ws         *websocket.Proxy
	limiter    *ratelimit.Engine
	tracer     *tracing.Tracer
	startTime  time.Time
}

// NewServer assembles the middleware chain around the pipeline handler.
// ws, limiter and tracer may be nil; they are only used for shutdown and
// the health surface.
func NewServer(cfg ServerConfig, h *Handler, proxies *trustedproxy.Validator,
	tracer *tracing.Tracer, ws *websocket.Proxy, limiter *ratelimit.Engine) *Server {
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:       cfg,
		handler:   h,
		ws:        ws,
		limiter:   limiter,
		tracer:    tracer,
		startTime: time.Now(),
	}

	chain := middleware.NewChain(middleware.RequestID())
	if proxies != nil {
		chain = chain.Append(proxies.Middleware)
	}
	if tracer != nil && tracer.Enabled() {
		chain = chain.Append(tracer.Middleware)
	}

	// Fixed surfaces get router entries; everything else is proxy traffic
	// and falls through to the pipeline via NotFound.
	mux := httprouter.New()
	mux.HandlerFunc(http.MethodGet, "/healthz", s.handleHealth)
	mux.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	mux.HandleMethodNotAllowed = false
	mux.NotFound = chain.Then(h)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	return s
}

// Handler exposes the assembled root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving. It blocks until the listener fails or Shutdown
// completes.
func (s *Server) Start() error {
	logging.Info("gateway listening", zap.String("addr", s.cfg.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Run serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logging.Info("shutting down", zap.String("signal", sig.String()))
		return s.Shutdown()
	}
}

// Shutdown stops accepting new requests, drains in-flight work up to the
// configured deadline, closes WebSocket sessions with 1001 and stops the
// rate-limit store.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		logging.Error("http server shutdown", zap.Error(err))
	}

	if s.ws != nil {
		s.ws.Shutdown()
	}
	if s.limiter != nil {
		if cerr := s.limiter.Close(); cerr != nil {
			logging.Error("rate limit store close", zap.Error(cerr))
		}
	}
	if s.tracer != nil {
		if cerr := s.tracer.Close(ctx); cerr != nil {
			logging.Error("tracer close", zap.Error(cerr))
		}
	}

	logging.Info("shutdown complete")
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	body := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if s.ws != nil {
		body["websocket_sessions"] = s.ws.Table().Len()
	}
	json.NewEncoder(w).Encode(body)
}
