package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/chainrecon/internal/domain"
	"github.com/alanyoungcy/chainrecon/internal/metrics"
	"github.com/alanyoungcy/chainrecon/internal/server/handler"
	"github.com/alanyoungcy/chainrecon/internal/server/middleware"
	"github.com/alanyoungcy/chainrecon/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// VerifyRateLimit is the number of verify requests allowed per client
	// IP per minute. Zero disables limiting.
	VerifyRateLimit int
	// WriteTimeout must exceed the verify timeout so a blocked verification
	// can still answer.
	WriteTimeout time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Payments and Pipeline may be nil when the run mode does not serve them.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Payments *handler.PaymentHandler
	Pipeline *handler.PipelineHandler
}

// publicPaths skip API key authentication: payers call verify and the
// websocket from their browser, and health checkers hit health and metrics.
var publicPaths = []string{"/api/health", "/api/status", "/api/payments/verify", "/ws", "/metrics"}

// Server is the HTTP + WebSocket API of the reconciliation engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (CORS, logging, auth, rate limiting) and attaches
// the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	h := NewHandler(cfg, handlers, limiter, wsHub, logger)

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed and wrapped handler tree.
func NewHandler(cfg Config, handlers Handlers, limiter domain.RateLimiter, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}
	mux.Handle("GET /metrics", metrics.Handler())

	if p := handlers.Payments; p != nil {
		verify := middleware.RateLimit(limiter, "verify", cfg.VerifyRateLimit, time.Minute, logger)(http.HandlerFunc(p.Verify))
		mux.Handle("POST /api/payments/verify", verify)
		mux.HandleFunc("POST /api/orders", p.RegisterOrder)
		mux.HandleFunc("GET /api/orders/{ref}", p.GetOrder)
		mux.HandleFunc("GET /api/audit/manual", p.ListManualAudit)
	}
	if handlers.Pipeline != nil {
		mux.HandleFunc("POST /api/pipeline/enqueue", handlers.Pipeline.Enqueue)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, publicPaths...)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
