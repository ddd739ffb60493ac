package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashita-ai/kiseki/internal/orchestrator"
	"github.com/ashita-ai/kiseki/internal/ratelimit"
	"github.com/ashita-ai/kiseki/internal/security"
	"github.com/ashita-ai/kiseki/internal/service/trace"
	"github.com/ashita-ai/kiseki/internal/storage"
	"github.com/ashita-ai/kiseki/internal/streaming"
	"github.com/ashita-ai/kiseki/internal/toolcalls"
)

// Server is the kiseki HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Buffer, Limiter, Broker, Commands, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Orchestrator *orchestrator.Orchestrator
	Recorder     *trace.Recorder
	Tracker      *toolcalls.Tracker
	Publisher    *streaming.Publisher
	Store        storage.Store
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	Buffer    *trace.Buffer
	Limiter   ratelimit.Limiter
	Broker    *Broker
	Commands  *security.CommandValidator
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := NewHandlers(HandlersDeps{
		Orchestrator:        cfg.Orchestrator,
		Recorder:            cfg.Recorder,
		Tracker:             cfg.Tracker,
		Publisher:           cfg.Publisher,
		Store:               cfg.Store,
		Buffer:              cfg.Buffer,
		Broker:              cfg.Broker,
		Commands:            cfg.Commands,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	rl := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	limited := func(fn http.HandlerFunc) http.Handler { return rl(fn) }

	mux := http.NewServeMux()

	// Runs (rate limited by IP).
	mux.Handle("POST /v1/runs", limited(h.HandleSubmitRun))
	mux.Handle("GET /v1/runs/{run_id}", limited(h.HandleGetRun))
	mux.Handle("POST /v1/runs/{run_id}/stop", limited(h.HandleStopRun))
	mux.Handle("POST /v1/runs/{run_id}/approval", limited(h.HandleApproval))
	mux.Handle("GET /v1/runs/{run_id}/feed", limited(h.HandleRunFeed))
	mux.Handle("GET /v1/runs/{run_id}/messages", limited(h.HandleRunMessages))

	// Live feeds (no rate limit, long-lived connections).
	mux.HandleFunc("GET /v1/runs/{run_id}/events", h.HandleRunEvents)
	mux.HandleFunc("GET /v1/runs/{run_id}/ws", h.HandleRunWebSocket)
	mux.HandleFunc("GET /v1/streams/{stream_id}/text", h.HandleStreamText)

	// Trace and tool call queries.
	mux.Handle("GET /v1/tasks/{task_id}/traces", limited(h.HandleTaskTraces))
	mux.Handle("GET /v1/tasks/{task_id}/metrics", limited(h.HandleTaskMetrics))
	mux.Handle("GET /v1/tasks/{task_id}/tool-calls", limited(h.HandleTaskToolCalls))
	mux.Handle("DELETE /v1/tasks/{task_id}/tool-calls", limited(h.HandleDeleteTaskToolCalls))
	mux.Handle("GET /v1/traces/{trace_id}/steps", limited(h.HandleTraceSteps))
	mux.Handle("GET /v1/messages/{message_id}/tool-calls", limited(h.HandleMessageToolCalls))

	// Security previews.
	mux.Handle("POST /v1/security/command", limited(h.HandleCheckCommand))
	mux.Handle("POST /v1/security/url", limited(h.HandleCheckURL))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health and metrics (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
