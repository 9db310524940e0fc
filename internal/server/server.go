package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quillworks/quill/internal/auth"
	"github.com/quillworks/quill/internal/ratelimit"
	"github.com/quillworks/quill/internal/runs"
	"github.com/quillworks/quill/internal/storage"
)

// Server is the Quill HTTP server.
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
type ServerConfig struct {
	DB         *storage.DB
	RunService *runs.Service
	JWTMgr     *auth.JWTManager
	Logger     *slog.Logger

	// Limiter throttles run starts and top-ups; nil disables limiting.
	Limiter ratelimit.Limiter

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// OpenAPISpec is the embedded API description, served at /openapi.yaml.
	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		RunService:          cfg.RunService,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Rate limit rules keyed by authenticated user. Auth runs outside the
	// mux, so claims are always populated by the time these fire.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	beginRL := ratelimit.Middleware(cfg.Limiter, "runs", userKeyFunc, reqIDFunc)
	creditRL := ratelimit.Middleware(cfg.Limiter, "credits", userKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Run orchestration. The stream route is a long-lived SSE connection;
	// its handler clears the write deadline for itself.
	mux.Handle("POST /v1/runs/{kind}", beginRL(http.HandlerFunc(h.HandleBeginRun)))
	mux.HandleFunc("GET /v1/runs/{kind}/stream", h.HandleStreamRun)
	mux.HandleFunc("DELETE /v1/runs/{kind}", h.HandleClearRun)

	// Active job.
	mux.HandleFunc("GET /v1/jobs/active", h.HandleGetActiveJob)
	mux.HandleFunc("POST /v1/jobs/active", h.HandleCreateJob)

	// Credits.
	mux.HandleFunc("GET /v1/credits", h.HandleGetCredits)
	mux.Handle("POST /v1/credits/topup", creditRL(http.HandlerFunc(h.HandleTopUp)))

	// Open endpoints (no auth).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
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

// userKeyFunc keys rate limits on the authenticated user.
func userKeyFunc(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		return "user:" + claims.UserID.String()
	}
	return ""
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
