// Package api exposes the session and upload endpoints over HTTP.
package api

import (
	"log/slog"
	"net/http"

	"github.com/aixgo-dev/promptly/internal/orchestration"
	"github.com/aixgo-dev/promptly/pkg/blob"
	"github.com/aixgo-dev/promptly/pkg/security"
)

// DefaultMaxBodyBytes bounds JSON request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Server routes HTTP requests to the engine.
type Server struct {
	engine    *orchestration.Engine
	blobs     blob.Store
	extractor security.AuthExtractor
	limiter   security.Limiter
	logger    *slog.Logger
	maxBody   int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBlobStore enables POST /files.
func WithBlobStore(store blob.Store) Option {
	return func(s *Server) { s.blobs = store }
}

// WithAuthExtractor replaces the default dev-user extractor.
func WithAuthExtractor(extractor security.AuthExtractor) Option {
	return func(s *Server) {
		if extractor != nil {
			s.extractor = extractor
		}
	}
}

// WithRateLimiter limits requests per client. No limiter means no limit.
func WithRateLimiter(limiter security.Limiter) Option {
	return func(s *Server) { s.limiter = limiter }
}

// WithMaxBodyBytes bounds JSON request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// NewServer creates a Server for engine.
func NewServer(engine *orchestration.Engine, opts ...Option) *Server {
	s := &Server{
		engine:    engine,
		extractor: security.NewDisabledAuthExtractor(security.DefaultDevUserID),
		logger:    slog.Default(),
		maxBody:   DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with middleware applied. Requests pass
// request id, access log and metrics, auth, then rate limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{id}/nodes", s.handleListNodes)
	mux.HandleFunc("POST /sessions/{id}/answer", s.handleAnswer)
	mux.HandleFunc("POST /files", s.handleUpload)

	var h http.Handler = mux
	h = s.rateLimit(h)
	h = security.Authenticate(s.extractor, s.authError)(h)
	h = s.accessLog(mux, h)
	h = requestID(h)
	return h
}
