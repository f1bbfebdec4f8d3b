// Package api implements the OpenAI-compatible HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/wealth-steward/internal/agent"
	"github.com/nugget/wealth-steward/internal/buildinfo"
	"github.com/nugget/wealth-steward/internal/checkpoint"
	"github.com/nugget/wealth-steward/internal/config"
	"github.com/nugget/wealth-steward/internal/health"
	"github.com/nugget/wealth-steward/internal/metrics"
	"github.com/nugget/wealth-steward/internal/router"
)

// ModelID is the single model this service advertises.
const ModelID = buildinfo.ServiceName

// modelCreated is the fixed creation timestamp reported for ModelID.
const modelCreated = 1700000000

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Config holds transport settings.
type Config struct {
	Address     string
	Port        int
	Auth        config.AuthConfig
	CORSOrigins []string
	RateLimit   config.RateLimitConfig
	// IgnoreNodes lists orchestration nodes kept off the wire.
	IgnoreNodes []string
}

// Deps are the components the server exposes. Metrics and Health may
// be nil.
type Deps struct {
	Logger  *slog.Logger
	Loop    *agent.Loop
	Router  *router.Router
	Store   checkpoint.Store
	Metrics *metrics.Metrics
	Health  *health.Monitor
}

// Server is the HTTP API server.
type Server struct {
	config  Config
	loop    *agent.Loop
	router  *router.Router
	store   checkpoint.Store
	metrics *metrics.Metrics
	health  *health.Monitor
	logger  *slog.Logger
	limiter *clientLimiter
	auth    *authenticator

	mu       sync.Mutex
	server   *http.Server
	shutdown bool
}

// NewServer creates a new API server.
func NewServer(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		config:  cfg,
		loop:    deps.Loop,
		router:  deps.Router,
		store:   deps.Store,
		metrics: deps.Metrics,
		health:  deps.Health,
		logger:  deps.Logger,
		auth:    newAuthenticator(cfg.Auth),
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		s.limiter = newClientLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}
	return s
}

// Handler returns the complete handler chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// OpenAI-compatible endpoints
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Router introspection endpoints
	mux.HandleFunc("GET /v1/router/stats", s.handleRouterStats)
	mux.HandleFunc("GET /v1/router/audit", s.handleRouterAudit)
	mux.HandleFunc("GET /v1/router/explain/{requestId}", s.handleRouterExplain)

	// Thread endpoints
	mux.HandleFunc("GET /v1/threads", s.handleThreadList)
	mux.HandleFunc("GET /v1/threads/{id}", s.handleThreadGet)
	mux.HandleFunc("DELETE /v1/threads/{id}", s.handleThreadDelete)
	mux.HandleFunc("PUT /v1/threads/{id}/profile", s.handleThreadProfile)

	return s.withLogging(s.withCORS(s.withAuth(s.withRateLimit(mux))))
}

// Start serves HTTP requests until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Address, s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: streams are bounded by agent.turn_timeout.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	addr := s.config.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.config.Port, "auth", s.config.Auth.Enabled())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server. A server shut down before
// Start never listens.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"name":        "Prudent Wealth Steward",
		"version":     buildinfo.Version,
		"description": "Conservative financial planning assistant with an OpenAI-compatible chat API",
		"endpoints": map[string]string{
			"chat":    "/v1/chat/completions",
			"models":  "/v1/models",
			"threads": "/v1/threads",
			"health":  "/health",
			"metrics": "/metrics",
		},
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth is a liveness check. It reports healthy whenever the
// process is serving; dependency reachability is listed alongside.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "healthy",
		"service": buildinfo.ServiceName,
	}
	if s.health != nil {
		resp["dependencies"] = s.health.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{
				"id":       ModelID,
				"object":   "model",
				"created":  modelCreated,
				"owned_by": "prudent-wealth",
			},
		},
	}, s.logger)
}

// apiError is the OpenAI error envelope body.
type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func errorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]any{
		"error": apiError{Message: message, Type: errorType(status), Code: code},
	}, s.logger)
}

// Router introspection handlers

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.router.GetStats(), s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	decisions := s.router.GetAuditLog(parseIntParam(r, "limit", 20))
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}

func (s *Server) handleRouterExplain(w http.ResponseWriter, r *http.Request) {
	decision := s.router.Explain(r.PathValue("requestId"))
	if decision == nil {
		s.errorResponse(w, http.StatusNotFound, "not_found", "decision not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, decision, s.logger)
}

// parseIntParam reads a positive integer query parameter.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultVal
}
