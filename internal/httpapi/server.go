// Package httpapi exposes the REST surface: token exchange, agent lifecycle,
// API keys, capabilities and audit queries.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/aims-io/aims/internal/agent"
	"github.com/aims-io/aims/internal/apikey"
	"github.com/aims-io/aims/internal/audit"
	"github.com/aims-io/aims/internal/auth"
	"github.com/aims-io/aims/internal/authz"
	"github.com/aims-io/aims/internal/capability"
	"github.com/aims-io/aims/internal/metrics"
	"github.com/aims-io/aims/internal/ratelimit"
)

// Config configures the HTTP server.
type Config struct {
	ListenAddr         string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	AuthLimitPerMinute int
	APILimitPerMinute  int
}

// DefaultConfig returns the built-in server configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:         ":8080",
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       15 * time.Second,
		IdleTimeout:        60 * time.Second,
		AuthLimitPerMinute: 20,
		APILimitPerMinute:  60,
	}
}

// Deps are the services the server routes to.
type Deps struct {
	Auth         *auth.Service
	Agents       *agent.Service
	Keys         *apikey.Service
	Capabilities *capability.Service
	Audit        *audit.Reader
	Gate         *authz.Gate
	Limiter      ratelimit.Limiter
	Metrics      *metrics.Metrics
}

// Server is the REST API server.
type Server struct {
	deps       Deps
	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
	config     Config
}

// New creates the server and registers all routes.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Auth == nil || deps.Agents == nil || deps.Keys == nil ||
		deps.Capabilities == nil || deps.Audit == nil || deps.Gate == nil {
		return nil, fmt.Errorf("all services are required")
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewMemoryLimiter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.timingMiddleware)
	s.router.Use(s.rateLimitMiddleware)
	s.router.Use(s.loggingMiddleware)

	// Operational endpoints, outside rate limiting by the /_ prefix.
	s.router.HandleFunc("/_health", s.healthHandler).Methods("GET")
	if s.deps.Metrics != nil {
		s.router.Handle("/_metrics", s.deps.Metrics.Handler()).Methods("GET")
	}

	s.router.HandleFunc("/auth/token", s.tokenHandler).Methods("POST")

	s.router.HandleFunc("/agents", s.createAgentHandler).Methods("POST")
	s.router.HandleFunc("/agents", s.listAgentsHandler).Methods("GET")
	s.router.HandleFunc("/agents/{agent_id}", s.getAgentHandler).Methods("GET")
	s.router.HandleFunc("/agents/{agent_id}", s.updateAgentHandler).Methods("PATCH")
	s.router.HandleFunc("/agents/{agent_id}", s.deleteAgentHandler).Methods("DELETE")
	s.router.HandleFunc("/agents/{agent_id}/suspend", s.suspendAgentHandler).Methods("POST")
	s.router.HandleFunc("/agents/{agent_id}/reactivate", s.reactivateAgentHandler).Methods("POST")
	s.router.HandleFunc("/agents/{agent_id}/revoke", s.revokeAgentHandler).Methods("POST")

	s.router.HandleFunc("/agents/{agent_id}/keys", s.createKeyHandler).Methods("POST")
	s.router.HandleFunc("/agents/{agent_id}/keys", s.listKeysHandler).Methods("GET")
	s.router.HandleFunc("/agents/{agent_id}/keys/{key_id}/rotate", s.rotateKeyHandler).Methods("POST")
	s.router.HandleFunc("/agents/{agent_id}/keys/{key_id}", s.revokeKeyHandler).Methods("DELETE")

	s.router.HandleFunc("/capabilities", s.createCapabilityHandler).Methods("POST")
	s.router.HandleFunc("/capabilities", s.listCapabilitiesHandler).Methods("GET")
	s.router.HandleFunc("/agents/{agent_id}/capabilities", s.grantCapabilityHandler).Methods("POST")
	s.router.HandleFunc("/agents/{agent_id}/capabilities/{capability_id}", s.revokeCapabilityHandler).Methods("DELETE")

	s.router.HandleFunc("/audit", s.queryAuditHandler).Methods("GET")
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.config.ListenAddr))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP lets tests drive the router directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// skipRateLimit exempts operational and documentation paths.
func skipRateLimit(path string) bool {
	return strings.HasPrefix(path, "/_") ||
		strings.HasPrefix(path, "/docs") ||
		strings.HasPrefix(path, "/openapi")
}

// rateLimitMiddleware applies the per-IP sliding window: a tight budget for
// token exchange, a wider one for everything else.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		ip := clientIP(r)

		if path == "/auth/token" && r.Method == http.MethodPost {
			ok, err := s.deps.Limiter.Allow(r.Context(), "auth:"+ip, s.config.AuthLimitPerMinute)
			if err != nil {
				s.logger.Error("rate limiter failed", zap.Error(err))
			} else if !ok {
				if s.deps.Metrics != nil {
					s.deps.Metrics.RateLimited.WithLabelValues("auth").Inc()
				}
				writeError(w, http.StatusTooManyRequests, "Rate limit exceeded for authentication")
				return
			}
		} else if !skipRateLimit(path) {
			ok, err := s.deps.Limiter.Allow(r.Context(), "api:"+ip, s.config.APILimitPerMinute)
			if err != nil {
				s.logger.Error("rate limiter failed", zap.Error(err))
			} else if !ok {
				if s.deps.Metrics != nil {
					s.deps.Metrics.RateLimited.WithLabelValues("api").Inc()
				}
				writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// timingMiddleware stamps X-Request-Duration-Ms on every response.
func (s *Server) timingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(&timedWriter{ResponseWriter: w, start: start}, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.status),
			zap.Duration("duration", duration),
			zap.String("remote_addr", r.RemoteAddr),
		)

		if s.deps.Metrics != nil {
			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			s.deps.Metrics.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
			s.deps.Metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
		}
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("error", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
				)
				writeError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the response status for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// timedWriter sets the duration header just before the first byte of the
// response goes out, since headers cannot change afterwards.
type timedWriter struct {
	http.ResponseWriter
	start   time.Time
	stamped bool
}

func (w *timedWriter) stamp() {
	if w.stamped {
		return
	}
	w.stamped = true
	ms := float64(time.Since(w.start).Microseconds()) / 1000.0
	w.Header().Set("X-Request-Duration-Ms", strconv.FormatFloat(ms, 'f', 2, 64))
}

func (w *timedWriter) WriteHeader(code int) {
	w.stamp()
	w.ResponseWriter.WriteHeader(code)
}

func (w *timedWriter) Write(b []byte) (int, error) {
	w.stamp()
	return w.ResponseWriter.Write(b)
}
