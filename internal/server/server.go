// Package server wires the HTTP surface: the decision endpoint, the
// admin API, health probes, and the OpenAPI document.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/keygatedb/keygate/internal/handler"
	"github.com/keygatedb/keygate/internal/model"
	"github.com/keygatedb/keygate/internal/openapi"
	"github.com/keygatedb/keygate/internal/server/middleware"
	"github.com/keygatedb/keygate/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	Version         string

	// LoginRateLimit throttles the unauthenticated login endpoint,
	// per client IP per minute.
	LoginRateLimit int
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		Version:         "dev",
		LoginRateLimit:  10,
	}
}

// Pinger is a backend the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the top-level HTTP server for keygate. It owns the Chi
// router and the services behind every route.
type Server struct {
	cfg        Config
	router     chi.Router
	decide     *service.Decision
	keys       *service.Keys
	auth       *service.Auth
	rules      []model.RateLimitRule
	backends   map[string]Pinger
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
// backends maps a name to each store the readiness probe should check.
func New(cfg Config, decide *service.Decision, keys *service.Keys, auth *service.Auth, rules []model.RateLimitRule, backends map[string]Pinger, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		decide:   decide,
		keys:     keys,
		auth:     auth,
		rules:    rules,
		backends: backends,
		logger:   logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	// --- OpenAPI spec (no auth required) ---
	r.Get("/openapi.json", s.handleOpenAPI)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {

		// The decision endpoint authenticates via the credential in its
		// own payload; no admin token needed.
		decideHandler := handler.NewDecideHandler(s.decide)
		r.Post("/decide", decideHandler.Decide)

		r.Route("/system", func(r chi.Router) {
			sysHandler := handler.NewSystemHandler(s.auth, s.keys, s.rules)

			// Session endpoints are unauthenticated (login) or
			// self-authenticated (logout). Login gets its own IP throttle
			// since it runs before any credential check.
			r.Group(func(r chi.Router) {
				if s.cfg.LoginRateLimit > 0 {
					r.Use(middleware.LoginRateLimit(s.cfg.LoginRateLimit))
				}
				r.Post("/admin/session", sysHandler.Login)
			})
			r.Delete("/admin/session", sysHandler.Logout)

			// All other system endpoints require admin authentication
			r.Group(func(r chi.Router) {
				r.Use(middleware.AdminAuth(s.auth))

				// Admin management
				r.Post("/admin", sysHandler.CreateAdmin)

				// API key management
				r.Get("/api-key", sysHandler.ListAPIKeys)
				r.Post("/api-key", sysHandler.CreateAPIKey)
				r.Get("/api-key/{keyId}", sysHandler.GetAPIKey)
				r.Delete("/api-key/{keyId}", sysHandler.RevokeAPIKey)
				r.Post("/api-key/{keyId}/activate", sysHandler.ActivateAPIKey)
				r.Post("/api-key/{keyId}/deactivate", sysHandler.DeactivateAPIKey)
				r.Post("/api-key/{keyId}/rotate", sysHandler.RotateAPIKey)

				// Rate-limit rules
				r.Get("/limits", sysHandler.ListLimits)
			})
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when every backing store
// is reachable, or 503 when one is down.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	for name, backend := range s.backends {
		if err := backend.Ping(r.Context()); err != nil {
			checks[name] = "error: " + err.Error()
			status = "degraded"
		} else {
			checks[name] = "ok"
		}
	}

	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// handleOpenAPI serves the generated API document.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	baseURL := fmt.Sprintf("http://%s", r.Host)
	if r.TLS != nil {
		baseURL = fmt.Sprintf("https://%s", r.Host)
	}
	doc := openapi.Generate(baseURL, s.cfg.Version)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(doc)
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests before returning.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
