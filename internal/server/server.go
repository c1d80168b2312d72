// Package server provides the HTTP REST API of the bid assistant: projects, the
// per-step status/execute/result endpoints and the progress views.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jonathan/bid-assistant/internal/config"
	"github.com/jonathan/bid-assistant/internal/db"
	"github.com/jonathan/bid-assistant/internal/executor"
	"github.com/jonathan/bid-assistant/internal/pipeline"
	"github.com/jonathan/bid-assistant/internal/progress"
	authmw "github.com/jonathan/bid-assistant/internal/server/middleware"
	"github.com/jonathan/bid-assistant/internal/server/ratelimit"
	"github.com/jonathan/bid-assistant/internal/storage"
	"github.com/jonathan/bid-assistant/internal/tasks"
	"github.com/jonathan/bid-assistant/internal/workspace"
)

// DefaultStreamInterval is how often the progress stream polls for changes
const DefaultStreamInterval = time.Second

// maxUploadBytes bounds multipart uploads
const maxUploadBytes = 100 << 20

// Deps are the collaborators behind the HTTP API
type Deps struct {
	Store     db.Store
	Progress  *progress.Service
	Tasks     *tasks.Tracker
	Runner    *executor.Runner
	Workspace *workspace.Manager
	Pipeline  *pipeline.Deps
	// Files serves locally published exports under /files/ when set
	Files     *storage.LocalFS
	Auth      config.AuthConfig
	RateLimit *ratelimit.Config

	Port           int
	StreamInterval time.Duration
}

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	store       db.Store
	progress    *progress.Service
	tasks       *tasks.Tracker
	runner      *executor.Runner
	workspace   *workspace.Manager
	pipeline    *pipeline.Deps
	files       *storage.LocalFS
	rateLimiter *ratelimit.Limiter
	auth        *AuthHandler
	jwtService  *JWTService

	streamInterval time.Duration
}

// New creates a new server instance
func New(deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Progress == nil || deps.Tasks == nil || deps.Runner == nil || deps.Workspace == nil {
		return nil, fmt.Errorf("server: store, progress, tasks, runner and workspace are required")
	}

	s := &Server{
		store:          deps.Store,
		progress:       deps.Progress,
		tasks:          deps.Tasks,
		runner:         deps.Runner,
		workspace:      deps.Workspace,
		pipeline:       deps.Pipeline,
		files:          deps.Files,
		rateLimiter:    ratelimit.NewLimiter(deps.RateLimit),
		streamInterval: deps.StreamInterval,
	}
	if s.streamInterval <= 0 {
		s.streamInterval = DefaultStreamInterval
	}

	if deps.Auth.Enabled() {
		jwtConfig, err := deps.Auth.JWTConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to create JWT config: %w", err)
		}
		passwordConfig, err := deps.Auth.PasswordConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to create password config: %w", err)
		}
		s.jwtService = NewJWTService(jwtConfig)
		s.auth = NewAuthHandler(deps.Auth, passwordConfig, s.jwtService)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /steps", s.handleListSteps)
	mux.HandleFunc("POST /auth/token", s.handleToken)
	mux.HandleFunc("GET /materials/categories", s.handleMaterialCategories)

	// Projects
	mux.Handle("POST /projects", s.protected(s.handleCreateProject))
	mux.Handle("GET /projects", s.protected(s.handleListProjects))
	mux.Handle("GET /projects/{project_id}", s.protected(s.handleGetProject))
	mux.Handle("GET /projects/{project_id}/files", s.protected(s.handleListProjectFiles))
	mux.Handle("POST /projects/{project_id}/materials", s.protected(s.handleUploadMaterial))

	// Progress
	mux.Handle("GET /projects/{project_id}/progress", s.protected(s.handleGetProgress))
	mux.Handle("PUT /projects/{project_id}/progress/{step_key}", s.protected(s.handleUpdateProgress))
	mux.Handle("POST /projects/{project_id}/progress/reset", s.protected(s.handleResetProgress))
	mux.Handle("GET /projects/{project_id}/progress/stream", s.protected(s.handleProgressStream))

	// Steps
	mux.Handle("GET /projects/{project_id}/step/{step}/status", s.protected(s.handleStepStatus))
	mux.Handle("POST /projects/{project_id}/step/{step}/execute", s.protected(s.handleStepExecute))
	mux.Handle("GET /projects/{project_id}/step/{step}/result", s.protected(s.handleStepResult))
	mux.Handle("GET /projects/{project_id}/step/{step}/tasks", s.protected(s.handleStepTasks))
	mux.Handle("POST /projects/{project_id}/step/{step}/cancel", s.protected(s.handleStepCancel))
	mux.Handle("GET /tasks/{task_id}", s.protected(s.handleGetTask))

	if s.files != nil {
		mux.HandleFunc("GET /files/{key...}", s.handleFile)
	}

	s.handler = middleware.RequestID(middleware.Recoverer(s.withLogging(s.withCORS(s.withRateLimit(mux)))))

	port := deps.Port
	if port == 0 {
		port = 8080
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 0, // progress streams stay open
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Handler returns the full middleware-wrapped handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[server] listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.Close()
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("[server] shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer s.Close()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Println("[server] stopped")
	return nil
}

// Close releases background resources owned by the server
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// protected requires a bearer token when auth is enabled
func (s *Server) protected(h http.HandlerFunc) http.Handler {
	if s.jwtService == nil {
		return h
	}
	return authmw.AuthMiddleware(s.jwtService.AsTokenValidator())(h)
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-Trace-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit rejects clients that exceed their token bucket
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(extractClientID(r), r.URL.Path, r.Method)
		setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, r, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[server] %s %s %s completed in %v (request %s)",
			r.Method, r.URL.Path, r.RemoteAddr, time.Since(start), middleware.GetReqID(r.Context()))
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok", "database": "ok"}
	if err := s.store.Ping(ctx); err != nil {
		log.Printf("[server] health check: database ping failed: %v", err)
		status["status"] = "degraded"
		status["database"] = "unreachable"
		s.jsonResponse(w, http.StatusServiceUnavailable, Envelope{Success: false, Message: "database unreachable", Data: status, Code: http.StatusServiceUnavailable})
		return
	}
	s.ok(w, http.StatusOK, "ok", status)
}

// extractClientID uses the IP address from RemoteAddr.
func extractClientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetTime.Unix()))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, r *http.Request, info ratelimit.Info) {
	data := map[string]any{
		"limit":     info.Limit,
		"remaining": info.Remaining,
	}
	if !info.ResetTime.IsZero() {
		data["reset_at"] = info.ResetTime.Format(time.RFC3339)
	}
	if info.RetryAfter > 0 {
		seconds := int(info.RetryAfter.Seconds()) + 1
		data["retry_after"] = seconds
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	}

	log.Printf("[rate-limit] %s %s from %s exceeded limit %d", r.Method, r.URL.Path, extractClientID(r), info.Limit)
	s.jsonResponse(w, http.StatusTooManyRequests, Envelope{
		Success: false,
		Message: "rate limit exceeded, please try again later",
		Data:    data,
		Code:    http.StatusTooManyRequests,
	})
}
