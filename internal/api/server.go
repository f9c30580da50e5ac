// Package api exposes the dispatcher, governance state and workflows over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/swamp-dev/agentboard/internal/dispatch"
	"github.com/swamp-dev/agentboard/internal/governance"
	"github.com/swamp-dev/agentboard/internal/store"
	"github.com/swamp-dev/agentboard/internal/workflow"
)

// Dispatcher is the control surface of the dispatch loop.
type Dispatcher interface {
	Start(ctx context.Context, opts dispatch.StartOptions) error
	Stop(ctx context.Context) error
	ToggleDispatchMode(ctx context.Context, enabled bool) error
	SetDigestInterval(interval time.Duration) error
	ResolvePendingReview(ctx context.Context, taskID string, decision dispatch.Decision) error
	ResetBreaker(ctx context.Context) governance.Snapshot
	Status() dispatch.Status
	PendingReviews() []store.PendingReview
	History(limit int) []*store.HistoryEntry
	Breaker() *governance.CircuitBreaker
	Trust() *governance.TrustLedger
}

// Workflows runs and plans dependency-ordered task sets.
type Workflows interface {
	RunWorkflow(ctx context.Context, req workflow.Request) (*workflow.BatchResult, error)
	PlanWorkflow(ctx context.Context, taskIDs []string) (workflow.Summary, error)
}

// Server provides the HTTP control API.
type Server struct {
	router     chi.Router
	dispatcher Dispatcher
	workflows  Workflows
	origins    []string
	logger     *slog.Logger
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithWorkflows enables the workflow endpoints.
func WithWorkflows(w Workflows) ServerOption {
	return func(s *Server) {
		s.workflows = w
	}
}

// WithAllowedOrigins restricts CORS to the given origins.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.origins = origins
	}
}

// NewServer creates a new API server.
func NewServer(d Dispatcher, opts ...ServerOption) *Server {
	s := &Server{
		dispatcher: d,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Requested-With"},
		MaxAge:         300,
	}).Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/dispatch", func(r chi.Router) {
			r.Get("/", s.handleDispatchStatus)
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Post("/mode", s.handleMode)
			r.Get("/reviews", s.handleListReviews)
			r.Post("/reviews/{taskID}", s.handleResolveReview)
			r.Get("/history", s.handleHistory)
		})

		r.Route("/governance", func(r chi.Router) {
			r.Get("/", s.handleGovernance)
			r.Post("/breaker/reset", s.handleBreakerReset)
		})

		if s.workflows != nil {
			r.Route("/workflows", func(r chi.Router) {
				r.Post("/run", s.handleRunWorkflow)
				r.Get("/plan", s.handlePlanWorkflow)
			})
		}
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// decodeBody decodes an optional JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
