// Package api provides the HTTP REST API and event stream for research runs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/events"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/metrics"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/research"
)

// Researcher is the run lifecycle the API exposes.
type Researcher interface {
	Start(ctx context.Context, req research.StartRequest) (*research.Run, error)
	Feedback(ctx context.Context, thread core.ThreadID, text string) (*research.Run, error)
	Proceed(ctx context.Context, thread core.ThreadID) (*research.Run, error)
	Resume(ctx context.Context, thread core.ThreadID) (*research.Run, error)
	Get(ctx context.Context, thread core.ThreadID) (*research.Run, error)
	List(ctx context.Context) ([]core.ThreadSummary, error)
	Interview(ctx context.Context, thread core.ThreadID, index int) (*core.InterviewState, error)
}

// Server provides HTTP REST API endpoints for research runs.
type Server struct {
	router         chi.Router
	researcher     Researcher
	eventBus       *events.EventBus
	logger         *logging.Logger
	metrics        *metrics.Metrics
	runner         *runner
	allowedOrigins []string
	requestTimeout time.Duration
	drainTimeout   time.Duration
	sentry         bool
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics records request metrics and serves them at /metrics.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithAllowedOrigins restricts CORS origins. The default allows any.
func WithAllowedOrigins(origins ...string) ServerOption {
	return func(s *Server) {
		if len(origins) > 0 {
			s.allowedOrigins = origins
		}
	}
}

// WithRequestTimeout bounds synchronous requests. Event streams are exempt.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithDrainTimeout bounds how long shutdown waits for background steps.
// Steps still running afterwards are cancelled.
func WithDrainTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.drainTimeout = d
		}
	}
}

// WithSentry reports panics and request traces to the initialized Sentry
// client.
func WithSentry() ServerOption {
	return func(s *Server) {
		s.sentry = true
	}
}

// NewServer creates a new API server.
func NewServer(researcher Researcher, eventBus *events.EventBus, opts ...ServerOption) *Server {
	s := &Server{
		researcher:     researcher,
		eventBus:       eventBus,
		logger:         logging.NewNop(),
		allowedOrigins: []string{"*"},
		requestTimeout: 60 * time.Second,
		drainTimeout:   2 * time.Minute,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.runner = newRunner(s.logger)
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures Chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.sentry {
		r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	}
	r.Use(s.metrics.Middleware)
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Streams stay open for as long as the client listens.
		r.Get("/events", s.handleSSE)
		r.Get("/research/{threadID}/events", s.handleSSE)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.requestTimeout))

			r.Get("/research", s.handleListRuns)
			r.Post("/research", s.handleStartRun)
			r.Get("/research/{threadID}", s.handleGetRun)
			r.Post("/research/{threadID}/feedback", s.handleFeedback)
			r.Post("/research/{threadID}/proceed", s.handleProceed)
			r.Post("/research/{threadID}/resume", s.handleResume)
			r.Post("/research/{threadID}/cancel", s.handleCancel)
			r.Get("/research/{threadID}/report", s.handleGetReport)
			r.Get("/research/{threadID}/interviews/{index}", s.handleGetInterview)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			s.logger.Error("failed to encode response", "error", err)
		}
	}
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, errorResponse{Error: message})
}

// respondDomainError maps err to a status code and a sanitized message.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	status, ok := httpStatusForDomainError(err)
	if !ok {
		status = http.StatusInternalServerError
	}
	body := errorResponse{Error: s.logger.Sanitize(err.Error())}
	var (
		fatal  *core.WorkflowFatalError
		domErr *core.DomainError
	)
	switch {
	case errors.As(err, &fatal):
		body.Code = "RUN_FAILED"
	case errors.As(err, &domErr):
		body.Code = domErr.Code
		body.Error = s.logger.Sanitize(domErr.Message)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", body.Error)
	}
	s.respondJSON(w, status, body)
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListenAndServe starts the HTTP server and waits for background runs on
// shutdown.
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
	err := srv.ListenAndServe()
	s.drain()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// drain waits for background steps, cancelling whatever is still running
// once the drain timeout passes.
func (s *Server) drain() {
	done := make(chan struct{})
	go func() {
		s.runner.wait()
		close(done)
	}()

	timer := time.NewTimer(s.drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("cancelling background steps still running at shutdown", "waited", s.drainTimeout)
		s.runner.cancelAll()
		<-done
	}
}

// Wait blocks until every background run started through the API returns.
func (s *Server) Wait() {
	s.runner.wait()
}
