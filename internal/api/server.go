package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/remotectl/internal/auth"
	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/correlate"
	"github.com/mattjoyce/remotectl/internal/dispatch"
	"github.com/mattjoyce/remotectl/internal/events"
	"github.com/mattjoyce/remotectl/internal/metrics"
	"github.com/mattjoyce/remotectl/internal/poll"
	"github.com/mattjoyce/remotectl/internal/records"
)

// Store is the part of the record store the API reads and the agent routes
// write.
type Store interface {
	QueryCommandStatus(ctx context.Context, id string) (*records.Command, error)
	ListCommands(ctx context.Context, f records.CommandFilter) ([]records.Command, error)
	UpdateCommandStatus(ctx context.Context, id string, upd records.StatusUpdate) (*records.Command, error)
	AppendEvent(ctx context.Context, ne records.NewEvent) (records.Event, error)
	LastEventAt(ctx context.Context, deviceID string) (time.Time, error)
}

// Dispatcher records new commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Dispatched, error)
}

// Awaiter blocks until a command's reply arrives or its window closes.
type Awaiter interface {
	Await(ctx context.Context, w correlate.Window, p poll.Policy) (correlate.Result, error)
}

// PolicySource resolves the await policy for a kind.
type PolicySource interface {
	For(kind command.Kind) poll.Policy
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// MaxConcurrentWaits bounds requests blocked in an await.
	MaxConcurrentWaits int
	// MaxWaitTimeout caps how long one request may wait for a reply.
	MaxWaitTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	store      Store
	dispatcher Dispatcher
	awaiter    Awaiter
	policies   PolicySource
	events     *events.Hub
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
	waitSlots  chan struct{}
	now        func() time.Time
}

// New creates a new API server instance
func New(config Config, store Store, dispatcher Dispatcher, awaiter Awaiter, policies PolicySource, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxConcurrentWaits <= 0 {
		config.MaxConcurrentWaits = 64
	}
	if hub == nil {
		hub = events.NewHub(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:     config,
		store:      store,
		dispatcher: dispatcher,
		awaiter:    awaiter,
		policies:   policies,
		events:     hub,
		logger:     logger.With("component", "api"),
		startedAt:  time.Now(),
		waitSlots:  make(chan struct{}, config.MaxConcurrentWaits),
		now:        time.Now,
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// Result requests may block for up to MaxWaitTimeout.
		WriteTimeout: s.config.MaxWaitTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if s.config.APIKey == "" && len(s.config.Tokens) == 0 {
		s.logger.Warn("API running without authentication")
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeCommandsRW)).Post("/devices/{deviceID}/commands", s.handleDispatch)
		r.With(s.requireScopes(auth.ScopeCommandsRO)).Get("/devices/{deviceID}/commands", s.handleListCommands)
		r.With(s.requireScopes(auth.ScopeCommandsRO)).Get("/devices/{deviceID}", s.handleGetDevice)
		r.With(s.requireScopes(auth.ScopeCommandsRO)).Get("/commands/{commandID}", s.handleGetCommand)
		r.With(s.requireScopes(auth.ScopeCommandsRO)).Get("/commands/{commandID}/result", s.handleGetResult)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)

		r.Route("/agent", func(r chi.Router) {
			r.Use(s.requireScopes(auth.ScopeAgent))
			r.Get("/devices/{deviceID}/commands", s.handleAgentPending)
			r.Post("/commands/{commandID}/status", s.handleAgentStatus)
			r.Post("/devices/{deviceID}/events", s.handleAgentEvent)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
