// Package api serves the provider webhooks, the telephony media socket and
// a small read-only view of live and past calls.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/flowpbx/callbridge/internal/api/middleware"
	"github.com/flowpbx/callbridge/internal/calls"
	"github.com/flowpbx/callbridge/internal/database"
	"github.com/flowpbx/callbridge/internal/database/models"
)

// HistoryLister lists persisted call records.
type HistoryLister interface {
	List(ctx context.Context, filter database.CallRecordListFilter) ([]models.CallRecord, int, error)
}

// Options configures a Server. History, Signer and Metrics are optional.
type Options struct {
	Calls     *calls.Manager
	History   HistoryLister
	Signer    *middleware.CallbackSigner
	Metrics   http.Handler
	StartTime time.Time
	Logger    *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	calls     *calls.Manager
	history   HistoryLister
	signer    *middleware.CallbackSigner
	metrics   http.Handler
	startTime time.Time
	logger    *slog.Logger
	limiter   *middleware.IPRateLimiter
	upgrader  websocket.Upgrader
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("subsystem", "api")
	s := &Server{
		router:    chi.NewRouter(),
		calls:     opts.Calls,
		history:   opts.History,
		signer:    opts.Signer,
		metrics:   opts.Metrics,
		startTime: opts.StartTime,
		logger:    logger,
		limiter:   middleware.NewIPRateLimiter(middleware.WebhookRateLimitConfig(), logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			// The provider connects from its own origin; the token and
			// signature authenticate the socket.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if s.startTime.IsZero() {
		s.startTime = time.Now()
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))

	verify := middleware.RequireCallbackSignature(s.signer, s.logger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Provider webhooks.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.limiter))
			r.Post("/incomingCall", s.handleIncomingCall)
			r.With(verify).Post("/callbacks/{token}", s.handleCallbacks)
		})

		r.Route("/calls", func(r chi.Router) {
			r.Get("/", s.handleListCalls)
			r.Get("/active", s.handleActiveCalls)
		})
	})

	r.With(verify).Get("/ws/media/{token}", s.handleMedia)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"active_calls":   s.calls.Stats().Active,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}
