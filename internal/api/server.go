// Package api exposes the relay over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/config"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/email"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/ipfilter"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/metrics"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/queue"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/ratelimit"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/report"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/sandbox"
)

// ReportQueue is the part of the notify queue the API uses
type ReportQueue interface {
	Submit(ctx context.Context, r *report.Report) (*queue.Result, error)
	Stats() queue.Stats
	Snapshot() []queue.EntryInfo
}

// Mailer sends free-form messages
type Mailer interface {
	Configured() bool
	Provider() string
	SendEmail(ctx context.Context, req report.EmailRequest) (*email.Receipt, error)
}

// Inbox holds messages captured in sandbox or redirect mode
type Inbox interface {
	List(filter sandbox.ListFilter) []*sandbox.Message
	Get(id string) *sandbox.Message
	Clear() int
	Stats() sandbox.Stats
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	queue      ReportQueue
	mailer     Mailer
	inbox      Inbox
	filter     *ipfilter.Filter
	limiter    *ratelimit.Limiter
	config     *config.APIConfig
	version    string
	logger     *slog.Logger
	startTime  time.Time
}

// Option configures a Server
type Option func(*Server)

// WithInbox enables the sandbox endpoints
func WithInbox(inbox Inbox) Option {
	return func(s *Server) {
		s.inbox = inbox
	}
}

// WithRateLimiter caps send requests per client IP and API key
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// WithVersion sets the version reported by /health
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// NewServer creates a new API server
func NewServer(q ReportQueue, mailer Mailer, cfg *config.APIConfig, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		queue:     q,
		mailer:    mailer,
		config:    cfg,
		version:   "dev",
		logger:    logger,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.filter = ipfilter.New(cfg.AllowedIPs, logger,
		ipfilter.TrustProxyHeaders(cfg.TrustProxyHeaders),
		ipfilter.WithDeniedHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.sendError(w, http.StatusForbidden, "Forbidden")
		})),
	)

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(s.filter.HTTPMiddleware)
	s.router.Use(s.bodyLimitMiddleware)

	// Liveness (no auth required)
	s.router.Get("/", s.handleRoot)
	s.router.Get("/health", s.handleHealth)

	s.router.With(s.authMiddleware, s.rateLimitMiddleware).Post("/send-email", s.handleSendEmail)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.rateLimitMiddleware).Post("/reports/notify", s.handleNotify)
		r.Get("/reports/queue", s.handleQueue)

		if s.inbox != nil {
			r.Get("/sandbox/messages", s.handleSandboxList)
			r.Get("/sandbox/messages/{id}", s.handleSandboxGet)
			r.Delete("/sandbox/messages", s.handleSandboxClear)
			r.Get("/sandbox/stats", s.handleSandboxStats)
		}
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server",
		"addr", s.config.ListenAddr,
		"provider", s.mailer.Provider(),
		"configured", s.mailer.Configured(),
		"ip_filter", s.filter.Enabled(),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
