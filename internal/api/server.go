package api

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/foxzi/mailsage/internal/config"
	"github.com/foxzi/mailsage/internal/jobs"
	"github.com/foxzi/mailsage/internal/metrics"
	"github.com/foxzi/mailsage/internal/models"
	"github.com/foxzi/mailsage/internal/quota"
	"github.com/foxzi/mailsage/internal/template"
)

// JobCreator creates jobs from send requests
type JobCreator interface {
	CreateJob(ctx context.Context, req jobs.CreateRequest) (*models.Job, error)
}

// JobController runs control actions and progress queries
type JobController interface {
	Pause(ctx context.Context, id, owner, reason string) error
	Resume(ctx context.Context, id, owner string) error
	Stop(ctx context.Context, id, owner, reason string) error
	Progress(ctx context.Context, id, owner string) (*jobs.StatusDocument, error)
	ActiveJobs(ctx context.Context, owner string) ([]*jobs.StatusDocument, error)
}

// DeliveryStore lists deliveries and records engagement
type DeliveryStore interface {
	List(ctx context.Context, filter models.DeliveryFilter) ([]models.Delivery, error)
	RecordOpen(ctx context.Context, trackingID string) (bool, error)
	RecordClick(ctx context.Context, trackingID string) (bool, error)
}

// QuotaChecker enforces the request rate and plan limits on management calls
type QuotaChecker interface {
	AllowRequest(ctx context.Context, owner string) error
	CheckWebhooks(ctx context.Context, owner string, webhooks quota.WebhookStore) error
}

// AccountStore manages SMTP accounts
type AccountStore interface {
	Create(ctx context.Context, a *models.SMTPAccount) error
	ListByOwner(ctx context.Context, owner string) ([]models.SMTPAccount, error)
}

// TemplateStore manages templates
type TemplateStore interface {
	Create(ctx context.Context, t *models.Template) error
	GetForOwner(ctx context.Context, id, owner string) (*models.Template, error)
	ListByOwner(ctx context.Context, owner string) ([]models.Template, error)
}

// WebhookStore manages webhook subscriptions
type WebhookStore interface {
	Create(ctx context.Context, w *models.Webhook) error
	ListByOwner(ctx context.Context, owner string) ([]models.Webhook, error)
	CountActive(ctx context.Context, owner string) (int, error)
}

// Deps bundles the services behind the API
type Deps struct {
	Creator    JobCreator
	Controller JobController
	Deliveries DeliveryStore
	Quota      QuotaChecker
	Accounts   AccountStore
	Templates  TemplateStore
	Webhooks   WebhookStore
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	tlsConfig  *tls.Config
	deps       Deps
	engine     *template.Engine
	config     config.ServerConfig
	apiKeys    map[string]string
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server. apiKeys maps each accepted key to its owner id.
func NewServer(cfg config.ServerConfig, apiKeys map[string]string, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		engine:    template.NewEngine(),
		config:    cfg,
		apiKeys:   apiKeys,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	if len(s.config.CORSOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
			MaxAge:         300,
		}))
	}

	// No auth
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/t/o/{trackingID}", s.handleTrackOpen)
	s.router.Get("/t/c/{trackingID}", s.handleTrackClick)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimitMiddleware)

		r.Route("/emails", func(r chi.Router) {
			r.Post("/send", s.handleSend)
			r.Post("/send/batch", s.handleSendBatch)
			r.Get("/jobs/active", s.handleActiveJobs)
			r.Get("/jobs/{id}/status", s.handleJobStatus)
			r.Post("/jobs/{id}/control", s.handleJobControl)
			r.Get("/jobs/{id}/deliveries", s.handleDeliveries)
		})

		s.registerManagementRoutes(r)
	})
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetTLSConfig makes ListenAndServe serve HTTPS
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	s.tlsConfig = cfg
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
		TLSConfig:      s.tlsConfig,
	}

	var err error
	if s.tlsConfig != nil {
		s.logger.Info("starting HTTPS API server", "addr", s.config.ListenAddr)
		err = s.httpServer.ListenAndServeTLS("", "")
	} else {
		s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
