package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foxzi/mailsage/internal/api"
	"github.com/foxzi/mailsage/internal/config"
	"github.com/foxzi/mailsage/internal/control"
	"github.com/foxzi/mailsage/internal/db"
	"github.com/foxzi/mailsage/internal/jobs"
	"github.com/foxzi/mailsage/internal/metrics"
	"github.com/foxzi/mailsage/internal/queue"
	"github.com/foxzi/mailsage/internal/quota"
	"github.com/foxzi/mailsage/internal/ratelimit"
	"github.com/foxzi/mailsage/internal/repository"
	"github.com/foxzi/mailsage/internal/secret"
	"github.com/foxzi/mailsage/internal/smtp"
	apitls "github.com/foxzi/mailsage/internal/tls"
	"github.com/foxzi/mailsage/internal/webhook"
	"github.com/foxzi/mailsage/internal/worker"
)

// Mode selects which components a process runs
type Mode int

const (
	// ModeServe runs the HTTP API together with the batch workers
	ModeServe Mode = iota
	// ModeWorker runs the batch workers only
	ModeWorker
)

func (m Mode) String() string {
	if m == ModeWorker {
		return "worker"
	}
	return "serve"
}

// App is the main application
type App struct {
	config *config.Config
	mode   Mode
	logger *slog.Logger

	database    *db.DB
	redis       *redis.Client
	storage     *queue.BoltStorage
	boltCounter *ratelimit.BoltCounter
	processor   *queue.Processor
	cleaner     *queue.Cleaner
	notifier    *webhook.Notifier
	controller  *jobs.Controller

	apiServer     *api.Server
	acmeServer    *http.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector

	wg sync.WaitGroup
}

// services are the stores and control plane shared by every command
type services struct {
	database   *db.DB
	redis      *redis.Client
	signals    control.Store
	locker     control.Locker
	jobs       *repository.JobRepository
	deliveries *repository.DeliveryRepository
	accounts   *repository.SMTPAccountRepository
	templates  *repository.TemplateRepository
	webhooks   *repository.WebhookRepository
	users      *repository.UserRepository
	notifier   *webhook.Notifier
}

func openServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	database, err := db.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	box, err := secret.New(cfg.Security.SecretKey)
	if err != nil {
		database.Close()
		return nil, err
	}

	s := &services{
		database:   database,
		jobs:       repository.NewJobRepository(database),
		deliveries: repository.NewDeliveryRepository(database),
		accounts:   repository.NewSMTPAccountRepository(database, box),
		templates:  repository.NewTemplateRepository(database),
		webhooks:   repository.NewWebhookRepository(database, box),
		users:      repository.NewUserRepository(database),
	}

	if cfg.Redis.URL != "" {
		client, err := control.Dial(ctx, cfg.Redis.URL)
		if err != nil {
			database.Close()
			return nil, err
		}
		store := control.NewRedisStore(client)
		s.redis = client
		s.signals = store
		s.locker = store
		logger.Info("control store: redis")
	} else {
		store := control.NewMemoryStore()
		s.signals = store
		s.locker = store
		logger.Info("control store: in-process")
	}

	s.notifier = webhook.NewNotifier(s.webhooks, cfg.Webhook, logger)
	return s, nil
}

func (s *services) close() {
	s.notifier.Close()
	if s.redis != nil {
		s.redis.Close()
	}
	s.database.Close()
}

// New creates a new application
func New(ctx context.Context, cfg *config.Config, mode Mode) (*App, error) {
	logger := SetupLogger(cfg.Logging)

	svc, err := openServices(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	storage, err := queue.NewBoltStorage(cfg.Queue.Path)
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("failed to create task storage: %w", err)
	}

	a := &App{
		config:   cfg,
		mode:     mode,
		logger:   logger,
		database: svc.database,
		redis:    svc.redis,
		storage:  storage,
		notifier: svc.notifier,
	}

	if mode == ModeWorker && svc.redis == nil {
		logger.Warn("running workers without redis: pause and stop signals from other processes are only seen at batch boundaries")
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		a.metricsServer = metrics.NewServer(m, cfg.Metrics, logger)
		a.collector = metrics.NewCollector(m, storage, cfg.Queue.Path, 0)
	}

	dispatcher := worker.NewDispatcher(storage)
	a.controller = jobs.NewController(svc.jobs, svc.deliveries, svc.signals, svc.locker,
		dispatcher, svc.notifier, logger)
	a.controller.SetClaimTimeout(claimTimeout(cfg))

	sender := smtp.NewSender(
		smtp.NewClient(cfg.SMTP.Hostname, cfg.SMTP.Timeout, logger),
		svc.accounts,
		logger,
	)

	batchWorker := worker.New(worker.Deps{
		Jobs:       svc.jobs,
		Deliveries: svc.deliveries,
		Templates:  svc.templates,
		Sender:     sender,
		Signals:    svc.signals,
		Dispatcher: dispatcher,
		Notifier:   svc.notifier,
	}, worker.Config{
		BatchSize:    cfg.Worker.BatchSize,
		ClaimTimeout: claimTimeout(cfg),
		PublicURL:    cfg.Server.PublicURL,
	}, logger)

	a.processor = queue.NewProcessor(storage, queue.ProcessorConfig{
		Workers:         cfg.Queue.Workers,
		RetryInterval:   cfg.Queue.RetryInterval,
		MaxRetries:      cfg.Queue.MaxRetries,
		ProcessInterval: cfg.Queue.PollInterval,
		SoftTimeout:     cfg.Queue.SoftTimeout,
		HardTimeout:     cfg.Queue.HardTimeout,
	}, logger)
	batchWorker.Register(a.processor)

	a.cleaner = queue.NewCleaner(storage, queue.CleanerConfig{
		CompletedMaxAge: cfg.Queue.CompletedMaxAge,
		DLQMaxAge:       cfg.Queue.DLQMaxAge,
		DLQMaxCount:     cfg.Queue.DLQMaxCount,
		Interval:        cfg.Queue.CleanupInterval,
	}, logger)

	if mode == ModeServe {
		var counter ratelimit.Counter
		if svc.redis != nil {
			counter = ratelimit.NewRedisCounter(svc.redis)
		} else {
			a.boltCounter, err = ratelimit.NewBoltCounter(storage.DB())
			if err != nil {
				a.close()
				return nil, fmt.Errorf("failed to create rate counter: %w", err)
			}
			counter = a.boltCounter
		}

		plans, err := quota.NewPlans(cfg.Quota)
		if err != nil {
			a.close()
			return nil, err
		}
		checker := quota.NewChecker(plans, svc.users, svc.jobs, ratelimit.NewLimiter(counter), cfg.Quota.RequestsPerHour)

		a.apiServer = api.NewServer(cfg.Server, cfg.APIKeys, api.Deps{
			Creator:    jobs.NewCreator(svc.jobs, svc.templates, checker, dispatcher, logger),
			Controller: a.controller,
			Deliveries: svc.deliveries,
			Quota:      checker,
			Accounts:   svc.accounts,
			Templates:  svc.templates,
			Webhooks:   svc.webhooks,
		}, logger)

		tlsConfig, acme, err := apitls.ForServer(cfg.Server.TLS)
		if err != nil {
			a.close()
			return nil, err
		}
		if tlsConfig != nil {
			a.apiServer.SetTLSConfig(tlsConfig)
		}
		if acme != nil {
			a.acmeServer = acme.ChallengeServer()
			logger.Info("ACME (Let's Encrypt) enabled", "domains", acme.Domains())
		}
	}

	return a, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting mailsage",
		"mode", a.mode.String(),
		"api_addr", a.config.Server.ListenAddr,
		"queue_path", a.config.Queue.Path,
		"workers", a.config.Queue.Workers,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if n, err := a.storage.RecoverRunning(ctx); err != nil {
		a.logger.Error("failed to recover running tasks", "error", err)
	} else if n > 0 {
		a.logger.Info("recovered interrupted tasks", "count", n)
	}

	a.processor.Start(ctx)
	a.cleaner.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	a.reconcile(ctx)
	reconcileInterval := a.config.Worker.ReconcileInterval
	if reconcileInterval == 0 && a.mode == ModeWorker {
		reconcileInterval = time.Minute
	}
	a.every(ctx, reconcileInterval, a.reconcile)
	a.every(ctx, a.config.Sweep.Interval, a.sweep)
	if a.boltCounter != nil {
		a.every(ctx, time.Hour, a.cleanupCounters)
	}

	errCh := make(chan error, 3)

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if a.acmeServer != nil {
		go func() {
			a.logger.Info("starting ACME HTTP challenge server", "addr", a.acmeServer.Addr)
			if err := a.acmeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Warn("ACME HTTP server error", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}

	if a.acmeServer != nil {
		if err := a.acmeServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("acme server shutdown error", "error", err)
		}
	}

	// Stop taking tasks before closing the stores they write to
	a.processor.Stop()
	a.cleaner.Stop()
	a.wg.Wait()

	if a.collector != nil {
		a.collector.Stop()
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.close()
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) close() {
	a.notifier.Close()
	if err := a.storage.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.database.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}
}

// every runs fn on a ticker until ctx is done. A zero interval disables it.
func (a *App) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (a *App) reconcile(ctx context.Context) {
	if _, err := a.controller.Reconcile(ctx, a.config.Worker.ReconcileIdle); err != nil {
		a.logger.Error("job reconcile failed", "error", err)
	}
}

func (a *App) sweep(ctx context.Context) {
	if _, err := a.controller.SweepStale(ctx, a.config.Sweep.Threshold); err != nil {
		a.logger.Error("stale sweep failed", "error", err)
	}
}

func (a *App) cleanupCounters(ctx context.Context) {
	n, err := a.boltCounter.Cleanup(ctx)
	if err != nil {
		a.logger.Error("rate counter cleanup failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.Debug("expired rate counters removed", "count", n)
	}
}

var errNoDispatch = errors.New("task dispatch is not available in this process")

type noDispatch struct{}

func (noDispatch) Dispatch(context.Context, string) error { return errNoDispatch }

func (noDispatch) DispatchAfter(context.Context, string, time.Duration) error { return errNoDispatch }

// Sweep runs the stale job sweep once without opening the task queue, so
// it can run next to a serving process.
func Sweep(ctx context.Context, cfg *config.Config, logger *slog.Logger) (int, error) {
	svc, err := openServices(ctx, cfg, logger)
	if err != nil {
		return 0, err
	}
	defer svc.close()

	controller := jobs.NewController(svc.jobs, svc.deliveries, svc.signals, svc.locker,
		noDispatch{}, svc.notifier, logger)
	controller.SetClaimTimeout(claimTimeout(cfg))
	return controller.SweepStale(ctx, cfg.Sweep.Threshold)
}

// claimTimeout bounds how long one batch task may hold a delivery: the
// handler's hard timeout plus one SMTP exchange in flight
func claimTimeout(cfg *config.Config) time.Duration {
	return cfg.Queue.HardTimeout + cfg.SMTP.Timeout
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
