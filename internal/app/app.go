// Package app wires configuration, providers, the notify queue and the HTTP
// servers into a running relay.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/api"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/config"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/dkim"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/metrics"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/queue"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/ratelimit"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/report"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/sandbox"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/sendgrid"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/smtp"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/template"
)

// App is the main application
type App struct {
	config         *config.Config
	queue          *queue.Queue
	dispatcher     *report.Dispatcher
	processor      *queue.Processor
	apiServer      *api.Server
	metricsServer  *metrics.Server
	collector      *metrics.Collector
	sandboxStorage *sandbox.Storage
	logger         *slog.Logger
	logCloser      io.Closer
}

// Option configures an App
type Option func(*appOptions)

type appOptions struct {
	version string
}

// WithVersion sets the version reported by the API
func WithVersion(v string) Option {
	return func(o *appOptions) {
		o.version = v
	}
}

// New creates a new application
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := appOptions{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	logger, logCloser := SetupLogger(cfg.Logging)

	provider, err := NewProvider(cfg, logger)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimit)
	outbound := sandbox.Provider(provider)
	if limiter.OutboundEnabled() {
		outbound = ratelimit.NewSender(provider, limiter, logger.With("component", "ratelimit"))
	}

	// Sandbox wraps the real provider in every mode
	sandboxStorage := sandbox.NewStorage(cfg.Sandbox.Capacity)
	sender := sandbox.NewSender(outbound, sandbox.Options{
		Mode:             cfg.Sandbox.Mode,
		RedirectTo:       cfg.Sandbox.RedirectTo,
		ErrorProbability: cfg.Sandbox.ErrorProbability,
	}, sandboxStorage, logger.With("component", "sandbox"))
	if cfg.Sandbox.Mode != sandbox.ModeProduction {
		logger.Warn("sandbox mode active, outgoing mail is intercepted", "mode", cfg.Sandbox.Mode)
	}

	tmpl, err := template.LoadDir(cfg.Report.TemplateDir, template.Report)
	if err != nil {
		return nil, fmt.Errorf("failed to load report template: %w", err)
	}
	if err := template.NewEngine().Validate(tmpl); err != nil {
		return nil, fmt.Errorf("failed to load report template: %w", err)
	}

	dispatcher := report.NewDispatcher(sender, report.Options{
		From:     cfg.Email.From,
		FromName: cfg.Email.FromName,
		Branding: template.Branding{
			PrimaryColor:   cfg.Brand.PrimaryColor,
			SecondaryColor: cfg.Brand.SecondaryColor,
			LogoURL:        cfg.Brand.LogoURL,
			FromName:       cfg.Email.FromName,
		},
		Template:        tmpl,
		AttachPDF:       cfg.Report.AttachPDF,
		MaxPDFBytes:     cfg.Report.MaxPDFBytes,
		FetchTimeout:    cfg.Report.FetchTimeout,
		PDFAllowedHosts: cfg.Report.PDFAllowedHosts,
	}, logger.With("component", "dispatcher"))

	if !dispatcher.Configured() {
		logger.Warn("email provider not configured, send routes will return 500",
			"provider", cfg.Email.Provider,
		)
	}

	q := queue.New(queue.Config{
		RetryInterval:     cfg.Report.RetryInterval,
		MaxAttempts:       cfg.Report.MaxAttempts,
		DedupWindow:       cfg.Report.DedupWindow,
		GraceDelay:        cfg.Report.GraceDelay,
		Workers:           cfg.Report.Workers,
		MaxSendFailures:   cfg.Report.MaxSendFailures,
		SendRetryDelay:    cfg.Report.SendRetryDelay,
		DefaultRecipients: cfg.Report.DefaultTo,
	}, dispatcher, logger.With("component", "queue"))

	processor := queue.NewProcessor(q, cfg.Report.TickInterval, logger.With("component", "processor"))

	apiOpts := []api.Option{api.WithVersion(o.version)}
	if cfg.Sandbox.Mode != sandbox.ModeProduction {
		apiOpts = append(apiOpts, api.WithInbox(sandboxStorage))
	}
	if limiter.InboundEnabled() {
		apiOpts = append(apiOpts, api.WithRateLimiter(limiter))
	}
	apiServer := api.NewServer(q, dispatcher, &cfg.API, logger.With("component", "api"), apiOpts...)

	a := &App{
		config:         cfg,
		queue:          q,
		dispatcher:     dispatcher,
		processor:      processor,
		apiServer:      apiServer,
		sandboxStorage: sandboxStorage,
		logger:         logger,
		logCloser:      logCloser,
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		a.collector = metrics.NewCollector(m, queueStats{q}, cfg.Metrics.CollectInterval)
		a.metricsServer = metrics.NewServerWithAllowedIPs(m,
			cfg.Metrics.ListenAddr,
			cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs,
			logger.With("component", "metrics"),
		)
	}

	return a, nil
}

// NewProvider builds the outbound provider selected by email.provider
func NewProvider(cfg *config.Config, logger *slog.Logger) (report.Provider, error) {
	switch cfg.Email.Provider {
	case config.ProviderSendGrid:
		return sendgrid.NewClient(sendgrid.Config{
			APIKey:          cfg.SendGrid.APIKey,
			BaseURL:         cfg.SendGrid.BaseURL,
			Timeout:         cfg.SendGrid.Timeout,
			BreakerFailures: cfg.SendGrid.BreakerFailures,
			BreakerCooldown: cfg.SendGrid.BreakerCooldown,
		}, logger.With("component", "sendgrid")), nil
	default:
		client := smtp.NewClient(smtp.Config{
			Host:                 cfg.SMTP.Host,
			Port:                 cfg.SMTP.Port,
			Username:             cfg.SMTP.Username,
			Password:             cfg.SMTP.Password,
			Security:             cfg.SMTP.Security,
			HeloName:             cfg.SMTP.HeloName,
			Timeout:              cfg.SMTP.Timeout,
			InsecureSkipVerify:   cfg.SMTP.InsecureSkipVerify,
			AllowUnauthenticated: cfg.SMTP.AllowUnauthenticated,
		}, logger.With("component", "smtp"))

		if cfg.DKIM.Enabled {
			signer, err := dkim.Load(dkim.Options{
				Domain:   cfg.DKIM.Domain,
				Selector: cfg.DKIM.Selector,
				KeyFile:  cfg.DKIM.KeyFile,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to load DKIM key: %w", err)
			}
			client.SetDKIMSigner(signer)
			logger.Info("DKIM signing enabled", "domain", signer.Domain(), "selector", signer.Selector())
		}
		return client, nil
	}
}

// queueStats adapts the notify queue to the metrics collector
type queueStats struct {
	q *queue.Queue
}

func (s queueStats) QueueStats() metrics.QueueStats {
	st := s.q.Stats()
	return metrics.QueueStats{
		Pending:       st.Pending,
		InFlight:      st.InFlight,
		SentRecords:   st.SentRecords,
		OldestSeconds: st.OldestPendingSeconds,
	}
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting relay",
		"api_addr", a.config.API.ListenAddr,
		"provider", a.dispatcher.Provider(),
		"sandbox_mode", a.config.Sandbox.Mode,
		"retry_interval", a.config.Report.RetryInterval,
		"max_attempts", a.config.Report.MaxAttempts,
		"dedup_window", a.config.Report.DedupWindow,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.processor.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	// Channel to collect errors
	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			a.logger.Info("starting metrics server", "addr", a.config.Metrics.ListenAddr, "path", a.config.Metrics.Path)
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components. Pending notifications
// are memory-only and are lost.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	// Stop processor after the API so in-flight requests can finish
	a.processor.Stop()

	if a.collector != nil {
		a.collector.Stop()
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if st := a.queue.Stats(); st.Pending > 0 {
		a.logger.Warn("dropping pending notifications", "pending", st.Pending)
	}

	a.logger.Info("shutdown complete")
	if a.logCloser != nil {
		return a.logCloser.Close()
	}
	return nil
}

// SetupLogger creates a logger based on configuration. The returned closer
// is non-nil when logging to a rotated file.
func SetupLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
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

	var out io.Writer = os.Stdout
	var closer io.Closer
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = lj
		closer = lj
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), closer
}
