// Package config loads relay settings from an optional YAML file, a .env
// file and the process environment, in that order of increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/dnscheck"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/ratelimit"
)

// Provider names
const (
	ProviderSMTP     = "smtp"
	ProviderSendGrid = "sendgrid"
)

// DefaultListenAddr is used when neither api.listen_addr nor PORT is set
const DefaultListenAddr = ":3000"

// Config is the main configuration structure
type Config struct {
	API       APIConfig        `yaml:"api"`
	Email     EmailConfig      `yaml:"email"`
	SMTP      SMTPConfig       `yaml:"smtp"`
	SendGrid  SendGridConfig   `yaml:"sendgrid"`
	DKIM      DKIMConfig       `yaml:"dkim"`
	Sandbox   SandboxConfig    `yaml:"sandbox"`
	Report    ReportConfig     `yaml:"report"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Brand     BrandConfig      `yaml:"brand"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	APIKey            string        `yaml:"api_key"`
	APIKeyHash        string        `yaml:"api_key_hash"` // bcrypt hash, takes precedence over api_key
	AllowedIPs        []string      `yaml:"allowed_ips"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes" validate:"gte=0"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

// EmailConfig selects the outbound provider and sender identity
type EmailConfig struct {
	Provider string `yaml:"provider" validate:"oneof=smtp sendgrid"`
	From     string `yaml:"from"` // defaults to smtp.username
	FromName string `yaml:"from_name"`
}

// SMTPConfig contains upstream relay settings
type SMTPConfig struct {
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port" validate:"gte=0,lte=65535"`
	Username             string        `yaml:"username"`
	Password             string        `yaml:"password"`
	Security             string        `yaml:"security" validate:"oneof=starttls tls none"`
	HeloName             string        `yaml:"helo_name"`
	Timeout              time.Duration `yaml:"timeout"`
	InsecureSkipVerify   bool          `yaml:"insecure_skip_verify"`
	AllowUnauthenticated bool          `yaml:"allow_unauthenticated"`
}

// SendGridConfig contains transactional API settings
type SendGridConfig struct {
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url" validate:"omitempty,url"`
	Timeout         time.Duration `yaml:"timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// DKIMConfig contains DKIM signing settings for the SMTP provider
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// SandboxConfig controls interception of outgoing mail
type SandboxConfig struct {
	Mode             string   `yaml:"mode" validate:"oneof=production sandbox redirect"`
	RedirectTo       []string `yaml:"redirect_to" validate:"dive,email"`
	Capacity         int      `yaml:"capacity" validate:"gte=0"`
	ErrorProbability float64  `yaml:"error_probability" validate:"gte=0,lte=1"`
}

// ReportConfig contains report notify queue settings
type ReportConfig struct {
	DefaultTo       string        `yaml:"default_to"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	MaxAttempts     int           `yaml:"max_attempts" validate:"gte=1"`
	DedupWindow     time.Duration `yaml:"dedup_window"`
	GraceDelay      time.Duration `yaml:"grace_delay"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	Workers         int           `yaml:"workers" validate:"gte=1"`
	MaxSendFailures int           `yaml:"max_send_failures" validate:"gte=0"`
	SendRetryDelay  time.Duration `yaml:"send_retry_delay"` // zero retries on the next tick
	AttachPDF       bool          `yaml:"attach_pdf"`
	MaxPDFBytes     int64         `yaml:"max_pdf_bytes"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	PDFAllowedHosts []string      `yaml:"pdf_allowed_hosts"` // empty allows any host
	TemplateDir     string        `yaml:"template_dir"`
}

// BrandConfig customizes the rendered report email
type BrandConfig struct {
	PrimaryColor   string `yaml:"primary_color" validate:"omitempty,hexcolor"`
	SecondaryColor string `yaml:"secondary_color" validate:"omitempty,hexcolor"`
	LogoURL        string `yaml:"logo_url" validate:"omitempty,url"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"oneof=json text"`
	File       string `yaml:"file"` // empty logs to stdout
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr"`
	Path            string        `yaml:"path"`
	CollectInterval time.Duration `yaml:"collect_interval"`
	AllowedIPs      []string      `yaml:"allowed_ips"`
}

// envOverrides lists the environment variables the service has always
// honoured. Unset variables stay nil and leave the file value alone.
type envOverrides struct {
	Port           *int     `envconfig:"PORT"`
	EmailUser      *string  `envconfig:"EMAIL_USER"`
	EmailAppPass   *string  `envconfig:"EMAIL_APP_PASS"`
	EmailFrom      *string  `envconfig:"EMAIL_FROM"`
	EmailFromName  *string  `envconfig:"EMAIL_FROM_NAME"`
	EmailProvider  *string  `envconfig:"EMAIL_PROVIDER"`
	SMTPHost       *string  `envconfig:"SMTP_HOST"`
	SMTPPort       *int     `envconfig:"SMTP_PORT"`
	SMTPSecure     *bool    `envconfig:"SMTP_SECURE"`
	SendGridAPIKey *string  `envconfig:"SENDGRID_API_KEY"`
	DefaultTo      *string  `envconfig:"REPORT_DEFAULT_TO"`
	RetrySeconds   *int     `envconfig:"REPORT_RETRY_EVERY_SECONDS"`
	MaxAttempts    *int     `envconfig:"REPORT_MAX_ATTEMPTS"`
	DedupMinutes   *int     `envconfig:"REPORT_DEDUP_TTL_MINUTES"`
	AttachPDF      *bool    `envconfig:"REPORT_ATTACH_PDF"`
	PDFHosts       []string `envconfig:"REPORT_PDF_ALLOWED_HOSTS"`
	PrimaryColor   *string  `envconfig:"BRAND_PRIMARY_COLOR"`
	SecondaryColor *string  `envconfig:"BRAND_SECONDARY_COLOR"`
	LogoURL        *string  `envconfig:"BRAND_LOGO_URL"`
	SandboxMode    *string  `envconfig:"SANDBOX_MODE"`
	RedirectTo     []string `envconfig:"SANDBOX_REDIRECT_TO"`
	APIKey         *string  `envconfig:"API_KEY"`
	LogLevel       *string  `envconfig:"LOG_LEVEL"`
	LogFormat      *string  `envconfig:"LOG_FORMAT"`
	MetricsEnabled *bool    `envconfig:"METRICS_ENABLED"`
	RateLimitHour  *int     `envconfig:"RATE_LIMIT_PER_HOUR"`
	RateLimitDay   *int     `envconfig:"RATE_LIMIT_PER_DAY"`
}

// Load builds the configuration. path may be empty, in which case only the
// environment and defaults apply. A .env file in the working directory is
// loaded first without overriding variables already set.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overlays environment variables on the file values
func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	if env.Port != nil {
		c.API.ListenAddr = ":" + strconv.Itoa(*env.Port)
	}
	setString(&c.SMTP.Username, env.EmailUser)
	setString(&c.SMTP.Password, env.EmailAppPass)
	setString(&c.Email.From, env.EmailFrom)
	setString(&c.Email.FromName, env.EmailFromName)
	setString(&c.Email.Provider, env.EmailProvider)
	setString(&c.SMTP.Host, env.SMTPHost)
	if env.SMTPPort != nil {
		c.SMTP.Port = *env.SMTPPort
	}
	if env.SMTPSecure != nil {
		if *env.SMTPSecure {
			c.SMTP.Security = "tls"
		} else {
			c.SMTP.Security = "starttls"
		}
	}
	setString(&c.SendGrid.APIKey, env.SendGridAPIKey)
	setString(&c.Report.DefaultTo, env.DefaultTo)
	if env.RetrySeconds != nil {
		c.Report.RetryInterval = time.Duration(*env.RetrySeconds) * time.Second
	}
	if env.MaxAttempts != nil {
		c.Report.MaxAttempts = *env.MaxAttempts
	}
	if env.DedupMinutes != nil {
		c.Report.DedupWindow = time.Duration(*env.DedupMinutes) * time.Minute
	}
	if env.AttachPDF != nil {
		c.Report.AttachPDF = *env.AttachPDF
	}
	if len(env.PDFHosts) > 0 {
		c.Report.PDFAllowedHosts = env.PDFHosts
	}
	setString(&c.Brand.PrimaryColor, env.PrimaryColor)
	setString(&c.Brand.SecondaryColor, env.SecondaryColor)
	setString(&c.Brand.LogoURL, env.LogoURL)
	setString(&c.Sandbox.Mode, env.SandboxMode)
	if len(env.RedirectTo) > 0 {
		c.Sandbox.RedirectTo = env.RedirectTo
	}
	setString(&c.API.APIKey, env.APIKey)
	setString(&c.Logging.Level, env.LogLevel)
	setString(&c.Logging.Format, env.LogFormat)
	if env.MetricsEnabled != nil {
		c.Metrics.Enabled = *env.MetricsEnabled
	}
	if env.RateLimitHour != nil || env.RateLimitDay != nil {
		if c.RateLimit.Global == nil {
			c.RateLimit.Global = &ratelimit.LimitConfig{}
		}
		if env.RateLimitHour != nil {
			c.RateLimit.Global.MessagesPerHour = *env.RateLimitHour
		}
		if env.RateLimitDay != nil {
			c.RateLimit.Global.MessagesPerDay = *env.RateLimitDay
		}
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = DefaultListenAddr
	}
	if c.API.MaxBodyBytes == 0 {
		c.API.MaxBodyBytes = 2 << 20 // 2 MB
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		// Immediate sends wait on the provider and the PDF download
		c.API.WriteTimeout = 90 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Email.Provider == "" {
		c.Email.Provider = ProviderSMTP
	}
	if c.Email.FromName == "" {
		c.Email.FromName = "Relatórios"
	}
	if c.Email.From == "" {
		c.Email.From = c.SMTP.Username
	}

	if c.SMTP.Host == "" {
		c.SMTP.Host = "smtp.gmail.com"
	}
	if c.SMTP.Security == "" {
		c.SMTP.Security = "starttls"
	}
	if c.SMTP.Port == 0 {
		if c.SMTP.Security == "tls" {
			c.SMTP.Port = 465
		} else {
			c.SMTP.Port = 587
		}
	}
	if c.SMTP.Timeout == 0 {
		c.SMTP.Timeout = 30 * time.Second
	}

	if c.SendGrid.BaseURL == "" {
		c.SendGrid.BaseURL = "https://api.sendgrid.com"
	}
	if c.SendGrid.Timeout == 0 {
		c.SendGrid.Timeout = 30 * time.Second
	}
	if c.SendGrid.BreakerFailures == 0 {
		c.SendGrid.BreakerFailures = 5
	}
	if c.SendGrid.BreakerCooldown == 0 {
		c.SendGrid.BreakerCooldown = 30 * time.Second
	}

	if c.Sandbox.Mode == "" {
		c.Sandbox.Mode = "production"
	}
	if c.Sandbox.Capacity == 0 {
		c.Sandbox.Capacity = 500
	}

	if c.Report.RetryInterval == 0 {
		c.Report.RetryInterval = 30 * time.Second
	}
	if c.Report.MaxAttempts == 0 {
		c.Report.MaxAttempts = 40
	}
	if c.Report.DedupWindow == 0 {
		c.Report.DedupWindow = 180 * time.Minute
	}
	if c.Report.GraceDelay == 0 {
		c.Report.GraceDelay = 2 * time.Second
	}
	if c.Report.TickInterval == 0 {
		c.Report.TickInterval = 5 * time.Second
	}
	if c.Report.Workers == 0 {
		c.Report.Workers = 4
	}
	if c.Report.MaxPDFBytes == 0 {
		c.Report.MaxPDFBytes = 10 << 20 // 10 MB
	}
	if c.Report.FetchTimeout == 0 {
		c.Report.FetchTimeout = 20 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 30
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.CollectInterval == 0 {
		c.Metrics.CollectInterval = 5 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: %v (must satisfy %s)", fe.Namespace(), fe.Value(), fieldRule(fe))
		}
		return err
	}

	if c.Report.RetryInterval < time.Second {
		return fmt.Errorf("report.retry_interval must be at least 1s")
	}
	if c.Report.TickInterval < 100*time.Millisecond {
		return fmt.Errorf("report.tick_interval must be at least 100ms")
	}
	if c.Report.DedupWindow < time.Minute {
		return fmt.Errorf("report.dedup_window must be at least 1m")
	}

	if c.Sandbox.Mode == "redirect" && len(c.Sandbox.RedirectTo) == 0 {
		return fmt.Errorf("sandbox.redirect_to is required when mode is redirect")
	}

	return c.validateDKIM()
}

func fieldRule(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// validateDKIM validates DKIM configuration
func (c *Config) validateDKIM() error {
	if !c.DKIM.Enabled {
		return nil
	}

	if c.DKIM.Selector == "" {
		return fmt.Errorf("dkim.selector is required when DKIM is enabled")
	}
	if c.DKIM.KeyFile == "" {
		return fmt.Errorf("dkim.key_file is required when DKIM is enabled")
	}
	if c.DKIM.Domain == "" {
		return fmt.Errorf("dkim.domain is required when DKIM is enabled")
	}
	if err := dnscheck.ValidateDomain(c.DKIM.Domain); err != nil {
		return fmt.Errorf("dkim.domain: %w", err)
	}
	if err := dnscheck.ValidateSelector(c.DKIM.Selector); err != nil {
		return fmt.Errorf("dkim.selector: %w", err)
	}

	return nil
}

// ProviderConfigured reports whether the selected provider has credentials.
// A relay that accepts mail without AUTH counts as configured.
func (c *Config) ProviderConfigured() bool {
	switch c.Email.Provider {
	case ProviderSendGrid:
		return c.SendGrid.APIKey != ""
	default:
		return c.SMTP.Host != "" &&
			((c.SMTP.Username != "" && c.SMTP.Password != "") || c.SMTP.AllowUnauthenticated)
	}
}
