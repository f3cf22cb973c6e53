package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/ratelimit"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
api:
  listen_addr: ":9080"
  api_key: "test-api-key"
  allowed_ips: ["10.0.0.0/8"]

email:
  provider: smtp
  from: "reports@example.com"
  from_name: "Frota"

smtp:
  host: "smtp.example.com"
  port: 2525
  username: "user"
  password: "pass"
  security: none

report:
  default_to: "ops@example.com"
  retry_interval: 1m
  max_attempts: 10
  dedup_window: 60m
  workers: 2
  attach_pdf: true
  send_retry_delay: 10s
  pdf_allowed_hosts: ["files.example.com"]

brand:
  primary_color: "#112233"

logging:
  level: "debug"
  format: "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":9080" {
		t.Errorf("API.ListenAddr = %v, want :9080", cfg.API.ListenAddr)
	}
	if cfg.API.APIKey != "test-api-key" {
		t.Errorf("API.APIKey = %v", cfg.API.APIKey)
	}
	if cfg.Email.FromName != "Frota" {
		t.Errorf("Email.FromName = %v", cfg.Email.FromName)
	}
	if cfg.SMTP.Port != 2525 || cfg.SMTP.Security != "none" {
		t.Errorf("SMTP = %s:%d %s", cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Security)
	}
	if cfg.Report.RetryInterval != time.Minute {
		t.Errorf("Report.RetryInterval = %v, want 1m", cfg.Report.RetryInterval)
	}
	if cfg.Report.MaxAttempts != 10 {
		t.Errorf("Report.MaxAttempts = %v, want 10", cfg.Report.MaxAttempts)
	}
	if cfg.Report.DedupWindow != time.Hour {
		t.Errorf("Report.DedupWindow = %v, want 1h", cfg.Report.DedupWindow)
	}
	if !cfg.Report.AttachPDF {
		t.Error("Report.AttachPDF = false, want true")
	}
	if cfg.Report.SendRetryDelay != 10*time.Second {
		t.Errorf("Report.SendRetryDelay = %v, want 10s", cfg.Report.SendRetryDelay)
	}
	if len(cfg.Report.PDFAllowedHosts) != 1 || cfg.Report.PDFAllowedHosts[0] != "files.example.com" {
		t.Errorf("Report.PDFAllowedHosts = %v", cfg.Report.PDFAllowedHosts)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.ProviderConfigured() {
		t.Error("ProviderConfigured() = false, want true")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":3000" {
		t.Errorf("API.ListenAddr = %v, want :3000", cfg.API.ListenAddr)
	}
	if cfg.Email.Provider != ProviderSMTP {
		t.Errorf("Email.Provider = %v", cfg.Email.Provider)
	}
	if cfg.Email.FromName != "Relatórios" {
		t.Errorf("Email.FromName = %v", cfg.Email.FromName)
	}
	if cfg.SMTP.Host != "smtp.gmail.com" || cfg.SMTP.Port != 587 || cfg.SMTP.Security != "starttls" {
		t.Errorf("SMTP defaults = %s:%d %s", cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Security)
	}
	if cfg.Report.RetryInterval != 30*time.Second {
		t.Errorf("Report.RetryInterval = %v, want 30s", cfg.Report.RetryInterval)
	}
	if cfg.Report.MaxAttempts != 40 {
		t.Errorf("Report.MaxAttempts = %v, want 40", cfg.Report.MaxAttempts)
	}
	if cfg.Report.DedupWindow != 180*time.Minute {
		t.Errorf("Report.DedupWindow = %v, want 180m", cfg.Report.DedupWindow)
	}
	if cfg.Report.TickInterval != 5*time.Second {
		t.Errorf("Report.TickInterval = %v, want 5s", cfg.Report.TickInterval)
	}
	if cfg.Sandbox.Mode != "production" {
		t.Errorf("Sandbox.Mode = %v", cfg.Sandbox.Mode)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.ProviderConfigured() {
		t.Error("ProviderConfigured() = true without credentials")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
smtp:
  host: "smtp.example.com"
report:
  max_attempts: 10
`)

	t.Setenv("PORT", "8081")
	t.Setenv("EMAIL_USER", "reports@example.com")
	t.Setenv("EMAIL_APP_PASS", "app-pass")
	t.Setenv("SMTP_HOST", "relay.internal")
	t.Setenv("SMTP_SECURE", "true")
	t.Setenv("REPORT_RETRY_EVERY_SECONDS", "15")
	t.Setenv("REPORT_MAX_ATTEMPTS", "3")
	t.Setenv("REPORT_DEDUP_TTL_MINUTES", "5")
	t.Setenv("REPORT_DEFAULT_TO", "a@x.com,b@x.com")
	t.Setenv("SANDBOX_MODE", "redirect")
	t.Setenv("SANDBOX_REDIRECT_TO", "qa@example.com,dev@example.com")
	t.Setenv("RATE_LIMIT_PER_DAY", "450")
	t.Setenv("REPORT_PDF_ALLOWED_HOSTS", "files.example.com,*.cdn.example.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":8081" {
		t.Errorf("API.ListenAddr = %v, want :8081", cfg.API.ListenAddr)
	}
	if cfg.SMTP.Host != "relay.internal" {
		t.Errorf("SMTP.Host = %v", cfg.SMTP.Host)
	}
	if cfg.SMTP.Security != "tls" || cfg.SMTP.Port != 465 {
		t.Errorf("SMTP_SECURE should select implicit TLS on 465, got %s:%d", cfg.SMTP.Security, cfg.SMTP.Port)
	}
	if cfg.Email.From != "reports@example.com" {
		t.Errorf("Email.From should default to EMAIL_USER, got %v", cfg.Email.From)
	}
	if cfg.Report.RetryInterval != 15*time.Second {
		t.Errorf("Report.RetryInterval = %v", cfg.Report.RetryInterval)
	}
	if cfg.Report.MaxAttempts != 3 {
		t.Errorf("env should override file: MaxAttempts = %v", cfg.Report.MaxAttempts)
	}
	if cfg.Report.DedupWindow != 5*time.Minute {
		t.Errorf("Report.DedupWindow = %v", cfg.Report.DedupWindow)
	}
	if cfg.Report.DefaultTo != "a@x.com,b@x.com" {
		t.Errorf("Report.DefaultTo = %v", cfg.Report.DefaultTo)
	}
	if len(cfg.Sandbox.RedirectTo) != 2 {
		t.Errorf("Sandbox.RedirectTo = %v", cfg.Sandbox.RedirectTo)
	}
	if !cfg.ProviderConfigured() {
		t.Error("ProviderConfigured() = false with EMAIL_USER and EMAIL_APP_PASS")
	}
	if cfg.RateLimit.Global == nil || cfg.RateLimit.Global.MessagesPerDay != 450 || cfg.RateLimit.Global.MessagesPerHour != 0 {
		t.Errorf("RateLimit.Global = %+v, want 450 per day", cfg.RateLimit.Global)
	}
	if len(cfg.Report.PDFAllowedHosts) != 2 || cfg.Report.PDFAllowedHosts[1] != "*.cdn.example.com" {
		t.Errorf("Report.PDFAllowedHosts = %v", cfg.Report.PDFAllowedHosts)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	t.Setenv("REPORT_MAX_ATTEMPTS", "many")
	if _, err := Load(""); err == nil {
		t.Error("expected error for non-numeric REPORT_MAX_ATTEMPTS")
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeConfig(t, "api: [not a map")
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		cfg.setDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "Level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "Format"},
		{"bad provider", func(c *Config) { c.Email.Provider = "mailgun" }, "Provider"},
		{"bad security", func(c *Config) { c.SMTP.Security = "ssl" }, "Security"},
		{"bad brand color", func(c *Config) { c.Brand.PrimaryColor = "blue" }, "PrimaryColor"},
		{"bad sandbox mode", func(c *Config) { c.Sandbox.Mode = "bcc" }, "Mode"},
		{"redirect without targets", func(c *Config) { c.Sandbox.Mode = "redirect" }, "redirect_to"},
		{"redirect bad address", func(c *Config) {
			c.Sandbox.Mode = "redirect"
			c.Sandbox.RedirectTo = []string{"nobody"}
		}, "RedirectTo"},
		{"error probability", func(c *Config) { c.Sandbox.ErrorProbability = 1.5 }, "ErrorProbability"},
		{"retry too fast", func(c *Config) { c.Report.RetryInterval = time.Millisecond }, "retry_interval"},
		{"dkim without selector", func(c *Config) {
			c.DKIM = DKIMConfig{Enabled: true, Domain: "example.com", KeyFile: "k.pem"}
		}, "dkim.selector"},
		{"dkim bad domain", func(c *Config) {
			c.DKIM = DKIMConfig{Enabled: true, Domain: "../etc", Selector: "s1", KeyFile: "k.pem"}
		}, "dkim.domain"},
		{"dkim bad selector", func(c *Config) {
			c.DKIM = DKIMConfig{Enabled: true, Domain: "example.com", Selector: "s_1", KeyFile: "k.pem"}
		}, "dkim.selector"},
		{"negative rate limit", func(c *Config) {
			c.RateLimit.Global = &ratelimit.LimitConfig{MessagesPerDay: -1}
		}, "MessagesPerDay"},
		{"dkim complete", func(c *Config) {
			c.DKIM = DKIMConfig{Enabled: true, Domain: "example.com", Selector: "s1", KeyFile: "k.pem"}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestProviderConfigured(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"smtp credentials", Config{Email: EmailConfig{Provider: ProviderSMTP}, SMTP: SMTPConfig{Host: "h", Username: "u", Password: "p"}}, true},
		{"smtp missing password", Config{Email: EmailConfig{Provider: ProviderSMTP}, SMTP: SMTPConfig{Host: "h", Username: "u"}}, false},
		{"smtp open relay", Config{Email: EmailConfig{Provider: ProviderSMTP}, SMTP: SMTPConfig{Host: "h", AllowUnauthenticated: true}}, true},
		{"sendgrid key", Config{Email: EmailConfig{Provider: ProviderSendGrid}, SendGrid: SendGridConfig{APIKey: "SG.x"}}, true},
		{"sendgrid without key", Config{Email: EmailConfig{Provider: ProviderSendGrid}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.ProviderConfigured(); got != tt.want {
				t.Errorf("ProviderConfigured() = %v, want %v", got, tt.want)
			}
		})
	}
}
