// Package ratelimit enforces hourly and daily send quotas in memory.
package ratelimit

import (
	"sync"
	"time"
)

// Level represents the level of rate limiting
type Level string

const (
	LevelGlobal    Level = "global"
	LevelIP        Level = "ip"
	LevelAPIKey    Level = "api_key"
	LevelRecipient Level = "recipient_domain"
)

// Config contains rate limit configuration. A nil limit disables that level.
type Config struct {
	// Global caps every outbound message, protecting the provider's quota
	Global *LimitConfig `yaml:"global,omitempty"`

	// DefaultRecipientDomain caps messages per recipient domain
	DefaultRecipientDomain *LimitConfig `yaml:"default_recipient_domain,omitempty"`

	// DefaultIP caps API requests per client IP
	DefaultIP *LimitConfig `yaml:"default_ip,omitempty"`

	// DefaultAPIKey caps API requests per API key
	DefaultAPIKey *LimitConfig `yaml:"default_api_key,omitempty"`
}

// LimitConfig contains rate limit values. Zero means unlimited.
type LimitConfig struct {
	MessagesPerHour int `yaml:"messages_per_hour" json:"messages_per_hour" validate:"gte=0"`
	MessagesPerDay  int `yaml:"messages_per_day" json:"messages_per_day" validate:"gte=0"`
}

// Counter tracks fixed-window counts for one key
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Request identifies who is asking. Empty fields skip their level.
type Request struct {
	IP               string
	APIKey           string
	RecipientDomains []string
	// Outbound selects the message levels (global, recipient_domain)
	Outbound bool
}

// Result contains the rate limit check result
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Stats contains rate limit statistics for one key
type Stats struct {
	Level       Level     `json:"level"`
	Key         string    `json:"key"`
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start,omitzero"`
	DayStart    time.Time `json:"day_start,omitzero"`
}

// Limiter implements rate limiting with multiple levels
type Limiter struct {
	config    Config
	counters  map[string]*Counter
	mu        sync.Mutex
	now       func() time.Time
	lastSweep time.Time
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a new rate limiter
func NewLimiter(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		config:   cfg,
		counters: make(map[string]*Counter),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSweep = l.now()
	return l
}

// OutboundEnabled reports whether any message level is configured
func (l *Limiter) OutboundEnabled() bool {
	return l.config.Global.enabled() || l.config.DefaultRecipientDomain.enabled()
}

// InboundEnabled reports whether any API level is configured
func (l *Limiter) InboundEnabled() bool {
	return l.config.DefaultIP.enabled() || l.config.DefaultAPIKey.enabled()
}

// Allow checks every applicable limit and, if none is exhausted, counts the
// request against all of them.
func (l *Limiter) Allow(req *Request) *Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	checks := l.getChecks(req)
	for _, check := range checks {
		counter := l.getOrCreateCounter(check.key, now)
		resetExpired(counter, now)

		if res := deny(check, counter.HourlyCount, counter.DailyCount, counter, now); res != nil {
			return res
		}
	}

	for _, check := range checks {
		counter := l.counters[check.key]
		counter.HourlyCount++
		counter.DailyCount++
	}

	return &Result{Allowed: true}
}

// Check reports whether req would be allowed without counting it
func (l *Limiter) Check(req *Request) *Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, check := range l.getChecks(req) {
		counter, exists := l.counters[check.key]
		if !exists {
			continue
		}

		hourly, daily := counter.HourlyCount, counter.DailyCount
		if now.Sub(counter.HourStart) >= time.Hour {
			hourly = 0
		}
		if now.Sub(counter.DayStart) >= 24*time.Hour {
			daily = 0
		}

		if res := deny(check, hourly, daily, counter, now); res != nil {
			return res
		}
	}

	return &Result{Allowed: true}
}

// GetStats returns current counts for one key
func (l *Limiter) GetStats(level Level, key string) *Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := &Stats{Level: level, Key: key}
	counter, exists := l.counters[makeKey(level, key)]
	if !exists {
		return stats
	}

	now := l.now()
	stats.HourStart = counter.HourStart
	stats.DayStart = counter.DayStart
	if now.Sub(counter.HourStart) < time.Hour {
		stats.HourlyCount = counter.HourlyCount
	}
	if now.Sub(counter.DayStart) < 24*time.Hour {
		stats.DailyCount = counter.DailyCount
	}
	return stats
}

// Len returns the number of tracked keys
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}

type limitCheck struct {
	level Level
	key   string
	limit *LimitConfig
}

func (c *LimitConfig) enabled() bool {
	return c != nil && (c.MessagesPerHour > 0 || c.MessagesPerDay > 0)
}

func deny(check limitCheck, hourly, daily int, counter *Counter, now time.Time) *Result {
	if check.limit.MessagesPerHour > 0 && hourly >= check.limit.MessagesPerHour {
		return &Result{
			DeniedBy:   check.level,
			DeniedKey:  check.key,
			RetryAfter: counter.HourStart.Add(time.Hour).Sub(now),
		}
	}
	if check.limit.MessagesPerDay > 0 && daily >= check.limit.MessagesPerDay {
		return &Result{
			DeniedBy:   check.level,
			DeniedKey:  check.key,
			RetryAfter: counter.DayStart.Add(24 * time.Hour).Sub(now),
		}
	}
	return nil
}

func (l *Limiter) getChecks(req *Request) []limitCheck {
	var checks []limitCheck

	if req.Outbound && l.config.Global.enabled() {
		checks = append(checks, limitCheck{
			level: LevelGlobal,
			key:   makeKey(LevelGlobal, "global"),
			limit: l.config.Global,
		})
	}

	if req.Outbound && l.config.DefaultRecipientDomain.enabled() {
		seen := make(map[string]bool, len(req.RecipientDomains))
		for _, domain := range req.RecipientDomains {
			if domain == "" || seen[domain] {
				continue
			}
			seen[domain] = true
			checks = append(checks, limitCheck{
				level: LevelRecipient,
				key:   makeKey(LevelRecipient, domain),
				limit: l.config.DefaultRecipientDomain,
			})
		}
	}

	if req.IP != "" && l.config.DefaultIP.enabled() {
		checks = append(checks, limitCheck{
			level: LevelIP,
			key:   makeKey(LevelIP, req.IP),
			limit: l.config.DefaultIP,
		})
	}

	if req.APIKey != "" && l.config.DefaultAPIKey.enabled() {
		checks = append(checks, limitCheck{
			level: LevelAPIKey,
			key:   makeKey(LevelAPIKey, req.APIKey),
			limit: l.config.DefaultAPIKey,
		})
	}

	return checks
}

func (l *Limiter) getOrCreateCounter(key string, now time.Time) *Counter {
	counter, exists := l.counters[key]
	if !exists {
		counter = &Counter{
			HourStart: now,
			DayStart:  now,
		}
		l.counters[key] = counter
	}
	return counter
}

func resetExpired(counter *Counter, now time.Time) {
	if now.Sub(counter.HourStart) >= time.Hour {
		counter.HourlyCount = 0
		counter.HourStart = now
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		counter.DailyCount = 0
		counter.DayStart = now
	}
}

// sweep drops counters whose daily window has ended. Caller holds mu.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < time.Hour {
		return
	}
	l.lastSweep = now
	for key, counter := range l.counters {
		if now.Sub(counter.DayStart) >= 24*time.Hour {
			delete(l.counters, key)
		}
	}
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}
