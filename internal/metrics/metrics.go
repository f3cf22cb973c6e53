// Package metrics exposes relay counters and gauges to Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for the relay
type Metrics struct {
	// Report notifications
	ReportsTotal            *prometheus.CounterVec
	ReportsGivenUpTotal     prometheus.Counter
	DispatchFailuresTotal   *prometheus.CounterVec
	DispatchDurationSeconds prometheus.Histogram

	// Provider sends
	EmailsSentTotal      *prometheus.CounterVec
	EmailsFailedTotal    *prometheus.CounterVec
	SandboxCapturedTotal *prometheus.CounterVec
	RateLimitedTotal     *prometheus.CounterVec

	// Queue gauges
	QueuePending       prometheus.Gauge
	QueueInFlight      prometheus.Gauge
	QueueSentRecords   prometheus.Gauge
	QueueOldestSeconds prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ReportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_reports_total",
				Help: "Report notifications by submit outcome",
			},
			[]string{"outcome"},
		),
		ReportsGivenUpTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_reports_given_up_total",
				Help: "Queued reports dropped after exhausting their retry budget",
			},
		),
		DispatchFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_dispatch_failures_total",
				Help: "Failed provider calls for report notifications",
			},
			[]string{"path"},
		),
		DispatchDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_dispatch_duration_seconds",
				Help:    "Duration of one report dispatch including PDF fetch",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
			},
		),

		EmailsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_emails_sent_total",
				Help: "Emails accepted by a provider",
			},
			[]string{"provider"},
		),
		EmailsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_emails_failed_total",
				Help: "Emails a provider failed to accept",
			},
			[]string{"provider", "error_type"},
		),
		SandboxCapturedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_sandbox_captured_total",
				Help: "Messages captured or redirected by sandbox mode",
			},
			[]string{"mode"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_rate_limited_total",
				Help: "Sends and API requests refused by a rate limit",
			},
			[]string{"level"},
		),

		QueuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_queue_pending",
				Help: "Reports waiting for their PDF",
			},
		),
		QueueInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_queue_in_flight",
				Help: "Report dispatches currently in progress",
			},
		),
		QueueSentRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_queue_sent_records",
				Help: "Keys remembered for deduplication",
			},
		),
		QueueOldestSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_queue_oldest_seconds",
				Help: "Age of the oldest pending report in seconds",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_goroutines",
				Help: "Number of active goroutines",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.ReportsTotal,
		m.ReportsGivenUpTotal,
		m.DispatchFailuresTotal,
		m.DispatchDurationSeconds,
		m.EmailsSentTotal,
		m.EmailsFailedTotal,
		m.SandboxCapturedTotal,
		m.RateLimitedTotal,
		m.QueuePending,
		m.QueueInFlight,
		m.QueueSentRecords,
		m.QueueOldestSeconds,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncReportOutcome counts one Submit result
func IncReportOutcome(outcome string) {
	if m := Global(); m != nil {
		m.ReportsTotal.WithLabelValues(outcome).Inc()
	}
}

// IncReportGivenUp counts a dropped queue entry
func IncReportGivenUp() {
	if m := Global(); m != nil {
		m.ReportsGivenUpTotal.Inc()
	}
}

// IncDispatchFailed counts a failed dispatch; path is "submit" or "tick"
func IncDispatchFailed(path string) {
	if m := Global(); m != nil {
		m.DispatchFailuresTotal.WithLabelValues(path).Inc()
	}
}

// ObserveDispatchDuration records how long one dispatch took
func ObserveDispatchDuration(d time.Duration) {
	if m := Global(); m != nil {
		m.DispatchDurationSeconds.Observe(d.Seconds())
	}
}

// IncEmailsSent increments the sent email counter
func IncEmailsSent(provider string) {
	if m := Global(); m != nil {
		m.EmailsSentTotal.WithLabelValues(provider).Inc()
	}
}

// IncEmailsFailed increments the failed email counter
func IncEmailsFailed(provider, errorType string) {
	if m := Global(); m != nil {
		m.EmailsFailedTotal.WithLabelValues(provider, errorType).Inc()
	}
}

// IncSandboxCaptured counts a message intercepted by sandbox mode
func IncSandboxCaptured(mode string) {
	if m := Global(); m != nil {
		m.SandboxCapturedTotal.WithLabelValues(mode).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}

// IncRateLimited counts a request refused at level
func IncRateLimited(level string) {
	if m := Global(); m != nil {
		m.RateLimitedTotal.WithLabelValues(level).Inc()
	}
}
