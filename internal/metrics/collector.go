package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// QueueStats contains queue statistics for metrics
type QueueStats struct {
	Pending       int
	InFlight      int
	SentRecords   int
	OldestSeconds float64
}

// QueueStatsProvider provides queue statistics for metrics
type QueueStatsProvider interface {
	QueueStats() QueueStats
}

// Collector periodically refreshes gauges that are sampled rather than counted
type Collector struct {
	metrics    *Metrics
	queueStats QueueStatsProvider
	interval   time.Duration
	startTime  time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(m *Metrics, queueStats QueueStatsProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		metrics:    m,
		queueStats: queueStats,
		interval:   interval,
		startTime:  time.Now(),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the collector loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// collect samples the current system and queue state
func (c *Collector) collect() {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.queueStats == nil {
		return
	}
	stats := c.queueStats.QueueStats()
	c.metrics.QueuePending.Set(float64(stats.Pending))
	c.metrics.QueueInFlight.Set(float64(stats.InFlight))
	c.metrics.QueueSentRecords.Set(float64(stats.SentRecords))
	c.metrics.QueueOldestSeconds.Set(stats.OldestSeconds)
}
