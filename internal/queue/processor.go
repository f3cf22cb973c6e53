package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Ticker is the part of Queue driven by the Processor
type Ticker interface {
	Tick(ctx context.Context) TickResult
}

// Processor calls Tick on a fixed period from a single goroutine
type Processor struct {
	queue    Ticker
	interval time.Duration
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProcessor creates a new queue processor
func NewProcessor(q Ticker, interval time.Duration, logger *slog.Logger) *Processor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Processor{
		queue:    q,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start starts the tick loop
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting report queue processor", "interval", p.interval)

	p.wg.Add(1)
	go p.run(ctx)
}

// Stop stops the processor and waits for the current tick to finish
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("stopping report queue processor")
		close(p.stopCh)
	})
	p.wg.Wait()
}

func (p *Processor) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("processor stopped by context")
			return
		case <-p.stopCh:
			p.logger.Debug("processor stopped by signal")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick runs one pass; a panic is logged and the loop continues
func (p *Processor) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in report queue tick", "panic", fmt.Sprint(r))
		}
	}()

	res := p.queue.Tick(ctx)
	if res.Due == 0 && res.Purged == 0 {
		return
	}
	p.logger.Debug("report queue tick",
		"due", res.Due,
		"sent", res.Sent,
		"failed", res.Failed,
		"deferred", res.Deferred,
		"given_up", res.GivenUp,
		"dropped", res.Dropped,
		"skipped", res.Skipped,
		"purged", res.Purged,
	)
}
