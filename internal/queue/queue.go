// Package queue holds report notifications until their PDF is ready, then
// dispatches each one exactly once within the dedup window.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/email"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/metrics"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/report"
)

// ErrNoRecipients is returned when the request names no valid address and
// no configured default applies.
var ErrNoRecipients = errors.New("no valid recipients")

// errAlreadySent signals that another path recorded the key first
var errAlreadySent = errors.New("already sent")

// Dispatcher performs one send attempt for a report
type Dispatcher interface {
	Send(ctx context.Context, r *report.Report, recipients []string) (*email.Receipt, error)
}

// Config contains queue tuning
type Config struct {
	RetryInterval time.Duration
	MaxAttempts   int
	DedupWindow   time.Duration
	GraceDelay    time.Duration
	Workers       int
	// MaxSendFailures drops an entry after this many provider failures.
	// Zero retries provider failures until the entry is sent.
	MaxSendFailures int
	// SendRetryDelay holds an entry back after a provider failure. Zero
	// retries it on the next tick.
	SendRetryDelay time.Duration
	// DefaultRecipients is used when a request names none
	DefaultRecipients string
}

// Option configures a Queue
type Option func(*Queue)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// Queue owns the pending and sent tables. A key is at any time absent,
// pending or sent, never more than one.
type Queue struct {
	cfg        Config
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	entries  map[string]*Entry
	sent     map[string]time.Time
	inflight map[string]struct{}
	group    singleflight.Group

	submitted    atomic.Uint64
	ignored      atomic.Uint64
	dedup        atomic.Uint64
	queued       atomic.Uint64
	sentTotal    atomic.Uint64
	givenUp      atomic.Uint64
	sendFailures atomic.Uint64
}

// New creates a queue. Zero config values take their defaults.
func New(cfg Config, dispatcher Dispatcher, logger *slog.Logger, opts ...Option) *Queue {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 40
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 180 * time.Minute
	}
	if cfg.GraceDelay < 0 {
		cfg.GraceDelay = 0
	}
	if cfg.SendRetryDelay < 0 {
		cfg.SendRetryDelay = 0
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	q := &Queue{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
		entries:    make(map[string]*Entry),
		sent:       make(map[string]time.Time),
		inflight:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Config returns the effective configuration
func (q *Queue) Config() Config {
	return q.cfg
}

// Submit records a report notification. Ready reports are dispatched
// immediately; others are held until a tick finds them ready.
func (q *Queue) Submit(ctx context.Context, r *report.Report) (*Result, error) {
	q.submitted.Add(1)

	recipients := email.ParseRecipients(r.To, q.cfg.DefaultRecipients)
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	if !r.HasPDFMarkers() {
		q.ignored.Add(1)
		metrics.IncReportOutcome(string(OutcomeIgnored))
		return &Result{Outcome: OutcomeIgnored, Recipients: recipients}, nil
	}

	key := report.DeriveKey(r, recipients)
	logger := q.logger.With("key", key)

	q.mu.Lock()
	now := q.now()
	q.purgeLocked(now)

	if _, ok := q.sent[key]; ok {
		q.mu.Unlock()
		return q.dedupResult(key, recipients), nil
	}

	payload := r.Clone()
	if e, ok := q.entries[key]; ok {
		e.Report.Export.Merge(r.Export)
		e.Recipients = recipients
		e.NextAt = now.Add(q.cfg.GraceDelay)
		payload = e.Report.Clone()
		logger.Debug("pending report updated", "status", e.Report.Export.StatusUploadPDF)
	}

	rd := report.EvaluateReadiness(payload)
	if !rd.Ready {
		e, ok := q.entries[key]
		if !ok {
			e = &Entry{
				Key:        key,
				Report:     payload,
				Recipients: recipients,
				CreatedAt:  now,
				NextAt:     now.Add(q.cfg.GraceDelay),
			}
			q.entries[key] = e
			logger.Info("report queued until pdf is ready", "status", rd.Status, "recipients", len(recipients))
		}
		attempts := e.Attempts
		q.mu.Unlock()

		q.queued.Add(1)
		metrics.IncReportOutcome(string(OutcomeQueued))
		return &Result{
			Outcome:    OutcomeQueued,
			Key:        key,
			Recipients: recipients,
			Status:     rd.Status,
			PDFURL:     rd.URL,
			Attempts:   attempts,
		}, nil
	}
	q.mu.Unlock()

	receipt, ran, err := q.dispatch(ctx, key, payload, recipients)
	if errors.Is(err, errAlreadySent) {
		return q.dedupResult(key, recipients), nil
	}
	if err != nil {
		if ran {
			q.sendFailures.Add(1)
			metrics.IncDispatchFailed("submit")
		}
		return nil, err
	}
	if !ran {
		// Another caller's dispatch delivered it
		return q.dedupResult(key, recipients), nil
	}

	q.sentTotal.Add(1)
	metrics.IncReportOutcome(string(OutcomeSent))
	logger.Info("report sent", "recipients", len(recipients))
	return &Result{
		Outcome:    OutcomeSent,
		Key:        key,
		Recipients: recipients,
		Receipt:    receipt,
		Status:     rd.Status,
		PDFURL:     rd.URL,
	}, nil
}

func (q *Queue) dedupResult(key string, recipients []string) *Result {
	q.dedup.Add(1)
	metrics.IncReportOutcome(string(OutcomeDedup))
	q.logger.Debug("report already sent", "key", key)
	return &Result{Outcome: OutcomeDedup, Key: key, Recipients: recipients}
}

// dispatch sends at most once per key at a time. Callers racing on the same
// key share the in-flight call; a caller arriving after it finished sees the
// sent record and gets errAlreadySent. ran is true only for the caller whose
// call reached the provider.
func (q *Queue) dispatch(ctx context.Context, key string, payload *report.Report, recipients []string) (receipt *email.Receipt, ran bool, err error) {
	v, err, _ := q.group.Do(key, func() (any, error) {
		ran = true
		q.mu.Lock()
		if _, ok := q.sent[key]; ok {
			delete(q.entries, key)
			q.mu.Unlock()
			return nil, errAlreadySent
		}
		q.inflight[key] = struct{}{}
		q.mu.Unlock()

		defer func() {
			q.mu.Lock()
			delete(q.inflight, key)
			q.mu.Unlock()
		}()

		start := time.Now()
		receipt, err := q.dispatcher.Send(ctx, payload, recipients)
		metrics.ObserveDispatchDuration(time.Since(start))
		if err != nil {
			return nil, err
		}

		// Record before removing so the key is never absent in between
		q.mu.Lock()
		q.sent[key] = q.now()
		delete(q.entries, key)
		q.mu.Unlock()

		return receipt, nil
	})
	if err != nil {
		return nil, ran, err
	}
	return v.(*email.Receipt), ran, nil
}

type dueEntry struct {
	key        string
	payload    *report.Report
	recipients []string
}

// Tick re-evaluates every due entry. Ready entries are dispatched
// concurrently, bounded by Config.Workers.
func (q *Queue) Tick(ctx context.Context) TickResult {
	var res TickResult

	q.mu.Lock()
	now := q.now()
	res.Purged = q.purgeLocked(now)

	var due []dueEntry
	for key, e := range q.entries {
		if e.NextAt.After(now) {
			continue
		}
		if _, busy := q.inflight[key]; busy {
			res.Skipped++
			continue
		}
		res.Due++
		if d, ok := q.inspectLocked(key, e, now, &res); ok {
			due = append(due, d)
		}
	}
	q.mu.Unlock()

	var sent, failed, dropped, panics atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(q.cfg.Workers)
	for _, d := range due {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					panics.Add(1)
					q.logger.Error("panic while dispatching report", "key", d.key, "panic", fmt.Sprint(r))
				}
			}()

			_, ran, err := q.dispatch(ctx, d.key, d.payload, d.recipients)
			switch {
			case errors.Is(err, errAlreadySent), err == nil && !ran:
				dropped.Add(1)
			case err != nil && !ran:
				// The owning call reports the failure; the entry stays due
				failed.Add(1)
			case err == nil:
				sent.Add(1)
				q.sentTotal.Add(1)
				metrics.IncReportOutcome(string(OutcomeSent))
				q.logger.Info("queued report sent", "key", d.key, "recipients", len(d.recipients))
			default:
				failed.Add(1)
				q.recordFailure(d.key, err)
			}
			return nil
		})
	}
	g.Wait()

	res.Sent += int(sent.Load())
	res.Failed += int(failed.Load())
	res.Dropped += int(dropped.Load())
	res.Panics += int(panics.Load())
	return res
}

// inspectLocked applies the readiness rules to one due entry. It returns the
// entry for dispatch when ready. A panic here is contained to the entry.
func (q *Queue) inspectLocked(key string, e *Entry, now time.Time, res *TickResult) (d dueEntry, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			res.Panics++
			q.logger.Error("panic while inspecting report", "key", key, "panic", fmt.Sprint(r))
			ok = false
		}
	}()

	rd := report.EvaluateReadiness(e.Report)
	if !rd.Ready {
		e.Attempts++
		if e.Attempts >= q.cfg.MaxAttempts {
			delete(q.entries, key)
			res.GivenUp++
			q.givenUp.Add(1)
			metrics.IncReportGivenUp()
			q.logger.Warn("giving up on report, pdf never became ready",
				"key", key,
				"attempts", e.Attempts,
				"status", rd.Status,
				"age", now.Sub(e.CreatedAt),
			)
			return dueEntry{}, false
		}
		e.NextAt = now.Add(q.cfg.RetryInterval)
		res.Deferred++
		return dueEntry{}, false
	}

	if _, sent := q.sent[key]; sent {
		delete(q.entries, key)
		res.Dropped++
		return dueEntry{}, false
	}

	return dueEntry{
		key:        key,
		payload:    e.Report.Clone(),
		recipients: append([]string(nil), e.Recipients...),
	}, true
}

// recordFailure leaves the entry due for the next tick, or after
// SendRetryDelay when set, unless the provider failure budget is exhausted.
func (q *Queue) recordFailure(key string, err error) {
	q.sendFailures.Add(1)
	metrics.IncDispatchFailed("tick")

	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[key]
	if !ok {
		return
	}
	e.SendFailures++
	e.LastError = err.Error()

	if q.cfg.MaxSendFailures > 0 && e.SendFailures >= q.cfg.MaxSendFailures {
		delete(q.entries, key)
		q.givenUp.Add(1)
		metrics.IncReportGivenUp()
		q.logger.Warn("giving up on report after provider failures",
			"key", key,
			"send_failures", e.SendFailures,
			"error", err,
		)
		return
	}

	e.NextAt = q.now().Add(q.cfg.SendRetryDelay)
	q.logger.Warn("queued report send failed, will retry", "key", key, "send_failures", e.SendFailures, "error", err)
}

// purgeLocked drops sent records older than the dedup window
func (q *Queue) purgeLocked(now time.Time) int {
	n := 0
	for key, at := range q.sent {
		if now.Sub(at) > q.cfg.DedupWindow {
			delete(q.sent, key)
			n++
		}
	}
	return n
}

// Stats returns counters and table sizes
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	now := q.now()
	s := Stats{
		Pending:     len(q.entries),
		InFlight:    len(q.inflight),
		SentRecords: len(q.sent),
	}
	for _, e := range q.entries {
		if age := now.Sub(e.CreatedAt).Seconds(); age > s.OldestPendingSeconds {
			s.OldestPendingSeconds = age
		}
	}
	q.mu.Unlock()

	s.Submitted = q.submitted.Load()
	s.Ignored = q.ignored.Load()
	s.Dedup = q.dedup.Load()
	s.Queued = q.queued.Load()
	s.Sent = q.sentTotal.Load()
	s.GivenUp = q.givenUp.Load()
	s.SendFailures = q.sendFailures.Load()
	s.RetryEverySeconds = int(q.cfg.RetryInterval / time.Second)
	s.MaxAttempts = q.cfg.MaxAttempts
	s.DedupTTLMinutes = int(q.cfg.DedupWindow / time.Minute)
	return s
}

// Snapshot lists pending entries, oldest first
func (q *Queue) Snapshot() []EntryInfo {
	q.mu.Lock()
	out := make([]EntryInfo, 0, len(q.entries))
	for key, e := range q.entries {
		_, busy := q.inflight[key]
		out = append(out, EntryInfo{
			Key:          key,
			Recipients:   append([]string(nil), e.Recipients...),
			Unit:         e.Report.Route.Unit,
			Shift:        e.Report.Route.Shift,
			Status:       e.Report.Export.StatusUploadPDF,
			PDFURL:       e.Report.Export.PDFURL,
			Attempts:     e.Attempts,
			SendFailures: e.SendFailures,
			CreatedAt:    e.CreatedAt,
			NextAt:       e.NextAt,
			LastError:    e.LastError,
			InFlight:     busy,
		})
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
