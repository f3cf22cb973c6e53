package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/email"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/report"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeDispatcher struct {
	mu       sync.Mutex
	calls    int
	payloads []*report.Report
	err      error
	panicOn  string // route unit that triggers a panic

	entered chan struct{}
	release chan struct{}
}

func (d *fakeDispatcher) Send(ctx context.Context, r *report.Report, recipients []string) (*email.Receipt, error) {
	d.mu.Lock()
	d.calls++
	d.payloads = append(d.payloads, r)
	err := d.err
	entered, release := d.entered, d.release
	d.mu.Unlock()

	if d.panicOn != "" && r.Route.Unit == d.panicOn {
		panic("bad entry")
	}
	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return nil, &report.SendError{Message: err.Error(), Err: err}
	}
	return &email.Receipt{Provider: "fake", MessageID: "<1@x>", Accepted: recipients, Rejected: []string{}}, nil
}

func (d *fakeDispatcher) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDispatcher) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func newTestQueue(cfg Config, d Dispatcher) (*Queue, *fakeClock) {
	clock := newFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, d, logger, WithClock(clock.Now)), clock
}

func pendingReport() *report.Report {
	return &report.Report{
		Route:  report.Route{Unit: "U1", Shift: "B"},
		Export: report.Export{StatusUploadPDF: "PENDING"},
		To:     []string{"a@x.com"},
	}
}

func readyReport() *report.Report {
	return &report.Report{
		Route:  report.Route{Unit: "U1", Shift: "B"},
		Export: report.Export{StatusUploadPDF: "READY", PDFURL: "https://x/r.pdf"},
		To:     []string{"a@x.com"},
	}
}

func TestSubmitReadySendsOnceThenDedup(t *testing.T) {
	d := &fakeDispatcher{}
	q, _ := newTestQueue(Config{}, d)

	res, err := q.Submit(context.Background(), readyReport())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, "auto:|U1|B||a@x.com", res.Key)
	assert.Equal(t, []string{"a@x.com"}, res.Recipients)
	require.NotNil(t, res.Receipt)

	res, err = q.Submit(context.Background(), readyReport())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDedup, res.Outcome)
	assert.Equal(t, 1, d.Calls())

	stats := q.Stats()
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 1, stats.SentRecords)
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Equal(t, uint64(1), stats.Dedup)
}

func TestSubmitNotReadyQueuesOneEntry(t *testing.T) {
	d := &fakeDispatcher{}
	q, clock := newTestQueue(Config{GraceDelay: 2 * time.Second}, d)

	res, err := q.Submit(context.Background(), pendingReport())
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)
	assert.Equal(t, "PENDING", res.Status)
	assert.Equal(t, 0, res.Attempts)

	clock.Advance(time.Minute)
	res, err = q.Submit(context.Background(), pendingReport())
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)

	entries := q.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, clock.Now().Add(2*time.Second), entries[0].NextAt, "update resets nextAt")
	assert.Equal(t, clock.Now().Add(-time.Minute), entries[0].CreatedAt)
	assert.Equal(t, 0, d.Calls())
}

func TestSubmitMissingPDFFieldQueues(t *testing.T) {
	q, _ := newTestQueue(Config{}, &fakeDispatcher{})

	r := readyReport()
	r.Export.PDFURL = ""
	res, err := q.Submit(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)

	r = readyReport()
	r.Export.StatusUploadPDF = ""
	res, err = q.Submit(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)
	assert.Equal(t, "https://x/r.pdf", res.PDFURL)
}

func TestSubmitIgnoredWithoutPDFMarkers(t *testing.T) {
	d := &fakeDispatcher{}
	q, _ := newTestQueue(Config{}, d)

	r := readyReport()
	r.Export = report.Export{}
	res, err := q.Submit(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, 0, q.Stats().Pending)
	assert.Equal(t, 0, d.Calls())
}

func TestSubmitRecipients(t *testing.T) {
	t.Run("none and no default", func(t *testing.T) {
		q, _ := newTestQueue(Config{}, &fakeDispatcher{})
		r := readyReport()
		r.To = nil
		_, err := q.Submit(context.Background(), r)
		assert.ErrorIs(t, err, ErrNoRecipients)
	})

	t.Run("invalid only", func(t *testing.T) {
		q, _ := newTestQueue(Config{}, &fakeDispatcher{})
		r := readyReport()
		r.To = []string{"not-an-email"}
		_, err := q.Submit(context.Background(), r)
		assert.ErrorIs(t, err, ErrNoRecipients)
	})

	t.Run("invalid with default configured", func(t *testing.T) {
		d := &fakeDispatcher{}
		q, _ := newTestQueue(Config{DefaultRecipients: "ops@x.com"}, d)
		r := readyReport()
		r.To = []string{"not-an-emial@"}
		_, err := q.Submit(context.Background(), r)
		assert.ErrorIs(t, err, ErrNoRecipients)
		assert.Zero(t, d.Calls())
		assert.Empty(t, q.Snapshot())
	})

	t.Run("default used", func(t *testing.T) {
		q, _ := newTestQueue(Config{DefaultRecipients: "ops@x.com, lead@x.com"}, &fakeDispatcher{})
		r := readyReport()
		r.To = nil
		res, err := q.Submit(context.Background(), r)
		require.NoError(t, err)
		assert.Equal(t, []string{"ops@x.com", "lead@x.com"}, res.Recipients)
	})

	t.Run("delimited string", func(t *testing.T) {
		q, _ := newTestQueue(Config{}, &fakeDispatcher{})
		r := readyReport()
		r.To = []string{"a@x.com, b@x.com;c@x.com"}
		res, err := q.Submit(context.Background(), r)
		require.NoError(t, err)
		assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, res.Recipients)
	})
}

func TestPendingThenReadyScenario(t *testing.T) {
	d := &fakeDispatcher{}
	q, _ := newTestQueue(Config{}, d)

	first := &report.Report{
		Route:  report.Route{Unit: "U1", Shift: "B"},
		Export: report.Export{StatusUploadPDF: "PENDING", PDFFilename: "turno_b.pdf"},
		To:     []string{"a@x.com"},
	}
	res, err := q.Submit(context.Background(), first)
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, res.Outcome)
	key := res.Key

	second := &report.Report{
		Route:  report.Route{Unit: "U1", Shift: "B"},
		Export: report.Export{StatusUploadPDF: "READY", PDFURL: "https://x/r.pdf"},
		To:     []string{"a@x.com"},
	}
	res, err = q.Submit(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, key, res.Key)

	require.Equal(t, 1, d.Calls())
	sentPayload := d.payloads[0]
	assert.Equal(t, "https://x/r.pdf", sentPayload.Export.PDFURL)
	assert.Equal(t, "turno_b.pdf", sentPayload.Export.PDFFilename, "stored export fields survive the merge")

	assert.Empty(t, q.Snapshot())
	assert.Equal(t, 1, q.Stats().SentRecords)

	q.Tick(context.Background())
	assert.Equal(t, 1, d.Calls())
}

func TestTickGivesUpAfterMaxAttempts(t *testing.T) {
	d := &fakeDispatcher{}
	q, clock := newTestQueue(Config{MaxAttempts: 3, RetryInterval: 30 * time.Second}, d)

	_, err := q.Submit(context.Background(), pendingReport())
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		res := q.Tick(context.Background())
		assert.Equal(t, 1, res.Due, "tick %d", i)
		if i < 3 {
			assert.Equal(t, 1, res.Deferred)
			entries := q.Snapshot()
			require.Len(t, entries, 1)
			assert.Equal(t, i, entries[0].Attempts)
			assert.Equal(t, clock.Now().Add(30*time.Second), entries[0].NextAt)
		} else {
			assert.Equal(t, 1, res.GivenUp)
		}
		clock.Advance(30 * time.Second)
	}

	assert.Empty(t, q.Snapshot())
	assert.Equal(t, 0, q.Stats().SentRecords, "give-up keeps no record")
	assert.Equal(t, uint64(1), q.Stats().GivenUp)
	assert.Equal(t, 0, d.Calls())

	res, err := q.Submit(context.Background(), pendingReport())
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome, "given-up key is unseen again")
}

func TestTickLeavesEntriesNotDue(t *testing.T) {
	q, clock := newTestQueue(Config{GraceDelay: 10 * time.Second}, &fakeDispatcher{})

	_, err := q.Submit(context.Background(), pendingReport())
	require.NoError(t, err)

	res := q.Tick(context.Background())
	assert.Equal(t, 0, res.Due)
	assert.Equal(t, 0, q.Snapshot()[0].Attempts)

	clock.Advance(10 * time.Second)
	res = q.Tick(context.Background())
	assert.Equal(t, 1, res.Due)
	assert.Equal(t, 1, q.Snapshot()[0].Attempts)
}

func TestTickSendsEntryThatBecameReady(t *testing.T) {
	d := &fakeDispatcher{}
	q, _ := newTestQueue(Config{}, d)

	res, err := q.Submit(context.Background(), pendingReport())
	require.NoError(t, err)

	q.mu.Lock()
	q.entries[res.Key].Report.Export = report.Export{StatusUploadPDF: "ready", PDFURL: "https://x/r.pdf"}
	q.mu.Unlock()

	tick := q.Tick(context.Background())
	assert.Equal(t, 1, tick.Sent)
	assert.Equal(t, 1, d.Calls())
	assert.Empty(t, q.Snapshot())
	assert.Equal(t, 1, q.Stats().SentRecords)

	again, err := q.Submit(context.Background(), readyReport())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDedup, again.Outcome)
}

func TestTickDropsEntryAlreadySent(t *testing.T) {
	d := &fakeDispatcher{}
	q, clock := newTestQueue(Config{}, d)

	res, err := q.Submit(context.Background(), pendingReport())
	require.NoError(t, err)

	q.mu.Lock()
	q.entries[res.Key].Report.Export = report.Export{StatusUploadPDF: "READY", PDFURL: "https://x/r.pdf"}
	q.sent[res.Key] = clock.Now()
	q.mu.Unlock()

	tick := q.Tick(context.Background())
	assert.Equal(t, 1, tick.Dropped)
	assert.Equal(t, 0, d.Calls())
	assert.Empty(t, q.Snapshot())
}

func TestDedupWindowExpiry(t *testing.T) {
	d := &fakeDispatcher{}
	q, clock := newTestQueue(Config{DedupWindow: 180 * time.Minute}, d)

	_, err := q.Submit(context.Background(), readyReport())
	require.NoError(t, err)

	clock.Advance(179 * time.Minute)
	res, err := q.Submit(context.Background(), readyReport())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDedup, res.Outcome)

	clock.Advance(2 * time.Minute)
	tick := q.Tick(context.Background())
	assert.Equal(t, 1, tick.Purged)
	assert.Equal(t, 0, q.Stats().SentRecords)

	res, err = q.Submit(context.Background(), readyReport())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, 2, d.Calls())
}

func TestSubmitSendFailure(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("smtp down")}
	q, _ := newTestQueue(Config{}, d)

	_, err := q.Submit(context.Background(), readyReport())
	var se *report.SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "smtp down", se.Message)

	assert.Empty(t, q.Snapshot(), "immediate failure is not enqueued")
	assert.Equal(t, 0, q.Stats().SentRecords)

	d.setErr(nil)
	res, err := q.Submit(context.Background(), readyReport())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
}

func TestSubmitSendFailureKeepsPendingEntry(t *testing.T) {
	d := &fakeDispatcher{}
	q, _ := newTestQueue(Config{}, d)

	_, err := q.Submit(context.Background(), pendingReport())
	require.NoError(t, err)

	d.setErr(errors.New("smtp down"))
	_, err = q.Submit(context.Background(), readyReport())
	require.Error(t, err)
	require.Len(t, q.Snapshot(), 1, "merged entry stays for the retry loop")

	d.setErr(nil)
	tick := q.Tick(context.Background())
	assert.Equal(t, 1, tick.Sent)
	assert.Empty(t, q.Snapshot())
}

func TestTickSendFailureRetriesNextTick(t *testing.T) {
	d := &fakeDispatcher{}
	q, clock := newTestQueue(Config{MaxAttempts: 2, RetryInterval: 30 * time.Second}, d)

	res, err := q.Submit(context.Background(), pendingReport())
	require.NoError(t, err)
	q.mu.Lock()
	q.entries[res.Key].Report.Export = report.Export{StatusUploadPDF: "READY", PDFURL: "https://x/r.pdf"}
	q.mu.Unlock()

	d.setErr(errors.New("451 try later"))
	for i := 0; i < 5; i++ {
		tick := q.Tick(context.Background())
		assert.Equal(t, 1, tick.Due)
		assert.Equal(t, 1, tick.Failed)
		clock.Advance(5 * time.Second)
	}

	entries := q.Snapshot()
	require.Len(t, entries, 1, "provider failures never exhaust the not-ready budget")
	assert.Equal(t, 0, entries[0].Attempts)
	assert.Equal(t, 5, entries[0].SendFailures)
	assert.Equal(t, "451 try later", entries[0].LastError)

	d.setErr(nil)
	tick := q.Tick(context.Background())
	assert.Equal(t, 1, tick.Sent)
	assert.Equal(t, 6, d.Calls())
	assert.Empty(t, q.Snapshot())
}

func TestTickSendFailureRetryDelay(t *testing.T) {
	d := &fakeDispatcher{}
	q, clock := newTestQueue(Config{MaxAttempts: 2, RetryInterval: 30 * time.Second, SendRetryDelay: 30 * time.Second}, d)

	res, err := q.Submit(context.Background(), pendingReport())
	require.NoError(t, err)
	q.mu.Lock()
	q.entries[res.Key].Report.Export = report.Export{StatusUploadPDF: "READY", PDFURL: "https://x/r.pdf"}
	q.mu.Unlock()

	d.setErr(errors.New("451 try later"))
	for i := 0; i < 5; i++ {
		tick := q.Tick(context.Background())
		assert.Equal(t, 1, tick.Failed)

		clock.Advance(10 * time.Second)
		assert.Equal(t, 0, q.Tick(context.Background()).Due, "failed entry waits for the retry interval")
		clock.Advance(20 * time.Second)
	}

	entries := q.Snapshot()
	require.Len(t, entries, 1, "provider failures never exhaust the not-ready budget")
	assert.Equal(t, 0, entries[0].Attempts)
	assert.Equal(t, 5, entries[0].SendFailures)
	assert.Equal(t, "451 try later", entries[0].LastError)

	d.setErr(nil)
	tick := q.Tick(context.Background())
	assert.Equal(t, 1, tick.Sent)
	assert.Equal(t, 6, d.Calls())
}

func TestTickSendFailureBudget(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("550 rejected")}
	q, clock := newTestQueue(Config{MaxSendFailures: 2}, d)

	res, err := q.Submit(context.Background(), pendingReport())
	require.NoError(t, err)
	q.mu.Lock()
	q.entries[res.Key].Report.Export = report.Export{StatusUploadPDF: "READY", PDFURL: "https://x/r.pdf"}
	q.mu.Unlock()

	q.Tick(context.Background())
	require.Len(t, q.Snapshot(), 1)
	clock.Advance(5 * time.Second)
	q.Tick(context.Background())
	assert.Empty(t, q.Snapshot())
	assert.Equal(t, uint64(1), q.Stats().GivenUp)
}

func TestTickRecoversFromPanic(t *testing.T) {
	d := &fakeDispatcher{panicOn: "BAD"}
	q, _ := newTestQueue(Config{}, d)

	bad := pendingReport()
	bad.Route.Unit = "BAD"
	good := pendingReport()

	for _, r := range []*report.Report{bad, good} {
		_, err := q.Submit(context.Background(), r)
		require.NoError(t, err)
	}
	q.mu.Lock()
	for _, e := range q.entries {
		e.Report.Export = report.Export{StatusUploadPDF: "READY", PDFURL: "https://x/r.pdf"}
	}
	q.mu.Unlock()

	tick := q.Tick(context.Background())
	assert.Equal(t, 1, tick.Panics)
	assert.Equal(t, 1, tick.Sent)

	entries := q.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "BAD", entries[0].Unit)
	assert.False(t, entries[0].InFlight, "in-flight marker is cleared after a panic")
}

func TestSingleFlightTickAndSubmit(t *testing.T) {
	d := &fakeDispatcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	q, _ := newTestQueue(Config{}, d)

	res, err := q.Submit(context.Background(), pendingReport())
	require.NoError(t, err)
	q.mu.Lock()
	q.entries[res.Key].Report.Export = report.Export{StatusUploadPDF: "READY", PDFURL: "https://x/r.pdf"}
	q.mu.Unlock()

	tickDone := make(chan TickResult, 1)
	go func() { tickDone <- q.Tick(context.Background()) }()
	<-d.entered

	second := q.Tick(context.Background())
	assert.Equal(t, 1, second.Skipped, "key with a dispatch in flight is skipped")
	assert.True(t, q.Snapshot()[0].InFlight)

	submitDone := make(chan *Result, 1)
	go func() {
		r, err := q.Submit(context.Background(), readyReport())
		assert.NoError(t, err)
		submitDone <- r
	}()

	close(d.release)
	assert.Equal(t, 1, (<-tickDone).Sent)
	sub := <-submitDone
	assert.Equal(t, OutcomeDedup, sub.Outcome)

	assert.Equal(t, 1, d.Calls(), "exactly one dispatch")
	assert.Equal(t, uint64(1), q.Stats().Sent)
	assert.Empty(t, q.Snapshot())
}

func TestOverlappingSubmitsReportOneSend(t *testing.T) {
	d := &fakeDispatcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	q, _ := newTestQueue(Config{}, d)

	results := make(chan *Result, 2)
	submit := func() {
		res, err := q.Submit(context.Background(), readyReport())
		if assert.NoError(t, err) {
			results <- res
		}
	}

	go submit()
	<-d.entered
	go submit()

	// Let the second caller join the in-flight dispatch before it completes
	time.Sleep(20 * time.Millisecond)
	close(d.release)

	first, second := <-results, <-results
	outcomes := []Outcome{first.Outcome, second.Outcome}
	assert.ElementsMatch(t, []Outcome{OutcomeSent, OutcomeDedup}, outcomes)

	assert.Equal(t, 1, d.Calls())
	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Equal(t, uint64(1), stats.Dedup)
	assert.Equal(t, 1, stats.SentRecords)
}

func TestConcurrentSubmitsDispatchOnce(t *testing.T) {
	d := &fakeDispatcher{}
	q, _ := newTestQueue(Config{}, d)

	const n = 20
	var wg sync.WaitGroup
	outcomes := make(chan Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := q.Submit(context.Background(), readyReport())
			if assert.NoError(t, err) {
				outcomes <- res.Outcome
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	sent := 0
	for o := range outcomes {
		assert.Contains(t, []Outcome{OutcomeSent, OutcomeDedup}, o)
		if o == OutcomeSent {
			sent++
		}
	}
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, d.Calls())
	assert.Equal(t, uint64(1), q.Stats().Sent)
	assert.Equal(t, uint64(n-1), q.Stats().Dedup)
}

func TestStatsAndSnapshot(t *testing.T) {
	q, clock := newTestQueue(Config{RetryInterval: 45 * time.Second, MaxAttempts: 10, DedupWindow: time.Hour}, &fakeDispatcher{})

	first := pendingReport()
	first.ReportID = "r1"
	_, err := q.Submit(context.Background(), first)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	second := pendingReport()
	second.ReportID = "r2"
	_, err = q.Submit(context.Background(), second)
	require.NoError(t, err)

	entries := q.Snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, "rid:r1", entries[0].Key)
	assert.Equal(t, "rid:r2", entries[1].Key)

	stats := q.Stats()
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, uint64(2), stats.Queued)
	assert.Equal(t, uint64(2), stats.Submitted)
	assert.Equal(t, 60.0, stats.OldestPendingSeconds)
	assert.Equal(t, 45, stats.RetryEverySeconds)
	assert.Equal(t, 10, stats.MaxAttempts)
	assert.Equal(t, 60, stats.DedupTTLMinutes)
}

func TestNewDefaults(t *testing.T) {
	q := New(Config{}, &fakeDispatcher{}, nil)
	cfg := q.Config()
	assert.Equal(t, 30*time.Second, cfg.RetryInterval)
	assert.Equal(t, 40, cfg.MaxAttempts)
	assert.Equal(t, 180*time.Minute, cfg.DedupWindow)
	assert.Equal(t, 4, cfg.Workers)
}
