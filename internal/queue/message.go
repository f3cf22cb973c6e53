package queue

import (
	"time"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/email"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/report"
)

// Outcome of a Submit call
type Outcome string

const (
	OutcomeIgnored Outcome = "ignored"
	OutcomeDedup   Outcome = "dedup"
	OutcomeSent    Outcome = "sent"
	OutcomeQueued  Outcome = "queued"
)

// Entry is a notification waiting for its PDF
type Entry struct {
	Key          string
	Report       *report.Report
	Recipients   []string
	Attempts     int // ticks that found the PDF not ready
	SendFailures int // provider failures while retrying
	CreatedAt    time.Time
	NextAt       time.Time
	LastError    string
}

// Result describes what Submit did
type Result struct {
	Outcome    Outcome
	Key        string
	Recipients []string
	Receipt    *email.Receipt

	// Set for queued results
	Status   string
	PDFURL   string
	Attempts int
}

// TickResult summarizes one pass over the pending table
type TickResult struct {
	Due      int // entries whose NextAt had passed
	Sent     int
	Failed   int // provider errors, entry kept
	Deferred int // not ready, rescheduled
	GivenUp  int
	Dropped  int // already sent through another path
	Skipped  int // dispatch in flight
	Purged   int // expired sent records
	Panics   int
}

// Stats is a point-in-time view of the queue
type Stats struct {
	Pending     int `json:"pending"`
	InFlight    int `json:"inFlight"`
	SentRecords int `json:"sentRecords"`

	OldestPendingSeconds float64 `json:"oldestPendingSeconds"`

	Submitted    uint64 `json:"submitted"`
	Ignored      uint64 `json:"ignored"`
	Dedup        uint64 `json:"dedup"`
	Queued       uint64 `json:"queued"`
	Sent         uint64 `json:"sent"`
	GivenUp      uint64 `json:"givenUp"`
	SendFailures uint64 `json:"sendFailures"`

	RetryEverySeconds int `json:"retryEverySeconds"`
	MaxAttempts       int `json:"maxAttempts"`
	DedupTTLMinutes   int `json:"dedupTtlMinutes"`
}

// EntryInfo is a read-only copy of an Entry for listing
type EntryInfo struct {
	Key          string    `json:"key"`
	Recipients   []string  `json:"recipients"`
	Unit         string    `json:"unit,omitempty"`
	Shift        string    `json:"shift,omitempty"`
	Status       string    `json:"statusUploadPdf"`
	PDFURL       string    `json:"pdfUrl,omitempty"`
	Attempts     int       `json:"attempts"`
	SendFailures int       `json:"sendFailures"`
	CreatedAt    time.Time `json:"createdAt"`
	NextAt       time.Time `json:"nextAt"`
	LastError    string    `json:"lastError,omitempty"`
	InFlight     bool      `json:"inFlight"`
}
