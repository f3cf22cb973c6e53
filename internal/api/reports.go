package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/email"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/metrics"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/queue"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/ratelimit"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/report"
)

// IgnoredResponse is returned when the payload carries no PDF fields
type IgnoredResponse struct {
	OK      bool `json:"ok"`
	Ignored bool `json:"ignored"`
}

// DedupResponse is returned when the key was already sent
type DedupResponse struct {
	OK    bool   `json:"ok"`
	Dedup bool   `json:"dedup"`
	Key   string `json:"key"`
}

// SentResponse is returned after an immediate send
type SentResponse struct {
	OK     bool           `json:"ok"`
	SentTo []string       `json:"sentTo"`
	Key    string         `json:"key"`
	Data   *email.Receipt `json:"data"`
}

// QueuedResponse is returned when the report waits for its PDF
type QueuedResponse struct {
	OK                bool   `json:"ok"`
	Queued            bool   `json:"queued"`
	Key               string `json:"key"`
	StatusUploadPDF   string `json:"statusUploadPdf"`
	PDFURL            string `json:"pdfUrl"`
	RecipientsCount   int    `json:"recipientsCount"`
	RetryEverySeconds int    `json:"retryEverySeconds"`
	MaxAttempts       int    `json:"maxAttempts"`
}

// QueueResponse is the response for GET /api/reports/queue
type QueueResponse struct {
	OK      bool              `json:"ok"`
	Stats   queue.Stats       `json:"stats"`
	Entries []queue.EntryInfo `json:"entries"`
}

// handleNotify handles POST /api/reports/notify
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if !s.mailer.Configured() {
		s.sendNotConfigured(w)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	rep, err := report.Parse(body)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := s.queue.Submit(r.Context(), rep)
	if err != nil {
		s.sendSubmitError(w, err)
		return
	}

	switch res.Outcome {
	case queue.OutcomeIgnored:
		s.sendJSON(w, http.StatusAccepted, IgnoredResponse{OK: true, Ignored: true})
	case queue.OutcomeDedup:
		s.sendJSON(w, http.StatusOK, DedupResponse{OK: true, Dedup: true, Key: res.Key})
	case queue.OutcomeSent:
		s.sendJSON(w, http.StatusOK, SentResponse{
			OK:     true,
			SentTo: res.Recipients,
			Key:    res.Key,
			Data:   res.Receipt,
		})
	default:
		stats := s.queue.Stats()
		s.sendJSON(w, http.StatusAccepted, QueuedResponse{
			OK:                true,
			Queued:            true,
			Key:               res.Key,
			StatusUploadPDF:   res.Status,
			PDFURL:            res.PDFURL,
			RecipientsCount:   len(res.Recipients),
			RetryEverySeconds: stats.RetryEverySeconds,
			MaxAttempts:       stats.MaxAttempts,
		})
	}
}

func (s *Server) sendSubmitError(w http.ResponseWriter, err error) {
	var sendErr *report.SendError
	var limitErr *ratelimit.LimitError
	switch {
	case errors.Is(err, queue.ErrNoRecipients):
		metrics.IncAPIErrors("no_recipients")
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, report.ErrNotConfigured):
		s.sendNotConfigured(w)
	case errors.As(err, &limitErr):
		s.sendRateLimited(w, limitErr.RetryAfter, limitErr.Error())
	case errors.As(err, &sendErr):
		s.logger.Error("immediate report send failed", "error", err)
		metrics.IncAPIErrors("send_failed")
		s.sendError(w, http.StatusInternalServerError, sendErr.Message)
	default:
		s.logger.Error("failed to submit report", "error", err)
		metrics.IncAPIErrors("internal")
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleQueue handles GET /api/reports/queue
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	entries := s.queue.Snapshot()
	if entries == nil {
		entries = []queue.EntryInfo{}
	}
	s.sendJSON(w, http.StatusOK, QueueResponse{
		OK:      true,
		Stats:   s.queue.Stats(),
		Entries: entries,
	})
}
