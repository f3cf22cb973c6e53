package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/email"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/metrics"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/queue"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/ratelimit"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/report"
)

// SendEmailRequest is the request body for POST /send-email.
// Message and Text are aliases.
type SendEmailRequest struct {
	To          email.AddressList `json:"to"`
	Subject     string            `json:"subject"`
	Message     string            `json:"message,omitempty"`
	Text        string            `json:"text,omitempty"`
	HTML        string            `json:"html,omitempty"`
	PDFURL      string            `json:"pdfUrl,omitempty"`
	PDFFilename string            `json:"pdfFilename,omitempty"`
}

// SendEmailResponse is the response for POST /send-email
type SendEmailResponse struct {
	OK        bool     `json:"ok"`
	MessageID string   `json:"messageId,omitempty"`
	Accepted  []string `json:"accepted"`
	Rejected  []string `json:"rejected"`
	Provider  string   `json:"provider,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status     string      `json:"status"`
	Version    string      `json:"version"`
	Uptime     string      `json:"uptime"`
	Provider   string      `json:"provider"`
	Configured bool        `json:"configured"`
	Queue      queue.Stats `json:"queue"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// handleRoot handles GET /
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Servidor de e-mail funcionando ✅"))
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Version:    s.version,
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Provider:   s.mailer.Provider(),
		Configured: s.mailer.Configured(),
		Queue:      s.queue.Stats(),
	})
}

// handleSendEmail handles POST /send-email
func (s *Server) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	if !s.mailer.Configured() {
		s.sendNotConfigured(w)
		return
	}

	var req SendEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	text := req.Message
	if text == "" {
		text = req.Text
	}

	to := email.ParseRecipients(req.To, "")
	switch {
	case len(to) == 0:
		s.sendError(w, http.StatusBadRequest, `field "to" is required`)
		return
	case strings.TrimSpace(req.Subject) == "":
		s.sendError(w, http.StatusBadRequest, `field "subject" is required`)
		return
	case text == "" && req.HTML == "":
		s.sendError(w, http.StatusBadRequest, `field "message" or "html" is required`)
		return
	}

	receipt, err := s.mailer.SendEmail(r.Context(), report.EmailRequest{
		To:          to,
		Subject:     req.Subject,
		Text:        text,
		HTML:        req.HTML,
		PDFURL:      req.PDFURL,
		PDFFilename: req.PDFFilename,
	})
	if err != nil {
		if errors.Is(err, report.ErrNotConfigured) {
			s.sendNotConfigured(w)
			return
		}
		var limitErr *ratelimit.LimitError
		if errors.As(err, &limitErr) {
			s.sendRateLimited(w, limitErr.RetryAfter, limitErr.Error())
			return
		}
		s.logger.Error("failed to send email", "to", to, "error", err)
		metrics.IncAPIErrors("send_failed")
		s.sendJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "failed to send email",
			Details: err.Error(),
		})
		return
	}

	s.logger.Info("email sent via API",
		"to", to,
		"message_id", receipt.MessageID,
		"provider", receipt.Provider,
	)

	s.sendJSON(w, http.StatusOK, SendEmailResponse{
		OK:        true,
		MessageID: receipt.MessageID,
		Accepted:  receipt.Accepted,
		Rejected:  receipt.Rejected,
		Provider:  receipt.Provider,
	})
}

func (s *Server) sendNotConfigured(w http.ResponseWriter) {
	metrics.IncAPIErrors("not_configured")
	s.sendJSON(w, http.StatusInternalServerError, ErrorResponse{Error: report.ErrNotConfigured.Error()})
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
