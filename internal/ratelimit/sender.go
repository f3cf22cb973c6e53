package ratelimit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/email"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/metrics"
)

// LimitError is returned when a quota is exhausted. It is temporary so
// queued reports are retried on a later tick.
type LimitError struct {
	Level      Level
	Key        string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s), retry in %s", e.Level, e.RetryAfter.Round(time.Second))
}

// Temporary reports that the send may succeed later
func (e *LimitError) Temporary() bool {
	return true
}

func newLimitError(res *Result) *LimitError {
	return &LimitError{Level: res.DeniedBy, Key: res.DeniedKey, RetryAfter: res.RetryAfter}
}

// Provider is the outbound provider being guarded
type Provider interface {
	Name() string
	Configured() bool
	Send(ctx context.Context, msg *email.Message) (*email.Receipt, error)
}

// Sender applies outbound quotas before handing a message to next
type Sender struct {
	next    Provider
	limiter *Limiter
	logger  *slog.Logger
}

// NewSender wraps next with limiter
func NewSender(next Provider, limiter *Limiter, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sender{next: next, limiter: limiter, logger: logger}
}

// Name returns the wrapped provider name
func (s *Sender) Name() string {
	return s.next.Name()
}

// Configured reports whether the wrapped provider is configured
func (s *Sender) Configured() bool {
	return s.next.Configured()
}

// Send counts msg against the global and recipient domain quotas
func (s *Sender) Send(ctx context.Context, msg *email.Message) (*email.Receipt, error) {
	domains := make([]string, 0, len(msg.To))
	for _, rcpt := range msg.To {
		domains = append(domains, email.ExtractDomain(rcpt))
	}

	res := s.limiter.Allow(&Request{Outbound: true, RecipientDomains: domains})
	if !res.Allowed {
		s.logger.Warn("send rate limited",
			"level", res.DeniedBy,
			"key", res.DeniedKey,
			"retry_after", res.RetryAfter,
		)
		metrics.IncRateLimited(string(res.DeniedBy))
		return nil, newLimitError(res)
	}

	return s.next.Send(ctx, msg)
}
