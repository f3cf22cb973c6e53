// Package sandbox intercepts outbound mail for development and staging.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/email"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/metrics"
)

// Modes
const (
	ModeProduction = "production"
	ModeSandbox    = "sandbox"
	ModeRedirect   = "redirect"
)

// Provider is the real outbound provider being wrapped
type Provider interface {
	Name() string
	Configured() bool
	Send(ctx context.Context, msg *email.Message) (*email.Receipt, error)
}

// Options configures a Sender
type Options struct {
	Mode       string
	RedirectTo []string
	// ErrorProbability makes sandbox mode fail a share of sends (0 disables)
	ErrorProbability float64
}

// Sender wraps a real provider and intercepts messages based on mode
type Sender struct {
	next    Provider
	opts    Options
	storage *Storage
	logger  *slog.Logger
	randFn  func() float64
}

// NewSender creates a new sandbox sender
func NewSender(next Provider, opts Options, storage *Storage, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Mode == "" {
		opts.Mode = ModeProduction
	}
	return &Sender{
		next:    next,
		opts:    opts,
		storage: storage,
		logger:  logger,
		randFn:  rand.Float64,
	}
}

// Mode returns the active mode
func (s *Sender) Mode() string {
	return s.opts.Mode
}

// Name returns the provider name
func (s *Sender) Name() string {
	if s.opts.Mode == ModeSandbox {
		return "sandbox"
	}
	return s.next.Name()
}

// Configured reports whether sends can succeed. Sandbox mode never reaches
// the real provider and needs no credentials.
func (s *Sender) Configured() bool {
	if s.opts.Mode == ModeSandbox {
		return true
	}
	return s.next.Configured()
}

// Send routes the message based on mode
func (s *Sender) Send(ctx context.Context, msg *email.Message) (*email.Receipt, error) {
	switch s.opts.Mode {
	case ModeSandbox:
		return s.capture(msg)
	case ModeRedirect:
		return s.redirect(ctx, msg)
	default:
		return s.next.Send(ctx, msg)
	}
}

// capture stores the message instead of sending
func (s *Sender) capture(msg *email.Message) (*email.Receipt, error) {
	captured := s.snapshot(msg, ModeSandbox, msg.To)

	if s.opts.ErrorProbability > 0 && s.randFn() < s.opts.ErrorProbability {
		errorTypes := []string{
			"550 User not found",
			"451 Temporary failure",
			"421 Service not available",
		}
		captured.SimulatedErr = errorTypes[int(s.randFn()*float64(len(errorTypes)))%len(errorTypes)]
		s.storage.Save(captured)
		return nil, &SimulatedError{
			Message:   captured.SimulatedErr,
			Temporary: strings.HasPrefix(captured.SimulatedErr, "4"),
		}
	}

	s.storage.Save(captured)
	metrics.IncSandboxCaptured(ModeSandbox)
	s.logger.Info("sandbox: message captured",
		"id", captured.ID,
		"to", msg.To,
		"subject", msg.Subject,
	)

	return &email.Receipt{
		Provider:  "sandbox",
		MessageID: "<" + captured.ID + "@sandbox>",
		Accepted:  append([]string(nil), msg.To...),
		Rejected:  []string{},
	}, nil
}

// redirect sends to the configured addresses instead of the real recipients
func (s *Sender) redirect(ctx context.Context, msg *email.Message) (*email.Receipt, error) {
	if len(s.opts.RedirectTo) == 0 {
		s.logger.Warn("redirect: no redirect addresses configured, capturing instead")
		return s.capture(msg)
	}

	s.logger.Info("redirect: redirecting message",
		"original_to", msg.To,
		"redirect_to", s.opts.RedirectTo,
	)
	s.storage.Save(s.snapshot(msg, ModeRedirect, s.opts.RedirectTo))
	metrics.IncSandboxCaptured(ModeRedirect)

	redirected := *msg
	redirected.To = append([]string(nil), s.opts.RedirectTo...)
	redirected.Headers = make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		redirected.Headers[k] = v
	}
	redirected.Headers["X-Original-To"] = strings.Join(msg.To, ", ")

	return s.next.Send(ctx, &redirected)
}

func (s *Sender) snapshot(msg *email.Message, mode string, to []string) *Message {
	m := &Message{
		ID:         uuid.New().String(),
		From:       msg.From,
		To:         append([]string(nil), to...),
		Subject:    msg.Subject,
		Text:       msg.Text,
		HTML:       msg.HTML,
		Mode:       mode,
		CapturedAt: time.Now(),
	}
	if mode == ModeRedirect {
		m.OriginalTo = append([]string(nil), msg.To...)
	}
	for _, a := range msg.Attachments {
		m.Attachments = append(m.Attachments, fmt.Sprintf("%s (%d bytes)", a.Filename, len(a.Data)))
	}
	return m
}

// SimulatedError represents a simulated delivery error
type SimulatedError struct {
	Message   string
	Temporary bool
}

func (e *SimulatedError) Error() string {
	return e.Message
}
