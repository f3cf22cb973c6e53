package ratelimit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/email"
)

type countingProvider struct {
	sent int
}

func (p *countingProvider) Name() string     { return "smtp" }
func (p *countingProvider) Configured() bool { return true }

func (p *countingProvider) Send(ctx context.Context, msg *email.Message) (*email.Receipt, error) {
	p.sent++
	return &email.Receipt{Provider: "smtp", Accepted: msg.To}, nil
}

func TestSenderLimitsOutbound(t *testing.T) {
	next := &countingProvider{}
	limiter, _ := newTestLimiter(Config{
		DefaultRecipientDomain: &LimitConfig{MessagesPerDay: 1},
	})
	sender := NewSender(next, limiter, nil)

	msg := &email.Message{To: []string{"Ana <ana@Gmail.com>"}, Subject: "Relatório"}
	if _, err := sender.Send(context.Background(), msg); err != nil {
		t.Fatalf("first send failed: %v", err)
	}

	_, err := sender.Send(context.Background(), msg)
	var limitErr *LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitError, got %v", err)
	}
	if limitErr.Level != LevelRecipient || limitErr.Key != "recipient_domain:gmail.com" {
		t.Errorf("unexpected limit error %+v", limitErr)
	}
	if !limitErr.Temporary() {
		t.Error("limit errors should be temporary")
	}
	if !strings.Contains(limitErr.Error(), "retry in 24h0m0s") {
		t.Errorf("unexpected message %q", limitErr.Error())
	}
	if next.sent != 1 {
		t.Errorf("provider should be called once, got %d", next.sent)
	}
}

func TestSenderPassesThrough(t *testing.T) {
	next := &countingProvider{}
	sender := NewSender(next, NewLimiter(Config{}), nil)

	if sender.Name() != "smtp" || !sender.Configured() {
		t.Error("sender should report the wrapped provider")
	}
	for i := 0; i < 5; i++ {
		if _, err := sender.Send(context.Background(), &email.Message{To: []string{"a@x.com"}}); err != nil {
			t.Fatalf("send %d failed: %v", i+1, err)
		}
	}
	if next.sent != 5 {
		t.Errorf("expected 5 sends, got %d", next.sent)
	}
}

func TestLimitErrorRounding(t *testing.T) {
	err := &LimitError{Level: LevelGlobal, RetryAfter: 90*time.Second + 400*time.Millisecond}
	if got := err.Error(); got != "rate limit exceeded (global), retry in 1m30s" {
		t.Errorf("Error() = %q", got)
	}
}
