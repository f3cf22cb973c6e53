// Package sendgrid delivers messages through the SendGrid v3 mail API.
package sendgrid

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/email"
)

// DefaultBaseURL is the public API endpoint
const DefaultBaseURL = "https://api.sendgrid.com"

// Config contains API settings
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// BreakerFailures is the consecutive failure count that opens the breaker
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open
	BreakerCooldown time.Duration
}

// APIError is a non-2xx response from the API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sendgrid: status %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed if repeated
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client sends mail via POST /v3/mail/send. It never retries; repeated
// failures open a circuit breaker that fails fast until the cooldown passes.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*email.Receipt]
	logger  *slog.Logger
}

// NewClient creates a SendGrid client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown == 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[*email.Receipt](gobreaker.Settings{
		Name:        "sendgrid",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Rejected requests say nothing about API health
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Temporary()
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// Name returns the provider name
func (c *Client) Name() string {
	return "sendgrid"
}

// Configured reports whether an API key is set
func (c *Client) Configured() bool {
	return c.cfg.APIKey != ""
}

// State exposes the breaker state for health reporting
func (c *Client) State() string {
	return c.breaker.State().String()
}

// Send submits msg in a single API call
func (c *Client) Send(ctx context.Context, msg *email.Message) (*email.Receipt, error) {
	if len(msg.To) == 0 {
		return nil, &APIError{StatusCode: http.StatusBadRequest, Message: "no recipients"}
	}

	receipt, err := c.breaker.Execute(func() (*email.Receipt, error) {
		return c.post(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("sendgrid unavailable: %w", err)
	}
	return receipt, err
}

type address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type personalization struct {
	To []address `json:"to"`
}

type content struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type attachment struct {
	Content     string `json:"content"`
	Type        string `json:"type,omitempty"`
	Filename    string `json:"filename"`
	Disposition string `json:"disposition"`
}

type mailRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             address           `json:"from"`
	Subject          string            `json:"subject"`
	Content          []content         `json:"content"`
	Attachments      []attachment      `json:"attachments,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
}

type errorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

func buildRequest(msg *email.Message) mailRequest {
	req := mailRequest{
		Subject: msg.Subject,
		Headers: msg.Headers,
	}

	if addr, err := mail.ParseAddress(msg.From); err == nil {
		req.From = address{Email: addr.Address, Name: addr.Name}
	} else {
		req.From = address{Email: msg.From}
	}

	to := make([]address, 0, len(msg.To))
	for _, rcpt := range msg.To {
		to = append(to, address{Email: rcpt})
	}
	req.Personalizations = []personalization{{To: to}}

	// text/plain must precede text/html
	if msg.Text != "" {
		req.Content = append(req.Content, content{Type: "text/plain", Value: msg.Text})
	}
	if msg.HTML != "" {
		req.Content = append(req.Content, content{Type: "text/html", Value: msg.HTML})
	}
	if len(req.Content) == 0 {
		req.Content = []content{{Type: "text/plain", Value: " "}}
	}

	for _, a := range msg.Attachments {
		req.Attachments = append(req.Attachments, attachment{
			Content:     base64.StdEncoding.EncodeToString(a.Data),
			Type:        a.ContentType,
			Filename:    a.Filename,
			Disposition: "attachment",
		})
	}
	return req
}

func (c *Client) post(ctx context.Context, msg *email.Message) (*email.Receipt, error) {
	body, err := json.Marshal(buildRequest(msg))
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sendgrid request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(resp)
	}
	io.Copy(io.Discard, resp.Body)

	c.logger.Info("message accepted",
		"message_id", resp.Header.Get("X-Message-Id"),
		"recipients", len(msg.To),
	)

	return &email.Receipt{
		Provider:  c.Name(),
		MessageID: resp.Header.Get("X-Message-Id"),
		Accepted:  append([]string(nil), msg.To...),
		Rejected:  []string{},
	}, nil
}

func decodeError(resp *http.Response) *APIError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var parsed errorResponse
	if err := json.Unmarshal(data, &parsed); err == nil && len(parsed.Errors) > 0 {
		msgs := make([]string, 0, len(parsed.Errors))
		for _, e := range parsed.Errors {
			if e.Field != "" {
				msgs = append(msgs, e.Field+": "+e.Message)
			} else {
				msgs = append(msgs, e.Message)
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.Join(msgs, "; ")}
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: text}
}
