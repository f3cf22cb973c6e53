package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/dkim"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/email"
)

// Connection security modes
const (
	SecurityStartTLS = "starttls"
	SecurityTLS      = "tls"
	SecurityNone     = "none"
)

// Config contains relay connection settings
type Config struct {
	Host                 string
	Port                 int
	Username             string
	Password             string
	Security             string
	HeloName             string
	Timeout              time.Duration
	InsecureSkipVerify   bool
	AllowUnauthenticated bool
}

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// Client submits messages to a single upstream SMTP relay
// (Gmail, a corporate smarthost, Mailhog in development).
type Client struct {
	cfg        Config
	logger     *slog.Logger
	dkimSigner *dkim.Signer
}

// NewClient creates a new SMTP relay client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Security == "" {
		cfg.Security = SecurityStartTLS
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
	}
}

// SetDKIMSigner sets the DKIM signer for outgoing messages
func (c *Client) SetDKIMSigner(signer *dkim.Signer) {
	c.dkimSigner = signer
}

// Name returns the provider name
func (c *Client) Name() string {
	return "smtp"
}

// Configured reports whether credentials are present
func (c *Client) Configured() bool {
	if c.cfg.Host == "" {
		return false
	}
	if c.cfg.Username != "" && c.cfg.Password != "" {
		return true
	}
	return c.cfg.AllowUnauthenticated
}

// Send delivers the message to the relay in a single session
func (c *Client) Send(ctx context.Context, msg *email.Message) (*email.Receipt, error) {
	if len(msg.To) == 0 {
		return nil, &DeliveryError{Temporary: false, Message: "no valid recipients"}
	}

	data, messageID := email.Build(msg, time.Now())
	data = c.sign(msg.Envelope(), data)

	client, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if c.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", c.cfg.Username, c.cfg.Password)); err != nil {
			return nil, c.categorizeError(err, "AUTH")
		}
	}

	if err := client.Mail(msg.Envelope(), nil); err != nil {
		return nil, c.categorizeError(err, "MAIL FROM")
	}

	receipt := &email.Receipt{
		Provider:  c.Name(),
		MessageID: messageID,
		Accepted:  []string{},
		Rejected:  []string{},
	}
	for _, recipient := range msg.To {
		if err := client.Rcpt(recipient, nil); err != nil {
			c.logger.Warn("recipient rejected", "recipient", recipient, "error", err)
			receipt.Rejected = append(receipt.Rejected, recipient)
			continue
		}
		receipt.Accepted = append(receipt.Accepted, recipient)
	}
	if len(receipt.Accepted) == 0 {
		return nil, &DeliveryError{
			Temporary: false,
			Message:   fmt.Sprintf("all recipients rejected: %s", strings.Join(receipt.Rejected, ", ")),
		}
	}

	wc, err := client.Data()
	if err != nil {
		return nil, c.categorizeError(err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return nil, &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("failed to write message data: %v", err),
		}
	}
	if err := wc.Close(); err != nil {
		return nil, c.categorizeError(err, "DATA close")
	}

	client.Quit()

	c.logger.Info("message relayed",
		"host", c.cfg.Host,
		"message_id", messageID,
		"accepted", len(receipt.Accepted),
		"rejected", len(receipt.Rejected),
	)

	return receipt, nil
}

// dial connects to the relay and negotiates TLS according to cfg.Security
func (c *Client) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	tlsConfig := &tls.Config{
		ServerName:         c.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify,
	}

	dialer := &net.Dialer{Timeout: c.cfg.Timeout}

	var conn net.Conn
	var err error
	if c.cfg.Security == SecurityTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}

	// Set deadline
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	}

	client := smtp.NewClient(conn)

	if c.cfg.HeloName != "" {
		if err := client.Hello(c.cfg.HeloName); err != nil {
			client.Close()
			return nil, c.categorizeError(err, "HELO")
		}
	}

	if c.cfg.Security == SecurityStartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			client.Close()
			return nil, &DeliveryError{
				Temporary: false,
				Message:   fmt.Sprintf("relay %s does not support STARTTLS", addr),
			}
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, c.categorizeError(err, "STARTTLS")
		}
	}

	return client, nil
}

// sign applies DKIM when the signer matches the envelope sender domain
func (c *Client) sign(from string, data []byte) []byte {
	if c.dkimSigner == nil || email.ExtractDomain(from) != c.dkimSigner.Domain() {
		return data
	}

	signed, err := c.dkimSigner.Sign(data)
	if err != nil {
		c.logger.Warn("DKIM signing failed, sending unsigned",
			"domain", c.dkimSigner.Domain(),
			"error", err,
		)
		return data
	}

	c.logger.Debug("DKIM signed",
		"domain", c.dkimSigner.Domain(),
		"selector", c.dkimSigner.Selector(),
	)
	return signed
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeError determines if an SMTP error is temporary or permanent
func (c *Client) categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &DeliveryError{
			Temporary: smtpErr.Code < 500,
			Message:   msg,
		}
	}

	// Extract SMTP code from error message
	matches := smtpCodePattern.FindStringSubmatch(err.Error())
	if len(matches) > 1 {
		code := matches[1]
		// 5xx codes are permanent errors
		if strings.HasPrefix(code, "5") {
			return &DeliveryError{
				Temporary: false,
				Message:   msg,
			}
		}
	}

	// Assume temporary by default
	return &DeliveryError{
		Temporary: true,
		Message:   msg,
	}
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true // Assume temporary if unknown
}
