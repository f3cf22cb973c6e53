package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/email"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/metrics"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/template"
)

// Provider delivers a rendered message
type Provider interface {
	Name() string
	Configured() bool
	Send(ctx context.Context, msg *email.Message) (*email.Receipt, error)
}

// Options configures a Dispatcher
type Options struct {
	From     string
	FromName string
	Branding template.Branding
	// Template overrides the built-in report template
	Template *template.Template

	AttachPDF    bool
	MaxPDFBytes  int64
	FetchTimeout time.Duration
	HTTPClient   *http.Client
	// PDFAllowedHosts limits which hosts PDFs are downloaded from. Entries
	// match a hostname exactly, or any subdomain when written as
	// "*.example.com". Empty allows any host.
	PDFAllowedHosts []string
}

// EmailRequest is a free-form message submitted through /send-email
type EmailRequest struct {
	To          []string
	Subject     string
	Text        string
	HTML        string
	PDFURL      string
	PDFFilename string
}

// Dispatcher renders notifications and performs exactly one provider call
// per send. It never retries.
type Dispatcher struct {
	provider Provider
	engine   *template.Engine
	tmpl     *template.Template
	opts     Options
	client   *http.Client
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher for provider
func NewDispatcher(provider Provider, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.MaxPDFBytes <= 0 {
		opts.MaxPDFBytes = 10 << 20
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 20 * time.Second
	}
	if opts.FromName == "" {
		opts.FromName = template.DefaultBranding.FromName
	}
	if opts.Branding.PrimaryColor == "" {
		opts.Branding.PrimaryColor = template.DefaultBranding.PrimaryColor
	}
	if opts.Branding.SecondaryColor == "" {
		opts.Branding.SecondaryColor = template.DefaultBranding.SecondaryColor
	}
	if opts.Branding.FromName == "" {
		opts.Branding.FromName = opts.FromName
	}

	tmpl := opts.Template
	if tmpl == nil {
		builtin := template.Report
		tmpl = &builtin
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.FetchTimeout}
	}

	return &Dispatcher{
		provider: provider,
		engine:   template.NewEngine(),
		tmpl:     tmpl,
		opts:     opts,
		client:   client,
		logger:   logger,
	}
}

// Configured reports whether the provider has credentials
func (d *Dispatcher) Configured() bool {
	return d.provider != nil && d.provider.Configured()
}

// Provider returns the provider name
func (d *Dispatcher) Provider() string {
	if d.provider == nil {
		return ""
	}
	return d.provider.Name()
}

// Render builds subject and bodies for r without sending
func (d *Dispatcher) Render(r *Report, pdfAttached bool) (*template.RenderResult, error) {
	result, err := d.engine.Render(d.tmpl, d.view(r, pdfAttached))
	if err != nil {
		return nil, err
	}
	if r.Subject != "" {
		result.Subject = r.Subject
	}
	return result, nil
}

// Send renders r and delivers it to recipients
func (d *Dispatcher) Send(ctx context.Context, r *Report, recipients []string) (*email.Receipt, error) {
	if !d.Configured() {
		return nil, ErrNotConfigured
	}

	var attachments []email.Attachment
	if d.opts.AttachPDF {
		if rd := EvaluateReadiness(r); rd.Ready {
			data, err := d.fetchPDF(ctx, rd.URL)
			if err != nil {
				d.logger.Warn("pdf attachment skipped, sending link only", "url", rd.URL, "error", err)
			} else {
				attachments = append(attachments, email.Attachment{
					Filename:    r.Export.Filename(),
					ContentType: "application/pdf",
					Data:        data,
				})
			}
		}
	}

	rendered, err := d.Render(r, len(attachments) > 0)
	if err != nil {
		return nil, &SendError{Message: fmt.Sprintf("failed to render report: %v", err), Err: err}
	}

	msg := &email.Message{
		From:        d.from(),
		To:          recipients,
		Subject:     rendered.Subject,
		Text:        rendered.Text,
		HTML:        rendered.HTML,
		Attachments: attachments,
	}
	return d.deliver(ctx, msg)
}

// SendEmail delivers a free-form message. A PDF URL, when given, is
// downloaded and attached; a failed download fails the send.
func (d *Dispatcher) SendEmail(ctx context.Context, req EmailRequest) (*email.Receipt, error) {
	if !d.Configured() {
		return nil, ErrNotConfigured
	}

	msg := &email.Message{
		From:    d.from(),
		To:      req.To,
		Subject: req.Subject,
		Text:    req.Text,
		HTML:    req.HTML,
	}

	if req.PDFURL != "" {
		data, err := d.fetchPDF(ctx, req.PDFURL)
		if err != nil {
			return nil, &SendError{Message: fmt.Sprintf("failed to fetch attachment: %v", err), Err: err}
		}
		filename := req.PDFFilename
		if filename == "" {
			filename = DefaultPDFFilename
		}
		msg.Attachments = []email.Attachment{{Filename: filename, ContentType: "application/pdf", Data: data}}
	}

	return d.deliver(ctx, msg)
}

func (d *Dispatcher) deliver(ctx context.Context, msg *email.Message) (*email.Receipt, error) {
	msg.Normalize()

	start := time.Now()
	receipt, err := d.provider.Send(ctx, msg)
	if err != nil {
		d.logger.Error("send failed",
			"provider", d.provider.Name(),
			"recipients", len(msg.To),
			"error", err,
		)
		metrics.IncEmailsFailed(d.provider.Name(), failureType(err))
		return nil, newSendError(err)
	}
	metrics.IncEmailsSent(d.provider.Name())

	d.logger.Info("notification sent",
		"provider", d.provider.Name(),
		"message_id", receipt.MessageID,
		"recipients", len(msg.To),
		"attachments", len(msg.Attachments),
		"duration", time.Since(start),
	)
	return receipt, nil
}

// failureType labels a provider error for metrics
func failureType(err error) string {
	var temp interface{ Temporary() bool }
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &temp) && temp.Temporary():
		return "temporary"
	default:
		return "provider"
	}
}

func (d *Dispatcher) from() string {
	return email.FormatAddress(d.opts.FromName, d.opts.From)
}

// ErrPDFHostNotAllowed is returned for PDF URLs outside PDFAllowedHosts
var ErrPDFHostNotAllowed = errors.New("pdf host not allowed")

// checkPDFURL accepts http(s) URLs whose host passes PDFAllowedHosts
func (d *Dispatcher) checkPDFURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid pdf url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported pdf url scheme %q", u.Scheme)
	}
	if len(d.opts.PDFAllowedHosts) == 0 {
		return nil
	}

	host := strings.ToLower(u.Hostname())
	for _, allowed := range d.opts.PDFAllowedHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if suffix, ok := strings.CutPrefix(allowed, "*"); ok {
			if strings.HasSuffix(host, suffix) && len(host) > len(suffix) {
				return nil
			}
			continue
		}
		if host == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPDFHostNotAllowed, host)
}

// fetchPDF downloads rawURL, refusing bodies larger than MaxPDFBytes
func (d *Dispatcher) fetchPDF(ctx context.Context, rawURL string) ([]byte, error) {
	if err := d.checkPDFURL(rawURL); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.opts.MaxPDFBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > d.opts.MaxPDFBytes {
		return nil, fmt.Errorf("pdf exceeds %d bytes", d.opts.MaxPDFBytes)
	}
	return data, nil
}

func (d *Dispatcher) view(r *Report, pdfAttached bool) template.ReportView {
	v := template.ReportView{
		Brand:          d.opts.Branding,
		RouteName:      r.Route.Name,
		Unit:           r.Route.Unit,
		Shift:          r.Route.Shift,
		Driver:         r.Route.Driver,
		Vehicle:        r.Route.Vehicle,
		Date:           r.Route.Date,
		ChecklistTotal: r.Summary.ChecklistTotal,
		ChecklistNo:    r.Summary.ChecklistNo,
		Occurrences:    r.Summary.Occurrences,
		Pendencies:     r.Summary.Pendencies,
		Notes:          r.Summary.Notes,
		PDFURL:         strings.TrimSpace(r.Export.PDFURL),
		PDFFilename:    r.Export.Filename(),
		GeneratedAt:    r.Export.GeneratedAt,
		PDFAttached:    pdfAttached,
		Text:           r.Text,
	}
	for _, it := range r.Summary.Items {
		v.Items = append(v.Items, template.ItemView{
			Label:   it.Label,
			Answer:  it.Answer,
			Note:    it.Note,
			Flagged: isNegative(it.Answer),
		})
	}
	for _, o := range r.Occurrences {
		v.OccurrenceList = append(v.OccurrenceList, template.OccurrenceView{
			Title:       o.Title,
			Description: o.Description,
			Severity:    o.Severity,
		})
	}
	return v
}

func isNegative(answer string) bool {
	a := strings.TrimSpace(answer)
	for _, neg := range []string{"não", "nao", "no", "n", "false"} {
		if strings.EqualFold(a, neg) {
			return true
		}
	}
	return false
}
