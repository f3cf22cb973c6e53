// Package dnscheck verifies the DNS records that let providers deliver mail
// on behalf of the sender domain: SPF, DKIM and DMARC.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Domain validation errors
var (
	ErrInvalidDomain   = errors.New("invalid domain name")
	ErrInvalidSelector = errors.New("invalid selector format")
)

// Check statuses
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusError    = "error"
	StatusNotFound = "not_found"
)

// domainRegex validates domain name format (RFC 1035)
var domainRegex = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

var selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// ValidateDomain checks if domain name is valid
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateSelector checks if a DKIM selector is a valid DNS label.
// Empty selects the default.
func ValidateSelector(selector string) error {
	if selector == "" {
		return nil
	}
	if len(selector) > 63 || !selectorRegex.MatchString(selector) {
		return ErrInvalidSelector
	}
	return nil
}

// Resolver looks up TXT records. *net.Resolver satisfies it.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// CheckResult represents a single DNS check result
type CheckResult struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// DomainCheckResult contains all DNS check results for a domain
type DomainCheckResult struct {
	Domain  string        `json:"domain"`
	Results []CheckResult `json:"results"`
	Summary Summary       `json:"summary"`
}

// Summary contains check statistics
type Summary struct {
	OK       int `json:"ok"`
	Warnings int `json:"warnings"`
	Errors   int `json:"errors"`
	NotFound int `json:"not_found"`
}

// Healthy reports whether every record was found without errors
func (s Summary) Healthy() bool {
	return s.Errors == 0 && s.NotFound == 0
}

// CheckOptions specifies which checks to perform. With none of SPF, DKIM
// and DMARC set, all three run.
type CheckOptions struct {
	SPF      bool
	DKIM     bool
	DMARC    bool
	Selector string
	// SPFInclude is the mechanism the provider needs, e.g. include:_spf.google.com
	SPFInclude string
	// ExpectedDKIM is the TXT value the published record must carry
	ExpectedDKIM string
}

// DefaultSelector is used when CheckOptions.Selector is empty
const DefaultSelector = "relay"

// Checker runs DNS checks through a resolver
type Checker struct {
	resolver Resolver
}

// New creates a checker. A nil resolver uses net.DefaultResolver.
func New(resolver Resolver) *Checker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Checker{resolver: resolver}
}

// CheckDomain performs DNS checks for a domain
func (c *Checker) CheckDomain(ctx context.Context, domain string, opts CheckOptions) (*DomainCheckResult, error) {
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	if err := ValidateSelector(opts.Selector); err != nil {
		return nil, err
	}
	if opts.Selector == "" {
		opts.Selector = DefaultSelector
	}

	result := &DomainCheckResult{
		Domain:  domain,
		Results: make([]CheckResult, 0, 3),
	}

	checkAll := !opts.SPF && !opts.DKIM && !opts.DMARC
	if checkAll || opts.SPF {
		result.Results = append(result.Results, c.CheckSPF(ctx, domain, opts.SPFInclude))
	}
	if checkAll || opts.DKIM {
		result.Results = append(result.Results, c.CheckDKIM(ctx, domain, opts.Selector, opts.ExpectedDKIM))
	}
	if checkAll || opts.DMARC {
		result.Results = append(result.Results, c.CheckDMARC(ctx, domain))
	}

	for _, r := range result.Results {
		switch r.Status {
		case StatusOK:
			result.Summary.OK++
		case StatusWarning:
			result.Summary.Warnings++
		case StatusError:
			result.Summary.Errors++
		case StatusNotFound:
			result.Summary.NotFound++
		}
	}

	return result, nil
}

// lookup returns the TXT records for name, or a filled-in result when the
// lookup failed or found nothing.
func (c *Checker) lookup(ctx context.Context, name string, result CheckResult, missing string) ([]string, *CheckResult) {
	records, err := c.resolver.LookupTXT(ctx, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			result.Status = StatusNotFound
			result.Message = missing
			return nil, &result
		}
		result.Status = StatusError
		result.Message = fmt.Sprintf("Lookup failed: %v", err)
		return nil, &result
	}
	if len(records) == 0 {
		result.Status = StatusNotFound
		result.Message = missing
		return nil, &result
	}
	return records, nil
}

// CheckSPF checks the SPF record of a domain. When include is set the
// record must name it or the provider's mail fails SPF.
func (c *Checker) CheckSPF(ctx context.Context, domain, include string) CheckResult {
	result := CheckResult{Type: "SPF Record"}
	missing := "No SPF record found (recommended to add)"

	records, failed := c.lookup(ctx, domain, result, missing)
	if failed != nil {
		return *failed
	}

	for _, txt := range records {
		if !strings.HasPrefix(txt, "v=spf1") {
			continue
		}
		result.Status = StatusOK
		result.Value = txt

		switch {
		case strings.Contains(txt, "+all"):
			result.Status = StatusWarning
			result.Message = "SPF uses +all (allows any sender), consider ~all or -all"
		case include != "" && !hasMechanism(txt, include):
			result.Status = StatusWarning
			result.Message = fmt.Sprintf("SPF does not authorize the provider (%s)", include)
		case strings.Contains(txt, "-all"):
			result.Message = "SPF configured with strict policy (-all)"
		case strings.Contains(txt, "~all"):
			result.Message = "SPF configured with soft fail (~all)"
		}
		return result
	}

	result.Status = StatusNotFound
	result.Message = missing
	return result
}

func hasMechanism(record, mechanism string) bool {
	for _, term := range strings.Fields(record) {
		if strings.EqualFold(strings.TrimLeft(term, "+?~-"), mechanism) {
			return true
		}
	}
	return false
}

// CheckDKIM checks the DKIM record for a selector. When expected is set the
// published public key must match it.
func (c *Checker) CheckDKIM(ctx context.Context, domain, selector, expected string) CheckResult {
	result := CheckResult{Type: fmt.Sprintf("DKIM Record (%s._domainkey)", selector)}
	name := fmt.Sprintf("%s._domainkey.%s", selector, domain)

	records, failed := c.lookup(ctx, name, result, fmt.Sprintf("No DKIM record found for selector '%s'", selector))
	if failed != nil {
		return *failed
	}

	// Long keys are split across several strings
	record := strings.Join(records, "")
	result.Value = truncateString(record, 100)

	if !strings.Contains(record, "v=DKIM1") {
		result.Status = StatusWarning
		result.Message = "TXT record found but doesn't appear to be a valid DKIM record"
		return result
	}

	published := tagValue(record, "p")
	switch {
	case published == "":
		result.Status = StatusWarning
		result.Message = "DKIM record missing public key (p=)"
	case expected != "" && published != tagValue(expected, "p"):
		result.Status = StatusError
		result.Message = "Published key does not match the configured signing key"
	default:
		result.Status = StatusOK
		result.Message = "DKIM configured with RSA key"
		if tagValue(record, "k") == "ed25519" {
			result.Message = "DKIM configured with Ed25519 key"
		}
	}
	return result
}

// CheckDMARC checks the DMARC record of a domain
func (c *Checker) CheckDMARC(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "DMARC Record"}

	records, failed := c.lookup(ctx, "_dmarc."+domain, result, "No DMARC record found (recommended to add)")
	if failed != nil {
		return *failed
	}

	record := strings.Join(records, "")
	result.Value = record

	if !strings.HasPrefix(record, "v=DMARC1") {
		result.Status = StatusWarning
		result.Message = "TXT record found but doesn't appear to be a valid DMARC record"
		return result
	}

	result.Status = StatusOK
	switch tagValue(record, "p") {
	case "reject":
		result.Message = "DMARC configured with reject policy (strict)"
	case "quarantine":
		result.Message = "DMARC configured with quarantine policy"
	case "none":
		result.Status = StatusWarning
		result.Message = "DMARC configured with none policy (monitoring only)"
	default:
		result.Status = StatusWarning
		result.Message = "DMARC record missing policy (p=)"
	}
	return result
}

// tagValue returns the value of tag in a "k=v; k=v" record
func tagValue(record, tag string) string {
	for _, part := range strings.Split(record, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.TrimSpace(k) == tag {
			return strings.Join(strings.Fields(v), "")
		}
	}
	return ""
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
