// Package email provides address parsing and message building shared by the
// HTTP API, the report dispatcher and the outbound providers.
package email

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
)

// addressPattern is the basic local@domain.tld shape accepted for recipients.
var addressPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// IsValidAddress reports whether addr looks like a deliverable mailbox.
func IsValidAddress(addr string) bool {
	return addressPattern.MatchString(addr)
}

// splitAddresses splits a delimited recipient string on commas, semicolons
// and whitespace.
func splitAddresses(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\r', '\n':
			return true
		}
		return false
	})
}

// ParseRecipients normalizes explicit recipient tokens into a list of valid
// addresses. Each token may itself be a delimited string. Duplicates are kept
// and invalid entries dropped. The fallback (usually the configured default
// recipients) is parsed the same way, but only when explicit names no
// address at all; an explicit list of invalid addresses yields nothing.
func ParseRecipients(explicit []string, fallback string) []string {
	for _, tok := range explicit {
		if len(splitAddresses(tok)) > 0 {
			return parseTokens(explicit)
		}
	}
	return parseTokens([]string{fallback})
}

func parseTokens(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		for _, part := range splitAddresses(tok) {
			part = strings.TrimSpace(part)
			if IsValidAddress(part) {
				out = append(out, part)
			}
		}
	}
	return out
}

// AddressList accepts either a single JSON string or an array of strings.
type AddressList []string

// UnmarshalJSON implements json.Unmarshaler
func (l *AddressList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = nil
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			*l = nil
			return nil
		}
		*l = AddressList{single}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("address list must be a string or an array of strings")
	}
	*l = AddressList(many)
	return nil
}

// FormatAddress renders a display name and address as an RFC 5322 mailbox.
func FormatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}

func parseMailbox(s string) (string, error) {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", err
	}
	return addr.Address, nil
}

// ExtractDomain extracts the domain part from an email address.
// Returns empty string if the email is invalid.
func ExtractDomain(email string) string {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		// Try simple extraction for malformed addresses
		at := strings.LastIndex(email, "@")
		if at <= 0 || at == len(email)-1 {
			return ""
		}
		return strings.ToLower(email[at+1:])
	}
	at := strings.LastIndex(addr.Address, "@")
	if at <= 0 || at == len(addr.Address)-1 {
		return ""
	}
	return strings.ToLower(addr.Address[at+1:])
}

// ExtractDomainOrDefault extracts the domain part from an email address.
// Returns the provided default value if the email is invalid or domain is empty.
func ExtractDomainOrDefault(email, defaultDomain string) string {
	domain := ExtractDomain(email)
	if domain == "" {
		return defaultDomain
	}
	return domain
}
