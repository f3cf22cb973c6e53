// Package dkim signs outbound report mail for the configured sender domain.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/emersion/go-msgauth/dkim"
)

// Options selects the key and identity used for signing
type Options struct {
	Domain   string
	Selector string
	KeyFile  string
}

// signedHeaders are covered by every signature
var signedHeaders = []string{"From", "To", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type"}

// Signer adds a DKIM-Signature header to rendered messages
type Signer struct {
	key      *rsa.PrivateKey
	domain   string
	selector string
}

// NewSigner wraps an already loaded key
func NewSigner(key *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{key: key, domain: domain, selector: selector}
}

// Load builds a signer from Options, reading the key from disk
func Load(opts Options) (*Signer, error) {
	if opts.Domain == "" || opts.Selector == "" {
		return nil, errors.New("dkim domain and selector are required")
	}
	key, err := LoadPrivateKey(opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load dkim key: %w", err)
	}
	return NewSigner(key, opts.Domain, opts.Selector), nil
}

// Sign returns message with a relaxed/relaxed rsa-sha256 signature prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	var out bytes.Buffer
	err := dkim.Sign(&out, bytes.NewReader(message), &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderKeys:             signedHeaders,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	})
	if err != nil {
		return nil, fmt.Errorf("dkim sign: %w", err)
	}
	return out.Bytes(), nil
}

// Verify checks a signed message against this signer's own public key
// without a DNS lookup. Used by the CLI to confirm a key file works.
func (s *Signer) Verify(signed []byte) error {
	record := s.TXTRecord()
	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(signed), &dkim.VerifyOptions{
		LookupTXT: func(name string) ([]string, error) {
			if name != RecordName(s.domain, s.selector) {
				return nil, fmt.Errorf("no record for %s", name)
			}
			return []string{record}, nil
		},
	})
	if err != nil {
		return err
	}
	if len(verifications) == 0 {
		return errors.New("message carries no DKIM signature")
	}
	for _, v := range verifications {
		if v.Err != nil {
			return v.Err
		}
	}
	return nil
}

// TXTRecord is the DNS value that publishes this signer's public key
func (s *Signer) TXTRecord() string {
	return TXTRecord(&s.key.PublicKey)
}

// Domain returns the signing domain (d=)
func (s *Signer) Domain() string {
	return s.domain
}

// Selector returns the key selector (s=)
func (s *Signer) Selector() string {
	return s.selector
}
