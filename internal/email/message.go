package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Attachment is a file carried inside a message
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is a provider-independent outbound email
type Message struct {
	From        string // mailbox, may include display name
	To          []string
	Subject     string
	Text        string
	HTML        string
	Headers     map[string]string
	Attachments []Attachment
}

// Receipt is what a provider reports back after accepting a message
type Receipt struct {
	Provider  string   `json:"provider"`
	MessageID string   `json:"messageId,omitempty"`
	Accepted  []string `json:"accepted"`
	Rejected  []string `json:"rejected"`
}

// Normalize rewrites all human-readable text to Unicode NFC so that composed
// and decomposed accents render the same way at every provider.
func (m *Message) Normalize() {
	m.Subject = norm.NFC.String(m.Subject)
	m.Text = norm.NFC.String(m.Text)
	m.HTML = norm.NFC.String(m.HTML)
	m.From = norm.NFC.String(m.From)
	for i := range m.Attachments {
		m.Attachments[i].Filename = norm.NFC.String(m.Attachments[i].Filename)
	}
}

// Envelope returns the bare sender address used for MAIL FROM.
func (m *Message) Envelope() string {
	if addr, err := parseMailbox(m.From); err == nil {
		return addr
	}
	return m.From
}

// Build renders the message as RFC 5322 data and returns it together with the
// generated Message-ID.
func Build(m *Message, now time.Time) ([]byte, string) {
	var buf bytes.Buffer

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), ExtractDomainOrDefault(m.From, "localhost"))

	// Headers
	buf.WriteString(fmt.Sprintf("From: %s\r\n", m.From))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(m.To, ", ")))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject)))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", now.Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: %s\r\n", messageID))

	// Custom headers, sorted for stable output
	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, m.Headers[k]))
	}
	buf.WriteString("MIME-Version: 1.0\r\n")

	if len(m.Attachments) == 0 {
		writeBody(&buf, m)
		return buf.Bytes(), messageID
	}

	mixed := uuid.New().String()
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=\"%s\"\r\n", mixed))
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s\r\n", mixed))
	writeBody(&buf, m)
	buf.WriteString("\r\n")

	for _, a := range m.Attachments {
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		buf.WriteString(fmt.Sprintf("--%s\r\n", mixed))
		buf.WriteString(fmt.Sprintf("Content-Type: %s; name=\"%s\"\r\n", contentType, mime.QEncoding.Encode("utf-8", a.Filename)))
		buf.WriteString("Content-Transfer-Encoding: base64\r\n")
		buf.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=\"%s\"\r\n", mime.QEncoding.Encode("utf-8", a.Filename)))
		buf.WriteString("\r\n")
		writeBase64(&buf, a.Data)
	}
	buf.WriteString(fmt.Sprintf("--%s--\r\n", mixed))

	return buf.Bytes(), messageID
}

// writeBody writes the Content-Type header and the text/html parts
func writeBody(buf *bytes.Buffer, m *Message) {
	if m.HTML == "" {
		writePart(buf, "text/plain", m.Text)
		return
	}

	boundary := uuid.New().String()
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary))
	buf.WriteString("\r\n")

	// Plain text part
	if m.Text != "" {
		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		writePart(buf, "text/plain", m.Text)
		buf.WriteString("\r\n")
	}

	// HTML part
	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	writePart(buf, "text/html", m.HTML)
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
}

func writePart(buf *bytes.Buffer, contentType, body string) {
	buf.WriteString(fmt.Sprintf("Content-Type: %s; charset=utf-8\r\n", contentType))
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")
	qp := quotedprintable.NewWriter(buf)
	qp.Write([]byte(body))
	qp.Close()
	buf.WriteString("\r\n")
}

// writeBase64 writes data base64-encoded in 76 character lines
func writeBase64(buf *bytes.Buffer, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString("\r\n")
		encoded = encoded[76:]
	}
	if encoded != "" {
		buf.WriteString(encoded)
		buf.WriteString("\r\n")
	}
}
