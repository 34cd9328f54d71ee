package smtp

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is one outgoing email to a single recipient
type Message struct {
	From    string // From header, "Name <addr>" allowed
	To      string
	Subject string
	HTML    string
	Text    string
	Headers map[string]string
}

// EnvelopeFrom returns the bare address of From
func (m *Message) EnvelopeFrom() string {
	if addr, err := mail.ParseAddress(m.From); err == nil {
		return addr.Address
	}
	return m.From
}

// Bytes renders the message as RFC 5322 data
func (m *Message) Bytes(hostname string) []byte {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("From: %s\r\n", m.From))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", m.To))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject)))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: <%s@%s>\r\n", uuid.New().String(), hostname))

	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, sanitizeHeader(m.Headers[k])))
	}

	buf.WriteString("MIME-Version: 1.0\r\n")

	if m.HTML != "" && m.Text != "" {
		boundary := uuid.New().String()
		buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary))
		buf.WriteString("\r\n")

		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		writePart(&buf, "text/plain", m.Text)

		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		writePart(&buf, "text/html", m.HTML)

		buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
		return buf.Bytes()
	}

	if m.HTML != "" {
		writePart(&buf, "text/html", m.HTML)
	} else {
		writePart(&buf, "text/plain", m.Text)
	}
	return buf.Bytes()
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

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}
