// Package mail implements the Mailer port over a plain SMTP relay. The
// pipeline sends two kinds of mail: run error summaries and per-carrier
// reconciliation reports, optionally with the recon feed attached.
package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SMTPMailer sends through an unauthenticated internal relay, which is how
// the upstream lab network delivers operational mail.
type SMTPMailer struct {
	Addr string // host:port
	From string
}

// Send composes and delivers one message. Attachments are read at send
// time; a missing attachment fails the whole send.
func (m *SMTPMailer) Send(ctx context.Context, to []string, subject, body string, attachments ...string) error {
	if m.Addr == "" {
		return fmt.Errorf("smtp relay not configured")
	}
	if len(to) == 0 {
		return fmt.Errorf("no recipients")
	}
	msg, err := m.compose(to, subject, body, attachments)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(m.Addr, nil, m.From, to, msg)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("sending mail %q: %w", subject, err)
		}
		return nil
	}
}

func (m *SMTPMailer) compose(to []string, subject, body string, attachments []string) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", m.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	if len(attachments) == 0 {
		fmt.Fprintf(&buf, "Content-Type: text/plain; charset=utf-8\r\n\r\n")
		buf.WriteString(body)
		return buf.Bytes(), nil
	}

	w := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", w.Boundary())

	textHdr := textproto.MIMEHeader{}
	textHdr.Set("Content-Type", "text/plain; charset=utf-8")
	part, err := w.CreatePart(textHdr)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write([]byte(body)); err != nil {
		return nil, err
	}

	for _, path := range attachments {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading attachment: %w", err)
		}
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Type", "application/octet-stream")
		hdr.Set("Content-Transfer-Encoding", "base64")
		hdr.Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
		part, err := w.CreatePart(hdr)
		if err != nil {
			return nil, err
		}
		enc := base64.StdEncoding.EncodeToString(data)
		for len(enc) > 76 {
			fmt.Fprintf(part, "%s\r\n", enc[:76])
			enc = enc[76:]
		}
		fmt.Fprintf(part, "%s\r\n", enc)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
