package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"driftline/internal/config"
	"driftline/internal/domain"
)

// Email sends plain-text mail over SMTP. The generated Message-ID is the
// external ref.
type Email struct {
	cfg config.SMTPConfig
}

func NewEmail(cfg config.SMTPConfig) *Email {
	return &Email{cfg: cfg}
}

func (e *Email) Kind() domain.DestinationKind { return domain.DestinationEmail }

func (e *Email) Send(ctx context.Context, work domain.StandingWork, v domain.WorkVersion, d domain.Destination) (string, error) {
	if e.cfg.Host == "" {
		return "", fmt.Errorf("smtp host is not configured")
	}
	subj := d.Email.Subject
	if subj == "" {
		subj = subject(work, v)
	}
	host := e.cfg.Host
	msgID := fmt.Sprintf("<%s@%s>", uuid.NewString(), host)
	msg := buildMessage(e.cfg.From, d.Email.To, subj, msgID, v.FinalContent)

	addr := net.JoinHostPort(host, strconv.Itoa(e.cfg.Port))
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("smtp dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("smtp hello: %w", err)
	}
	defer c.Close()
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return "", fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if e.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, host)); err != nil {
			return "", fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(e.cfg.From); err != nil {
		return "", fmt.Errorf("smtp mail: %w", err)
	}
	for _, to := range d.Email.To {
		if err := c.Rcpt(to); err != nil {
			return "", fmt.Errorf("smtp rcpt %s: %w", to, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return "", fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return "", fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("smtp close: %w", err)
	}
	_ = c.Quit()
	return msgID, nil
}

func buildMessage(from string, to []string, subj, msgID, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + headerValue(from) + "\r\n")
	b.WriteString("To: " + headerValue(strings.Join(to, ", ")) + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", headerValue(subj)) + "\r\n")
	b.WriteString("Message-ID: " + msgID + "\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// headerValue folds CR and LF into spaces so a value cannot start a new header.
func headerValue(s string) string {
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool { return r == '\r' || r == '\n' }), " ")
}
