package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/loyalty-otp/internal/config"
	"github.com/loyalty-otp/internal/domain"
	"github.com/loyalty-otp/internal/pkg/id"
)

const dialTimeout = 10 * time.Second

// Mailer sends multipart text/HTML email over SMTP.
type Mailer struct {
	host     string
	port     string
	from     string
	username string
	password string
}

func NewMailer(cfg *config.Config) *Mailer {
	return &Mailer{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		from:     cfg.SMTPFrom,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
	}
}

// SendEmail delivers the message and returns its Message-ID.
func (m *Mailer) SendEmail(ctx context.Context, to, subject, htmlBody, textBody string) (string, error) {
	msgID := fmt.Sprintf("<%s@%s>", id.New(), m.host)
	msg, err := buildMessage(m.from, to, subject, msgID, htmlBody, textBody, time.Now())
	if err != nil {
		return "", err
	}
	if err := m.send(ctx, to, msg); err != nil {
		return "", classify(err)
	}
	return msgID, nil
}

func (m *Mailer) send(ctx context.Context, to string, msg []byte) error {
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(m.host, m.port))
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, m.host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: m.host}); err != nil {
			return err
		}
	}
	if m.username != "" {
		if err := c.Auth(smtp.PlainAuth("", m.username, m.password, m.host)); err != nil {
			return err
		}
	}
	if err := c.Mail(m.from); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func buildMessage(from, to, subject, msgID, htmlBody, textBody string, now time.Time) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, part := range []struct{ ctype, content string }{
		{"text/plain; charset=UTF-8", textBody},
		{"text/html; charset=UTF-8", htmlBody},
	} {
		pw, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.ctype},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, fmt.Errorf("build email: %w", err)
		}
		if _, err := pw.Write([]byte(part.content)); err != nil {
			return nil, fmt.Errorf("build email: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build email: %w", err)
	}

	var msg bytes.Buffer
	headers := [][2]string{
		{"From", from},
		{"To", to},
		{"Subject", mime.QEncoding.Encode("utf-8", subject)},
		{"Date", now.Format(time.RFC1123Z)},
		{"Message-ID", msgID},
		{"MIME-Version", "1.0"},
		{"Content-Type", "multipart/alternative; boundary=" + mw.Boundary()},
	}
	for _, h := range headers {
		msg.WriteString(h[0] + ": " + h[1] + "\r\n")
	}
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

// classify maps SMTP reply codes onto delivery reasons.
func classify(err error) error {
	reason := domain.ReasonUnavailable
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch tpErr.Code {
		case 421, 450, 451:
			reason = domain.ReasonThrottled
		case 452, 552:
			reason = domain.ReasonQuotaExceeded
		case 550, 553:
			reason = domain.ReasonInvalidContact
		}
	} else if strings.Contains(err.Error(), "missing recipient") {
		reason = domain.ReasonInvalidContact
	}
	return &domain.DeliveryError{Reason: reason, Err: fmt.Errorf("smtp: %w", err)}
}
