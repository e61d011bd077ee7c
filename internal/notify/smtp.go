package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/phuslu/log"

	"repairline/internal/domain"
)

// SMTPConfig holds mail relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

// SMTPMailer delivers messages through an SMTP relay, upgrading with
// STARTTLS when the server offers it.
type SMTPMailer struct {
	cfg    SMTPConfig
	logger *log.Logger
	now    func() time.Time
}

func NewSMTPMailer(cfg SMTPConfig, logger *log.Logger) *SMTPMailer {
	if logger == nil {
		logger = &log.DefaultLogger
	}
	if cfg.FromName == "" {
		cfg.FromName = "Repair Requests"
	}
	return &SMTPMailer{cfg: cfg, logger: logger, now: time.Now}
}

// Render produces the RFC 5322 message: multipart/alternative with a plain
// text and, when present, an HTML part.
func Render(msg domain.EmailMessage, from *mail.Address, date time.Time) ([]byte, error) {
	if len(msg.Recipients) == 0 {
		return nil, errors.New("no recipients")
	}
	to := make([]*mail.Address, 0, len(msg.Recipients))
	for _, r := range msg.Recipients {
		addr, err := mail.ParseAddress(r)
		if err != nil {
			return nil, fmt.Errorf("recipient %q: %w", r, err)
		}
		to = append(to, addr)
	}
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", to)
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if err := writePart(w, "text/plain", msg.TextBody); err != nil {
		return nil, err
	}
	if msg.HTMLBody != "" {
		if err := writePart(w, "text/html", msg.HTMLBody); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(w *mail.InlineWriter, contentType, content string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := w.CreatePart(ph)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, content); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}

// Send renders msg and delivers it to every recipient. The context deadline
// bounds the whole SMTP conversation.
func (m *SMTPMailer) Send(ctx context.Context, msg domain.EmailMessage) error {
	from := &mail.Address{Name: m.cfg.FromName, Address: m.cfg.From}
	data, err := Render(msg, from, m.now())
	if err != nil {
		return fmt.Errorf("render message: %w", err)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if ok, _ := c.Extension("AUTH"); ok && m.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, r := range msg.Recipients {
		addr, _ := mail.ParseAddress(r)
		if err := c.Rcpt(addr.Address); err != nil {
			return fmt.Errorf("rcpt %s: %w", addr.Address, err)
		}
	}
	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}
	m.logger.Info().Str("subject", msg.Subject).Strs("to", msg.Recipients).Msg("notification sent")
	return c.Quit()
}
