package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

const implicitTLSPort = 465

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	FromName string
}

// SMTPMailer delivers through an authenticated SMTP relay. Port 465 uses
// implicit TLS, any other port upgrades with STARTTLS.
type SMTPMailer struct {
	cfg    SMTPConfig
	dialer *net.Dialer
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: 10 * time.Second},
	}
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	if _, err := mail.ParseAddress(to); err != nil {
		return Permanent(fmt.Errorf("recipient %q: %w", to, err))
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	tlsConfig := &tls.Config{ServerName: m.cfg.Host}

	conn, err := m.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	// unblock the session if ctx is cancelled mid-conversation
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if m.cfg.Port == implicitTLSPort {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return m.classify("greeting", err)
	}
	defer client.Close()

	if m.cfg.Port != implicitTLSPort {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return m.classify("starttls", err)
			}
		}
	}

	auth := smtp.PlainAuth("", m.cfg.User, m.cfg.Password, m.cfg.Host)
	if err := client.Auth(auth); err != nil {
		return m.classify("auth", err)
	}
	if err := client.Mail(m.cfg.From); err != nil {
		return m.classify("mail from", err)
	}
	if err := client.Rcpt(to); err != nil {
		return m.classify("rcpt to", err)
	}

	w, err := client.Data()
	if err != nil {
		return m.classify("data", err)
	}
	if _, err := w.Write(m.buildMessage(to, subject, htmlBody)); err != nil {
		return m.classify("write body", err)
	}
	if err := w.Close(); err != nil {
		return m.classify("end data", err)
	}

	// accepted at end of DATA; a failed QUIT does not undo the send
	_ = client.Quit()
	return nil
}

func (m *SMTPMailer) buildMessage(to, subject, htmlBody string) []byte {
	from := (&mail.Address{Name: m.cfg.FromName, Address: m.cfg.From}).String()

	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(htmlBody)
	return []byte(b.String())
}

// classify marks 5xx replies permanent; everything else is left transient.
func (m *SMTPMailer) classify(stage string, err error) error {
	err = fmt.Errorf("smtp %s: %w", stage, err)

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Code >= 500 {
		return Permanent(err)
	}
	return err
}
