package email

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// Config holds SMTP configuration for sending email.
type Config struct {
	Host     string
	Port     int
	User     string
	Pass     string
	From     string
	FromName string
}

// Sender sends email via SMTP.
type Sender struct {
	cfg Config
	now func() time.Time
}

// NewSender creates a new email Sender.
func NewSender(cfg Config) *Sender {
	if cfg.FromName == "" {
		cfg.FromName = "Murmur"
	}
	return &Sender{cfg: cfg, now: time.Now}
}

// Enabled returns true if SMTP is configured.
func (s *Sender) Enabled() bool {
	return s.cfg.Host != ""
}

// Send sends an email to the given recipient. The dial honours ctx's deadline.
func (s *Sender) Send(ctx context.Context, to, subject, body string) error {
	if !s.Enabled() {
		return nil
	}
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("email: header values must not contain line breaks")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	msg := s.buildMessage(to, subject, body)

	var auth smtp.Auth
	if s.cfg.User != "" {
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Pass, s.cfg.Host)
	}

	dialer := &net.Dialer{}
	if s.cfg.Port == 465 {
		return s.sendImplicitTLS(ctx, dialer, addr, auth, msg, to)
	}
	return s.sendSTARTTLS(ctx, dialer, addr, auth, msg, to)
}

// buildMessage renders the RFC 5322 message
func (s *Sender) buildMessage(to, subject, body string) string {
	now := s.now()

	// Extract domain from From address for Message-ID
	domain := s.cfg.Host
	if parts := strings.SplitN(s.cfg.From, "@", 2); len(parts) == 2 {
		domain = parts[1]
	}

	randBytes := make([]byte, 16)
	rand.Read(randBytes)
	messageID := fmt.Sprintf("<%x.%d@%s>", randBytes, now.UnixNano(), domain)

	return fmt.Sprintf("From: %s <%s>\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\nMessage-ID: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		s.cfg.FromName, s.cfg.From, to, subject, now.UTC().Format(time.RFC1123Z), messageID, body)
}

// sendImplicitTLS connects over TLS directly (port 465).
func (s *Sender) sendImplicitTLS(ctx context.Context, dialer *net.Dialer, addr string, auth smtp.Auth, msg, to string) error {
	tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: s.cfg.Host}}
	conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tls dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer client.Close()

	return s.sendWithClient(client, auth, msg, to)
}

// sendSTARTTLS connects in plaintext then upgrades via STARTTLS.
func (s *Sender) sendSTARTTLS(ctx context.Context, dialer *net.Dialer, addr string, auth smtp.Auth, msg, to string) error {
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{ServerName: s.cfg.Host}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	return s.sendWithClient(client, auth, msg, to)
}

// sendWithClient performs the SMTP conversation on an established client.
func (s *Sender) sendWithClient(client *smtp.Client, auth smtp.Auth, msg, to string) error {
	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return client.Quit()
}
