package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"
)

const smtpDialTimeout = 30 * time.Second

// AuthError indicates the SMTP server rejected our credentials. It is kept
// distinct from submission failures so the history log tells the two apart.
type AuthError struct {
	Host string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("smtp auth rejected by %s: %v", e.Host, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// SMTPAdapter sends mail over a TLS-secured SMTP session. Port 465 uses
// implicit TLS; any other port upgrades with STARTTLS.
type SMTPAdapter struct {
	host     string
	port     string
	username string
	password string
	fromAddr string
	logger   *slog.Logger
}

// NewSMTPAdapter creates an SMTP adapter.
func NewSMTPAdapter(host, port, username, password, fromAddr string, logger *slog.Logger) *SMTPAdapter {
	return &SMTPAdapter{
		host:     host,
		port:     port,
		username: username,
		password: password,
		fromAddr: fromAddr,
		logger:   logger,
	}
}

// Name implements Adapter.
func (*SMTPAdapter) Name() string { return "smtp" }

// Send implements Adapter. It establishes the session, authenticates, submits
// one message to the full recipient set and quits. A failure during
// authentication surfaces as *AuthError; everything after is a submission
// failure.
func (s *SMTPAdapter) Send(ctx context.Context, msg Message, recipients []string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("smtp: no recipients")
	}

	addr := net.JoinHostPort(s.host, s.port)
	s.logger.Info("SMTP session starting",
		"server", addr,
		"recipients", len(recipients),
		"subject", msg.Subject)

	startTime := time.Now()
	client, err := s.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("smtp: connect %s: %w", addr, err)
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			s.logger.Debug("SMTP close after session", "error", closeErr)
		}
	}()

	if s.username != "" {
		auth := smtp.PlainAuth("", s.username, s.password, s.host)
		if err := client.Auth(auth); err != nil {
			s.logger.Warn("SMTP authentication rejected", "server", addr, "user", s.username, "error", err)
			return &AuthError{Host: s.host, Err: err}
		}
	}

	if err := s.submit(client, msg, recipients); err != nil {
		s.logger.Warn("SMTP submission failed", "server", addr, "error", err)
		return fmt.Errorf("smtp submit: %w", err)
	}

	if err := client.Quit(); err != nil {
		s.logger.Debug("SMTP quit", "error", err)
	}

	s.logger.Info("SMTP session completed",
		"server", addr,
		"duration_ms", time.Since(startTime).Milliseconds())

	return nil
}

// dial opens the transport-secured session. The context bounds the TCP
// connect; the deadline on the connection bounds the rest of the session so a
// hung server cannot stall the cycle.
func (s *SMTPAdapter) dial(ctx context.Context, addr string) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: smtpDialTimeout}

	tlsConfig := &tls.Config{ServerName: s.host, MinVersion: tls.VersionTLS12}

	var conn net.Conn
	var err error
	implicitTLS := s.port == "465"
	if implicitTLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			s.logger.Debug("SMTP set deadline", "error", err)
		}
	} else if err := conn.SetDeadline(time.Now().Add(smtpDialTimeout)); err != nil {
		s.logger.Debug("SMTP set deadline", "error", err)
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if !implicitTLS {
		if err := client.StartTLS(tlsConfig); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}

	return client, nil
}

func (s *SMTPAdapter) submit(client *smtp.Client, msg Message, recipients []string) error {
	if err := client.Mail(s.fromAddr); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, r := range recipients {
		if err := client.Rcpt(r); err != nil {
			return fmt.Errorf("rcpt to %s: %w", r, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", s.fromAddr))
	b.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(recipients, ", ")))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", sanitizeHeader(msg.Subject)))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)

	if _, err := w.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}

	return nil
}

// sanitizeHeader strips CR, LF and other control characters so message
// content can never inject additional RFC 5322 headers.
func sanitizeHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}
