package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const mailgunBaseURL = "https://api.mailgun.net/v3"

// MailgunAdapter sends mail via the Mailgun Messages API for a configured
// sending domain.
type MailgunAdapter struct {
	apiKey   string
	domain   string
	fromAddr string
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
}

// NewMailgunAdapter creates a Mailgun adapter targeting the given domain.
func NewMailgunAdapter(apiKey, domain, fromAddr string, logger *slog.Logger) *MailgunAdapter {
	return &MailgunAdapter{
		apiKey:   apiKey,
		domain:   domain,
		fromAddr: fromAddr,
		baseURL:  mailgunBaseURL,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// Name implements Adapter.
func (*MailgunAdapter) Name() string { return "mailgun" }

// Send implements Adapter.
func (m *MailgunAdapter) Send(ctx context.Context, msg Message, recipients []string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("mailgun: no recipients")
	}

	form := url.Values{}
	form.Add("from", m.fromAddr)
	form.Add("to", strings.Join(recipients, ","))
	form.Add("subject", msg.Subject)
	form.Add("text", msg.Body)

	endpoint := fmt.Sprintf("%s/%s/messages", m.baseURL, m.domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("mailgun: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", m.apiKey)

	m.logger.Info("Mailgun API request starting",
		"method", "POST",
		"domain", m.domain,
		"recipients", len(recipients),
		"subject", msg.Subject)

	startTime := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		m.logger.Warn("Mailgun API request failed",
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return fmt.Errorf("mailgun: send: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			m.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		m.logger.Warn("Mailgun API returned non-2xx status",
			"status_code", resp.StatusCode,
			"body", string(body))
		return fmt.Errorf("mailgun: HTTP %d: %s", resp.StatusCode, string(body))
	}

	m.logger.Info("Mailgun API request completed",
		"domain", m.domain,
		"duration_ms", duration.Milliseconds(),
		"status_code", resp.StatusCode)

	return nil
}
