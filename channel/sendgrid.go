package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const sendgridBaseURL = "https://api.sendgrid.com/v3"

// SendGridAdapter sends mail via the SendGrid v3 Mail Send API. One
// authenticated request covers the whole recipient set.
type SendGridAdapter struct {
	apiKey   string
	fromAddr string
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
}

// NewSendGridAdapter creates a SendGrid adapter.
func NewSendGridAdapter(apiKey, fromAddr string, logger *slog.Logger) *SendGridAdapter {
	return &SendGridAdapter{
		apiKey:   apiKey,
		fromAddr: fromAddr,
		baseURL:  sendgridBaseURL,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// Name implements Adapter.
func (*SendGridAdapter) Name() string { return "sendgrid" }

type sendgridContact struct {
	Email string `json:"email"`
}

type sendgridPersonalization struct {
	To []sendgridContact `json:"to"`
}

type sendgridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// sendgridRequest represents the SendGrid mail send request.
type sendgridRequest struct {
	Personalizations []sendgridPersonalization `json:"personalizations"`
	From             sendgridContact           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendgridContent         `json:"content"`
}

// Send implements Adapter. The attempt is made exactly once; a failed send is
// recorded by the caller and re-attempted only when a later cycle re-detects
// the transition.
func (s *SendGridAdapter) Send(ctx context.Context, msg Message, recipients []string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("sendgrid: no recipients")
	}

	to := make([]sendgridContact, 0, len(recipients))
	for _, r := range recipients {
		to = append(to, sendgridContact{Email: r})
	}

	reqBody := sendgridRequest{
		Personalizations: []sendgridPersonalization{{To: to}},
		From:             sendgridContact{Email: s.fromAddr},
		Subject:          msg.Subject,
		Content:          []sendgridContent{{Type: "text/plain", Value: msg.Body}},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("sendgrid: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/mail/send", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("sendgrid: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	s.logger.Info("SendGrid API request starting",
		"method", "POST",
		"endpoint", "mail/send",
		"recipients", len(recipients),
		"subject", msg.Subject)

	startTime := time.Now()
	resp, err := s.client.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		s.logger.Warn("SendGrid API request failed",
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return fmt.Errorf("sendgrid: send: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Keep the full response body: the reason must be diagnosable
		// from the history log alone.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.logger.Warn("SendGrid API returned non-2xx status",
			"status_code", resp.StatusCode,
			"body", string(body))
		return fmt.Errorf("sendgrid: HTTP %d: %s", resp.StatusCode, string(body))
	}

	s.logger.Info("SendGrid API request completed",
		"endpoint", "mail/send",
		"duration_ms", duration.Milliseconds(),
		"status_code", resp.StatusCode)

	return nil
}
