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

// BroadcastName is the channel name recorded for push-token deliveries.
const BroadcastName = "push_broadcast"

// TokenResult is the per-token outcome of one broadcast.
type TokenResult struct {
	Token string // opaque recipient token, as read from the token file
	Err   error  // nil on success
}

// Broadcast sends the same message independently to every token in the
// configured token set via a bearer-token push endpoint. A failure for one
// token never aborts the remaining tokens; outcomes are reported per token
// rather than collapsed to a single boolean.
type Broadcast struct {
	endpoint string
	tokens   []string
	client   *http.Client
	logger   *slog.Logger
}

// NewBroadcast creates a push broadcast channel for the given token set.
func NewBroadcast(endpoint string, tokens []string, logger *slog.Logger) *Broadcast {
	return &Broadcast{
		endpoint: endpoint,
		tokens:   tokens,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   logger,
	}
}

// Tokens returns the effective token set.
func (b *Broadcast) Tokens() []string { return b.tokens }

// SendAll delivers msg to every token, one request each, in token-file order.
func (b *Broadcast) SendAll(ctx context.Context, msg Message) []TokenResult {
	results := make([]TokenResult, 0, len(b.tokens))
	for _, token := range b.tokens {
		err := b.sendOne(ctx, token, msg)
		if err != nil {
			b.logger.Warn("Push broadcast send failed",
				"token_prefix", tokenPrefix(token),
				"error", err)
		}
		results = append(results, TokenResult{Token: token, Err: err})
	}
	return results
}

func (b *Broadcast) sendOne(ctx context.Context, token string, msg Message) error {
	form := url.Values{}
	form.Add("message", msg.Subject+"\n"+msg.Body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)

	b.logger.Info("Push broadcast request starting",
		"endpoint", b.endpoint,
		"token_prefix", tokenPrefix(token))

	startTime := time.Now()
	resp, err := b.client.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	b.logger.Info("Push broadcast request completed",
		"token_prefix", tokenPrefix(token),
		"duration_ms", duration.Milliseconds())

	return nil
}

// tokenPrefix returns the first few characters of a token for logging.
// Tokens are credentials; they never appear whole in any log.
func tokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}
