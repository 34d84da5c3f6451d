package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DryRunAdapter is the no-provider fallback. It never contacts a network and
// never fails; the would-be message is written to the diagnostic sink so a
// local run can be verified by tailing the log.
type DryRunAdapter struct {
	mu     sync.Mutex
	sink   io.Writer
	logger *slog.Logger
}

// NewDryRunAdapter creates a dry-run adapter writing to the given sink.
func NewDryRunAdapter(sink io.Writer, logger *slog.Logger) *DryRunAdapter {
	return &DryRunAdapter{
		sink:   sink,
		logger: logger,
	}
}

// Name implements Adapter.
func (*DryRunAdapter) Name() string { return "dry_run" }

// Send implements Adapter.
func (d *DryRunAdapter) Send(_ context.Context, msg Message, recipients []string) error {
	d.logger.Info("DRY-RUN EMAIL",
		"recipients", len(recipients),
		"subject", msg.Subject,
		"body_length", len(msg.Body))

	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.sink, "%s DRY-RUN send: subject=%q to=%s\n%s\n---\n",
		time.Now().UTC().Format(time.RFC3339),
		msg.Subject,
		strings.Join(recipients, ","),
		msg.Body)

	return nil
}
