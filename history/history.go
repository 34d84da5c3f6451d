// Package history keeps the append-only audit log of notification attempts.
package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"calendar-notifier/pkg/watch"
)

// Recorder appends notification records to a JSONL file, one record per
// line, ordered by append time. The file is a write-only audit sink: dedup
// decisions never depend on scanning it, and the line-oriented format stays
// friendly to rotation and tailing.
type Recorder struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// New creates a recorder backed by the given file path.
func New(path string, logger *slog.Logger) *Recorder {
	return &Recorder{
		path:   path,
		logger: logger,
	}
}

// Append writes one record. Records are never reordered or coalesced. Write
// failures (disk full, permissions) are returned to the caller; losing an
// audit record must fail the cycle, not vanish.
func (r *Recorder) Append(rec watch.NotificationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open history log: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			r.logger.Warn("Failed to close history log", "error", closeErr)
		}
	}()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append history record: %w", err)
	}
	// The record must be durable before the cycle is allowed to mark the
	// snapshot as notified.
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync history log: %w", err)
	}

	return nil
}

// Recent returns up to limit records, newest first. Unparseable lines are
// skipped; the file is for audit replay, not a query index.
func (r *Recorder) Recent(limit int) ([]watch.NotificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history log: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	var records []watch.NotificationRecord
	for i := len(lines) - 1; i >= 0 && len(records) < limit; i-- {
		if lines[i] == "" {
			continue
		}
		var rec watch.NotificationRecord
		if err := json.Unmarshal([]byte(lines[i]), &rec); err != nil {
			r.logger.Warn("Skipping unparseable history line", "line", i+1, "error", err)
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}
