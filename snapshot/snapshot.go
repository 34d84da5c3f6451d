// Package snapshot handles persistence of per-week availability snapshots.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry-go"
	"google.golang.org/api/iterator"

	"calendar-notifier/pkg/watch"
)

var weekIDPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ErrNotFound is returned when no snapshot exists for a week. A missing
// previous snapshot is the normal first-run state, never a failure.
var ErrNotFound = errors.New("snapshot not found")

// IsNotFound reports whether err means the week has no stored snapshot.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Store persists the last-seen snapshot per monitored week so transitions
// can be computed across poll cycles and process restarts. It writes either
// to a local directory (development) or a Cloud Storage bucket (production).
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a snapshot store. Exactly one of bucket and localPath is
// expected to be set.
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// snapshotKey generates a stable object name from a week ID. Rejecting
// anything but a plain date keeps path traversal out of the local backend.
func snapshotKey(weekID string) string {
	if !weekIDPattern.MatchString(weekID) {
		return ""
	}
	return fmt.Sprintf("week-%s.json", weekID)
}

// Save persists a snapshot. The write is durable before Save returns; the
// local backend writes to a temp file and renames so a crash mid-write never
// leaves a torn week behind.
func (s *Store) Save(ctx context.Context, snap *watch.Snapshot) error {
	key := snapshotKey(snap.WeekID)
	if key == "" {
		return fmt.Errorf("invalid week id %q", snap.WeekID)
	}
	s.logger.Debug("Saving snapshot", "key", key, "slots", len(snap.Slots))

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		tmpPath := filePath + ".tmp"
		if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
			return fmt.Errorf("write snapshot temp file: %w", err)
		}
		if err := os.Rename(tmpPath, filePath); err != nil {
			return fmt.Errorf("rename snapshot into place: %w", err)
		}

		s.logger.Info("Snapshot saved to local storage", "path", filePath, "week_id", snap.WeekID, "slots", len(snap.Slots))
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying snapshot save after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("Snapshot saved", "key", key, "week_id", snap.WeekID, "slots", len(snap.Slots))
	return nil
}

// Load returns the stored snapshot for a week, or ErrNotFound.
func (s *Store) Load(ctx context.Context, weekID string) (*watch.Snapshot, error) {
	key := snapshotKey(weekID)
	if key == "" {
		return nil, fmt.Errorf("invalid week id %q", weekID)
	}

	var data []byte

	// Local filesystem storage
	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		// Cloud Storage with retry logic for reliability
		var readData []byte
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(ErrNotFound)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				readData, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying snapshot load after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("load after retries: %w", err)
		}
		data = readData
	}

	var snap watch.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// ListWeeks returns the week IDs that have a stored snapshot.
func (s *Store) ListWeeks(ctx context.Context) ([]string, error) {
	var weeks []string

	// Local filesystem storage
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if id, ok := weekIDFromKey(entry.Name()); ok {
				weeks = append(weeks, id)
			}
		}
		return weeks, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: "week-",
	})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if id, ok := weekIDFromKey(attrs.Name); ok {
			weeks = append(weeks, id)
		}
	}

	return weeks, nil
}

func weekIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, "week-") || !strings.HasSuffix(key, ".json") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, "week-"), ".json")
	if !weekIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}
