// Package poll runs the fetch-compare-notify cycle over the watched weeks.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"calendar-notifier/pkg/watch"
	"calendar-notifier/snapshot"
)

const weekOffsetDays = 7 // second watched week starts this many days out

// Fetcher fetches and parses the reservation calendar for one week.
type Fetcher interface {
	FetchWeek(ctx context.Context, weekStart time.Time) (*watch.Snapshot, error)
}

// Store persists week snapshots between cycles.
type Store interface {
	Save(ctx context.Context, snap *watch.Snapshot) error
	Load(ctx context.Context, weekID string) (*watch.Snapshot, error)
}

// Detector compares two snapshots of the same week.
type Detector interface {
	Diff(prev, cur *watch.Snapshot) []watch.TransitionEvent
}

// Router fans transition events out to the configured channels.
type Router interface {
	Dispatch(ctx context.Context, events []watch.TransitionEvent) []watch.NotificationRecord
}

// History records every delivery attempt.
type History interface {
	Append(rec watch.NotificationRecord) error
}

// WeekResult summarizes one week within a cycle.
type WeekResult struct {
	WeekID      string                     `json:"week_id"`
	Transitions []watch.TransitionEvent    `json:"transitions"`
	Records     []watch.NotificationRecord `json:"records"`
	Err         string                     `json:"error,omitempty"`
}

// CycleResult summarizes one full poll cycle.
type CycleResult struct {
	CycleID   string       `json:"cycle_id"`
	StartedAt time.Time    `json:"started_at"`
	Duration  string       `json:"duration"`
	Weeks     []WeekResult `json:"weeks"`
}

// ErrCycleRunning is returned when a cycle is requested while one is
// already in flight.
var ErrCycleRunning = errors.New("poll cycle already running")

// Monitor orchestrates poll cycles. A single Monitor never runs two
// cycles concurrently.
type Monitor struct {
	fetcher  Fetcher
	store    Store
	detector Detector
	router   Router
	history  History
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// New creates a poll monitor.
func New(fetcher Fetcher, store Store, detector Detector, router Router, history History, logger *slog.Logger) *Monitor {
	return &Monitor{
		fetcher:  fetcher,
		store:    store,
		detector: detector,
		router:   router,
		history:  history,
		logger:   logger,
		now:      time.Now,
	}
}

// RunCycle polls the watched weeks once. Overlapping invocations fail
// fast with ErrCycleRunning instead of queueing.
func (m *Monitor) RunCycle(ctx context.Context) (*CycleResult, error) {
	if !m.mu.TryLock() {
		return nil, ErrCycleRunning
	}
	defer m.mu.Unlock()

	start := m.now()
	result := &CycleResult{
		CycleID:   uuid.New().String(),
		StartedAt: start.UTC(),
	}

	m.logger.Info("Poll cycle starting", "cycle_id", result.CycleID)

	for _, weekStart := range m.watchedWeeks(start) {
		week := m.checkWeek(ctx, weekStart)
		result.Weeks = append(result.Weeks, week)
		if week.Err != "" {
			m.logger.Warn("Week check failed",
				"cycle_id", result.CycleID,
				"week_id", week.WeekID,
				"error", week.Err)
		}
	}

	result.Duration = m.now().Sub(start).String()
	m.logger.Info("Poll cycle completed",
		"cycle_id", result.CycleID,
		"weeks", len(result.Weeks),
		"duration", result.Duration)

	return result, nil
}

// Preview fetches the watched weeks and reports what a cycle would
// notify about, without sending anything or persisting snapshots. It
// shares the single-flight guard with RunCycle.
func (m *Monitor) Preview(ctx context.Context) (*CycleResult, error) {
	if !m.mu.TryLock() {
		return nil, ErrCycleRunning
	}
	defer m.mu.Unlock()

	start := m.now()
	result := &CycleResult{
		CycleID:   uuid.New().String(),
		StartedAt: start.UTC(),
	}

	for _, weekStart := range m.watchedWeeks(start) {
		weekID := weekStart.Format("2006-01-02")
		week := WeekResult{WeekID: weekID}

		cur, err := m.fetcher.FetchWeek(ctx, weekStart)
		if err != nil {
			week.Err = fmt.Sprintf("fetch week: %v", err)
			result.Weeks = append(result.Weeks, week)
			continue
		}
		prev, err := m.store.Load(ctx, weekID)
		if err != nil && !snapshot.IsNotFound(err) {
			week.Err = fmt.Sprintf("load snapshot: %v", err)
			result.Weeks = append(result.Weeks, week)
			continue
		}
		week.Transitions = m.detector.Diff(prev, cur)
		result.Weeks = append(result.Weeks, week)
	}

	result.Duration = m.now().Sub(start).String()
	return result, nil
}

// watchedWeeks returns the week starts to poll: the current week and
// the week one offset out.
func (m *Monitor) watchedWeeks(now time.Time) []time.Time {
	today := now.UTC().Truncate(24 * time.Hour)
	return []time.Time{today, today.AddDate(0, 0, weekOffsetDays)}
}

func (m *Monitor) checkWeek(ctx context.Context, weekStart time.Time) WeekResult {
	weekID := weekStart.Format("2006-01-02")
	week := WeekResult{WeekID: weekID}

	cur, err := m.fetcher.FetchWeek(ctx, weekStart)
	if err != nil {
		// The stored snapshot stays untouched so the next successful
		// fetch compares against the last state we actually saw.
		week.Err = fmt.Sprintf("fetch week: %v", err)
		return week
	}

	prev, err := m.store.Load(ctx, weekID)
	if err != nil && !snapshot.IsNotFound(err) {
		week.Err = fmt.Sprintf("load snapshot: %v", err)
		return week
	}

	events := m.detector.Diff(prev, cur)
	week.Transitions = events

	if len(events) > 0 {
		week.Records = m.router.Dispatch(ctx, events)
		for _, rec := range week.Records {
			if err := m.history.Append(rec); err != nil {
				// A delivery we cannot record is a delivery we cannot
				// account for. Abort before persisting the snapshot so
				// the next cycle re-detects and re-records.
				week.Err = fmt.Sprintf("append history: %v", err)
				return week
			}
		}
	}

	saved := snapshotToSave(prev, cur, events, week.Records)
	if err := m.store.Save(ctx, saved); err != nil {
		week.Err = fmt.Sprintf("save snapshot: %v", err)
		return week
	}

	return week
}

// snapshotToSave returns the snapshot to persist after a cycle. Dates
// whose transition reached nobody keep their previous status so the
// change is detected again next cycle instead of being silently lost.
func snapshotToSave(prev, cur *watch.Snapshot, events []watch.TransitionEvent, records []watch.NotificationRecord) *watch.Snapshot {
	undelivered := make(map[string]bool)
	for _, ev := range events {
		undelivered[ev.Date] = true
	}
	for _, rec := range records {
		if rec.Outcome.Delivered() {
			delete(undelivered, rec.TransitionDate)
		}
	}
	if len(undelivered) == 0 {
		return cur
	}

	saved := &watch.Snapshot{
		WeekID:    cur.WeekID,
		FetchedAt: cur.FetchedAt,
		Slots:     make([]watch.DateSlot, len(cur.Slots)),
	}
	copy(saved.Slots, cur.Slots)
	for i, slot := range saved.Slots {
		if !undelivered[slot.Date] {
			continue
		}
		status := watch.StatusUnavailable
		if prev != nil {
			if s, ok := prev.Slot(slot.Date); ok {
				status = s.Status
			}
		}
		saved.Slots[i].Status = status
	}
	return saved
}
