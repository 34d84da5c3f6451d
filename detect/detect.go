// Package detect compares availability snapshots and emits transition events.
package detect

import (
	"log/slog"
	"sort"
	"time"

	"calendar-notifier/pkg/watch"
)

// Detector computes notification-worthy transitions between two snapshots of
// the same week.
type Detector struct {
	logger *slog.Logger
	now    func() time.Time
}

// New creates a change detector.
func New(logger *slog.Logger) *Detector {
	return &Detector{
		logger: logger,
		now:    time.Now,
	}
}

// Diff compares the current snapshot against the previous one and returns a
// transition event for every date that became available. prev may be nil on
// the first run; absent dates are treated as previously unavailable.
//
// The policy is one-directional: regressions from available back to
// unavailable are not reported (the new status is still persisted by the
// caller so a later re-availability fires again), and the unknown status
// never triggers a transition in either direction.
func (d *Detector) Diff(prev, cur *watch.Snapshot) []watch.TransitionEvent {
	detectedAt := d.now()

	var events []watch.TransitionEvent
	for _, slot := range cur.Slots {
		if slot.Status != watch.StatusAvailable {
			continue
		}

		previous := watch.StatusUnavailable
		if prev != nil {
			if prevSlot, ok := prev.Slot(slot.Date); ok {
				previous = prevSlot.Status
			}
		}

		if previous == watch.StatusAvailable || previous == watch.StatusUnknown {
			continue
		}

		events = append(events, watch.TransitionEvent{
			Date:       slot.Date,
			Previous:   previous,
			New:        slot.Status,
			DetectedAt: detectedAt,
		})
	}

	// Calendar date order, not discovery order, for deterministic output.
	sort.Slice(events, func(i, j int) bool { return events[i].Date < events[j].Date })

	if len(events) > 0 {
		d.logger.Info("Availability transitions detected",
			"week_id", cur.WeekID,
			"count", len(events),
			"first_date", events[0].Date)
	}

	return events
}
