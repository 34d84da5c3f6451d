// Package watch contains the core domain types for the calendar
// availability notification service.
package watch

import "time"

// Status is the availability state of a calendar date.
type Status string

const (
	// StatusAvailable means at least one reservation slot is open.
	StatusAvailable Status = "available"
	// StatusUnavailable means every slot on the date is taken.
	StatusUnavailable Status = "unavailable"
	// StatusUnknown means the calendar did not expose a usable state
	// (reservations not yet open, unparseable markup).
	StatusUnknown Status = "unknown"
)

// DateSlot is the availability of a single calendar date.
type DateSlot struct {
	Date   string `json:"date"` // YYYY-MM-DD
	Status Status `json:"status"`
}

// Snapshot is the full availability picture for one monitored week at one
// point in time. Slots are ordered by date. A snapshot is immutable once
// built; the poll cycle that created it owns it until it is handed to the
// snapshot store.
type Snapshot struct {
	WeekID    string     `json:"week_id"` // start date of the week, YYYY-MM-DD
	FetchedAt time.Time  `json:"fetched_at"`
	Slots     []DateSlot `json:"slots"`
}

// Slot returns the slot for a date and whether it is present.
func (s *Snapshot) Slot(date string) (DateSlot, bool) {
	for _, sl := range s.Slots {
		if sl.Date == date {
			return sl, true
		}
	}
	return DateSlot{}, false
}

// TransitionEvent records a date moving from not-available to available
// between two snapshots. Events are consumed once by the router and are not
// persisted independently; their occurrence is recorded through the history
// log.
type TransitionEvent struct {
	Date       string    `json:"date"`
	Previous   Status    `json:"previous_status"`
	New        Status    `json:"new_status"`
	DetectedAt time.Time `json:"detected_at"`
}

// Outcome is the result of one notification attempt.
type Outcome string

const (
	OutcomeSent   Outcome = "sent"
	OutcomeFailed Outcome = "failed"
	OutcomeDryRun Outcome = "skipped_dry_run"
)

// Delivered reports whether the attempt counts as a completed delivery.
// Dry-run is the deliberate no-provider degradation, not a failure.
func (o Outcome) Delivered() bool {
	return o == OutcomeSent || o == OutcomeDryRun
}

// NotificationRecord is one line of the append-only notification history.
// Never mutated after write.
type NotificationRecord struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Channel        string    `json:"channel"`
	Recipient      string    `json:"recipient"`
	TransitionDate string    `json:"transition_date"`
	Outcome        Outcome   `json:"outcome"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
}
