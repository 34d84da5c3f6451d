// Package route formats transition events and dispatches them across the
// active notification channels.
package route

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"calendar-notifier/channel"
	"calendar-notifier/pkg/watch"
)

// Recipients supplies the email recipient set at dispatch time.
type Recipients interface {
	List() ([]string, error)
}

// Router dispatches transition events. The active channels are resolved once
// at startup and passed in; the router never re-reads ambient configuration
// between sends and never falls back to a lower-priority channel when the
// active one fails at runtime.
type Router struct {
	email      channel.Adapter
	broadcast  *channel.Broadcast // nil when inactive
	recipients Recipients
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a router for the resolved channel selection.
func New(sel channel.Selection, recipients Recipients, logger *slog.Logger) *Router {
	return &Router{
		email:      sel.Email,
		broadcast:  sel.Broadcast,
		recipients: recipients,
		logger:     logger,
		now:        time.Now,
	}
}

// Dispatch sends one notification per event through the email-class channel
// and, when active, the push broadcast. Every invocation produces at least
// one record; a channel failure becomes a recorded outcome, never a dropped
// event and never an in-cycle retry.
func (r *Router) Dispatch(ctx context.Context, events []watch.TransitionEvent) []watch.NotificationRecord {
	var records []watch.NotificationRecord
	for _, ev := range events {
		records = append(records, r.dispatchOne(ctx, ev)...)
	}
	return records
}

func (r *Router) dispatchOne(ctx context.Context, ev watch.TransitionEvent) []watch.NotificationRecord {
	msg := formatMessage(ev)
	var records []watch.NotificationRecord

	recipients, err := r.recipients.List()
	if err != nil {
		// Treat an unreadable roster like any other channel failure:
		// record it so the attempt is auditable.
		records = append(records, r.record(ev, r.email.Name(), "", watch.OutcomeFailed, fmt.Errorf("load recipients: %w", err)))
	} else {
		records = append(records, r.sendEmail(ctx, ev, msg, recipients))
	}

	if r.broadcast != nil {
		records = append(records, r.sendBroadcast(ctx, ev, msg)...)
	}

	return records
}

func (r *Router) sendEmail(ctx context.Context, ev watch.TransitionEvent, msg channel.Message, recipients []string) watch.NotificationRecord {
	name := r.email.Name()
	recipientField := strings.Join(recipients, ",")

	err := r.email.Send(ctx, msg, recipients)

	switch {
	case err != nil:
		r.logger.Warn("Email-class send failed",
			"channel", name,
			"date", ev.Date,
			"error", err)
		return r.record(ev, name, recipientField, watch.OutcomeFailed, err)
	case name == "dry_run":
		return r.record(ev, name, recipientField, watch.OutcomeDryRun, nil)
	default:
		r.logger.Info("Notification sent",
			"channel", name,
			"date", ev.Date,
			"recipients", len(recipients))
		return r.record(ev, name, recipientField, watch.OutcomeSent, nil)
	}
}

func (r *Router) sendBroadcast(ctx context.Context, ev watch.TransitionEvent, msg channel.Message) []watch.NotificationRecord {
	results := r.broadcast.SendAll(ctx, msg)

	records := make([]watch.NotificationRecord, 0, len(results))
	for _, res := range results {
		outcome := watch.OutcomeSent
		if res.Err != nil {
			outcome = watch.OutcomeFailed
		}
		records = append(records, r.record(ev, channel.BroadcastName, res.Token, outcome, res.Err))
	}
	return records
}

func (r *Router) record(ev watch.TransitionEvent, channelName, recipient string, outcome watch.Outcome, err error) watch.NotificationRecord {
	rec := watch.NotificationRecord{
		ID:             uuid.New().String(),
		Timestamp:      r.now().UTC(),
		Channel:        channelName,
		Recipient:      recipient,
		TransitionDate: ev.Date,
		Outcome:        outcome,
	}
	if err != nil {
		rec.ErrorDetail = err.Error()

		var authErr *channel.AuthError
		if errors.As(err, &authErr) {
			rec.ErrorDetail = "authentication: " + rec.ErrorDetail
		}
	}
	return rec
}

// formatMessage renders the notification text for one transition.
func formatMessage(ev watch.TransitionEvent) channel.Message {
	return channel.Message{
		Subject: fmt.Sprintf("Reservation slot open on %s", ev.Date),
		Body: fmt.Sprintf("The reservation calendar now shows %s as %s (previously %s).\nDetected at %s.\n",
			ev.Date, ev.New, ev.Previous, ev.DetectedAt.UTC().Format(time.RFC3339)),
	}
}
