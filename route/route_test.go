package route

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"calendar-notifier/channel"
	"calendar-notifier/pkg/watch"
)

type fakeAdapter struct {
	name  string
	err   error
	calls int
	last  channel.Message
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Send(_ context.Context, msg channel.Message, _ []string) error {
	f.calls++
	f.last = msg
	return f.err
}

type staticRecipients []string

func (s staticRecipients) List() ([]string, error) { return s, nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func event(date string) watch.TransitionEvent {
	return watch.TransitionEvent{
		Date:       date,
		Previous:   watch.StatusUnavailable,
		New:        watch.StatusAvailable,
		DetectedAt: time.Now(),
	}
}

func TestDispatchEmailOnly(t *testing.T) {
	adapter := &fakeAdapter{name: "sendgrid"}
	r := New(channel.Selection{Email: adapter}, staticRecipients{"a@example.com"}, testLogger())

	records := r.Dispatch(context.Background(), []watch.TransitionEvent{event("2025-05-10")})

	if adapter.calls != 1 {
		t.Errorf("email adapter invoked %d times, want exactly once", adapter.calls)
	}
	if len(records) != 1 {
		t.Fatalf("Dispatch() = %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.Channel != "sendgrid" || rec.Outcome != watch.OutcomeSent || rec.TransitionDate != "2025-05-10" {
		t.Errorf("record = %+v", rec)
	}
}

func TestDispatchFailureRecordedNotDropped(t *testing.T) {
	adapter := &fakeAdapter{name: "smtp", err: errors.New("connection refused")}
	r := New(channel.Selection{Email: adapter}, staticRecipients{"a@example.com"}, testLogger())

	records := r.Dispatch(context.Background(), []watch.TransitionEvent{event("2025-05-10")})

	if len(records) != 1 {
		t.Fatalf("Dispatch() = %d records, want 1", len(records))
	}
	if records[0].Outcome != watch.OutcomeFailed {
		t.Errorf("outcome = %s, want failed", records[0].Outcome)
	}
	if records[0].ErrorDetail == "" {
		t.Error("failure record must carry the error detail")
	}
}

func TestDispatchAuthFailureLabeled(t *testing.T) {
	adapter := &fakeAdapter{name: "smtp", err: &channel.AuthError{Host: "mail.example.com", Err: errors.New("535 bad credentials")}}
	r := New(channel.Selection{Email: adapter}, staticRecipients{"a@example.com"}, testLogger())

	records := r.Dispatch(context.Background(), []watch.TransitionEvent{event("2025-05-10")})

	if len(records) != 1 {
		t.Fatalf("Dispatch() = %d records, want 1", len(records))
	}
	if got := records[0].ErrorDetail; !strings.HasPrefix(got, "authentication:") {
		t.Errorf("auth failure not labeled distinctly: %q", got)
	}
}

// TestDispatchBroadcastIndependence covers the three-records property: one
// email-class record plus one record per token, and a token failure never
// suppresses the remaining tokens or the email send.
func TestDispatchBroadcastIndependence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer bad-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	adapter := &fakeAdapter{name: "sendgrid"}
	sel := channel.Selection{
		Email:     adapter,
		Broadcast: channel.NewBroadcast(srv.URL, []string{"bad-token", "good-token"}, testLogger()),
	}
	r := New(sel, staticRecipients{"a@example.com"}, testLogger())

	records := r.Dispatch(context.Background(), []watch.TransitionEvent{event("2025-05-10")})

	if len(records) != 3 {
		t.Fatalf("Dispatch() = %d records, want 3 (one email + two tokens)", len(records))
	}

	var emailRecords, sent, failed int
	for _, rec := range records {
		switch rec.Channel {
		case "sendgrid":
			emailRecords++
		case channel.BroadcastName:
			if rec.Outcome == watch.OutcomeSent {
				sent++
			} else {
				failed++
			}
		}
	}
	if emailRecords != 1 || sent != 1 || failed != 1 {
		t.Errorf("records split = email %d, broadcast sent %d, broadcast failed %d", emailRecords, sent, failed)
	}
}

func TestDispatchDryRunOutcome(t *testing.T) {
	adapter := &fakeAdapter{name: "dry_run"}
	r := New(channel.Selection{Email: adapter}, staticRecipients{}, testLogger())

	records := r.Dispatch(context.Background(), []watch.TransitionEvent{event("2025-05-10")})

	if len(records) != 1 || records[0].Outcome != watch.OutcomeDryRun {
		t.Errorf("records = %+v, want one skipped_dry_run", records)
	}
}

func TestDispatchMultipleEvents(t *testing.T) {
	adapter := &fakeAdapter{name: "mailgun"}
	r := New(channel.Selection{Email: adapter}, staticRecipients{"a@example.com"}, testLogger())

	events := []watch.TransitionEvent{event("2025-05-10"), event("2025-05-12")}
	records := r.Dispatch(context.Background(), events)

	if adapter.calls != 2 {
		t.Errorf("adapter invoked %d times, want once per event", adapter.calls)
	}
	if len(records) != 2 {
		t.Errorf("Dispatch() = %d records, want 2", len(records))
	}
}

func TestFormatMessageMentionsDate(t *testing.T) {
	msg := formatMessage(event("2025-05-10"))
	if msg.Subject == "" || msg.Body == "" {
		t.Fatal("formatMessage produced empty message")
	}
	for _, s := range []string{msg.Subject, msg.Body} {
		if !strings.Contains(s, "2025-05-10") {
			t.Errorf("message part missing date: %q", s)
		}
	}
}
