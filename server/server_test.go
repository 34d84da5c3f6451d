package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"calendar-notifier/pkg/watch"
	"calendar-notifier/poll"
)

type fakePoller struct {
	result *poll.CycleResult
	err    error
}

func (p *fakePoller) RunCycle(context.Context) (*poll.CycleResult, error) {
	return p.result, p.err
}

func (p *fakePoller) Preview(context.Context) (*poll.CycleResult, error) {
	return p.result, p.err
}

type fakeHistory struct {
	records []watch.NotificationRecord
	err     error
	limit   int
}

func (h *fakeHistory) Recent(limit int) ([]watch.NotificationRecord, error) {
	h.limit = limit
	return h.records, h.err
}

type fakeRoster struct {
	recipients []string
	addErr     error
	removeErr  error
	added      []string
	removed    []string
}

func (r *fakeRoster) List() ([]string, error) { return r.recipients, nil }

func (r *fakeRoster) Add(email string) error {
	if r.addErr != nil {
		return r.addErr
	}
	r.added = append(r.added, email)
	return nil
}

func (r *fakeRoster) Remove(email string) error {
	if r.removeErr != nil {
		return r.removeErr
	}
	r.removed = append(r.removed, email)
	return nil
}

func newTestServer(p Poller, h History, ro Roster) *Server {
	return New(&Config{
		Poller:  p,
		History: h,
		Roster:  ro,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(&fakePoller{}, &fakeHistory{}, &fakeRoster{})

	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if got := w.Body.String(); got != `{"status":"healthy"}` {
		t.Errorf("body = %q", got)
	}
}

func TestHandlePoll(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		poller     *fakePoller
		wantStatus int
	}{
		{
			name:       "successful cycle",
			method:     http.MethodPost,
			poller:     &fakePoller{result: &poll.CycleResult{CycleID: "abc"}},
			wantStatus: http.StatusOK,
		},
		{
			name:       "cycle already running",
			method:     http.MethodPost,
			poller:     &fakePoller{err: poll.ErrCycleRunning},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "get not allowed",
			method:     http.MethodGet,
			poller:     &fakePoller{},
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(tt.poller, &fakeHistory{}, &fakeRoster{})
			w := httptest.NewRecorder()
			s.Routes().ServeHTTP(w, httptest.NewRequest(tt.method, "/pollz", nil))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandlePollReportsWeekFailuresInBody(t *testing.T) {
	// A cycle where delivery failed still ran; the caller sees the
	// detail in the payload, not a 5xx.
	p := &fakePoller{result: &poll.CycleResult{
		CycleID: "abc",
		Weeks:   []poll.WeekResult{{WeekID: "2025-05-05", Err: "fetch week: boom"}},
	}}
	s := newTestServer(p, &fakeHistory{}, &fakeRoster{})

	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pollz", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got poll.CycleResult
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Weeks) != 1 || got.Weeks[0].Err == "" {
		t.Errorf("week failure missing from payload: %+v", got)
	}
}

func TestHandleCheck(t *testing.T) {
	p := &fakePoller{result: &poll.CycleResult{
		CycleID: "abc",
		Weeks: []poll.WeekResult{{
			WeekID:      "2025-05-05",
			Transitions: []watch.TransitionEvent{{Date: "2025-05-10"}},
		}},
	}}
	s := newTestServer(p, &fakeHistory{}, &fakeRoster{})

	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/check", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "2025-05-10") {
		t.Errorf("body missing transition date: %s", w.Body.String())
	}
}

func TestHandleHistory(t *testing.T) {
	h := &fakeHistory{records: []watch.NotificationRecord{
		{ID: "one", Channel: "sendgrid", Outcome: watch.OutcomeSent},
	}}
	s := newTestServer(&fakePoller{}, h, &fakeRoster{})

	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/history?limit=5", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if h.limit != 5 {
		t.Errorf("limit = %d, want 5", h.limit)
	}
	if !strings.Contains(w.Body.String(), `"count":1`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestHandleHistoryBadLimit(t *testing.T) {
	s := newTestServer(&fakePoller{}, &fakeHistory{}, &fakeRoster{})

	for _, limit := range []string{"abc", "0", "-3"} {
		w := httptest.NewRecorder()
		s.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/history?limit="+limit, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit %q: status = %d, want 400", limit, w.Code)
		}
	}
}

func TestHandleHistoryEmptyIsArray(t *testing.T) {
	s := newTestServer(&fakePoller{}, &fakeHistory{}, &fakeRoster{})

	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/history", nil))

	if !strings.Contains(w.Body.String(), `"records":[]`) {
		t.Errorf("empty history not an array: %s", w.Body.String())
	}
}

func TestHandleRecipients(t *testing.T) {
	roster := &fakeRoster{recipients: []string{"a@example.com"}}
	s := newTestServer(&fakePoller{}, &fakeHistory{}, roster)

	t.Run("list", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/recipients", nil))
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "a@example.com") {
			t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
		}
	})

	t.Run("add", func(t *testing.T) {
		body := strings.NewReader(`{"email":"b@example.com"}`)
		w := httptest.NewRecorder()
		s.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/recipients", body))
		if w.Code != http.StatusCreated {
			t.Errorf("status = %d", w.Code)
		}
		if len(roster.added) != 1 || roster.added[0] != "b@example.com" {
			t.Errorf("added = %v", roster.added)
		}
	})

	t.Run("add invalid email", func(t *testing.T) {
		body := strings.NewReader(`{"email":"not-an-email"}`)
		w := httptest.NewRecorder()
		s.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/recipients", body))
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d", w.Code)
		}
	})

	t.Run("add duplicate", func(t *testing.T) {
		dup := &fakeRoster{addErr: errors.New("already subscribed")}
		s := newTestServer(&fakePoller{}, &fakeHistory{}, dup)
		body := strings.NewReader(`{"email":"a@example.com"}`)
		w := httptest.NewRecorder()
		s.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/recipients", body))
		if w.Code != http.StatusConflict {
			t.Errorf("status = %d", w.Code)
		}
	})

	t.Run("remove", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/recipients?email=a@example.com", nil))
		if w.Code != http.StatusOK {
			t.Errorf("status = %d", w.Code)
		}
		if len(roster.removed) != 1 {
			t.Errorf("removed = %v", roster.removed)
		}
	})

	t.Run("remove unknown", func(t *testing.T) {
		gone := &fakeRoster{removeErr: errors.New("not subscribed")}
		s := newTestServer(&fakePoller{}, &fakeHistory{}, gone)
		w := httptest.NewRecorder()
		s.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/recipients?email=a@example.com", nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d", w.Code)
		}
	})
}

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		email string
		want  bool
	}{
		{"user@example.com", true},
		{"user.name+tag@sub.example.co", true},
		{"", false},
		{"no-at-sign", false},
		{"@example.com", false},
		{"user@", false},
		{"user@localhost", false},
	}

	for _, tt := range tests {
		if got := isValidEmail(tt.email); got != tt.want {
			t.Errorf("isValidEmail(%q) = %v, want %v", tt.email, got, tt.want)
		}
	}
}
