// Package scraper fetches the rendered reservation calendar and parses it
// into availability snapshots. The page itself is rendered by an external
// headless-browser service; this package only consumes its HTML output.
package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry-go"

	"calendar-notifier/pkg/watch"
)

var startDatePattern = regexp.MustCompile(`(\d{4})[/-](\d{2})[/-](\d{2})`)

// Scraper fetches rendered calendar weeks.
type Scraper struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

// New creates a scraper for the rendered calendar at baseURL.
func New(client *http.Client, baseURL string, logger *slog.Logger) *Scraper {
	return &Scraper{
		client:  client,
		baseURL: baseURL,
		logger:  logger,
	}
}

// FetchWeek retrieves the calendar for the week starting at weekStart and
// returns its availability snapshot. A fetch or parse failure aborts the
// caller's cycle for this week before any diffing happens.
func (s *Scraper) FetchWeek(ctx context.Context, weekStart time.Time) (*watch.Snapshot, error) {
	weekID := weekStart.Format("2006-01-02")
	pageURL := s.weekURL(weekID)

	var snap *watch.Snapshot
	err := retry.Do(
		func() error {
			s.logger.Info("HTTP request starting",
				"method", "GET",
				"url", pageURL,
				"purpose", "fetch_calendar_week")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}

			// Chrome-like headers so the upstream treats us like the
			// browser the renderer fronts.
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "ja,en-US;q=0.9,en;q=0.8")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed, will retry",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Info("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				s.logger.Warn("HTTP request returned non-OK status, will retry", "status_code", resp.StatusCode)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			snap, err = ParseCalendar(resp.Body, weekID)
			if err != nil {
				s.logger.Warn("Failed to parse calendar HTML, will retry", "error", err)
				return err
			}

			s.logger.Info("Calendar week parsed",
				"week_id", weekID,
				"dates", len(snap.Slots))

			return nil
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying calendar fetch after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}

	return snap, nil
}

func (s *Scraper) weekURL(weekID string) string {
	sep := "?"
	if strings.Contains(s.baseURL, "?") {
		sep = "&"
	}
	return s.baseURL + sep + "start=" + url.QueryEscape(weekID)
}

// slot is one parsed reservation unit before dates are collapsed.
type slot struct {
	date   string
	status watch.Status
}

// ParseCalendar extracts per-date availability from a rendered calendar
// page. Each reservation unit is a ".service_unit" container holding a
// hidden start-datetime input and a status icon; per-unit statuses collapse
// to one status per date (any open unit makes the date available).
func ParseCalendar(r io.Reader, weekID string) (*watch.Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var slots []slot
	doc.Find(".service_unit").Each(func(_ int, unit *goquery.Selection) {
		start, _ := unit.Find("input.service_unit_service_start_datetime").Attr("value")
		date := extractDate(start)
		if date == "" {
			return
		}
		slots = append(slots, slot{date: date, status: unitStatus(unit)})
	})

	if len(slots) == 0 {
		return nil, fmt.Errorf("no reservation units found for week %s", weekID)
	}

	return &watch.Snapshot{
		WeekID:    weekID,
		FetchedAt: time.Now().UTC(),
		Slots:     collapseDates(slots),
	}, nil
}

// unitStatus classifies one reservation unit from its icon and text, the
// same signals the calendar shows a human: an x-mark or red icon means the
// slot is taken, a circle or check mark means open, an hourglass means
// reservations have not started yet.
func unitStatus(unit *goquery.Selection) watch.Status {
	icon := unit.Find("i").First()
	iconClass, _ := icon.Attr("class")
	iconStyle, _ := icon.Attr("style")
	text := unit.Text()

	switch {
	case strings.Contains(iconClass, "fa-times"):
		return watch.StatusUnavailable
	case strings.Contains(iconStyle, "red") || strings.Contains(iconStyle, "rgb(248"):
		return watch.StatusUnavailable
	case strings.Contains(text, "〇") || strings.Contains(text, "○"):
		return watch.StatusAvailable
	case strings.Contains(iconClass, "fa-circle") || strings.Contains(iconClass, "fa-check"):
		return watch.StatusAvailable
	default:
		return watch.StatusUnknown
	}
}

func extractDate(start string) string {
	m := startDatePattern.FindStringSubmatch(strings.TrimSpace(start))
	if m == nil {
		return ""
	}
	return fmt.Sprintf("%s-%s-%s", m[1], m[2], m[3])
}

// collapseDates reduces per-unit statuses to one status per date: a date
// with any open unit is available; a date with only taken units is
// unavailable; a date with nothing classifiable stays unknown.
func collapseDates(slots []slot) []watch.DateSlot {
	byDate := make(map[string]watch.Status)
	for _, sl := range slots {
		current, seen := byDate[sl.date]
		switch {
		case !seen:
			byDate[sl.date] = sl.status
		case sl.status == watch.StatusAvailable:
			byDate[sl.date] = watch.StatusAvailable
		case sl.status == watch.StatusUnavailable && current == watch.StatusUnknown:
			byDate[sl.date] = watch.StatusUnavailable
		}
	}

	dates := make([]string, 0, len(byDate))
	for date := range byDate {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	out := make([]watch.DateSlot, 0, len(dates))
	for _, date := range dates {
		out = append(out, watch.DateSlot{Date: date, Status: byDate[date]})
	}
	return out
}
