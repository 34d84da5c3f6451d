// Package main implements a service that watches a reservation calendar
// for availability changes and notifies subscribers by email and push
// broadcast when dates open up.
package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"

	"calendar-notifier/channel"
	"calendar-notifier/detect"
	"calendar-notifier/history"
	"calendar-notifier/poll"
	"calendar-notifier/route"
	"calendar-notifier/scraper"
	"calendar-notifier/server"
	"calendar-notifier/snapshot"
)

const cycleTimeout = 5 * time.Minute // upper bound for one scheduled poll cycle

func main() {
	ctx := context.Background()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	calendarURL := os.Getenv("CALENDAR_URL")
	if calendarURL == "" {
		logger.Error("CALENDAR_URL environment variable required")
		os.Exit(1)
	}

	// Check for local development mode
	localStorage := os.Getenv("LOCAL_STORAGE")
	bucket := os.Getenv("STORAGE_BUCKET")

	// Default to local development mode if no bucket specified
	if bucket == "" && localStorage == "" {
		localStorage = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localStorage)
	}

	var storageClient *storage.Client
	if bucket != "" {
		var err error
		storageClient, err = storage.NewClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize Storage client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
	} else {
		if err := os.MkdirAll(localStorage, 0o755); err != nil {
			logger.Error("Failed to create local storage directory", "error", err)
			os.Exit(1)
		}
		logger.Info("Running in local development mode", "storage_path", localStorage)
	}
	store := snapshot.New(storageClient, bucket, localStorage, logger)
	if weeks, err := store.ListWeeks(ctx); err != nil {
		logger.Warn("Failed to list stored snapshots", "error", err)
	} else {
		logger.Info("Snapshot store ready", "stored_weeks", len(weeks))
	}

	// Dry-run sends are logged to stdout unless a dedicated file is set.
	var diagSink io.Writer = os.Stdout
	if path := os.Getenv("DIAG_LOG"); path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Error("Failed to open diagnostic log", "path", path, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := f.Close(); err != nil {
				logger.Warn("Failed to close diagnostic log", "error", err)
			}
		}()
		diagSink = f
	}

	sel, err := channel.Resolve(channel.Config{
		SendGridKey:   os.Getenv("SENDGRID_API_KEY"),
		MailgunKey:    os.Getenv("MAILGUN_API_KEY"),
		MailgunDomain: os.Getenv("MAILGUN_DOMAIN"),
		SMTPHost:      os.Getenv("SMTP_HOST"),
		SMTPPort:      os.Getenv("SMTP_PORT"),
		SMTPUser:      os.Getenv("SMTP_USER"),
		SMTPPass:      os.Getenv("SMTP_PASS"),
		FromAddr:      os.Getenv("FROM_EMAIL"),
		TokenFile:     os.Getenv("PUSH_TOKENS_FILE"),
		PushEndpoint:  os.Getenv("PUSH_ENDPOINT"),
	}, diagSink, logger)
	if err != nil {
		logger.Error("Channel resolution failed", "error", err)
		os.Exit(1)
	}

	recipientsFile := os.Getenv("RECIPIENTS_FILE")
	if recipientsFile == "" {
		recipientsFile = "recipients.txt"
	}
	roster := channel.NewRoster(recipientsFile)

	historyFile := os.Getenv("HISTORY_FILE")
	if historyFile == "" {
		historyFile = "notifications.jsonl"
	}
	recorder := history.New(historyFile, logger)

	fetcher := scraper.New(&http.Client{Timeout: 30 * time.Second}, calendarURL, logger)
	router := route.New(sel, roster, logger)
	monitor := poll.New(fetcher, store, detect.New(logger), router, recorder, logger)

	if raw := os.Getenv("POLL_INTERVAL"); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil {
			logger.Error("Invalid POLL_INTERVAL", "value", raw, "error", err)
			os.Exit(1)
		}
		if interval < time.Minute {
			logger.Error("POLL_INTERVAL below one minute refused", "value", raw)
			os.Exit(1)
		}
		go runScheduler(ctx, monitor, interval, logger)
	}

	srv := server.New(&server.Config{
		Poller:  monitor,
		History: recorder,
		Roster:  roster,
		Logger:  logger,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := srv.ListenAndServe(port); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// runScheduler triggers a poll cycle on every tick. Cycle failures are
// logged and the schedule keeps going; an overlapping manual cycle just
// makes the tick a no-op.
func runScheduler(ctx context.Context, monitor *poll.Monitor, interval time.Duration, logger *slog.Logger) {
	logger.Info("Background polling enabled", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycleCtx, cancel := context.WithTimeout(ctx, cycleTimeout)
			if _, err := monitor.RunCycle(cycleCtx); err != nil {
				logger.Warn("Scheduled cycle skipped", "error", err)
			}
			cancel()
		}
	}
}
