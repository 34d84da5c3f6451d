// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"regexp"
	"strconv"
	"time"

	"calendar-notifier/pkg/watch"
	"calendar-notifier/poll"
)

const defaultHistoryLimit = 50

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Poller runs or previews availability check cycles.
type Poller interface {
	RunCycle(ctx context.Context) (*poll.CycleResult, error)
	Preview(ctx context.Context) (*poll.CycleResult, error)
}

// History reads back recorded notification attempts.
type History interface {
	Recent(limit int) ([]watch.NotificationRecord, error)
}

// Roster manages the email recipient list.
type Roster interface {
	List() ([]string, error)
	Add(email string) error
	Remove(email string) error
}

// Server handles HTTP requests.
type Server struct {
	poller  Poller
	history History
	roster  Roster
	logger  *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Poller  Poller
	History History
	Roster  Roster
	Logger  *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		poller:  cfg.Poller,
		history: cfg.History,
		roster:  cfg.Roster,
		logger:  cfg.Logger,
	}
}

// Routes returns the request multiplexer with all endpoints registered.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/check", s.handleCheck)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/recipients", s.handleRecipients)
	return mux
}

// ListenAndServe starts the server on the given port.
func (s *Server) ListenAndServe(port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Routes(),
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      30 * time.Second,  // Time to write response
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"service": "calendar-notifier",
		"endpoints": []string{
			"GET /health",
			"POST /pollz",
			"GET /check",
			"GET /history?limit=N",
			"GET|POST|DELETE /recipients",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}

// handlePoll triggers one synchronous poll cycle. Delivery failures
// inside the cycle are reported in the body, not as an HTTP error; only
// a cycle that could not run at all fails the request.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	result, err := s.poller.RunCycle(r.Context())
	if err != nil {
		if errors.Is(err, poll.ErrCycleRunning) {
			http.Error(w, "Cycle already running", http.StatusConflict)
			return
		}
		s.logger.Error("Poll cycle failed", "error", err)
		http.Error(w, "Cycle failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleCheck reports what a poll cycle would notify about without
// sending notifications or updating stored snapshots.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := s.poller.Preview(r.Context())
	if err != nil {
		if errors.Is(err, poll.ErrCycleRunning) {
			http.Error(w, "Cycle already running", http.StatusConflict)
			return
		}
		s.logger.Error("Availability check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := s.history.Recent(limit)
	if err != nil {
		s.logger.Error("History read failed", "error", err)
		http.Error(w, "History unavailable", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []watch.NotificationRecord{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(records),
		"records": records,
	})
}

func (s *Server) handleRecipients(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listRecipients(w)
	case http.MethodPost:
		s.addRecipient(w, r)
	case http.MethodDelete:
		s.removeRecipient(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listRecipients(w http.ResponseWriter) {
	recipients, err := s.roster.List()
	if err != nil {
		s.logger.Error("Recipient list failed", "error", err)
		http.Error(w, "Recipient list unavailable", http.StatusInternalServerError)
		return
	}
	if recipients == nil {
		recipients = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"recipients": recipients})
}

func (s *Server) addRecipient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !isValidEmail(req.Email) {
		http.Error(w, "Invalid email address", http.StatusBadRequest)
		return
	}

	if err := s.roster.Add(req.Email); err != nil {
		s.logger.Warn("Recipient add rejected", "email", req.Email, "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	s.logger.Info("Recipient added", "email", req.Email)
	s.writeJSON(w, http.StatusCreated, map[string]string{"email": req.Email})
}

func (s *Server) removeRecipient(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if !isValidEmail(email) {
		http.Error(w, "Invalid email address", http.StatusBadRequest)
		return
	}

	if err := s.roster.Remove(email); err != nil {
		s.logger.Warn("Recipient remove rejected", "email", email, "error", err)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	s.logger.Info("Recipient removed", "email", email)
	s.writeJSON(w, http.StatusOK, map[string]string{"email": email})
}

func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}

	// Use mail.ParseAddress for robust validation
	_, err := mail.ParseAddress(email)
	return err == nil && emailRegex.MatchString(email)
}
