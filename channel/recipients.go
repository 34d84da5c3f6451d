package channel

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Roster manages the recipients file: one email address per line, blank
// lines and '#' comments ignored. Mutations rewrite the whole file, keeping
// it hand-editable.
type Roster struct {
	mu   sync.Mutex
	path string
}

// NewRoster creates a roster backed by the given file path.
func NewRoster(path string) *Roster {
	return &Roster{path: path}
}

// List returns the current recipients. A missing file is an empty roster.
func (r *Roster) List() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read()
}

// Add appends a recipient. Duplicates are rejected.
func (r *Roster) Add(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("empty recipient")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.read()
	if err != nil {
		return err
	}
	for _, e := range list {
		if e == email {
			return fmt.Errorf("recipient %s already present", email)
		}
	}
	return r.write(append(list, email))
}

// Remove deletes a recipient.
func (r *Roster) Remove(email string) error {
	email = strings.TrimSpace(email)

	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.read()
	if err != nil {
		return err
	}

	out := list[:0]
	for _, e := range list {
		if e != email {
			out = append(out, e)
		}
	}
	if len(out) == len(list) {
		return fmt.Errorf("recipient %s not found", email)
	}
	return r.write(out)
}

func (r *Roster) read() ([]string, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read recipients file: %w", err)
	}

	var list []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		list = append(list, line)
	}
	return list, nil
}

func (r *Roster) write(list []string) error {
	var b strings.Builder
	for _, e := range list {
		b.WriteString(e)
		b.WriteString("\n")
	}
	if err := os.WriteFile(r.path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write recipients file: %w", err)
	}
	return nil
}
