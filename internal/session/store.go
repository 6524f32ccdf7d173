package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sesserr "github.com/agent-command/sessiond/internal/errors"
	"github.com/agent-command/sessiond/internal/logging"
)

// Record is the persisted subset of a session: enough to relaunch it.
type Record struct {
	ID      string   `json:"id"`
	Project string   `json:"project"`
	Agent   string   `json:"agent"`
	Role    string   `json:"role"`
	SpecID  string   `json:"specId"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Cwd     string   `json:"cwd,omitempty"`
}

func (r *Record) normalize() {
	if r.Args == nil {
		r.Args = []string{}
	}
}

// Store reads and writes the session file, a JSON array of records.
type Store struct {
	path string
}

// NewStore returns a store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Load returns the persisted records. A missing file yields none. Records
// that cannot be decoded are skipped with a warning; a file that is not a
// JSON array at all is a ConfigError.
func (s *Store) Load() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, sesserr.ConfigError("session file", err).WithDetail("path", s.path)
	}

	logger := logging.NewLogger("session")
	records := make([]Record, 0, len(raw))
	for i, item := range raw {
		var rec Record
		if err := json.Unmarshal(item, &rec); err != nil || rec.ID == "" || rec.Command == "" {
			if err == nil {
				err = fmt.Errorf("record %d lacks id or command", i)
			}
			logger.WithError(sesserr.ConfigError("session record", err)).
				WithField("index", i).Warn("Skipping persisted session")
			continue
		}
		rec.normalize()
		records = append(records, rec)
	}
	return records, nil
}

// Save replaces the file with records.
func (s *Store) Save(records []Record) error {
	if records == nil {
		records = []Record{}
	}
	for i := range records {
		records[i].normalize()
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sessions: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write sessions: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace sessions: %w", err)
	}
	return nil
}
