// Package events keeps the local journal of viewer session lifecycle events.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/treykane/remote-viewer/internal/appconfig"
	"github.com/treykane/remote-viewer/internal/model"
)

// Event types written by the session manager.
const (
	StartRequested = "start_requested"
	StartSucceeded = "start_succeeded"
	StartFailed    = "start_failed"
	StopRequested  = "stop_requested"
	Stopped        = "stopped"
	HealthFailed   = "health_failed"
	ConnectionLost = "connection_lost"
	Reaped         = "reaped"
)

// Event is one session lifecycle record persisted to events.jsonl.
type Event struct {
	Timestamp  time.Time           `json:"timestamp"`
	SessionID  string              `json:"session_id,omitempty"`
	Connection string              `json:"connection,omitempty"`
	EventType  string              `json:"event_type"`
	Status     model.SessionStatus `json:"status,omitempty"`
	Message    string              `json:"message,omitempty"`
	RemotePID  int                 `json:"remote_pid,omitempty"`
	LocalPort  int                 `json:"local_port,omitempty"`
}

// Query controls event filtering and bounded reads.
type Query struct {
	Connection string
	SessionID  string
	EventType  string
	Since      time.Time
	Limit      int
}

// Store provides append/read access to the local event journal.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a store writing to events.jsonl in the config directory.
func NewStore() *Store {
	return &Store{}
}

// NewStoreAt returns a store writing to path.
func NewStoreAt(path string) *Store {
	return &Store{path: path}
}

func (s *Store) filePath() (string, error) {
	if s.path != "" {
		return s.path, nil
	}
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "events.jsonl"), nil
}

// Append writes a single event as one JSON line.
func (s *Store) Append(evt Event) error {
	path, err := s.filePath()
	if err != nil {
		return err
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// Read returns events in append order, filtered by query, with optional limit.
// The limit keeps the most recent events.
func (s *Store) Read(q Query) ([]Event, error) {
	path, err := s.filePath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		if !matches(evt, q) {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[len(out)-q.Limit:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}

func matches(evt Event, q Query) bool {
	if strings.TrimSpace(q.Connection) != "" && evt.Connection != q.Connection {
		return false
	}
	if strings.TrimSpace(q.SessionID) != "" && evt.SessionID != q.SessionID {
		return false
	}
	if strings.TrimSpace(q.EventType) != "" && evt.EventType != q.EventType {
		return false
	}
	if !q.Since.IsZero() && evt.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
