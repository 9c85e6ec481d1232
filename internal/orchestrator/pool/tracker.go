// Package pool tracks running agent processes per blueprint. The tracker
// file (running_pids.json) is the only input to the capacity guard, so
// crashes that strand entries must be detectable: every read can probe
// the recorded pids.
package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/maxthelion/octopoid/internal/lockfile"
)

// Entry is one running (or once-running) agent process.
type Entry struct {
	PID       int       `json:"pid"`
	TaskID    string    `json:"task_id"`
	StartedAt time.Time `json:"started_at"`
}

// Tracker persists the instance -> Entry map for one blueprint.
type Tracker struct {
	mu   sync.Mutex
	path string
}

// NewTracker creates a Tracker over path (running_pids.json).
func NewTracker(path string) *Tracker {
	return &Tracker{path: path}
}

// Load reads the tracker file. A missing file is an empty pool.
func (t *Tracker) Load() (map[string]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load()
}

func (t *Tracker) load() (map[string]Entry, error) {
	data, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pool file: %w", err)
	}
	entries := map[string]Entry{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("malformed pool file %s: %w", t.path, err)
		}
	}
	return entries, nil
}

// save writes atomically: temp file then rename.
func (t *Tracker) save(entries map[string]Entry) error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return fmt.Errorf("failed to create pool directory: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode pool file: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write pool file: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("failed to replace pool file: %w", err)
	}
	return nil
}

// Add records a started process under an instance name.
func (t *Tracker) Add(instance string, e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries, err := t.load()
	if err != nil {
		return err
	}
	entries[instance] = e
	return t.save(entries)
}

// Remove drops an instance. Removing a missing instance is a no-op.
func (t *Tracker) Remove(instance string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries, err := t.load()
	if err != nil {
		return err
	}
	if _, ok := entries[instance]; !ok {
		return nil
	}
	delete(entries, instance)
	return t.save(entries)
}

// Live returns the entries whose pid still runs.
func (t *Tracker) Live() (map[string]Entry, error) {
	entries, err := t.Load()
	if err != nil {
		return nil, err
	}
	live := map[string]Entry{}
	for instance, e := range entries {
		if lockfile.ProcessAlive(e.PID) {
			live[instance] = e
		}
	}
	return live, nil
}

// Dead returns the entries whose pid is gone. These are exited agents
// awaiting result collection, or zombies if no result ever appears.
func (t *Tracker) Dead() (map[string]Entry, error) {
	entries, err := t.Load()
	if err != nil {
		return nil, err
	}
	dead := map[string]Entry{}
	for instance, e := range entries {
		if !lockfile.ProcessAlive(e.PID) {
			dead[instance] = e
		}
	}
	return dead, nil
}

// Size returns the total entry count, live or not. An exited agent holds
// its slot until result collection removes the entry, so capacity checks
// count every entry rather than probing pids.
func (t *Tracker) Size() (int, error) {
	entries, err := t.Load()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
