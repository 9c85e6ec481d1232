package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BlueprintState is the per-blueprint state.json the status command reads.
// It records the outcome of the most recent evaluation: which guard
// stopped the chain, or that an agent was spawned.
type BlueprintState struct {
	LastTickAt  time.Time `json:"last_tick_at"`
	LastSpawnAt time.Time `json:"last_spawn_at,omitempty"`
	// LastGuard is the guard that stopped the chain, or "spawned".
	LastGuard  string `json:"last_guard,omitempty"`
	LastReason string `json:"last_reason,omitempty"`
	LastTaskID string `json:"last_task_id,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// LoadState reads a blueprint state file. Missing or unreadable files
// yield a zero state; the scheduler must not wedge on bad local state.
func LoadState(path string) *BlueprintState {
	var state BlueprintState
	data, err := os.ReadFile(path)
	if err != nil {
		return &state
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return &BlueprintState{}
	}
	return &state
}

// Save writes the state file atomically.
func (s *BlueprintState) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
