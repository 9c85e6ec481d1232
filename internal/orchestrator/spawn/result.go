package spawn

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/maxthelion/octopoid/internal/paths"
	"github.com/maxthelion/octopoid/internal/task"
)

// ErrNoResult is returned when the agent exited without writing result.json.
var ErrNoResult = errors.New("no result file")

// ReadResult loads the agent's result.json for a task. The file is left in
// place; call DeleteStaleResult after the outcome is reported.
func ReadResult(layout paths.Layout, taskID string) (*task.AgentResult, error) {
	path := layout.ResultFile(taskID)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoResult
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read result file: %w", err)
	}

	var result task.AgentResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("malformed result file %s: %w", path, err)
	}
	if result.Outcome == "" {
		return nil, fmt.Errorf("result file %s has no outcome", path)
	}
	return &result, nil
}

// DeleteStaleResult removes a task's result.json if present. Called before
// every spawn and after every collection so one attempt's result can never
// be attributed to another.
func DeleteStaleResult(layout paths.Layout, taskID string) error {
	err := os.Remove(layout.ResultFile(taskID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale result file: %w", err)
	}
	return nil
}

// SynthesizeFailure builds the result recorded for an agent that died
// without reporting.
func SynthesizeFailure(reason string) *task.AgentResult {
	if reason == "" {
		reason = "agent exited without writing a result"
	}
	return &task.AgentResult{Outcome: task.OutcomeFailed, Reason: reason}
}
