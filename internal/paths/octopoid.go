// Package paths provides path resolution for the .octopoid directory layout.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// Layout is the resolved .octopoid directory layout for one project checkout.
// All orchestrator-side state lives under these paths:
//
//	.octopoid/
//	  config.yaml
//	  agents.yaml
//	  agents/<type>/           blueprint templates (agent.yaml, prompt.md, scripts/)
//	  flows/*.yaml             local flow definitions
//	  tasks/TASK-*.md          task descriptions
//	  runtime/                 scheduler lock, per-blueprint and per-task state
//	  logs/
type Layout struct {
	Root string // the .octopoid directory itself
}

// ResolveRoot resolves the .octopoid directory from user input. It accepts
// either the project directory or the .octopoid directory, and follows a
// redirect file so git worktrees can share the main checkout's state.
func ResolveRoot(path string) Layout {
	if path == "" {
		path = "."
	}
	path = filepath.Clean(path)

	if filepath.Base(path) == ".octopoid" {
		return Layout{Root: followRedirect(path)}
	}
	return Layout{Root: followRedirect(filepath.Join(path, ".octopoid"))}
}

// followRedirect checks for a redirect file and follows it if present.
// Redirect files let git worktrees point at the main worktree's .octopoid.
func followRedirect(dir string) string {
	content, err := os.ReadFile(filepath.Join(dir, "redirect")) //nolint:gosec // path is within .octopoid
	if err != nil {
		return dir
	}
	target := strings.TrimSpace(string(content))
	if target == "" {
		return dir
	}
	return filepath.Clean(filepath.Join(dir, target))
}

// ConfigFile returns the path to config.yaml.
func (l Layout) ConfigFile() string { return filepath.Join(l.Root, "config.yaml") }

// FleetFile returns the path to agents.yaml (the fleet of blueprints).
func (l Layout) FleetFile() string { return filepath.Join(l.Root, "agents.yaml") }

// BlueprintDir returns the template directory for a blueprint type.
func (l Layout) BlueprintDir(blueprintType string) string {
	return filepath.Join(l.Root, "agents", blueprintType)
}

// FlowsDir returns the directory holding local flow definitions.
func (l Layout) FlowsDir() string { return filepath.Join(l.Root, "flows") }

// TasksDir returns the directory holding task description files.
func (l Layout) TasksDir() string { return filepath.Join(l.Root, "tasks") }

// RuntimeDir returns the runtime state directory.
func (l Layout) RuntimeDir() string { return filepath.Join(l.Root, "runtime") }

// LogsDir returns the log directory.
func (l Layout) LogsDir() string { return filepath.Join(l.Root, "logs") }

// SchedulerLock returns the path of the global tick lock.
func (l Layout) SchedulerLock() string {
	return filepath.Join(l.RuntimeDir(), "scheduler.lock")
}

// OrchestratorIDFile returns the file caching this machine's orchestrator id.
func (l Layout) OrchestratorIDFile() string {
	return filepath.Join(l.RuntimeDir(), "orchestrator_id.txt")
}

// BlueprintRuntimeDir returns the runtime dir for one blueprint.
func (l Layout) BlueprintRuntimeDir(blueprint string) string {
	return filepath.Join(l.RuntimeDir(), "agents", blueprint)
}

// BlueprintLock returns the per-blueprint evaluation lock path.
func (l Layout) BlueprintLock(blueprint string) string {
	return filepath.Join(l.BlueprintRuntimeDir(blueprint), "blueprint.lock")
}

// PoolFile returns the running_pids.json path for a blueprint.
func (l Layout) PoolFile(blueprint string) string {
	return filepath.Join(l.BlueprintRuntimeDir(blueprint), "running_pids.json")
}

// BlueprintStateFile returns the state.json path for a blueprint.
func (l Layout) BlueprintStateFile(blueprint string) string {
	return filepath.Join(l.BlueprintRuntimeDir(blueprint), "state.json")
}

// TaskRuntimeDir returns the runtime dir for one task.
func (l Layout) TaskRuntimeDir(taskID string) string {
	return filepath.Join(l.RuntimeDir(), "tasks", taskID)
}

// TaskWorktree returns the worktree path inside a task runtime dir.
func (l Layout) TaskWorktree(taskID string) string {
	return filepath.Join(l.TaskRuntimeDir(taskID), "worktree")
}

// ResultFile returns the well-known result artifact path for a task.
func (l Layout) ResultFile(taskID string) string {
	return filepath.Join(l.TaskRuntimeDir(taskID), "result.json")
}
