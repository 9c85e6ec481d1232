// Package orchestrator runs the scheduler tick: housekeeping, blueprint
// guard evaluation, and agent spawning against the central server.
package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maxthelion/octopoid/internal/orchestrator/spawn"
	"github.com/maxthelion/octopoid/internal/paths"
	"github.com/maxthelion/octopoid/internal/task"
)

// Blueprint is one fleet entry in agents.yaml: a template from which agent
// instances are spawned.
type Blueprint struct {
	// Name identifies the blueprint; runtime state is keyed by it.
	Name string `yaml:"name"`
	// Type names the template directory under .octopoid/agents/.
	// Defaults to Name.
	Type string `yaml:"type,omitempty"`
	// Role is the role_filter used when claiming.
	Role    string `yaml:"role,omitempty"`
	Enabled bool   `yaml:"enabled"`
	// MaxInstances caps concurrently running agents of this blueprint.
	MaxInstances int `yaml:"max_instances,omitempty"`
	// Interval is the minimum time between spawns.
	Interval time.Duration `yaml:"interval,omitempty"`
	// Strategy selects the spawn path: implementer, lightweight, worktree.
	Strategy string `yaml:"strategy,omitempty"`
	// Queue is the claim source. Defaults to incoming. Reviewer blueprints
	// claim from provisional.
	Queue string `yaml:"queue,omitempty"`
	// PreCheck is an optional command whose exit code gates spawning.
	PreCheck string `yaml:"pre_check,omitempty"`
	// TestCommand is what run_tests executes for tasks of this role.
	TestCommand string `yaml:"test_command,omitempty"`
	// Env is extra environment handed to spawned agents.
	Env map[string]string `yaml:"env,omitempty"`
}

// Claims reports whether this blueprint claims tasks. Lightweight
// blueprints run without a claim.
func (b Blueprint) Claims() bool {
	return spawn.Strategy(b.Strategy) != spawn.StrategyLightweight
}

// TemplateType returns the template directory name.
func (b Blueprint) TemplateType() string {
	if b.Type != "" {
		return b.Type
	}
	return b.Name
}

// Fleet is the parsed agents.yaml.
type Fleet struct {
	Blueprints []Blueprint `yaml:"blueprints"`
}

// LoadFleet reads and validates agents.yaml. A missing file is an empty
// fleet, not an error.
func LoadFleet(path string) (*Fleet, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Fleet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read fleet config: %w", err)
	}

	var fleet Fleet
	if err := yaml.Unmarshal(data, &fleet); err != nil {
		return nil, fmt.Errorf("failed to parse fleet config %s: %w", path, err)
	}

	seen := map[string]bool{}
	for i := range fleet.Blueprints {
		bp := &fleet.Blueprints[i]
		if bp.Name == "" {
			return nil, fmt.Errorf("fleet config %s: blueprint %d has no name", path, i)
		}
		if seen[bp.Name] {
			return nil, fmt.Errorf("fleet config %s: duplicate blueprint %q", path, bp.Name)
		}
		seen[bp.Name] = true
		if bp.MaxInstances <= 0 {
			bp.MaxInstances = 1
		}
		if bp.Interval <= 0 {
			bp.Interval = 30 * time.Second
		}
		if bp.Queue == "" {
			bp.Queue = task.QueueIncoming
		}
		if _, err := spawn.ParseStrategy(bp.Strategy); err != nil {
			return nil, fmt.Errorf("fleet config %s: blueprint %q: %w", path, bp.Name, err)
		}
	}
	return &fleet, nil
}

// Template is the on-disk material for one blueprint type: the agent
// command, the prompt template, and optional scripts.
type Template struct {
	// Command is the agent argv; the prompt path is appended at spawn.
	Command []string `yaml:"command"`
	// Prompt names the prompt template file within the blueprint dir.
	Prompt string `yaml:"prompt,omitempty"`
	// Env is template-level environment, overridden by blueprint Env.
	Env map[string]string `yaml:"env,omitempty"`

	// PromptTemplate is the loaded prompt content.
	PromptTemplate string `yaml:"-"`
	// ScriptsDir is the scripts directory, empty when absent.
	ScriptsDir string `yaml:"-"`
}

// LoadTemplate reads agents/<type>/agent.yaml plus its prompt and scripts.
func LoadTemplate(layout paths.Layout, blueprintType string) (*Template, error) {
	dir := layout.BlueprintDir(blueprintType)
	data, err := os.ReadFile(filepath.Join(dir, "agent.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to read blueprint template %s: %w", blueprintType, err)
	}

	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("failed to parse blueprint template %s: %w", blueprintType, err)
	}
	if len(tpl.Command) == 0 {
		return nil, fmt.Errorf("blueprint template %s declares no command", blueprintType)
	}

	promptFile := tpl.Prompt
	if promptFile == "" {
		promptFile = "prompt.md"
	}
	prompt, err := os.ReadFile(filepath.Join(dir, promptFile))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read prompt for blueprint %s: %w", blueprintType, err)
	}
	tpl.PromptTemplate = string(prompt)

	scripts := filepath.Join(dir, "scripts")
	if info, err := os.Stat(scripts); err == nil && info.IsDir() {
		tpl.ScriptsDir = scripts
	}
	return &tpl, nil
}
