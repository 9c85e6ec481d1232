// Package config provides configuration types and defaults for octopoid.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/maxthelion/octopoid/internal/tracing"
)

// ServerConfig holds the central server's settings.
type ServerConfig struct {
	// Listen is the address the HTTP API binds to.
	Listen string `mapstructure:"listen"`
	// DBPath is the SQLite database file. Relative paths resolve against
	// the .octopoid directory.
	DBPath string `mapstructure:"db_path"`
	// LeaseWindow is how long a claim holds a task before expiry.
	LeaseWindow time.Duration `mapstructure:"lease_window"`
	// OfflineWindow is how stale a heartbeat may be before an orchestrator
	// is marked offline.
	OfflineWindow time.Duration `mapstructure:"offline_window"`
	// HousekeepingInterval drives the internal lease coordinator ticker.
	HousekeepingInterval time.Duration `mapstructure:"housekeeping_interval"`
}

// LimitsConfig holds system-wide backpressure limits.
type LimitsConfig struct {
	// MaxClaimed caps tasks simultaneously claimed across the system.
	MaxClaimed int `mapstructure:"max_claimed"`
	// MaxOpenPRs caps open pull requests before implementer spawning pauses.
	MaxOpenPRs int `mapstructure:"max_open_prs"`
	// RejectionBudget moves a task to failed once rejections exceed it.
	RejectionBudget int `mapstructure:"rejection_budget"`
}

// OrchestratorConfig holds orchestrator-side settings.
type OrchestratorConfig struct {
	// ServerURL is the base URL of the central server.
	ServerURL string `mapstructure:"server_url"`
	// Cluster groups orchestrators and flows.
	Cluster string `mapstructure:"cluster"`
	// MachineID identifies this host; orchestrator id is cluster-machine.
	MachineID string `mapstructure:"machine_id"`
	// RepoURL is the git remote this orchestrator works against.
	RepoURL string `mapstructure:"repo_url"`
	// BaseBranch is the default base branch for agent work.
	BaseBranch string `mapstructure:"base_branch"`
	// GuardTimeout bounds pre-check scripts and flow script conditions.
	GuardTimeout time.Duration `mapstructure:"guard_timeout"`
	// StepTimeout bounds each flow step run.
	StepTimeout time.Duration `mapstructure:"step_timeout"`
	// ZombieThreshold is how old a dead instance without a result must be
	// before housekeeping synthesizes a failure for it.
	ZombieThreshold time.Duration `mapstructure:"zombie_threshold"`
	// HostCLI is the code-host CLI binary used by PR steps.
	HostCLI string `mapstructure:"host_cli"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// Config holds all configuration options for octopoid.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Limits       LimitsConfig       `mapstructure:"limits"`
	Log          LogConfig          `mapstructure:"log"`
	Tracing      tracing.Config     `mapstructure:"tracing"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Listen:               "localhost:4600",
			DBPath:               "octopoid.db",
			LeaseWindow:          30 * time.Minute,
			OfflineWindow:        5 * time.Minute,
			HousekeepingInterval: 30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			ServerURL:       "http://localhost:4600",
			Cluster:         "default",
			BaseBranch:      "main",
			GuardTimeout:    30 * time.Second,
			StepTimeout:     10 * time.Minute,
			ZombieThreshold: 2 * time.Minute,
			HostCLI:         "gh",
		},
		Limits: LimitsConfig{
			MaxClaimed:      8,
			MaxOpenPRs:      10,
			RejectionBudget: 3,
		},
		Log:     LogConfig{Level: "info"},
		Tracing: tracing.DefaultConfig(),
	}
}

// OrchestratorID returns the cluster-machine identifier, resolving the
// machine id from the hostname when unset.
func (c Config) OrchestratorID() string {
	machine := c.Orchestrator.MachineID
	if machine == "" {
		machine, _ = os.Hostname()
	}
	return fmt.Sprintf("%s-%s", c.Orchestrator.Cluster, machine)
}

// defaultConfigYAML is written on first run so users have a file to edit.
const defaultConfigYAML = `# octopoid configuration
server:
  listen: localhost:4600
  db_path: octopoid.db
  lease_window: 30m
  offline_window: 5m

orchestrator:
  server_url: http://localhost:4600
  cluster: default
  base_branch: main

limits:
  max_claimed: 8
  max_open_prs: 10
  rejection_budget: 3

log:
  level: info
`

// WriteDefaultConfig writes the default config file, creating parent
// directories. Fails if the file already exists.
func WriteDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) //nolint:gosec // user-editable config
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(defaultConfigYAML); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for values the daemons cannot run with.
func (c Config) Validate() error {
	if c.Server.LeaseWindow <= 0 {
		return fmt.Errorf("server.lease_window must be positive")
	}
	if c.Server.OfflineWindow <= 0 {
		return fmt.Errorf("server.offline_window must be positive")
	}
	if c.Orchestrator.Cluster == "" {
		return fmt.Errorf("orchestrator.cluster must be set")
	}
	return nil
}
