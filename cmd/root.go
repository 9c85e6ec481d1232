// Package cmd wires the octopoid CLI: the server daemon, the scheduler
// tick, flow registration, and status reporting.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/maxthelion/octopoid/internal/config"
	"github.com/maxthelion/octopoid/internal/log"
	"github.com/maxthelion/octopoid/internal/paths"
)

var (
	version = "dev"
	cfgFile string
	rootDir string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "octopoid",
	Short: "Distributed task orchestration for coding agents",
	Long: `Octopoid coordinates long-running coding agents across machines:
a central server owns the task state machine and leases, and orchestrator
schedulers claim tasks, spawn agents in git worktrees, and collect results.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .octopoid/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "dir", "",
		"project directory holding .octopoid (default: current directory)")
	rootCmd.PersistentFlags().String("log-level", "",
		"log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-console", false,
		"human-readable console logs instead of JSON")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.console", rootCmd.PersistentFlags().Lookup("log-console"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("server.listen", defaults.Server.Listen)
	viper.SetDefault("server.db_path", defaults.Server.DBPath)
	viper.SetDefault("server.lease_window", defaults.Server.LeaseWindow)
	viper.SetDefault("server.offline_window", defaults.Server.OfflineWindow)
	viper.SetDefault("server.housekeeping_interval", defaults.Server.HousekeepingInterval)
	viper.SetDefault("orchestrator.server_url", defaults.Orchestrator.ServerURL)
	viper.SetDefault("orchestrator.cluster", defaults.Orchestrator.Cluster)
	viper.SetDefault("orchestrator.base_branch", defaults.Orchestrator.BaseBranch)
	viper.SetDefault("orchestrator.guard_timeout", defaults.Orchestrator.GuardTimeout)
	viper.SetDefault("orchestrator.step_timeout", defaults.Orchestrator.StepTimeout)
	viper.SetDefault("orchestrator.zombie_threshold", defaults.Orchestrator.ZombieThreshold)
	viper.SetDefault("orchestrator.host_cli", defaults.Orchestrator.HostCLI)
	viper.SetDefault("limits.max_claimed", defaults.Limits.MaxClaimed)
	viper.SetDefault("limits.max_open_prs", defaults.Limits.MaxOpenPRs)
	viper.SetDefault("limits.rejection_budget", defaults.Limits.RejectionBudget)
	viper.SetDefault("log.level", defaults.Log.Level)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .octopoid/config.yaml (project)
		// 2. ~/.config/octopoid/config.yaml (user)
		layoutConfig := layout().ConfigFile()
		if _, err := os.Stat(layoutConfig); err == nil {
			viper.SetConfigFile(layoutConfig)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "octopoid"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := layout().ConfigFile()
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
		}
	}

	_ = viper.Unmarshal(&cfg)

	log.Init(log.Config{
		Level:   log.Level(cfg.Log.Level),
		Console: cfg.Log.Console,
	})
}

// layout resolves the .octopoid directory for this invocation.
func layout() paths.Layout {
	return paths.ResolveRoot(rootDir)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
