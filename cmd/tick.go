package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/maxthelion/octopoid/internal/git"
	"github.com/maxthelion/octopoid/internal/log"
	"github.com/maxthelion/octopoid/internal/orchestrator"
	"github.com/maxthelion/octopoid/internal/sdk"
	"github.com/maxthelion/octopoid/internal/tracing"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one orchestrator scheduler tick",
	Long: `Run the orchestrator scheduler against the configured server:
heartbeat, collect finished agent results, process provisional tasks
through their flows, then evaluate each blueprint's guard chain and spawn
agents for the ones that pass.

One invocation runs one tick; use --every to loop. Concurrent ticks on
the same checkout are serialised by a lock file and exit immediately.`,
	RunE: runTick,
}

var tickEvery time.Duration

func init() {
	rootCmd.AddCommand(tickCmd)

	tickCmd.Flags().DurationVar(&tickEvery, "every", 0,
		"keep ticking on this interval instead of exiting (e.g. 30s)")
}

func runTick(_ *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	lay := layout()

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	}()

	repoRoot, err := os.Getwd()
	if err != nil {
		return err
	}
	if rootDir != "" {
		repoRoot = rootDir
	}

	sched := orchestrator.New(orchestrator.Options{
		Config:   cfg,
		Layout:   lay,
		Client:   sdk.New(cfg.Orchestrator.ServerURL, 30*time.Second),
		Repo:     git.NewRealExecutor(repoRoot),
		Host:     git.NewGHHost(cfg.Orchestrator.HostCLI),
		RepoRoot: repoRoot,
		Tracer:   provider.Tracer(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if tickEvery <= 0 {
		return sched.Tick(ctx)
	}

	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()
	for {
		if err := sched.Tick(ctx); err != nil {
			log.Error().Err(err).Msg("tick failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
