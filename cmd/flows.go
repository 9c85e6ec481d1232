package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/maxthelion/octopoid/internal/flow"
	"github.com/maxthelion/octopoid/internal/log"
	"github.com/maxthelion/octopoid/internal/sdk"
	"github.com/maxthelion/octopoid/internal/watcher"
)

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "Manage flow definitions",
}

var flowsRegisterCmd = &cobra.Command{
	Use:   "register [files...]",
	Short: "Validate and register flow documents with the server",
	Long: `Validate local flow YAML documents and register them with the
server. With no arguments every document under .octopoid/flows/ is
registered. --watch keeps running and re-registers on change.`,
	RunE: runFlowsRegister,
}

var flowsWatch bool

func init() {
	rootCmd.AddCommand(flowsCmd)
	flowsCmd.AddCommand(flowsRegisterCmd)

	flowsRegisterCmd.Flags().BoolVar(&flowsWatch, "watch", false,
		"keep watching the flows directory and re-register on change")
}

func runFlowsRegister(_ *cobra.Command, args []string) error {
	client := sdk.New(cfg.Orchestrator.ServerURL, 30*time.Second)
	lay := layout()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := registerAll(ctx, client, lay.FlowsDir(), args); err != nil {
		return err
	}
	if !flowsWatch {
		return nil
	}

	w, err := watcher.New(watcher.DefaultConfig(lay.FlowsDir()))
	if err != nil {
		return err
	}
	changes, err := w.Start()
	if err != nil {
		return err
	}
	defer func() { _ = w.Stop() }()

	log.Info().Str("dir", lay.FlowsDir()).Msg("watching for flow changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			if err := registerAll(ctx, client, lay.FlowsDir(), args); err != nil {
				log.Error().Err(err).Msg("re-registration failed")
			}
		}
	}
}

// registerAll registers the named files, or every document in dir when
// none are named.
func registerAll(ctx context.Context, client *sdk.Client, dir string, files []string) error {
	if len(files) == 0 {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to read flows directory: %w", err)
		}
		for _, entry := range entries {
			ext := filepath.Ext(entry.Name())
			if !entry.IsDir() && (ext == ".yaml" || ext == ".yml") {
				files = append(files, filepath.Join(dir, entry.Name()))
			}
		}
	}
	return registerFlowFiles(ctx, client, files)
}

func registerFlowFiles(ctx context.Context, client *sdk.Client, files []string) error {
	var firstErr error
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		def, err := flow.Parse(data)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("invalid flow document")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := client.PutFlow(ctx, def.Name, def.Record(string(data), time.Now())); err != nil {
			log.Error().Err(err).Str("flow", def.Name).Msg("registration failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		fmt.Printf("registered flow %s (%s)\n", def.Name, path)
	}
	return firstErr
}
