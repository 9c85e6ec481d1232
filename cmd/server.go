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
	"github.com/spf13/viper"

	"github.com/maxthelion/octopoid/internal/flow"
	"github.com/maxthelion/octopoid/internal/lease"
	"github.com/maxthelion/octopoid/internal/log"
	"github.com/maxthelion/octopoid/internal/paths"
	"github.com/maxthelion/octopoid/internal/pubsub"
	"github.com/maxthelion/octopoid/internal/server"
	"github.com/maxthelion/octopoid/internal/statemachine"
	"github.com/maxthelion/octopoid/internal/store/sqlite"
	"github.com/maxthelion/octopoid/internal/task"
	"github.com/maxthelion/octopoid/internal/tracing"
	"github.com/maxthelion/octopoid/internal/watcher"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the central task server",
	Long: `Run the central server: the authoritative SQLite store, the task
state machine, the lease coordinator, and the HTTP API orchestrators and
tools talk to.

Flow definitions in .octopoid/flows/ are registered at startup and
re-registered whenever a document changes.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().String("listen", "", "listen address (overrides config)")
	_ = viper.BindPFlag("server.listen", serverCmd.Flags().Lookup("listen"))
}

func runServer(_ *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	lay := layout()

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	}()

	dbPath := cfg.Server.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(lay.Root, dbPath)
	}
	db, err := sqlite.NewDB(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	broker := pubsub.NewBroker()
	defer broker.Close()

	engine := statemachine.New(db.Tasks(), db.History(), broker, provider.Tracer(), statemachine.Config{
		LeaseWindow:     cfg.Server.LeaseWindow,
		RejectionBudget: cfg.Limits.RejectionBudget,
	})
	coordinator := lease.New(engine, db.Tasks(), db.Orchestrators(), db.Flows(), broker, lease.Config{
		Interval:      cfg.Server.HousekeepingInterval,
		OfflineWindow: cfg.Server.OfflineWindow,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go coordinator.Run(ctx)

	registerLocalFlows(ctx, lay, db.Flows())
	go watchFlows(ctx, lay, db.Flows())

	handler := server.NewHandler(server.HandlerConfig{
		Engine:      engine,
		Repos:       repositories(db),
		Broker:      broker,
		Coordinator: coordinator,
		Ping: func(ctx context.Context) error {
			return db.Connection().PingContext(ctx)
		},
		Version: version,
	})
	srv, err := server.NewServer(server.ServerConfig{
		Addr:    cfg.Server.Listen,
		Handler: handler,
	})
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func repositories(db *sqlite.DB) server.Repositories {
	return server.Repositories{
		Tasks:         db.Tasks(),
		Orchestrators: db.Orchestrators(),
		Projects:      db.Projects(),
		Flows:         db.Flows(),
		Messages:      db.Messages(),
		History:       db.History(),
		Roles:         db.Roles(),
	}
}

// registerLocalFlows loads every flow document under .octopoid/flows/.
// Bad documents are logged and skipped so one typo cannot take the
// server down.
func registerLocalFlows(ctx context.Context, lay paths.Layout, flows task.FlowRepository) {
	entries, err := os.ReadDir(lay.FlowsDir())
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("dir", lay.FlowsDir()).Msg("failed to read flows directory")
		}
		return
	}
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(lay.FlowsDir(), entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to read flow document")
			continue
		}
		def, err := flow.Parse(data)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("invalid flow document")
			continue
		}
		if err := flows.Put(ctx, def.Record(string(data), time.Now())); err != nil {
			log.Error().Err(err).Str("flow", def.Name).Msg("failed to register flow")
			continue
		}
		log.Info().Str("flow", def.Name).Str("path", path).Msg("flow registered")
	}
}

// watchFlows re-registers flow documents when the directory changes.
func watchFlows(ctx context.Context, lay paths.Layout, flows task.FlowRepository) {
	if _, err := os.Stat(lay.FlowsDir()); err != nil {
		return
	}
	w, err := watcher.New(watcher.DefaultConfig(lay.FlowsDir()))
	if err != nil {
		log.Warn().Err(err).Msg("failed to create flows watcher")
		return
	}
	changes, err := w.Start()
	if err != nil {
		log.Warn().Err(err).Msg("failed to watch flows directory")
		return
	}
	defer func() { _ = w.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			log.Info().Msg("flow documents changed, re-registering")
			registerLocalFlows(ctx, lay, flows)
		}
	}
}
