package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/maxthelion/octopoid/internal/orchestrator"
	"github.com/maxthelion/octopoid/internal/orchestrator/pool"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local orchestrator state",
	Long: `Print the per-blueprint state recorded by the scheduler: pool
occupancy, the last guard that stopped the chain, and when the last agent
was spawned. Reads only local runtime files; the server is not contacted.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	lay := layout()
	fleet, err := orchestrator.LoadFleet(lay.FleetFile())
	if err != nil {
		return err
	}
	if len(fleet.Blueprints) == 0 {
		fmt.Println("no blueprints configured (see .octopoid/agents.yaml)")
		return nil
	}

	if id, err := os.ReadFile(lay.OrchestratorIDFile()); err == nil {
		fmt.Printf("orchestrator: %s\n\n", string(id))
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BLUEPRINT\tENABLED\tRUNNING\tLAST GUARD\tREASON\tLAST SPAWN")
	for _, bp := range fleet.Blueprints {
		state := orchestrator.LoadState(lay.BlueprintStateFile(bp.Name))
		tracker := pool.NewTracker(lay.PoolFile(bp.Name))
		running := 0
		if live, err := tracker.Live(); err == nil {
			running = len(live)
		}

		lastSpawn := "never"
		if !state.LastSpawnAt.IsZero() {
			lastSpawn = time.Since(state.LastSpawnAt).Round(time.Second).String() + " ago"
		}
		guard := state.LastGuard
		if guard == "" {
			guard = "-"
		}
		reason := state.LastReason
		if state.LastError != "" {
			reason = state.LastError
		}
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%s\t%t\t%d/%d\t%s\t%s\t%s\n",
			bp.Name, bp.Enabled, running, bp.MaxInstances, guard, reason, lastSpawn)
	}
	return w.Flush()
}
