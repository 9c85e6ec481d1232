package orchestrator

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maxthelion/octopoid/internal/config"
	"github.com/maxthelion/octopoid/internal/lockfile"
	"github.com/maxthelion/octopoid/internal/orchestrator/pool"
	"github.com/maxthelion/octopoid/internal/paths"
	"github.com/maxthelion/octopoid/internal/sdk"
	"github.com/maxthelion/octopoid/internal/server"
	"github.com/maxthelion/octopoid/internal/statemachine"
	"github.com/maxthelion/octopoid/internal/task"
	"github.com/maxthelion/octopoid/internal/testutil"
)

// fakeGit satisfies git.Executor without a real repository. Worktrees are
// plain directories; pushes and commit counts are recorded stubs.
type fakeGit struct {
	pushed []string
}

func (g *fakeGit) AddWorktreeDetached(_ context.Context, path, _ string) error {
	return os.MkdirAll(path, 0755)
}

func (g *fakeGit) RemoveWorktree(_ context.Context, path string) error {
	return os.RemoveAll(path)
}

func (g *fakeGit) PruneWorktrees(context.Context) error { return nil }

func (g *fakeGit) PushHead(_ context.Context, _, _, branch string) error {
	g.pushed = append(g.pushed, branch)
	return nil
}

func (g *fakeGit) CommitCount(context.Context, string, string) (int, error) {
	return 0, nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *sdk.Client, paths.Layout) {
	t.Helper()
	db := testutil.NewTestDB(t)
	engine := statemachine.New(db.Tasks(), db.History(), nil, nil, statemachine.Config{
		RejectionBudget: 3,
	})
	handler := server.NewHandler(server.HandlerConfig{
		Engine: engine,
		Repos: server.Repositories{
			Tasks:         db.Tasks(),
			Orchestrators: db.Orchestrators(),
			Projects:      db.Projects(),
			Flows:         db.Flows(),
			Messages:      db.Messages(),
			History:       db.History(),
			Roles:         db.Roles(),
		},
		Ping:    func(ctx context.Context) error { return db.Connection().PingContext(ctx) },
		Version: "test",
	})
	ts := httptest.NewServer(handler.Routes())
	t.Cleanup(ts.Close)
	client := sdk.New(ts.URL, 5*time.Second)

	cfg := config.Defaults()
	cfg.Orchestrator.Cluster = "dev"
	cfg.Orchestrator.MachineID = "h1"
	cfg.Orchestrator.ServerURL = ts.URL

	lay := paths.ResolveRoot(t.TempDir())
	sched := New(Options{
		Config:   cfg,
		Layout:   lay,
		Client:   client,
		Repo:     &fakeGit{},
		RepoRoot: t.TempDir(),
	})
	return sched, client, lay
}

func testBlueprint(name string) Blueprint {
	return Blueprint{
		Name:         name,
		Role:         "implement",
		Enabled:      true,
		MaxInstances: 1,
		Interval:     time.Second,
		Queue:        task.QueueIncoming,
	}
}

func newAgentContext(lay paths.Layout, bp Blueprint) *agentContext {
	return &agentContext{
		blueprint: bp,
		state:     LoadState(lay.BlueprintStateFile(bp.Name)),
		tracker:   pool.NewTracker(lay.PoolFile(bp.Name)),
		instance:  bp.Name + "-test0001",
	}
}

func createIncomingTask(t *testing.T, client *sdk.Client, id, role string) {
	t.Helper()
	_, err := client.CreateTask(context.Background(), sdk.CreateTaskRequest{
		ID:    id,
		Title: "work on " + id,
		Role:  role,
	})
	require.NoError(t, err)
}

func TestTickSkipsWhenSchedulerLocked(t *testing.T) {
	sched, client, lay := newTestScheduler(t)
	ctx := context.Background()
	createIncomingTask(t, client, "T1", "implement")

	lock, err := lockfile.Acquire(lay.SchedulerLock())
	require.NoError(t, err)
	defer func() { require.NoError(t, lock.Release()) }()

	require.NoError(t, sched.Tick(ctx))

	// The held lock means the tick touched nothing.
	got, err := client.GetTask(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, task.QueueIncoming, got.Queue)
	require.Equal(t, int64(1), got.Version)
}

func TestGuardChainStopsWhenDisabled(t *testing.T) {
	sched, _, lay := newTestScheduler(t)
	bp := testBlueprint("implementer")
	bp.Enabled = false

	result := sched.runGuards(context.Background(), newAgentContext(lay, bp))
	require.False(t, result.ok)
	require.Equal(t, GuardEnabled, result.guard)
}

func TestCapacityGuardCountsExitedAgents(t *testing.T) {
	sched, client, lay := newTestScheduler(t)
	ctx := context.Background()
	createIncomingTask(t, client, "T1", "implement")

	bp := testBlueprint("implementer")
	actx := newAgentContext(lay, bp)

	// An agent that exited but whose result has not been collected still
	// occupies its slot, even though the pid is long gone.
	require.NoError(t, actx.tracker.Add("implementer-dead0001", pool.Entry{
		PID:       999999999,
		TaskID:    "T0",
		StartedAt: time.Now().Add(-time.Hour),
	}))

	result := sched.runGuards(ctx, actx)
	require.False(t, result.ok)
	require.Equal(t, GuardPoolCapacity, result.guard)
	require.Contains(t, result.reason, "1/1")

	// The slot frees once the entry is collected.
	require.NoError(t, actx.tracker.Remove("implementer-dead0001"))
	result = sched.runGuards(ctx, newAgentContext(lay, bp))
	require.True(t, result.ok)
}

func TestIntervalGuardBlocksRecentSpawn(t *testing.T) {
	sched, _, lay := newTestScheduler(t)
	bp := testBlueprint("implementer")
	bp.Interval = time.Minute

	actx := newAgentContext(lay, bp)
	actx.state.LastSpawnAt = time.Now()

	result := sched.runGuards(context.Background(), actx)
	require.False(t, result.ok)
	require.Equal(t, GuardInterval, result.guard)
}

func TestBackpressureStopsOnEmptyQueue(t *testing.T) {
	sched, _, lay := newTestScheduler(t)
	bp := testBlueprint("implementer")

	result := sched.runGuards(context.Background(), newAgentContext(lay, bp))
	require.False(t, result.ok)
	require.Equal(t, GuardBackpressure, result.guard)
	require.Contains(t, result.reason, "empty")
}

func TestBackpressureStopsAtMaxClaimed(t *testing.T) {
	sched, client, lay := newTestScheduler(t)
	ctx := context.Background()
	sched.cfg.Limits.MaxClaimed = 1

	createIncomingTask(t, client, "T1", "implement")
	createIncomingTask(t, client, "T2", "implement")
	_, err := client.Claim(ctx, sdk.ClaimRequest{
		Role:           "implement",
		ClaimedBy:      "other-agent-1",
		OrchestratorID: "dev-h2",
	})
	require.NoError(t, err)

	result := sched.runGuards(ctx, newAgentContext(lay, testBlueprint("implementer")))
	require.False(t, result.ok)
	require.Equal(t, GuardBackpressure, result.guard)
	require.Contains(t, result.reason, "max_claimed")
}

func TestPreCheckGuardRunsBlueprintCommand(t *testing.T) {
	sched, client, lay := newTestScheduler(t)
	ctx := context.Background()
	createIncomingTask(t, client, "T1", "implement")

	bp := testBlueprint("implementer")
	bp.PreCheck = "exit 3"
	result := sched.runGuards(ctx, newAgentContext(lay, bp))
	require.False(t, result.ok)
	require.Equal(t, GuardPreCheck, result.guard)

	bp.PreCheck = "true"
	result = sched.runGuards(ctx, newAgentContext(lay, bp))
	require.True(t, result.ok)
}

func TestClaimGuardStopsWithoutClaimableTask(t *testing.T) {
	sched, client, lay := newTestScheduler(t)
	ctx := context.Background()

	// The queue is non-empty so backpressure passes, but nothing matches
	// the blueprint's role.
	createIncomingTask(t, client, "T1", "review")

	result := sched.runGuards(ctx, newAgentContext(lay, testBlueprint("implementer")))
	require.False(t, result.ok)
	require.Equal(t, GuardClaimTask, result.guard)
	require.Equal(t, "no claimable task", result.reason)
}

func TestGuardChainClaimsUnderInstanceName(t *testing.T) {
	sched, client, lay := newTestScheduler(t)
	ctx := context.Background()
	createIncomingTask(t, client, "T1", "implement")

	actx := newAgentContext(lay, testBlueprint("implementer"))
	result := sched.runGuards(ctx, actx)
	require.True(t, result.ok)
	require.NotNil(t, actx.claimed)
	require.Equal(t, "T1", actx.claimed.ID)
	require.Equal(t, actx.instance, actx.claimed.ClaimedBy)
	require.Equal(t, "dev-h1", actx.claimed.OrchestratorID)

	got, err := client.GetTask(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, task.QueueClaimed, got.Queue)
}

func TestSpawnFailureReturnsTaskToIncoming(t *testing.T) {
	sched, client, lay := newTestScheduler(t)
	ctx := context.Background()
	createIncomingTask(t, client, "T1", "implement")

	// No template directory exists for this blueprint, so the spawn phase
	// fails after the claim succeeded.
	bp := testBlueprint("ghost")
	sched.evaluateBlueprint(ctx, bp)

	got, err := client.GetTask(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, task.QueueIncoming, got.Queue)
	require.Empty(t, got.ClaimedBy)
	require.Empty(t, got.OrchestratorID)

	state := LoadState(lay.BlueprintStateFile("ghost"))
	require.Equal(t, GuardClaimTask, state.LastGuard)
	require.Contains(t, state.LastError, "blueprint template")

	// The task is claimable again on the next pass.
	reclaimed, err := client.Claim(ctx, sdk.ClaimRequest{
		Role:           "implement",
		ClaimedBy:      "implementer-retry01",
		OrchestratorID: "dev-h1",
	})
	require.NoError(t, err)
	require.Equal(t, "T1", reclaimed.ID)
}

func TestEvaluateBlueprintSpawnsAndTracks(t *testing.T) {
	sched, client, lay := newTestScheduler(t)
	ctx := context.Background()
	createIncomingTask(t, client, "T1", "implement")

	dir := lay.BlueprintDir("implementer")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent.yaml"),
		[]byte("command: [\"true\"]\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prompt.md"),
		[]byte("work on {{task_id}}"), 0644))

	sched.evaluateBlueprint(ctx, testBlueprint("implementer"))

	state := LoadState(lay.BlueprintStateFile("implementer"))
	require.Equal(t, GuardPassed, state.LastGuard)
	require.Equal(t, "T1", state.LastTaskID)
	require.False(t, state.LastSpawnAt.IsZero())

	size, err := pool.NewTracker(lay.PoolFile("implementer")).Size()
	require.NoError(t, err)
	require.Equal(t, 1, size)

	got, err := client.GetTask(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, task.QueueClaimed, got.Queue)
}

func TestTickEvaluatesFleet(t *testing.T) {
	sched, client, lay := newTestScheduler(t)
	ctx := context.Background()
	createIncomingTask(t, client, "T1", "implement")

	require.NoError(t, os.MkdirAll(lay.Root, 0755))
	fleet := "blueprints:\n  - name: idle\n    role: implement\n    enabled: false\n"
	require.NoError(t, os.WriteFile(lay.FleetFile(), []byte(fleet), 0644))

	require.NoError(t, sched.Tick(ctx))

	// Housekeeping registered the orchestrator and the blueprint was
	// evaluated to its guard verdict.
	orchestrators, err := client.ListOrchestrators(ctx)
	require.NoError(t, err)
	require.Len(t, orchestrators, 1)
	require.Equal(t, "dev-h1", orchestrators[0].ID)

	state := LoadState(lay.BlueprintStateFile("idle"))
	require.Equal(t, GuardEnabled, state.LastGuard)
	require.False(t, state.LastTickAt.IsZero())
}
