package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/maxthelion/octopoid/internal/cachemanager"
	"github.com/maxthelion/octopoid/internal/config"
	"github.com/maxthelion/octopoid/internal/flow"
	"github.com/maxthelion/octopoid/internal/git"
	"github.com/maxthelion/octopoid/internal/lockfile"
	"github.com/maxthelion/octopoid/internal/log"
	"github.com/maxthelion/octopoid/internal/orchestrator/pool"
	"github.com/maxthelion/octopoid/internal/orchestrator/spawn"
	"github.com/maxthelion/octopoid/internal/paths"
	"github.com/maxthelion/octopoid/internal/sdk"
	"github.com/maxthelion/octopoid/internal/task"
	"github.com/maxthelion/octopoid/internal/tracing"
)

const pollSnapshotKey = "poll"

// Options configures a Scheduler.
type Options struct {
	Config   config.Config
	Layout   paths.Layout
	Client   *sdk.Client
	Repo     git.Executor
	Host     git.HostCLI
	RepoRoot string
	// Tracer may be nil.
	Tracer trace.Tracer
}

// Scheduler drives one orchestrator: each Tick registers, housekeeps,
// evaluates every blueprint through the guard chain, and spawns agents.
type Scheduler struct {
	cfg            config.Config
	layout         paths.Layout
	client         *sdk.Client
	repo           git.Executor
	host           git.HostCLI
	repoRoot       string
	orchestratorID string

	spawner   *spawn.Spawner
	flows     *flow.Engine
	steps     *flow.Registry
	snapshots cachemanager.Manager[*sdk.PollSnapshot]
	tracer    trace.Tracer

	now func() time.Time
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("orchestrator")
	}
	orchestratorID := opts.Config.OrchestratorID()
	return &Scheduler{
		cfg:            opts.Config,
		layout:         opts.Layout,
		client:         opts.Client,
		repo:           opts.Repo,
		host:           opts.Host,
		repoRoot:       opts.RepoRoot,
		orchestratorID: orchestratorID,
		spawner: spawn.New(opts.Layout, opts.Repo, opts.RepoRoot,
			opts.Config.Orchestrator.ServerURL, orchestratorID),
		flows: flow.NewEngine(opts.Client, tracer,
			opts.Config.Orchestrator.GuardTimeout, opts.RepoRoot),
		steps:     flow.NewRegistry(),
		snapshots: cachemanager.New[*sdk.PollSnapshot]("poll-snapshot", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval),
		tracer:    tracer,
		now:       time.Now,
	}
}

// agentContext carries one blueprint's evaluation through the guard chain
// into the spawn phase.
type agentContext struct {
	blueprint Blueprint
	template  *Template
	state     *BlueprintState
	tracker   *pool.Tracker
	instance  string
	claimed   *task.Task
}

// Tick runs one scheduler pass. A tick that cannot take the global lock
// returns nil without touching any state; overlap is expected, not an
// error.
func (s *Scheduler) Tick(ctx context.Context) error {
	lock, err := lockfile.Acquire(s.layout.SchedulerLock())
	if errors.Is(err, lockfile.ErrLocked) {
		log.Debug().Str("orchestrator_id", s.orchestratorID).Msg("tick already running, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to acquire scheduler lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn().Err(err).Msg("failed to release scheduler lock")
		}
	}()

	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixTick+"run", trace.WithAttributes(
		attribute.String(tracing.AttrOrchestratorID, s.orchestratorID),
	))
	defer span.End()

	// One snapshot per tick; every guard sees the same numbers.
	s.snapshots.Delete(ctx, pollSnapshotKey)

	fleet, err := LoadFleet(s.layout.FleetFile())
	if err != nil {
		return err
	}

	s.housekeeping(ctx, fleet)

	for _, bp := range fleet.Blueprints {
		s.evaluateBlueprint(ctx, bp)
	}
	return nil
}

// evaluateBlueprint runs phases B and C for one blueprint. Failures are
// recorded on the blueprint state, never propagated: one bad blueprint
// must not stop the rest of the fleet.
func (s *Scheduler) evaluateBlueprint(ctx context.Context, bp Blueprint) {
	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixTick+"blueprint", trace.WithAttributes(
		attribute.String(tracing.AttrBlueprint, bp.Name),
	))
	defer span.End()

	lock, err := lockfile.Acquire(s.layout.BlueprintLock(bp.Name))
	if errors.Is(err, lockfile.ErrLocked) {
		log.Debug().Str("blueprint", bp.Name).Msg("blueprint locked, skipping")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("blueprint", bp.Name).Msg("failed to lock blueprint")
		return
	}
	defer func() { _ = lock.Release() }()

	statePath := s.layout.BlueprintStateFile(bp.Name)
	actx := &agentContext{
		blueprint: bp,
		state:     LoadState(statePath),
		tracker:   pool.NewTracker(s.layout.PoolFile(bp.Name)),
		instance:  fmt.Sprintf("%s-%s", bp.Name, uuid.NewString()[:8]),
	}
	actx.state.LastTickAt = s.now()
	actx.state.LastError = ""

	result := s.runGuards(ctx, actx)
	if !result.ok {
		span.SetAttributes(attribute.String(tracing.AttrGuard, result.guard))
		actx.state.LastGuard = result.guard
		actx.state.LastReason = result.reason
		if err := actx.state.Save(statePath); err != nil {
			log.Warn().Err(err).Str("blueprint", bp.Name).Msg("failed to save blueprint state")
		}
		log.Debug().
			Str("blueprint", bp.Name).
			Str("guard", result.guard).
			Str("reason", result.reason).
			Msg("guard chain stopped")
		return
	}

	if err := s.spawnPhase(ctx, actx); err != nil {
		actx.state.LastGuard = GuardClaimTask
		actx.state.LastError = err.Error()
		log.Error().Err(err).Str("blueprint", bp.Name).Msg("spawn failed")
	} else {
		actx.state.LastGuard = GuardPassed
		actx.state.LastReason = ""
		actx.state.LastSpawnAt = s.now()
		if actx.claimed != nil {
			actx.state.LastTaskID = actx.claimed.ID
		}
	}
	if err := actx.state.Save(statePath); err != nil {
		log.Warn().Err(err).Str("blueprint", bp.Name).Msg("failed to save blueprint state")
	}
}

// spawnPhase starts the agent. Any failure after a successful claim
// requeues the task so orchestrator-side errors never strand work.
func (s *Scheduler) spawnPhase(ctx context.Context, actx *agentContext) error {
	tpl, err := LoadTemplate(s.layout, actx.blueprint.TemplateType())
	if err != nil {
		s.compensate(ctx, actx, err)
		return err
	}
	actx.template = tpl

	strategy, _ := spawn.ParseStrategy(actx.blueprint.Strategy)
	env := map[string]string{}
	for k, v := range tpl.Env {
		env[k] = v
	}
	for k, v := range actx.blueprint.Env {
		env[k] = v
	}

	proc, err := s.spawner.Spawn(ctx, spawn.Request{
		Task:           actx.claimed,
		Blueprint:      actx.blueprint.Name,
		Role:           actx.blueprint.Role,
		Instance:       actx.instance,
		Strategy:       strategy,
		Command:        tpl.Command,
		PromptTemplate: tpl.PromptTemplate,
		ScriptsDir:     tpl.ScriptsDir,
		BaseBranch:     s.cfg.Orchestrator.BaseBranch,
		Env:            env,
	})
	if err != nil {
		s.compensate(ctx, actx, err)
		return err
	}

	entry := pool.Entry{PID: proc.PID, StartedAt: s.now()}
	if actx.claimed != nil {
		entry.TaskID = actx.claimed.ID
	}
	if err := actx.tracker.Add(actx.instance, entry); err != nil {
		// The agent runs untracked; better than killing it. The zombie
		// sweep cannot see it, so log loudly.
		log.Error().Err(err).Str("instance", actx.instance).Msg("failed to record spawned agent in pool")
	}
	return nil
}

// compensate returns a claimed task to incoming after a spawn failure.
func (s *Scheduler) compensate(ctx context.Context, actx *agentContext, cause error) {
	if actx.claimed == nil {
		return
	}
	t := actx.claimed
	// Requeue requires the lease owner as actor; the claim was made under
	// the instance name, not the orchestrator id.
	_, err := s.client.Requeue(ctx, t.ID, sdk.DecisionRequest{
		Version: t.Version,
		Actor:   actx.instance,
		Reason:  fmt.Sprintf("spawn failed: %v", cause),
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("failed to requeue after spawn failure")
		return
	}
	if err := s.spawner.CleanupWorktree(ctx, t.ID); err != nil {
		log.Warn().Err(err).Str("task_id", t.ID).Msg("failed to clean up worktree after requeue")
	}
	log.Warn().Str("task_id", t.ID).Err(cause).Msg("requeued task after spawn failure")
}

// snapshot returns the tick's poll snapshot, fetching it once.
func (s *Scheduler) snapshot(ctx context.Context) (*sdk.PollSnapshot, error) {
	if snap, ok := s.snapshots.Get(ctx, pollSnapshotKey); ok {
		return snap, nil
	}
	snap, err := s.client.Poll(ctx, s.orchestratorID)
	if err != nil {
		return nil, err
	}
	s.snapshots.Set(ctx, pollSnapshotKey, snap)
	return snap, nil
}

// OrchestratorID returns the identifier this scheduler registers under.
func (s *Scheduler) OrchestratorID() string { return s.orchestratorID }
