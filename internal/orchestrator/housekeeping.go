package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maxthelion/octopoid/internal/flow"
	"github.com/maxthelion/octopoid/internal/log"
	"github.com/maxthelion/octopoid/internal/orchestrator/pool"
	"github.com/maxthelion/octopoid/internal/orchestrator/spawn"
	"github.com/maxthelion/octopoid/internal/sdk"
	"github.com/maxthelion/octopoid/internal/task"
	"github.com/maxthelion/octopoid/internal/tracing"
)

// housekeeping runs the phase A jobs in fixed order. Each job is wrapped
// so one failure never stops the others.
func (s *Scheduler) housekeeping(ctx context.Context, fleet *Fleet) {
	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixTick+"housekeeping", trace.WithAttributes(
		attribute.String(tracing.AttrTickPhase, "housekeeping"),
	))
	defer span.End()

	s.runJob(ctx, "register", func(ctx context.Context) error {
		return s.register(ctx, fleet)
	})
	s.runJob(ctx, "collect_results", func(ctx context.Context) error {
		return s.collectResults(ctx, fleet)
	})
	s.runJob(ctx, "observe_leases", func(ctx context.Context) error {
		return s.observeLeases(ctx, fleet)
	})
	s.runJob(ctx, "process_provisional", func(ctx context.Context) error {
		return s.processProvisional(ctx, fleet)
	})
}

// runJob isolates one housekeeping job: errors and panics are logged,
// never propagated.
func (s *Scheduler) runJob(ctx context.Context, name string, job func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job", name).Interface("panic", r).Msg("housekeeping job panicked")
		}
	}()
	if err := job(ctx); err != nil {
		log.Error().Err(err).Str("job", name).Msg("housekeeping job failed")
	}
}

// register upserts this orchestrator and heartbeats it.
func (s *Scheduler) register(ctx context.Context, fleet *Fleet) error {
	roles := make([]string, 0, len(fleet.Blueprints))
	seen := map[string]bool{}
	for _, bp := range fleet.Blueprints {
		if bp.Role != "" && !seen[bp.Role] {
			seen[bp.Role] = true
			roles = append(roles, bp.Role)
		}
	}

	machineID := s.cfg.Orchestrator.MachineID
	if machineID == "" {
		machineID, _ = os.Hostname()
	}
	_, err := s.client.Register(ctx, sdk.RegisterRequest{
		ID:        s.orchestratorID,
		Cluster:   s.cfg.Orchestrator.Cluster,
		MachineID: machineID,
		RepoURL:   s.cfg.Orchestrator.RepoURL,
		Roles:     roles,
	})
	if err != nil {
		return fmt.Errorf("failed to register orchestrator: %w", err)
	}

	// Cache the id for the status command.
	idFile := s.layout.OrchestratorIDFile()
	if err := os.MkdirAll(filepath.Dir(idFile), 0755); err == nil {
		_ = os.WriteFile(idFile, []byte(s.orchestratorID), 0644)
	}
	return nil
}

// collectResults sweeps every blueprint's pool for dead processes and
// reports their outcomes to the server.
func (s *Scheduler) collectResults(ctx context.Context, fleet *Fleet) error {
	var firstErr error
	for _, bp := range fleet.Blueprints {
		tracker := pool.NewTracker(s.layout.PoolFile(bp.Name))
		dead, err := tracker.Dead()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for instance, entry := range dead {
			if err := s.collectOne(ctx, tracker, instance, entry); err != nil {
				log.Error().Err(err).
					Str("blueprint", bp.Name).
					Str("instance", instance).
					Msg("result collection failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// collectOne handles one exited instance. Removing the pool entry is the
// idempotency point: once gone, nothing collects this instance again.
func (s *Scheduler) collectOne(ctx context.Context, tracker *pool.Tracker, instance string, entry pool.Entry) error {
	if entry.TaskID == "" {
		// Task-less agent (monitor): nothing to report.
		return tracker.Remove(instance)
	}

	result, err := spawn.ReadResult(s.layout, entry.TaskID)
	switch {
	case errors.Is(err, spawn.ErrNoResult):
		if s.now().Sub(entry.StartedAt) < s.cfg.Orchestrator.ZombieThreshold {
			// Recently exited; the result may still be flushing.
			return nil
		}
		result = spawn.SynthesizeFailure("agent exited without writing a result")
		log.Warn().Str("task_id", entry.TaskID).Str("instance", instance).Msg("reaping zombie agent")
	case err != nil:
		result = spawn.SynthesizeFailure(fmt.Sprintf("unreadable result: %v", err))
	}

	t, err := s.client.GetTask(ctx, entry.TaskID)
	if errors.Is(err, task.ErrNotFound) {
		return s.discard(instance, entry, tracker, "task gone")
	}
	if err != nil {
		return err
	}
	// A lease that expired mid-run hands the task to someone else; this
	// instance's result is stale and must not be reported.
	if t.Queue != task.QueueClaimed || t.ClaimedBy != instance {
		return s.discard(instance, entry, tracker, "claim no longer held")
	}

	if err := s.report(ctx, t, instance, result); err != nil {
		if errors.Is(err, task.ErrStaleVersion) {
			// Another write landed between fetch and report; the entry
			// stays and the next tick retries with a fresh version.
			return nil
		}
		if errors.Is(err, task.ErrWrongState) {
			return s.discard(instance, entry, tracker, "task moved during collection")
		}
		return err
	}

	if err := spawn.DeleteStaleResult(s.layout, entry.TaskID); err != nil {
		log.Warn().Err(err).Str("task_id", entry.TaskID).Msg("failed to remove collected result")
	}
	log.Info().
		Str("task_id", entry.TaskID).
		Str("instance", instance).
		Str("outcome", result.Outcome).
		Msg("result collected")
	return tracker.Remove(instance)
}

// report drives the task transition an outcome demands.
func (s *Scheduler) report(ctx context.Context, t *task.Task, instance string, result *task.AgentResult) error {
	switch result.Outcome {
	case task.OutcomeDone:
		if result.Decision != "" {
			s.postDecision(ctx, t.ID, instance, result)
		}
		_, err := s.client.Submit(ctx, t.ID, sdk.SubmitRequest{
			Version:      t.Version,
			Actor:        instance,
			CommitsCount: &result.CommitsCount,
			TurnsUsed:    &result.TurnsUsed,
			Notes:        result.Reason,
		})
		return err
	case task.OutcomeFailed:
		_, err := s.client.Fail(ctx, t.ID, sdk.DecisionRequest{
			Version: t.Version,
			Actor:   instance,
			Reason:  result.Reason,
		})
		return err
	case task.OutcomeNeedsContinuation:
		_, err := s.client.Requeue(ctx, t.ID, sdk.DecisionRequest{
			Version: t.Version,
			Actor:   instance,
			Reason:  "needs continuation: " + result.Reason,
		})
		return err
	}
	return fmt.Errorf("unknown outcome %q for task %s", result.Outcome, t.ID)
}

// postDecision records a reviewer's verdict on the task mailbox so agent
// conditions can read it.
func (s *Scheduler) postDecision(ctx context.Context, taskID, instance string, result *task.AgentResult) {
	content := fmt.Sprintf(`{"decision":%q,"comment":%q}`, result.Decision, result.Comment)
	_, err := s.client.PostMessage(ctx, taskID, sdk.MessageRequest{
		FromActor: instance,
		Type:      task.MessageReviewDecision,
		Content:   content,
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to post review decision")
	}
}

// discard drops a stale instance: its result (if any) is deleted unread.
func (s *Scheduler) discard(instance string, entry pool.Entry, tracker *pool.Tracker, why string) error {
	log.Warn().
		Str("task_id", entry.TaskID).
		Str("instance", instance).
		Str("reason", why).
		Msg("discarding stale agent result")
	if err := spawn.DeleteStaleResult(s.layout, entry.TaskID); err != nil {
		return err
	}
	return tracker.Remove(instance)
}

// observeLeases logs local bookkeeping for claims this orchestrator
// believes it holds but the server no longer agrees about.
func (s *Scheduler) observeLeases(ctx context.Context, fleet *Fleet) error {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	held := map[string]string{}
	for _, t := range snap.Claimed {
		held[t.ID] = t.ClaimedBy
	}
	for _, bp := range fleet.Blueprints {
		tracker := pool.NewTracker(s.layout.PoolFile(bp.Name))
		live, err := tracker.Live()
		if err != nil {
			return err
		}
		for instance, entry := range live {
			if entry.TaskID == "" {
				continue
			}
			if held[entry.TaskID] != instance {
				log.Warn().
					Str("task_id", entry.TaskID).
					Str("instance", instance).
					Msg("lease lost while agent still running; its result will be discarded")
			}
		}
	}
	return nil
}

// processProvisional pushes provisional tasks through their flow: evaluate
// the provisional -> done transition and accept, block, or route on
// failure.
func (s *Scheduler) processProvisional(ctx context.Context, fleet *Fleet) error {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, t := range snap.Provisional {
		if err := s.advanceProvisional(ctx, fleet, t); err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("flow processing failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Scheduler) advanceProvisional(ctx context.Context, fleet *Fleet, t *task.Task) error {
	def, err := s.flowFor(ctx, t)
	if err != nil {
		return err
	}
	tr := def.FindTransition(task.QueueProvisional, task.QueueDone)
	if tr == nil {
		return nil
	}

	verdict, err := s.flows.Evaluate(ctx, def, tr, t)
	if err != nil {
		return err
	}

	switch verdict.Kind {
	case flow.Block:
		log.Debug().Str("task_id", t.ID).Str("reason", verdict.Reason).Msg("transition blocked")
		return nil

	case flow.FailTo:
		return s.routeFailure(ctx, t, verdict)

	case flow.Advance:
		if len(tr.Runs) > 0 {
			sc := s.stepContext(fleet, t)
			if err := s.steps.Run(ctx, tr.Runs, sc); err != nil {
				return s.routeFailure(ctx, t, flow.Verdict{
					Kind:   flow.FailTo,
					State:  task.QueueFailed,
					Reason: fmt.Sprintf("step failed: %v", err),
				})
			}
		}
		_, err := s.client.Accept(ctx, t.ID, sdk.DecisionRequest{
			Version: t.Version,
			Actor:   s.orchestratorID,
		})
		if errors.Is(err, task.ErrStaleVersion) || errors.Is(err, task.ErrWrongState) {
			// Raced with a human or another orchestrator; their write wins.
			return nil
		}
		return err
	}
	return nil
}

// routeFailure sends a task to the state a failed condition or step named.
func (s *Scheduler) routeFailure(ctx context.Context, t *task.Task, verdict flow.Verdict) error {
	switch verdict.State {
	case task.QueueIncoming:
		_, err := s.client.Reject(ctx, t.ID, sdk.DecisionRequest{
			Version: t.Version,
			Actor:   s.orchestratorID,
			Reason:  verdict.Reason,
		})
		return err
	case task.QueueFailed, "":
		_, err := s.client.Fail(ctx, t.ID, sdk.DecisionRequest{
			Version: t.Version,
			Actor:   s.orchestratorID,
			Reason:  verdict.Reason,
		})
		return err
	default:
		// Custom destinations have no lifecycle endpoint; record the
		// intent and fail so a human routes it.
		_, err := s.client.Fail(ctx, t.ID, sdk.DecisionRequest{
			Version: t.Version,
			Actor:   s.orchestratorID,
			Reason:  fmt.Sprintf("flow routed to %s: %s", verdict.State, verdict.Reason),
		})
		return err
	}
}

// flowFor resolves a task's flow definition: the task's named flow from
// the server, falling back to the built-in default.
func (s *Scheduler) flowFor(ctx context.Context, t *task.Task) (*flow.Definition, error) {
	name := t.Flow
	if name == "" {
		name = flow.DefaultFlowName
	}
	rec, err := s.client.GetFlow(ctx, name)
	if errors.Is(err, task.ErrNotFound) {
		return flow.Default()
	}
	if err != nil {
		return nil, err
	}
	return flow.Parse([]byte(rec.Document))
}

// stepContext assembles what transition steps may touch for one task.
func (s *Scheduler) stepContext(fleet *Fleet, t *task.Task) *flow.StepContext {
	testCommand := ""
	for _, bp := range fleet.Blueprints {
		if bp.Role == t.Role && bp.TestCommand != "" {
			testCommand = bp.TestCommand
			break
		}
	}
	base := t.Branch
	if base == "" {
		base = s.cfg.Orchestrator.BaseBranch
	}
	return &flow.StepContext{
		Task:        t,
		Worktree:    s.layout.TaskWorktree(t.ID),
		Branch:      "agent/" + t.ID,
		BaseBranch:  base,
		Actor:       s.orchestratorID,
		Repo:        s.repo,
		Host:        s.host,
		Client:      s.client,
		TestCommand: testCommand,
		Timeout:     s.cfg.Orchestrator.StepTimeout,
	}
}
