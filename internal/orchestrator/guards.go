package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/maxthelion/octopoid/internal/sdk"
	"github.com/maxthelion/octopoid/internal/task"
)

// Guard names, in chain order.
const (
	GuardEnabled      = "enabled"
	GuardPoolCapacity = "pool_capacity"
	GuardInterval     = "interval"
	GuardBackpressure = "backpressure"
	GuardPreCheck     = "pre_check"
	GuardClaimTask    = "claim_task"

	// GuardPassed is recorded when the whole chain passed and an agent
	// was spawned.
	GuardPassed = "spawned"
)

// guardResult is one guard's verdict. ok=false stops the chain.
type guardResult struct {
	guard  string
	ok     bool
	reason string
}

func pass() guardResult { return guardResult{ok: true} }

func stop(guard, reason string) guardResult {
	return guardResult{guard: guard, ok: false, reason: reason}
}

// runGuards evaluates the chain for one blueprint, short-circuiting at the
// first failure. A passing chain leaves the claimed task (if any) on actx.
func (s *Scheduler) runGuards(ctx context.Context, actx *agentContext) guardResult {
	if !actx.blueprint.Enabled {
		return stop(GuardEnabled, "blueprint disabled")
	}

	// Every tracker entry counts, dead or alive: an exited agent holds its
	// slot until collection removes it, keeping entries bounded by
	// max_instances.
	size, err := actx.tracker.Size()
	if err != nil {
		return stop(GuardPoolCapacity, fmt.Sprintf("pool unreadable: %v", err))
	}
	if size >= actx.blueprint.MaxInstances {
		return stop(GuardPoolCapacity, fmt.Sprintf("%d/%d instances in pool", size, actx.blueprint.MaxInstances))
	}

	if since := s.now().Sub(actx.state.LastSpawnAt); since < actx.blueprint.Interval {
		return stop(GuardInterval, fmt.Sprintf("spawned %s ago, interval %s", since.Round(time.Second), actx.blueprint.Interval))
	}

	if r := s.backpressureGuard(ctx, actx); !r.ok {
		return r
	}

	if actx.blueprint.PreCheck != "" {
		if r := s.preCheckGuard(ctx, actx); !r.ok {
			return r
		}
	}

	if actx.blueprint.Claims() {
		claimed, err := s.client.Claim(ctx, sdk.ClaimRequest{
			Queue:          actx.blueprint.Queue,
			Role:           actx.blueprint.Role,
			ClaimedBy:      actx.instance,
			OrchestratorID: s.orchestratorID,
		})
		if errors.Is(err, task.ErrNotFound) {
			return stop(GuardClaimTask, "no claimable task")
		}
		if err != nil {
			return stop(GuardClaimTask, fmt.Sprintf("claim failed: %v", err))
		}
		actx.claimed = claimed
	}

	return pass()
}

// backpressureGuard reads one cached poll snapshot per tick so every
// blueprint sees the same numbers.
func (s *Scheduler) backpressureGuard(ctx context.Context, actx *agentContext) guardResult {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return stop(GuardBackpressure, fmt.Sprintf("poll failed: %v", err))
	}

	if actx.blueprint.Claims() && snap.QueueCounts[actx.blueprint.Queue] == 0 {
		return stop(GuardBackpressure, fmt.Sprintf("queue %s is empty", actx.blueprint.Queue))
	}
	if max := s.cfg.Limits.MaxClaimed; max > 0 && snap.QueueCounts[task.QueueClaimed] >= max {
		return stop(GuardBackpressure, fmt.Sprintf("max_claimed reached (%d)", max))
	}
	// Provisional tasks stand in for open PRs: one lands with each accept.
	if max := s.cfg.Limits.MaxOpenPRs; max > 0 && snap.QueueCounts[task.QueueProvisional] >= max {
		return stop(GuardBackpressure, fmt.Sprintf("max_open_prs reached (%d)", max))
	}
	return pass()
}

// preCheckGuard runs the blueprint's external gate command.
func (s *Scheduler) preCheckGuard(ctx context.Context, actx *agentContext) guardResult {
	timeout := s.cfg.Orchestrator.GuardTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", actx.blueprint.PreCheck)
	cmd.Dir = s.repoRoot
	cmd.Env = append(cmd.Environ(),
		"BLUEPRINT="+actx.blueprint.Name,
		"ORCHESTRATOR_ID="+s.orchestratorID,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		reason := fmt.Sprintf("pre_check %q failed: %v", actx.blueprint.PreCheck, err)
		if len(output) > 0 {
			reason += ": " + truncate(string(output), 300)
		}
		return stop(GuardPreCheck, reason)
	}
	return pass()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
