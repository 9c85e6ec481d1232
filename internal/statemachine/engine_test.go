package statemachine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/maxthelion/octopoid/internal/statemachine"
	"github.com/maxthelion/octopoid/internal/store/sqlite"
	"github.com/maxthelion/octopoid/internal/task"
	"github.com/maxthelion/octopoid/internal/testutil"
)

func newEngine(t *testing.T, cfg statemachine.Config) (*statemachine.Engine, *sqlite.DB) {
	t.Helper()
	db := testutil.NewTestDB(t)
	return statemachine.New(db.Tasks(), db.History(), nil, nil, cfg), db
}

func seedTask(t *testing.T, db *sqlite.DB, id string, mutate func(*task.Task)) *task.Task {
	t.Helper()
	tk := &task.Task{
		ID:       id,
		Title:    "task " + id,
		Role:     "implement",
		Priority: task.P2,
		Queue:    task.QueueIncoming,
		Version:  1,
	}
	if mutate != nil {
		mutate(tk)
	}
	require.NoError(t, db.Tasks().Create(context.Background(), tk))
	return tk
}

func TestClaimPicksHighestPriorityFirst(t *testing.T) {
	engine, db := newEngine(t, statemachine.Config{})
	ctx := context.Background()

	seedTask(t, db, "low", func(tk *task.Task) { tk.Priority = task.P3 })
	seedTask(t, db, "high", func(tk *task.Task) { tk.Priority = task.P0 })

	claimed, err := engine.Claim(ctx, statemachine.ClaimRequest{
		ClaimedBy:      "agent-1",
		OrchestratorID: "orch-1",
	})
	require.NoError(t, err)
	require.Equal(t, "high", claimed.ID)
	require.Equal(t, task.QueueClaimed, claimed.Queue)
	require.Equal(t, "agent-1", claimed.ClaimedBy)
	require.Equal(t, "orch-1", claimed.OrchestratorID)
	require.NotNil(t, claimed.LeaseExpiresAt)
	require.Equal(t, int64(2), claimed.Version)
	require.Equal(t, 1, claimed.AttemptCount)
}

func TestClaimEmptyQueueReturnsNotFound(t *testing.T) {
	engine, _ := newEngine(t, statemachine.Config{})

	_, err := engine.Claim(context.Background(), statemachine.ClaimRequest{
		ClaimedBy:      "agent-1",
		OrchestratorID: "orch-1",
	})
	require.ErrorIs(t, err, task.ErrNotFound)
}

func TestClaimHonorsRoleFilter(t *testing.T) {
	engine, db := newEngine(t, statemachine.Config{})
	ctx := context.Background()

	seedTask(t, db, "impl", func(tk *task.Task) { tk.Role = "implement" })
	seedTask(t, db, "rev", func(tk *task.Task) { tk.Role = "review" })

	claimed, err := engine.Claim(ctx, statemachine.ClaimRequest{
		Role:           "review",
		ClaimedBy:      "agent-1",
		OrchestratorID: "orch-1",
	})
	require.NoError(t, err)
	require.Equal(t, "rev", claimed.ID)
}

func TestClaimSkipsPausedAndBlocked(t *testing.T) {
	engine, db := newEngine(t, statemachine.Config{})
	ctx := context.Background()

	seedTask(t, db, "paused", func(tk *task.Task) { tk.Paused = true })
	seedTask(t, db, "blocked", func(tk *task.Task) { tk.BlockedBy = "other" })

	_, err := engine.Claim(ctx, statemachine.ClaimRequest{
		ClaimedBy:      "agent-1",
		OrchestratorID: "orch-1",
	})
	require.ErrorIs(t, err, task.ErrNotFound)
}

func TestClaimRaceLeavesOneWinner(t *testing.T) {
	engine, db := newEngine(t, statemachine.Config{})
	ctx := context.Background()

	seedTask(t, db, "only", nil)

	first, err := engine.Claim(ctx, statemachine.ClaimRequest{
		ClaimedBy: "agent-1", OrchestratorID: "orch-1",
	})
	require.NoError(t, err)
	require.Equal(t, "only", first.ID)

	_, err = engine.Claim(ctx, statemachine.ClaimRequest{
		ClaimedBy: "agent-2", OrchestratorID: "orch-2",
	})
	require.ErrorIs(t, err, task.ErrNotFound)

	got, err := db.Tasks().Get(ctx, "only")
	require.NoError(t, err)
	require.Equal(t, "agent-1", got.ClaimedBy)
}

func TestSubmitAcceptLifecycle(t *testing.T) {
	engine, db := newEngine(t, statemachine.Config{})
	ctx := context.Background()

	seedTask(t, db, "t1", nil)
	seedTask(t, db, "dep", func(tk *task.Task) { tk.BlockedBy = "t1" })

	claimed, err := engine.Claim(ctx, statemachine.ClaimRequest{
		ClaimedBy: "agent-1", OrchestratorID: "orch-1",
	})
	require.NoError(t, err)

	commits, turns := 2, 40
	submitted, err := engine.Submit(ctx, claimed.ID, claimed.Version, "agent-1", statemachine.SubmitMeta{
		CommitsCount: &commits,
		TurnsUsed:    &turns,
	})
	require.NoError(t, err)
	require.Equal(t, task.QueueProvisional, submitted.Queue)
	require.Equal(t, 2, submitted.CommitsCount)
	require.Equal(t, 40, submitted.TurnsUsed)
	require.False(t, submitted.HasLease())
	require.NotNil(t, submitted.SubmittedAt)

	done, err := engine.Accept(ctx, submitted.ID, submitted.Version, "reviewer")
	require.NoError(t, err)
	require.Equal(t, task.QueueDone, done.Queue)
	require.Equal(t, "reviewer", done.AcceptedBy)
	require.NotNil(t, done.CompletedAt)

	dep, err := db.Tasks().Get(ctx, "dep")
	require.NoError(t, err)
	require.Empty(t, dep.BlockedBy)

	events, err := db.History().ListByTask(ctx, "t1", 0)
	require.NoError(t, err)
	kinds := make([]string, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	require.Contains(t, kinds, task.HistoryClaimed)
	require.Contains(t, kinds, task.HistorySubmitted)
	require.Contains(t, kinds, task.HistoryAccepted)
}

func TestSubmitByNonOwnerFails(t *testing.T) {
	engine, db := newEngine(t, statemachine.Config{})
	ctx := context.Background()

	seedTask(t, db, "t1", nil)
	claimed, err := engine.Claim(ctx, statemachine.ClaimRequest{
		ClaimedBy: "agent-1", OrchestratorID: "orch-1",
	})
	require.NoError(t, err)

	_, err = engine.Submit(ctx, claimed.ID, claimed.Version, "intruder", statemachine.SubmitMeta{})
	require.ErrorIs(t, err, task.ErrGuardFailed)
}

func TestSubmitStaleVersion(t *testing.T) {
	engine, db := newEngine(t, statemachine.Config{})
	ctx := context.Background()

	seedTask(t, db, "t1", nil)
	claimed, err := engine.Claim(ctx, statemachine.ClaimRequest{
		ClaimedBy: "agent-1", OrchestratorID: "orch-1",
	})
	require.NoError(t, err)

	_, err = engine.Submit(ctx, claimed.ID, claimed.Version-1, "agent-1", statemachine.SubmitMeta{})
	require.ErrorIs(t, err, task.ErrStaleVersion)
}

func TestAcceptFromWrongQueue(t *testing.T) {
	engine, db := newEngine(t, statemachine.Config{})
	ctx := context.Background()

	tk := seedTask(t, db, "t1", nil)
	_, err := engine.Accept(ctx, tk.ID, tk.Version, "reviewer")
	require.ErrorIs(t, err, task.ErrWrongState)
}

func TestRejectReturnsToIncoming(t *testing.T) {
	engine, db := newEngine(t, statemachine.Config{})
	ctx := context.Background()

	seedTask(t, db, "t1", nil)
	claimed, err := engine.Claim(ctx, statemachine.ClaimRequest{
		ClaimedBy: "agent-1", OrchestratorID: "orch-1",
	})
	require.NoError(t, err)
	submitted, err := engine.Submit(ctx, claimed.ID, claimed.Version, "agent-1", statemachine.SubmitMeta{})
	require.NoError(t, err)

	rejected, err := engine.Reject(ctx, submitted.ID, submitted.Version, "reviewer", "needs work")
	require.NoError(t, err)
	require.Equal(t, task.QueueIncoming, rejected.Queue)
	require.Equal(t, 1, rejected.RejectionCount)
	require.Equal(t, "reviewer", rejected.RejectedBy)
}

func TestRejectEscalatesToFailedOnBudget(t *testing.T) {
	engine, db := newEngine(t, statemachine.Config{RejectionBudget: 2})
	ctx := context.Background()

	seedTask(t, db, "t1", nil)

	var current *task.Task
	for i := 0; i < 2; i++ {
		claimed, err := engine.Claim(ctx, statemachine.ClaimRequest{
			ClaimedBy: "agent-1", OrchestratorID: "orch-1",
		})
		require.NoError(t, err)
		submitted, err := engine.Submit(ctx, claimed.ID, claimed.Version, "agent-1", statemachine.SubmitMeta{})
		require.NoError(t, err)
		current, err = engine.Reject(ctx, submitted.ID, submitted.Version, "reviewer", "no")
		require.NoError(t, err)
	}

	require.Equal(t, task.QueueFailed, current.Queue)
	require.Equal(t, 2, current.RejectionCount)
	require.NotEmpty(t, current.FailureReason)
}

func TestFailRecordsReason(t *testing.T) {
	engine, db := newEngine(t, statemachine.Config{})
	ctx := context.Background()

	seedTask(t, db, "t1", nil)
	claimed, err := engine.Claim(ctx, statemachine.ClaimRequest{
		ClaimedBy: "agent-1", OrchestratorID: "orch-1",
	})
	require.NoError(t, err)

	failed, err := engine.Fail(ctx, claimed.ID, claimed.Version, "agent-1", "tests never passed")
	require.NoError(t, err)
	require.Equal(t, task.QueueFailed, failed.Queue)
	require.Equal(t, "tests never passed", failed.FailureReason)
	require.False(t, failed.HasLease())
}

func TestRequeueClearsLease(t *testing.T) {
	engine, db := newEngine(t, statemachine.Config{})
	ctx := context.Background()

	seedTask(t, db, "t1", nil)
	claimed, err := engine.Claim(ctx, statemachine.ClaimRequest{
		ClaimedBy: "agent-1", OrchestratorID: "orch-1",
	})
	require.NoError(t, err)

	requeued, err := engine.Requeue(ctx, claimed.ID, claimed.Version, "orch-1", "spawn failed")
	require.NoError(t, err)
	require.Equal(t, task.QueueIncoming, requeued.Queue)
	require.False(t, requeued.HasLease())
}

func TestExpireReturnsTaskToIncoming(t *testing.T) {
	engine, db := newEngine(t, statemachine.Config{LeaseWindow: time.Millisecond})
	ctx := context.Background()

	seedTask(t, db, "t1", nil)
	claimed, err := engine.Claim(ctx, statemachine.ClaimRequest{
		ClaimedBy: "agent-1", OrchestratorID: "orch-1",
	})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	expired, err := engine.Expire(ctx, claimed, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, expired)

	got, err := db.Tasks().Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, task.QueueIncoming, got.Queue)
	require.False(t, got.HasLease())
}

func TestExpireLiveLeaseIsNoOp(t *testing.T) {
	engine, db := newEngine(t, statemachine.Config{LeaseWindow: time.Hour})
	ctx := context.Background()

	seedTask(t, db, "t1", nil)
	claimed, err := engine.Claim(ctx, statemachine.ClaimRequest{
		ClaimedBy: "agent-1", OrchestratorID: "orch-1",
	})
	require.NoError(t, err)

	expired, err := engine.Expire(ctx, claimed, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, expired)

	got, err := db.Tasks().Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, task.QueueClaimed, got.Queue)
}

// Lease fields and queue membership must stay coupled through any legal
// transition sequence, and the version must strictly increase on every
// applied write.
func TestRapidLifecycleInvariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		engine, db := newEngine(t, statemachine.Config{})
		ctx := context.Background()

		seedTask(t, db, "t1", nil)
		lastVersion := int64(1)

		steps := rapid.IntRange(1, 12).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			current, err := db.Tasks().Get(ctx, "t1")
			require.NoError(rt, err)

			switch current.Queue {
			case task.QueueIncoming:
				_, err = engine.Claim(ctx, statemachine.ClaimRequest{
					ClaimedBy: "agent-1", OrchestratorID: "orch-1",
				})
			case task.QueueClaimed:
				if rapid.Bool().Draw(rt, "submit") {
					_, err = engine.Submit(ctx, current.ID, current.Version, "agent-1", statemachine.SubmitMeta{})
				} else {
					_, err = engine.Requeue(ctx, current.ID, current.Version, "orch-1", "")
				}
			case task.QueueProvisional:
				if rapid.Bool().Draw(rt, "accept") {
					_, err = engine.Accept(ctx, current.ID, current.Version, "reviewer")
				} else {
					_, err = engine.Reject(ctx, current.ID, current.Version, "reviewer", "again")
				}
			default:
				// done or failed: terminal.
				return
			}
			require.NoError(rt, err)

			after, err := db.Tasks().Get(ctx, "t1")
			require.NoError(rt, err)
			require.Greater(rt, after.Version, lastVersion)
			lastVersion = after.Version
			require.Equal(rt, after.Queue == task.QueueClaimed, after.HasLease())
		}
	})
}
