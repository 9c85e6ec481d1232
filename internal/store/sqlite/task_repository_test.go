package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maxthelion/octopoid/internal/task"
	"github.com/maxthelion/octopoid/internal/testutil"
)

func createTask(t *testing.T, repo task.Repository, id string, mutate func(*task.Task)) *task.Task {
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
	require.NoError(t, repo.Create(context.Background(), tk))
	return tk
}

func TestTaskCreateAndGetRoundTrip(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := db.Tasks()
	ctx := context.Background()

	createTask(t, repo, "t1", func(tk *task.Task) {
		tk.Branch = "main"
		tk.Notes = "hello"
		tk.Priority = task.P1
	})

	got, err := repo.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "task t1", got.Title)
	require.Equal(t, "main", got.Branch)
	require.Equal(t, "hello", got.Notes)
	require.Equal(t, task.P1, got.Priority)
	require.Equal(t, int64(1), got.Version)
	require.False(t, got.CreatedAt.IsZero())
}

func TestTaskGetMissing(t *testing.T) {
	db := testutil.NewTestDB(t)
	_, err := db.Tasks().Get(context.Background(), "nope")
	require.ErrorIs(t, err, task.ErrNotFound)
}

func TestTransitionGuardsOnVersion(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := db.Tasks()
	ctx := context.Background()

	createTask(t, repo, "t1", nil)

	applied, newVersion, err := repo.Transition(ctx, task.TransitionWrite{
		ID:             "t1",
		FromQueues:     []string{task.QueueIncoming},
		ExpectVersion:  1,
		ToQueue:        task.QueueClaimed,
		LeaseOp:        task.LeaseAcquire,
		ClaimedBy:      "agent-1",
		OrchestratorID: "orch-1",
		LeaseExpiresAt: time.Now().Add(time.Hour).UTC(),
		Stamp:          task.Stamp{IncAttempt: true},
	})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, int64(2), newVersion)

	// Same write again: version moved on, so the guard rejects it.
	applied, _, err = repo.Transition(ctx, task.TransitionWrite{
		ID:            "t1",
		FromQueues:    []string{task.QueueIncoming},
		ExpectVersion: 1,
		ToQueue:       task.QueueClaimed,
		LeaseOp:       task.LeaseAcquire,
	})
	require.NoError(t, err)
	require.False(t, applied)
}

func TestTransitionReleasesLeaseAtomically(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := db.Tasks()
	ctx := context.Background()

	createTask(t, repo, "t1", nil)
	applied, v, err := repo.Transition(ctx, task.TransitionWrite{
		ID:             "t1",
		FromQueues:     []string{task.QueueIncoming},
		ExpectVersion:  1,
		ToQueue:        task.QueueClaimed,
		LeaseOp:        task.LeaseAcquire,
		ClaimedBy:      "agent-1",
		OrchestratorID: "orch-1",
		LeaseExpiresAt: time.Now().Add(time.Hour).UTC(),
	})
	require.NoError(t, err)
	require.True(t, applied)

	applied, _, err = repo.Transition(ctx, task.TransitionWrite{
		ID:            "t1",
		FromQueues:    []string{task.QueueClaimed},
		ExpectVersion: v,
		RequireOwner:  "agent-1",
		ToQueue:       task.QueueProvisional,
		LeaseOp:       task.LeaseRelease,
	})
	require.NoError(t, err)
	require.True(t, applied)

	got, err := repo.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, task.QueueProvisional, got.Queue)
	require.Empty(t, got.ClaimedBy)
	require.Empty(t, got.OrchestratorID)
	require.Nil(t, got.LeaseExpiresAt)
}

func TestTransitionRequireOwner(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := db.Tasks()
	ctx := context.Background()

	createTask(t, repo, "t1", nil)
	_, v, err := repo.Transition(ctx, task.TransitionWrite{
		ID:             "t1",
		FromQueues:     []string{task.QueueIncoming},
		ExpectVersion:  1,
		ToQueue:        task.QueueClaimed,
		LeaseOp:        task.LeaseAcquire,
		ClaimedBy:      "agent-1",
		OrchestratorID: "orch-1",
		LeaseExpiresAt: time.Now().Add(time.Hour).UTC(),
	})
	require.NoError(t, err)

	applied, _, err := repo.Transition(ctx, task.TransitionWrite{
		ID:            "t1",
		FromQueues:    []string{task.QueueClaimed},
		ExpectVersion: v,
		RequireOwner:  "someone-else",
		ToQueue:       task.QueueProvisional,
		LeaseOp:       task.LeaseRelease,
	})
	require.NoError(t, err)
	require.False(t, applied)
}

func TestClaimableOrderingAndExclusions(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := db.Tasks()
	ctx := context.Background()

	createTask(t, repo, "old-p2", func(tk *task.Task) { tk.Priority = task.P2 })
	createTask(t, repo, "new-p0", func(tk *task.Task) { tk.Priority = task.P0 })
	createTask(t, repo, "paused", func(tk *task.Task) { tk.Paused = true })
	createTask(t, repo, "blocked", func(tk *task.Task) { tk.BlockedBy = "old-p2" })
	createTask(t, repo, "approval", func(tk *task.Task) { tk.BlockedBy = task.BlockedByApproval })

	got, err := repo.Claimable(ctx, task.ClaimQuery{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "new-p0", got[0].ID)
	require.Equal(t, "old-p2", got[1].ID)
}

func TestClearBlockedByIsIdempotent(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := db.Tasks()
	ctx := context.Background()

	createTask(t, repo, "done-task", nil)
	createTask(t, repo, "dep1", func(tk *task.Task) { tk.BlockedBy = "done-task" })
	createTask(t, repo, "dep2", func(tk *task.Task) { tk.BlockedBy = "done-task" })

	unblocked, err := repo.ClearBlockedBy(ctx, "done-task")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"dep1", "dep2"}, unblocked)

	again, err := repo.ClearBlockedBy(ctx, "done-task")
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestExpiredLeases(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := db.Tasks()
	ctx := context.Background()

	createTask(t, repo, "expired", nil)
	createTask(t, repo, "live", nil)

	past := time.Now().Add(-time.Hour).UTC()
	future := time.Now().Add(time.Hour).UTC()
	for id, expiry := range map[string]time.Time{"expired": past, "live": future} {
		applied, _, err := repo.Transition(ctx, task.TransitionWrite{
			ID:             id,
			FromQueues:     []string{task.QueueIncoming},
			ExpectVersion:  1,
			ToQueue:        task.QueueClaimed,
			LeaseOp:        task.LeaseAcquire,
			ClaimedBy:      "agent-1",
			OrchestratorID: "orch-1",
			LeaseExpiresAt: expiry,
		})
		require.NoError(t, err)
		require.True(t, applied)
	}

	got, err := repo.ExpiredLeases(ctx, []string{task.QueueClaimed}, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "expired", got[0].ID)
}

func TestUpdateMetaStaleVersion(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := db.Tasks()
	ctx := context.Background()

	tk := createTask(t, repo, "t1", nil)
	tk.Notes = "first"
	require.NoError(t, repo.UpdateMeta(ctx, tk))

	stale := *tk
	stale.Version = 1
	stale.Notes = "second"
	require.ErrorIs(t, repo.UpdateMeta(ctx, &stale), task.ErrStaleVersion)
}

func TestCountByQueue(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := db.Tasks()
	ctx := context.Background()

	createTask(t, repo, "a", nil)
	createTask(t, repo, "b", nil)
	createTask(t, repo, "c", func(tk *task.Task) { tk.Queue = task.QueueDone })

	counts, err := repo.CountByQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[task.QueueIncoming])
	require.Equal(t, 1, counts[task.QueueDone])
}
