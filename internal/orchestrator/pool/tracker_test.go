package pool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileIsEmptyPool(t *testing.T) {
	tracker := NewTracker(filepath.Join(t.TempDir(), "running_pids.json"))
	entries, err := tracker.Load()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestAddRemoveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime", "running_pids.json")
	tracker := NewTracker(path)

	require.NoError(t, tracker.Add("implementer-a1b2", Entry{
		PID:       os.Getpid(),
		TaskID:    "T1",
		StartedAt: time.Now().UTC(),
	}))

	entries, err := tracker.Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "T1", entries["implementer-a1b2"].TaskID)

	// A fresh tracker over the same file sees the entry.
	entries, err = NewTracker(path).Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, tracker.Remove("implementer-a1b2"))
	entries, err = tracker.Load()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRemoveMissingInstanceIsNoOp(t *testing.T) {
	tracker := NewTracker(filepath.Join(t.TempDir(), "running_pids.json"))
	require.NoError(t, tracker.Remove("never-added"))
}

func TestLiveAndDeadSplitOnPid(t *testing.T) {
	tracker := NewTracker(filepath.Join(t.TempDir(), "running_pids.json"))

	require.NoError(t, tracker.Add("alive", Entry{PID: os.Getpid(), TaskID: "T1"}))
	require.NoError(t, tracker.Add("gone", Entry{PID: 999999999, TaskID: "T2"}))

	live, err := tracker.Live()
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Contains(t, live, "alive")

	dead, err := tracker.Dead()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Contains(t, dead, "gone")

	// Size counts everything: a dead entry still holds its slot until
	// result collection removes it.
	size, err := tracker.Size()
	require.NoError(t, err)
	require.Equal(t, 2, size)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "running_pids.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	_, err := NewTracker(path).Load()
	require.ErrorContains(t, err, "malformed pool file")
}
