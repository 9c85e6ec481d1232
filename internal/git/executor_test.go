package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func gitOrSkip(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func runGitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

// newTestRepo creates a local checkout with one commit on main and a bare
// origin remote.
func newTestRepo(t *testing.T) (repoRoot, origin string) {
	t.Helper()
	origin = t.TempDir()
	runGitCmd(t, origin, "init", "--bare", "--initial-branch=main", ".")

	repoRoot = t.TempDir()
	runGitCmd(t, repoRoot, "init", "--initial-branch=main", ".")
	runGitCmd(t, repoRoot, "remote", "add", "origin", origin)
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "README.md"), []byte("hello\n"), 0644))
	runGitCmd(t, repoRoot, "add", ".")
	runGitCmd(t, repoRoot, "commit", "-m", "initial")
	runGitCmd(t, repoRoot, "push", "origin", "main")
	return repoRoot, origin
}

func TestPushHeadPublishesDetachedWorktree(t *testing.T) {
	gitOrSkip(t)
	repoRoot, origin := newTestRepo(t)
	e := NewRealExecutor(repoRoot)
	ctx := context.Background()

	worktree := filepath.Join(t.TempDir(), "worktree")
	require.NoError(t, e.AddWorktreeDetached(ctx, worktree, "main"))

	// Commit on the detached HEAD; no local branch exists anywhere for
	// this work.
	require.NoError(t, os.WriteFile(filepath.Join(worktree, "change.txt"), []byte("work\n"), 0644))
	runGitCmd(t, worktree, "add", ".")
	runGitCmd(t, worktree, "commit", "-m", "agent work")

	require.NoError(t, e.PushHead(ctx, worktree, "origin", "agent/T1"))

	branches := runGitCmd(t, origin, "branch", "--list", "agent/T1")
	require.Contains(t, branches, "agent/T1")

	count, err := e.CommitCount(ctx, worktree, "main")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestAddWorktreeDetachedErrors(t *testing.T) {
	gitOrSkip(t)
	repoRoot, _ := newTestRepo(t)
	e := NewRealExecutor(repoRoot)
	ctx := context.Background()

	worktree := filepath.Join(t.TempDir(), "worktree")
	require.NoError(t, e.AddWorktreeDetached(ctx, worktree, "main"))
	require.ErrorIs(t, e.AddWorktreeDetached(ctx, worktree, "main"), ErrPathAlreadyExists)

	other := filepath.Join(t.TempDir(), "other")
	require.ErrorIs(t, e.AddWorktreeDetached(ctx, other, "no-such-ref"), ErrUnknownRef)
}

func TestRemoveAndPruneWorktrees(t *testing.T) {
	gitOrSkip(t)
	repoRoot, _ := newTestRepo(t)
	e := NewRealExecutor(repoRoot)
	ctx := context.Background()

	worktree := filepath.Join(t.TempDir(), "worktree")
	require.NoError(t, e.AddWorktreeDetached(ctx, worktree, "main"))
	require.NoError(t, e.RemoveWorktree(ctx, worktree))
	require.NoDirExists(t, worktree)
	require.NoError(t, e.PruneWorktrees(ctx))

	// The path is reusable after removal.
	require.NoError(t, e.AddWorktreeDetached(ctx, worktree, "main"))
}

func TestCommitCountAtBaseIsZero(t *testing.T) {
	gitOrSkip(t)
	repoRoot, _ := newTestRepo(t)
	e := NewRealExecutor(repoRoot)

	count, err := e.CommitCount(context.Background(), repoRoot, "main")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
