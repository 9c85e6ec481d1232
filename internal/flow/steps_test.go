package flow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// recordingRepo captures executor calls so step tests can assert which
// directory and refs a step operated on.
type recordingRepo struct {
	pushWorkDir string
	pushRemote  string
	pushBranch  string
	countBase   string
	commits     int
}

func (r *recordingRepo) AddWorktreeDetached(context.Context, string, string) error { return nil }
func (r *recordingRepo) RemoveWorktree(context.Context, string) error              { return nil }
func (r *recordingRepo) PruneWorktrees(context.Context) error                      { return nil }

func (r *recordingRepo) PushHead(_ context.Context, workDir, remote, branch string) error {
	r.pushWorkDir = workDir
	r.pushRemote = remote
	r.pushBranch = branch
	return nil
}

func (r *recordingRepo) CommitCount(_ context.Context, _, base string) (int, error) {
	r.countBase = base
	return r.commits, nil
}

func TestPushBranchPushesWorktreeHead(t *testing.T) {
	repo := &recordingRepo{}
	sc := &StepContext{
		Worktree: "/runtime/tasks/T1/worktree",
		Branch:   "agent/T1",
		Repo:     repo,
	}

	result, err := pushBranch(context.Background(), sc)
	require.NoError(t, err)
	require.Equal(t, "pushed agent/T1", result.Detail)

	// The push runs inside the worktree: its HEAD is detached, so the
	// branch exists nowhere else.
	require.Equal(t, "/runtime/tasks/T1/worktree", repo.pushWorkDir)
	require.Equal(t, "origin", repo.pushRemote)
	require.Equal(t, "agent/T1", repo.pushBranch)
}

func TestPushBranchRequiresBranchAndWorktree(t *testing.T) {
	repo := &recordingRepo{}

	_, err := pushBranch(context.Background(), &StepContext{Worktree: "/w", Repo: repo})
	require.ErrorContains(t, err, "no branch")

	_, err = pushBranch(context.Background(), &StepContext{Branch: "agent/T1", Repo: repo})
	require.ErrorContains(t, err, "no worktree")
	require.Empty(t, repo.pushWorkDir)
}

func TestRecordProgressCountsAgainstBase(t *testing.T) {
	repo := &recordingRepo{commits: 4}
	sc := &StepContext{
		Worktree:   "/runtime/tasks/T1/worktree",
		BaseBranch: "develop",
		Repo:       repo,
	}

	result, err := recordProgress(context.Background(), sc)
	require.NoError(t, err)
	require.Equal(t, "4 commits ahead of develop", result.Detail)
	require.Equal(t, "develop", repo.countBase)
}

func TestRunTestsSkipsWithoutCommand(t *testing.T) {
	result, err := runTests(context.Background(), &StepContext{})
	require.NoError(t, err)
	require.Equal(t, "no test command configured", result.Detail)
}

func TestRunTestsReportsFailureOutput(t *testing.T) {
	_, err := runTests(context.Background(), &StepContext{
		Worktree:    t.TempDir(),
		TestCommand: "echo boom >&2; exit 1",
	})
	require.ErrorContains(t, err, "tests failed")
	require.ErrorContains(t, err, "boom")
}

func TestRegistryRunStopsAtUnknownStep(t *testing.T) {
	r := NewRegistry()
	err := r.Run(context.Background(), []string{"no_such_step"}, &StepContext{})
	require.ErrorContains(t, err, `unknown step "no_such_step"`)
}
