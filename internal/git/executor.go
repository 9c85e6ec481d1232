// Package git wraps the git and code-host CLIs behind interfaces so the
// scheduler and flow steps can be tested without a repository.
package git

import "context"

// Executor defines the interface for git operations the scheduler needs.
// This abstraction allows for easy testing with mock implementations.
type Executor interface {
	// AddWorktreeDetached creates a worktree at path, checked out detached
	// at ref. Detached worktrees never contend for a branch checkout.
	AddWorktreeDetached(ctx context.Context, path, ref string) error
	RemoveWorktree(ctx context.Context, path string) error
	PruneWorktrees(ctx context.Context) error

	// PushHead pushes workDir's HEAD to remote as branch, creating the
	// branch upstream. Detached worktrees carry no local branch, so the
	// refspec names the remote branch explicitly.
	PushHead(ctx context.Context, workDir, remote, branch string) error

	// CommitCount counts commits reachable from workDir's HEAD that base
	// does not have.
	CommitCount(ctx context.Context, workDir, base string) (int, error)
}

// HostCLI defines the code-host operations flow steps shell out for.
// The default implementation drives the gh binary.
type HostCLI interface {
	CreatePR(ctx context.Context, workDir, branch, base, title, body string) (string, error)
	MergePR(ctx context.Context, workDir, branch string) error
	PostComment(ctx context.Context, workDir, branch, body string) error
}
