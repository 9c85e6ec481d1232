package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Git-specific errors for worktree operations.
var (
	// ErrPathAlreadyExists indicates the worktree path already exists.
	ErrPathAlreadyExists = errors.New("worktree path already exists")

	// ErrWorktreeLocked indicates the worktree is locked.
	ErrWorktreeLocked = errors.New("worktree is locked")

	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrUnknownRef indicates the ref does not resolve.
	ErrUnknownRef = errors.New("unknown ref")
)

// Compile-time check that RealExecutor implements Executor.
var _ Executor = (*RealExecutor)(nil)

// RealExecutor implements Executor by executing actual git commands.
type RealExecutor struct {
	workDir string
}

// NewRealExecutor creates a RealExecutor rooted at workDir. Worktree
// management runs there; per-worktree operations pass their own dir.
func NewRealExecutor(workDir string) *RealExecutor {
	return &RealExecutor{workDir: workDir}
}

// runGit executes a git command and returns an error if it fails.
func (e *RealExecutor) runGit(ctx context.Context, dir string, args ...string) error {
	_, err := e.runGitOutput(ctx, dir, args...)
	return err
}

// runGitOutput executes a git command in dir (the executor's root when
// empty) and returns stdout and any error.
func (e *RealExecutor) runGitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir == "" {
		dir = e.workDir
	}
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", parseGitError(stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	stderrLower := strings.ToLower(stderr)

	// Path already exists: fatal: '<path>' already exists
	if strings.Contains(stderrLower, "already exists") {
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	}

	// Locked worktree: fatal: '<path>' is locked
	if strings.Contains(stderrLower, "is locked") {
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, stderr)
	}

	if strings.Contains(stderrLower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	}

	// rev-parse says "unknown revision", worktree add says "invalid
	// reference".
	if strings.Contains(stderrLower, "unknown revision") ||
		strings.Contains(stderrLower, "bad revision") ||
		strings.Contains(stderrLower, "invalid reference") {
		return fmt.Errorf("%w: %s", ErrUnknownRef, stderr)
	}

	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

func (e *RealExecutor) AddWorktreeDetached(ctx context.Context, path, ref string) error {
	return e.runGit(ctx, "", "worktree", "add", "--detach", path, ref)
}

func (e *RealExecutor) RemoveWorktree(ctx context.Context, path string) error {
	return e.runGit(ctx, "", "worktree", "remove", "--force", path)
}

func (e *RealExecutor) PruneWorktrees(ctx context.Context) error {
	return e.runGit(ctx, "", "worktree", "prune")
}

// PushHead pushes from inside the worktree so detached HEADs land on the
// named remote branch.
func (e *RealExecutor) PushHead(ctx context.Context, workDir, remote, branch string) error {
	return e.runGit(ctx, workDir, "push", remote, "HEAD:refs/heads/"+branch)
}

func (e *RealExecutor) CommitCount(ctx context.Context, workDir, base string) (int, error) {
	output, err := e.runGitOutput(ctx, workDir, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(output)
	if err != nil {
		return 0, fmt.Errorf("failed to parse rev-list count %q: %w", output, err)
	}
	return n, nil
}
