package flow

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/maxthelion/octopoid/internal/git"
	"github.com/maxthelion/octopoid/internal/log"
	"github.com/maxthelion/octopoid/internal/sdk"
	"github.com/maxthelion/octopoid/internal/task"
)

// Built-in step names.
const (
	StepPushBranch        = "push_branch"
	StepRunTests          = "run_tests"
	StepCreatePR          = "create_pr"
	StepMergePR           = "merge_pr"
	StepPostReviewComment = "post_review_comment"
	StepRecordProgress    = "record_progress"
)

// StepContext is everything a step handler may touch.
type StepContext struct {
	Task       *task.Task
	Worktree   string
	Branch     string
	BaseBranch string
	Actor      string
	Repo       git.Executor
	Host       git.HostCLI
	Client     *sdk.Client
	// TestCommand is the command run_tests executes; empty skips the step.
	TestCommand string
	// Timeout bounds external commands a step runs.
	Timeout time.Duration
}

// StepResult is what a step reports back for the audit log.
type StepResult struct {
	Detail string
}

// StepFunc is one step handler.
type StepFunc func(ctx context.Context, sc *StepContext) (StepResult, error)

// Registry maps step names to handlers. The zero value is unusable; use
// NewRegistry, which installs the built-ins.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]StepFunc
}

// NewRegistry returns a Registry with every built-in step installed.
func NewRegistry() *Registry {
	r := &Registry{steps: make(map[string]StepFunc)}
	r.Register(StepPushBranch, pushBranch)
	r.Register(StepRunTests, runTests)
	r.Register(StepCreatePR, createPR)
	r.Register(StepMergePR, mergePR)
	r.Register(StepPostReviewComment, postReviewComment)
	r.Register(StepRecordProgress, recordProgress)
	return r
}

// Register installs or replaces a step handler.
func (r *Registry) Register(name string, fn StepFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[name] = fn
}

// Get returns a handler by name.
func (r *Registry) Get(name string) (StepFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.steps[name]
	return fn, ok
}

// Run executes a transition's runs list in order, stopping at the first
// failure. Step outcomes are recorded to the task's history via the SDK.
func (r *Registry) Run(ctx context.Context, names []string, sc *StepContext) error {
	for _, name := range names {
		fn, ok := r.Get(name)
		if !ok {
			return fmt.Errorf("unknown step %q", name)
		}
		result, err := fn(ctx, sc)
		if err != nil {
			return fmt.Errorf("step %s: %w", name, err)
		}
		log.Info().
			Str("task_id", sc.Task.ID).
			Str("step", name).
			Str("detail", result.Detail).
			Msg("flow step completed")
		if sc.Client != nil {
			_, msgErr := sc.Client.PostMessage(ctx, sc.Task.ID, sdk.MessageRequest{
				FromActor: sc.Actor,
				Type:      task.MessageFeedback,
				Content:   fmt.Sprintf(`{"step":%q,"detail":%q}`, name, result.Detail),
			})
			if msgErr != nil {
				log.Warn().Err(msgErr).Str("task_id", sc.Task.ID).Str("step", name).Msg("failed to record step message")
			}
		}
	}
	return nil
}

// pushBranch publishes the worktree's HEAD as the task branch. Implementer
// worktrees are detached, so the branch exists only once this runs.
func pushBranch(ctx context.Context, sc *StepContext) (StepResult, error) {
	if sc.Branch == "" {
		return StepResult{}, fmt.Errorf("no branch to push")
	}
	if sc.Worktree == "" {
		return StepResult{}, fmt.Errorf("no worktree to push from")
	}
	if err := sc.Repo.PushHead(ctx, sc.Worktree, "origin", sc.Branch); err != nil {
		return StepResult{}, err
	}
	return StepResult{Detail: "pushed " + sc.Branch}, nil
}

// runTests runs the configured test command in the worktree. No command
// configured means the deployment opted out; the step passes.
func runTests(ctx context.Context, sc *StepContext) (StepResult, error) {
	if sc.TestCommand == "" {
		return StepResult{Detail: "no test command configured"}, nil
	}
	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", sc.TestCommand)
	cmd.Dir = sc.Worktree
	output, err := cmd.CombinedOutput()
	if err != nil {
		return StepResult{}, fmt.Errorf("tests failed: %v: %s", err, truncate(string(output), 1000))
	}
	return StepResult{Detail: "tests passed"}, nil
}

func createPR(ctx context.Context, sc *StepContext) (StepResult, error) {
	base := sc.BaseBranch
	if base == "" {
		base = "main"
	}
	url, err := sc.Host.CreatePR(ctx, sc.Worktree, sc.Branch, base, sc.Task.Title,
		fmt.Sprintf("Task %s: %s", sc.Task.ID, sc.Task.Title))
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Detail: url}, nil
}

func mergePR(ctx context.Context, sc *StepContext) (StepResult, error) {
	if err := sc.Host.MergePR(ctx, sc.Worktree, sc.Branch); err != nil {
		return StepResult{}, err
	}
	return StepResult{Detail: "merged " + sc.Branch}, nil
}

func postReviewComment(ctx context.Context, sc *StepContext) (StepResult, error) {
	body := sc.Task.Notes
	if body == "" {
		body = "Reviewed by " + sc.Actor
	}
	if err := sc.Host.PostComment(ctx, sc.Worktree, sc.Branch, body); err != nil {
		return StepResult{}, err
	}
	return StepResult{Detail: "comment posted"}, nil
}

// recordProgress reports how far the worktree's HEAD is ahead of its base.
func recordProgress(ctx context.Context, sc *StepContext) (StepResult, error) {
	base := sc.BaseBranch
	if base == "" {
		base = "main"
	}
	count, err := sc.Repo.CommitCount(ctx, sc.Worktree, base)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Detail: fmt.Sprintf("%d commits ahead of %s", count, base)}, nil
}
