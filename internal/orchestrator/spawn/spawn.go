// Package spawn starts agent subprocesses for claimed tasks: it prepares
// the task runtime directory and worktree, renders the prompt, and
// detaches the process so it survives the scheduler exiting.
package spawn

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/maxthelion/octopoid/internal/git"
	"github.com/maxthelion/octopoid/internal/log"
	"github.com/maxthelion/octopoid/internal/paths"
	"github.com/maxthelion/octopoid/internal/task"
)

// Strategy selects how much isolation a spawned agent gets.
type Strategy string

const (
	// StrategyImplementer gives the agent its own detached worktree at a
	// task-specific path.
	StrategyImplementer Strategy = "implementer"
	// StrategyLightweight runs the agent in the repo root with no
	// worktree. For read-only roles.
	StrategyLightweight Strategy = "lightweight"
	// StrategyWorktree runs the agent in a shared per-blueprint worktree.
	StrategyWorktree Strategy = "worktree"
)

// ParseStrategy validates a strategy name, defaulting to implementer.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyImplementer, StrategyLightweight, StrategyWorktree:
		return Strategy(s), nil
	case "":
		return StrategyImplementer, nil
	}
	return "", fmt.Errorf("unknown spawn strategy %q", s)
}

// Request describes one spawn. Task is nil for lightweight blueprints
// that run without a claim.
type Request struct {
	Task      *task.Task
	Blueprint string
	Role      string
	Instance  string
	Strategy  Strategy
	// Command is the agent argv; the rendered prompt path is appended.
	Command []string
	// PromptTemplate is the raw prompt with {{placeholders}}.
	PromptTemplate string
	// ScriptsDir, when set, is copied into the task runtime dir.
	ScriptsDir string
	// BaseBranch is the ref task worktrees start from.
	BaseBranch string
	// Extra environment on top of the standard block.
	Env map[string]string
}

// Process is a started agent.
type Process struct {
	PID      int
	Instance string
	// WorkDir is where the agent runs: worktree, shared worktree, or
	// repo root.
	WorkDir string
}

// Spawner starts agents under one project checkout.
type Spawner struct {
	layout         paths.Layout
	repo           git.Executor
	repoRoot       string
	serverURL      string
	orchestratorID string
}

// New creates a Spawner.
func New(layout paths.Layout, repo git.Executor, repoRoot, serverURL, orchestratorID string) *Spawner {
	return &Spawner{
		layout:         layout,
		repo:           repo,
		repoRoot:       repoRoot,
		serverURL:      serverURL,
		orchestratorID: orchestratorID,
	}
}

// Spawn prepares and starts one agent. On any error nothing keeps
// running; the caller compensates for the claim.
func (s *Spawner) Spawn(ctx context.Context, req Request) (*Process, error) {
	runtimeDir := s.runtimeDir(req)
	if err := os.MkdirAll(runtimeDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create task runtime dir: %w", err)
	}

	if req.Task != nil {
		// A result file from a previous attempt would be collected as if
		// this attempt produced it. Remove it before the process starts.
		if err := DeleteStaleResult(s.layout, req.Task.ID); err != nil {
			return nil, err
		}
	}

	workDir, err := s.prepareWorkDir(ctx, req)
	if err != nil {
		return nil, err
	}

	promptPath := filepath.Join(runtimeDir, "prompt.md")
	if err := os.WriteFile(promptPath, []byte(s.renderPrompt(req)), 0644); err != nil {
		return nil, fmt.Errorf("failed to write prompt: %w", err)
	}

	if req.ScriptsDir != "" {
		if err := copyDir(req.ScriptsDir, filepath.Join(runtimeDir, "scripts")); err != nil {
			return nil, fmt.Errorf("failed to copy scripts: %w", err)
		}
	}

	if len(req.Command) == 0 {
		return nil, fmt.Errorf("blueprint %s has no command", req.Blueprint)
	}

	stdout, err := os.Create(filepath.Join(runtimeDir, "stdout.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout log: %w", err)
	}
	stderr, err := os.Create(filepath.Join(runtimeDir, "stderr.log"))
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("failed to create stderr log: %w", err)
	}

	argv := append(append([]string{}, req.Command...), promptPath)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = s.buildEnv(req, workDir)
	// New session: the agent outlives this scheduler invocation.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}
	pid := cmd.Process.Pid

	// The files stay open in the child; release our handles and let the
	// process run unsupervised.
	_ = stdout.Close()
	_ = stderr.Close()
	_ = cmd.Process.Release()

	taskID := ""
	if req.Task != nil {
		taskID = req.Task.ID
	}
	log.Info().
		Str("task_id", taskID).
		Str("blueprint", req.Blueprint).
		Str("instance", req.Instance).
		Int("pid", pid).
		Str("work_dir", workDir).
		Msg("agent spawned")

	return &Process{PID: pid, Instance: req.Instance, WorkDir: workDir}, nil
}

// runtimeDir is task-scoped when a task is claimed, blueprint-scoped for
// task-less spawns.
func (s *Spawner) runtimeDir(req Request) string {
	if req.Task != nil {
		return s.layout.TaskRuntimeDir(req.Task.ID)
	}
	return filepath.Join(s.layout.BlueprintRuntimeDir(req.Blueprint), "run")
}

func (s *Spawner) prepareWorkDir(ctx context.Context, req Request) (string, error) {
	switch req.Strategy {
	case StrategyLightweight:
		return s.repoRoot, nil

	case StrategyWorktree:
		shared := filepath.Join(s.layout.BlueprintRuntimeDir(req.Blueprint), "worktree")
		if _, err := os.Stat(shared); err == nil {
			return shared, nil
		}
		ref := req.BaseBranch
		if ref == "" {
			ref = "HEAD"
		}
		if err := s.repo.AddWorktreeDetached(ctx, shared, ref); err != nil {
			return "", fmt.Errorf("failed to create shared worktree: %w", err)
		}
		return shared, nil

	default: // StrategyImplementer
		if req.Task == nil {
			return "", fmt.Errorf("implementer strategy requires a claimed task")
		}
		worktree := s.layout.TaskWorktree(req.Task.ID)
		if _, err := os.Stat(worktree); err == nil {
			// Left over from a previous attempt; reuse as-is.
			return worktree, nil
		}
		ref := req.Task.Branch
		if ref == "" {
			ref = req.BaseBranch
		}
		if ref == "" {
			ref = "HEAD"
		}
		if err := s.repo.AddWorktreeDetached(ctx, worktree, ref); err != nil {
			return "", fmt.Errorf("failed to create task worktree: %w", err)
		}
		return worktree, nil
	}
}

// buildEnv assembles the standard agent environment block.
func (s *Spawner) buildEnv(req Request, workDir string) []string {
	role := req.Role
	env := os.Environ()
	if req.Task != nil {
		if req.Task.Role != "" {
			role = req.Task.Role
		}
		env = append(env,
			"TASK_ID="+req.Task.ID,
			"TASK_VERSION="+fmt.Sprintf("%d", req.Task.Version),
			"RESULT_FILE="+s.layout.ResultFile(req.Task.ID),
		)
	}
	env = append(env,
		"AGENT_NAME="+req.Instance,
		"AGENT_ROLE="+role,
		"ORCHESTRATOR_ID="+s.orchestratorID,
		"SERVER_URL="+s.serverURL,
		"WORKTREE="+workDir,
	)
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// renderPrompt substitutes {{placeholder}} tokens from the task.
func (s *Spawner) renderPrompt(req Request) string {
	t := req.Task
	if t == nil {
		t = &task.Task{}
	}
	resultFile := ""
	if t.ID != "" {
		resultFile = s.layout.ResultFile(t.ID)
	}
	replacer := strings.NewReplacer(
		"{{task_id}}", t.ID,
		"{{title}}", t.Title,
		"{{role}}", t.Role,
		"{{branch}}", t.Branch,
		"{{base_branch}}", req.BaseBranch,
		"{{notes}}", t.Notes,
		"{{result_file}}", resultFile,
	)
	return replacer.Replace(req.PromptTemplate)
}

// CleanupWorktree removes a task worktree after result collection.
func (s *Spawner) CleanupWorktree(ctx context.Context, taskID string) error {
	worktree := s.layout.TaskWorktree(taskID)
	if _, err := os.Stat(worktree); err != nil {
		return nil
	}
	if err := s.repo.RemoveWorktree(ctx, worktree); err != nil {
		return err
	}
	return s.repo.PruneWorktrees(ctx)
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = in.Close() }()
		info, err := d.Info()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			_ = out.Close()
			return err
		}
		return out.Close()
	})
}
