package spawn

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maxthelion/octopoid/internal/paths"
	"github.com/maxthelion/octopoid/internal/task"
)

func testLayout(t *testing.T) paths.Layout {
	t.Helper()
	return paths.ResolveRoot(t.TempDir())
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	require.Equal(t, StrategyImplementer, s)

	s, err = ParseStrategy("lightweight")
	require.NoError(t, err)
	require.Equal(t, StrategyLightweight, s)

	_, err = ParseStrategy("container")
	require.ErrorContains(t, err, "unknown spawn strategy")
}

func TestReadResultMissingFile(t *testing.T) {
	_, err := ReadResult(testLayout(t), "T1")
	require.ErrorIs(t, err, ErrNoResult)
}

func TestReadResultRoundTrip(t *testing.T) {
	lay := testLayout(t)
	path := lay.ResultFile("T1")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(`{"outcome":"done","commits_count":3,"turns_used":12}`), 0644))

	result, err := ReadResult(lay, "T1")
	require.NoError(t, err)
	require.Equal(t, task.OutcomeDone, result.Outcome)
	require.Equal(t, 3, result.CommitsCount)
	require.Equal(t, 12, result.TurnsUsed)

	require.NoError(t, DeleteStaleResult(lay, "T1"))
	_, err = ReadResult(lay, "T1")
	require.ErrorIs(t, err, ErrNoResult)
}

func TestReadResultRejectsMissingOutcome(t *testing.T) {
	lay := testLayout(t)
	path := lay.ResultFile("T1")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(`{"reason":"no outcome set"}`), 0644))

	_, err := ReadResult(lay, "T1")
	require.ErrorContains(t, err, "no outcome")
}

func TestReadResultRejectsMalformedJSON(t *testing.T) {
	lay := testLayout(t)
	path := lay.ResultFile("T1")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	_, err := ReadResult(lay, "T1")
	require.ErrorContains(t, err, "malformed result file")
}

func TestDeleteStaleResultMissingIsNoOp(t *testing.T) {
	require.NoError(t, DeleteStaleResult(testLayout(t), "T1"))
}

func TestSynthesizeFailure(t *testing.T) {
	result := SynthesizeFailure("")
	require.Equal(t, task.OutcomeFailed, result.Outcome)
	require.Contains(t, result.Reason, "without writing a result")

	result = SynthesizeFailure("zombie for 20m")
	require.Equal(t, "zombie for 20m", result.Reason)
}

func TestRenderPrompt(t *testing.T) {
	lay := testLayout(t)
	s := New(lay, nil, "/repo", "http://localhost:4600", "default-host1")

	req := Request{
		Task: &task.Task{
			ID:     "T1",
			Title:  "add retries",
			Role:   "implement",
			Branch: "agent/T1",
			Notes:  "see issue 42",
		},
		BaseBranch:     "main",
		PromptTemplate: "Task {{task_id}}: {{title}} ({{role}})\nbranch {{branch}} off {{base_branch}}\n{{notes}}\nwrite {{result_file}}",
	}
	rendered := s.renderPrompt(req)
	require.Contains(t, rendered, "Task T1: add retries (implement)")
	require.Contains(t, rendered, "branch agent/T1 off main")
	require.Contains(t, rendered, "see issue 42")
	require.Contains(t, rendered, lay.ResultFile("T1"))
	require.NotContains(t, rendered, "{{")
}

func TestRenderPromptWithoutTask(t *testing.T) {
	s := New(testLayout(t), nil, "/repo", "http://localhost:4600", "default-host1")

	rendered := s.renderPrompt(Request{PromptTemplate: "id={{task_id}} result={{result_file}}"})
	require.Equal(t, "id= result=", rendered)
}

func TestBuildEnv(t *testing.T) {
	lay := testLayout(t)
	s := New(lay, nil, "/repo", "http://localhost:4600", "default-host1")

	req := Request{
		Task:     &task.Task{ID: "T1", Version: 4, Role: "implement"},
		Instance: "implementer-ab12",
		Env:      map[string]string{"EXTRA": "1"},
	}
	env := s.buildEnv(req, "/work")
	require.Contains(t, env, "TASK_ID=T1")
	require.Contains(t, env, "TASK_VERSION=4")
	require.Contains(t, env, "AGENT_NAME=implementer-ab12")
	require.Contains(t, env, "AGENT_ROLE=implement")
	require.Contains(t, env, "ORCHESTRATOR_ID=default-host1")
	require.Contains(t, env, "SERVER_URL=http://localhost:4600")
	require.Contains(t, env, "WORKTREE=/work")
	require.Contains(t, env, "RESULT_FILE="+lay.ResultFile("T1"))
	require.Contains(t, env, "EXTRA=1")
}

func TestBuildEnvWithoutTaskUsesBlueprintRole(t *testing.T) {
	s := New(testLayout(t), nil, "/repo", "http://localhost:4600", "default-host1")

	env := s.buildEnv(Request{Role: "watcher", Instance: "watcher-1"}, "/repo")
	require.Contains(t, env, "AGENT_ROLE=watcher")
	for _, kv := range env {
		require.NotContains(t, kv, "TASK_ID=")
	}
}

func TestSpawnLightweightRunsInRepoRoot(t *testing.T) {
	lay := testLayout(t)
	repoRoot := t.TempDir()
	s := New(lay, nil, repoRoot, "http://localhost:4600", "default-host1")

	proc, err := s.Spawn(context.Background(), Request{
		Blueprint:      "watcher",
		Role:           "watch",
		Instance:       "watcher-1",
		Strategy:       StrategyLightweight,
		Command:        []string{"true"},
		PromptTemplate: "observe",
	})
	require.NoError(t, err)
	require.Equal(t, repoRoot, proc.WorkDir)
	require.Greater(t, proc.PID, 0)

	runDir := filepath.Join(lay.BlueprintRuntimeDir("watcher"), "run")
	prompt, err := os.ReadFile(filepath.Join(runDir, "prompt.md"))
	require.NoError(t, err)
	require.Equal(t, "observe", string(prompt))
	require.FileExists(t, filepath.Join(runDir, "stdout.log"))
	require.FileExists(t, filepath.Join(runDir, "stderr.log"))
}

func TestSpawnAppendsPromptPathToCommand(t *testing.T) {
	lay := testLayout(t)
	repoRoot := t.TempDir()
	s := New(lay, nil, repoRoot, "http://localhost:4600", "default-host1")

	proc, err := s.Spawn(context.Background(), Request{
		Blueprint:      "echoer",
		Instance:       "echoer-1",
		Strategy:       StrategyLightweight,
		Command:        []string{"cat"},
		PromptTemplate: "prompt body",
	})
	require.NoError(t, err)

	// cat received the prompt path as its argument; wait for it to exit
	// and check the captured stdout.
	runDir := filepath.Join(lay.BlueprintRuntimeDir("echoer"), "run")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(runDir, "stdout.log"))
		return err == nil && string(data) == "prompt body"
	}, 5*time.Second, 50*time.Millisecond)
	require.Greater(t, proc.PID, 0)
}

func TestSpawnImplementerRequiresTask(t *testing.T) {
	s := New(testLayout(t), nil, t.TempDir(), "http://localhost:4600", "default-host1")

	_, err := s.Spawn(context.Background(), Request{
		Blueprint: "implementer",
		Instance:  "implementer-1",
		Strategy:  StrategyImplementer,
		Command:   []string{"true"},
	})
	require.ErrorContains(t, err, "requires a claimed task")
}

func TestSpawnRequiresCommand(t *testing.T) {
	s := New(testLayout(t), nil, t.TempDir(), "http://localhost:4600", "default-host1")

	_, err := s.Spawn(context.Background(), Request{
		Blueprint: "watcher",
		Instance:  "watcher-1",
		Strategy:  StrategyLightweight,
	})
	require.ErrorContains(t, err, "no command")
}

func TestSpawnCopiesScripts(t *testing.T) {
	lay := testLayout(t)
	scripts := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(scripts, "setup.sh"), []byte("#!/bin/sh\n"), 0755))

	s := New(lay, nil, t.TempDir(), "http://localhost:4600", "default-host1")
	_, err := s.Spawn(context.Background(), Request{
		Blueprint:  "watcher",
		Instance:   "watcher-1",
		Strategy:   StrategyLightweight,
		Command:    []string{"true"},
		ScriptsDir: scripts,
	})
	require.NoError(t, err)

	copied := filepath.Join(lay.BlueprintRuntimeDir("watcher"), "run", "scripts", "setup.sh")
	info, err := os.Stat(copied)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestSpawnRemovesStaleResult(t *testing.T) {
	lay := testLayout(t)
	stale := lay.ResultFile("T1")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, []byte(`{"outcome":"done"}`), 0644))

	repoRoot := t.TempDir()
	s := New(lay, nil, repoRoot, "http://localhost:4600", "default-host1")

	// Lightweight keeps the repo root, so no worktree is needed even with
	// a task attached.
	_, err := s.Spawn(context.Background(), Request{
		Task:      &task.Task{ID: "T1", Version: 2},
		Blueprint: "implementer",
		Instance:  "implementer-1",
		Strategy:  StrategyLightweight,
		Command:   []string{"true"},
	})
	require.NoError(t, err)
	require.NoFileExists(t, stale)
}
