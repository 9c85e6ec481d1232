package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maxthelion/octopoid/internal/task"
)

type fakeMailbox struct {
	messages map[string][]*task.Message
}

func (f *fakeMailbox) ListMessages(_ context.Context, taskID, msgType string) ([]*task.Message, error) {
	var out []*task.Message
	for _, m := range f.messages[taskID] {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out, nil
}

func reviewDecision(taskID, content string) *task.Message {
	return &task.Message{TaskID: taskID, FromActor: "reviewer-1", Type: task.MessageReviewDecision, Content: content}
}

func testTask() *task.Task {
	return &task.Task{ID: "T1", Queue: task.QueueProvisional, Branch: "agent/T1"}
}

func TestEvaluateAgentBlocksWithoutDecision(t *testing.T) {
	engine := NewEngine(&fakeMailbox{}, nil, time.Minute, "")
	def, err := Default()
	require.NoError(t, err)
	tr := def.FindTransition(task.QueueProvisional, task.QueueDone)

	verdict, err := engine.Evaluate(context.Background(), def, tr, testTask())
	require.NoError(t, err)
	require.Equal(t, Block, verdict.Kind)
	require.Contains(t, verdict.Reason, "awaiting review decision")
}

func TestEvaluateAgentApproveAdvances(t *testing.T) {
	mbox := &fakeMailbox{messages: map[string][]*task.Message{
		"T1": {reviewDecision("T1", `{"decision":"approve"}`)},
	}}
	engine := NewEngine(mbox, nil, time.Minute, "")
	def, err := Default()
	require.NoError(t, err)
	tr := def.FindTransition(task.QueueProvisional, task.QueueDone)

	verdict, err := engine.Evaluate(context.Background(), def, tr, testTask())
	require.NoError(t, err)
	require.Equal(t, Advance, verdict.Kind)
}

func TestEvaluateAgentRejectRoutesToOnFail(t *testing.T) {
	mbox := &fakeMailbox{messages: map[string][]*task.Message{
		"T1": {reviewDecision("T1", `{"decision":"reject","comment":"tests missing"}`)},
	}}
	engine := NewEngine(mbox, nil, time.Minute, "")
	def, err := Default()
	require.NoError(t, err)
	tr := def.FindTransition(task.QueueProvisional, task.QueueDone)

	verdict, err := engine.Evaluate(context.Background(), def, tr, testTask())
	require.NoError(t, err)
	require.Equal(t, FailTo, verdict.Kind)
	require.Equal(t, task.QueueIncoming, verdict.State)
	require.Contains(t, verdict.Reason, "tests missing")
}

func TestEvaluateAgentUsesLatestDecision(t *testing.T) {
	mbox := &fakeMailbox{messages: map[string][]*task.Message{
		"T1": {
			reviewDecision("T1", `{"decision":"reject"}`),
			reviewDecision("T1", `{"decision":"approve"}`),
		},
	}}
	engine := NewEngine(mbox, nil, time.Minute, "")
	def, err := Default()
	require.NoError(t, err)
	tr := def.FindTransition(task.QueueProvisional, task.QueueDone)

	verdict, err := engine.Evaluate(context.Background(), def, tr, testTask())
	require.NoError(t, err)
	require.Equal(t, Advance, verdict.Kind)
}

func TestEvaluateAgentMalformedDecisionErrors(t *testing.T) {
	mbox := &fakeMailbox{messages: map[string][]*task.Message{
		"T1": {reviewDecision("T1", "not json")},
	}}
	engine := NewEngine(mbox, nil, time.Minute, "")
	def, err := Default()
	require.NoError(t, err)
	tr := def.FindTransition(task.QueueProvisional, task.QueueDone)

	_, err = engine.Evaluate(context.Background(), def, tr, testTask())
	require.Error(t, err)
}

func TestEvaluateScriptExitCodes(t *testing.T) {
	engine := NewEngine(&fakeMailbox{}, nil, time.Minute, t.TempDir())

	pass := &Condition{Type: ConditionScript, Run: "true"}
	verdict, err := engine.evaluateCondition(context.Background(), pass, testTask())
	require.NoError(t, err)
	require.Equal(t, Advance, verdict.Kind)

	fail := &Condition{Type: ConditionScript, Run: "echo nope; exit 3", OnFail: "triage"}
	verdict, err = engine.evaluateCondition(context.Background(), fail, testTask())
	require.NoError(t, err)
	require.Equal(t, FailTo, verdict.Kind)
	require.Equal(t, "triage", verdict.State)
	require.Contains(t, verdict.Reason, "nope")
}

func TestEvaluateScriptFailWithoutOnFailGoesToFailed(t *testing.T) {
	engine := NewEngine(&fakeMailbox{}, nil, time.Minute, "")

	cond := &Condition{Type: ConditionScript, Run: "false"}
	verdict, err := engine.evaluateCondition(context.Background(), cond, testTask())
	require.NoError(t, err)
	require.Equal(t, FailTo, verdict.Kind)
	require.Equal(t, task.QueueFailed, verdict.State)
}

func TestEvaluateScriptSeesTaskEnv(t *testing.T) {
	engine := NewEngine(&fakeMailbox{}, nil, time.Minute, "")

	cond := &Condition{Type: ConditionScript, Run: `test "$TASK_ID" = T1 && test "$TASK_BRANCH" = agent/T1`}
	verdict, err := engine.evaluateCondition(context.Background(), cond, testTask())
	require.NoError(t, err)
	require.Equal(t, Advance, verdict.Kind)
}

func TestEvaluateManualBlocksThenAdvances(t *testing.T) {
	mbox := &fakeMailbox{messages: map[string][]*task.Message{}}
	engine := NewEngine(mbox, nil, time.Minute, "")

	cond := &Condition{Type: ConditionManual}
	verdict, err := engine.evaluateCondition(context.Background(), cond, testTask())
	require.NoError(t, err)
	require.Equal(t, Block, verdict.Kind)

	mbox.messages["T1"] = []*task.Message{{TaskID: "T1", Type: task.MessageApproval, FromActor: "human"}}
	verdict, err = engine.evaluateCondition(context.Background(), cond, testTask())
	require.NoError(t, err)
	require.Equal(t, Advance, verdict.Kind)
}

func TestEvaluateStopsAtFirstNonAdvance(t *testing.T) {
	engine := NewEngine(&fakeMailbox{}, nil, time.Minute, "")
	def := &Definition{
		Name:   "chained",
		States: []string{task.QueueIncoming, task.QueueClaimed, task.QueueDone, task.QueueFailed},
		Transitions: []Transition{{
			From: task.QueueIncoming,
			To:   task.QueueDone,
			Conditions: []Condition{
				{Type: ConditionScript, Run: "false"},
				{Type: ConditionScript, Run: "exit 7"},
			},
		}},
	}
	require.NoError(t, def.Validate())

	verdict, err := engine.Evaluate(context.Background(), def, &def.Transitions[0], testTask())
	require.NoError(t, err)
	require.Equal(t, FailTo, verdict.Kind)
	require.Contains(t, verdict.Reason, `"false"`)
}

func TestRegistryRunUnknownStep(t *testing.T) {
	reg := NewRegistry()
	err := reg.Run(context.Background(), []string{"teleport"}, &StepContext{Task: testTask()})
	require.ErrorContains(t, err, `unknown step "teleport"`)
}

func TestRegistryRunCustomStepsInOrder(t *testing.T) {
	reg := NewRegistry()
	var ran []string
	reg.Register("first", func(context.Context, *StepContext) (StepResult, error) {
		ran = append(ran, "first")
		return StepResult{Detail: "ok"}, nil
	})
	reg.Register("second", func(context.Context, *StepContext) (StepResult, error) {
		ran = append(ran, "second")
		return StepResult{Detail: "ok"}, nil
	})

	err := reg.Run(context.Background(), []string{"first", "second"}, &StepContext{Task: testTask()})
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, ran)
}

func TestRunTestsSkipsWithoutCommandForTask(t *testing.T) {
	result, err := runTests(context.Background(), &StepContext{Task: testTask()})
	require.NoError(t, err)
	require.Contains(t, result.Detail, "no test command")
}

func TestRunTestsFailureIncludesOutput(t *testing.T) {
	sc := &StepContext{Task: testTask(), Worktree: t.TempDir(), TestCommand: "echo boom; exit 1"}
	_, err := runTests(context.Background(), sc)
	require.ErrorContains(t, err, "boom")
}
