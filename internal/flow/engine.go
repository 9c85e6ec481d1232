package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/maxthelion/octopoid/internal/log"
	"github.com/maxthelion/octopoid/internal/task"
	"github.com/maxthelion/octopoid/internal/tracing"
)

// VerdictKind says what the engine decided for a transition.
type VerdictKind int

const (
	// Advance: all conditions passed, the transition may proceed.
	Advance VerdictKind = iota
	// Block: a condition is waiting on outside input; try again later.
	Block
	// FailTo: a condition failed; send the task to Verdict.State.
	FailTo
)

// Verdict is the engine's decision for one transition attempt.
type Verdict struct {
	Kind VerdictKind
	// State is the destination for FailTo verdicts.
	State string
	// Reason explains Block and FailTo verdicts.
	Reason string
}

// MessageSource supplies a task's mailbox to agent and manual conditions.
type MessageSource interface {
	ListMessages(ctx context.Context, taskID, msgType string) ([]*task.Message, error)
}

// Engine evaluates flow transitions for the scheduler.
type Engine struct {
	messages MessageSource
	tracer   trace.Tracer
	// ScriptTimeout bounds script conditions with no explicit timeout.
	ScriptTimeout time.Duration
	// ScriptDir is the working directory script conditions run in.
	ScriptDir string
}

// NewEngine creates an Engine. tracer may be nil.
func NewEngine(messages MessageSource, tracer trace.Tracer, scriptTimeout time.Duration, scriptDir string) *Engine {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("flow")
	}
	if scriptTimeout <= 0 {
		scriptTimeout = 2 * time.Minute
	}
	return &Engine{messages: messages, tracer: tracer, ScriptTimeout: scriptTimeout, ScriptDir: scriptDir}
}

// Evaluate runs a transition's conditions in order. The first Block or
// failure decides; conditions after it never run.
func (e *Engine) Evaluate(ctx context.Context, def *Definition, tr *Transition, t *task.Task) (Verdict, error) {
	ctx, span := e.tracer.Start(ctx, tracing.SpanPrefixStep+"evaluate", trace.WithAttributes(
		attribute.String(tracing.AttrFlowName, def.Name),
		attribute.String(tracing.AttrTaskID, t.ID),
		attribute.String(tracing.AttrFromQueue, tr.From),
		attribute.String(tracing.AttrToQueue, tr.To),
	))
	defer span.End()

	for i := range tr.Conditions {
		cond := &tr.Conditions[i]
		verdict, err := e.evaluateCondition(ctx, cond, t)
		if err != nil {
			return Verdict{}, fmt.Errorf("flow %s condition %d: %w", def.Name, i, err)
		}
		if verdict.Kind != Advance {
			return verdict, nil
		}
	}
	return Verdict{Kind: Advance}, nil
}

func (e *Engine) evaluateCondition(ctx context.Context, cond *Condition, t *task.Task) (Verdict, error) {
	switch cond.Type {
	case ConditionScript:
		return e.evaluateScript(ctx, cond, t)
	case ConditionAgent:
		return e.evaluateAgent(ctx, cond, t)
	case ConditionManual:
		return e.evaluateManual(ctx, cond, t)
	}
	return Verdict{}, fmt.Errorf("unknown condition type %q", cond.Type)
}

// evaluateScript runs the condition command. Exit 0 passes; any other
// exit fails the condition rather than erroring the evaluation.
func (e *Engine) evaluateScript(ctx context.Context, cond *Condition, t *task.Task) (Verdict, error) {
	timeout := cond.Timeout
	if timeout <= 0 {
		timeout = e.ScriptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", cond.Run)
	if e.ScriptDir != "" {
		cmd.Dir = e.ScriptDir
	}
	cmd.Env = append(cmd.Environ(),
		"TASK_ID="+t.ID,
		"TASK_QUEUE="+t.Queue,
		"TASK_BRANCH="+t.Branch,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		reason := fmt.Sprintf("script %q failed: %v", cond.Run, err)
		if len(output) > 0 {
			reason += ": " + truncate(string(output), 500)
		}
		log.Debug().Str("task_id", t.ID).Str("script", cond.Run).Msg("script condition failed")
		return failVerdict(cond, reason), nil
	}
	return Verdict{Kind: Advance}, nil
}

// evaluateAgent consults the newest review_decision message. No message
// yet means the reviewer has not run; block until it has.
func (e *Engine) evaluateAgent(ctx context.Context, cond *Condition, t *task.Task) (Verdict, error) {
	msgs, err := e.messages.ListMessages(ctx, t.ID, task.MessageReviewDecision)
	if err != nil {
		return Verdict{}, err
	}
	if len(msgs) == 0 {
		return Verdict{Kind: Block, Reason: "awaiting review decision"}, nil
	}
	latest := msgs[len(msgs)-1]

	var decision struct {
		Decision string `json:"decision"`
		Comment  string `json:"comment,omitempty"`
	}
	if err := json.Unmarshal([]byte(latest.Content), &decision); err != nil {
		return Verdict{}, fmt.Errorf("malformed review decision on task %s: %w", t.ID, err)
	}
	switch decision.Decision {
	case task.DecisionApprove:
		return Verdict{Kind: Advance}, nil
	case task.DecisionReject:
		reason := "rejected by " + latest.FromActor
		if decision.Comment != "" {
			reason += ": " + decision.Comment
		}
		return failVerdict(cond, reason), nil
	}
	return Verdict{}, fmt.Errorf("unknown review decision %q on task %s", decision.Decision, t.ID)
}

// evaluateManual blocks until an approval message exists.
func (e *Engine) evaluateManual(ctx context.Context, cond *Condition, t *task.Task) (Verdict, error) {
	msgs, err := e.messages.ListMessages(ctx, t.ID, task.MessageApproval)
	if err != nil {
		return Verdict{}, err
	}
	if len(msgs) == 0 {
		return Verdict{Kind: Block, Reason: "awaiting manual approval"}, nil
	}
	return Verdict{Kind: Advance}, nil
}

func failVerdict(cond *Condition, reason string) Verdict {
	state := cond.OnFail
	if state == "" {
		state = task.QueueFailed
	}
	return Verdict{Kind: FailTo, State: state, Reason: reason}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
