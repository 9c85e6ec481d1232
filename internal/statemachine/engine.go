// Package statemachine owns every queue move. Each transition compiles to
// one conditional UPDATE; the WHERE clause is the guard, and a zero-row
// result is classified into a typed error by refetching the task.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/maxthelion/octopoid/internal/log"
	"github.com/maxthelion/octopoid/internal/pubsub"
	"github.com/maxthelion/octopoid/internal/task"
	"github.com/maxthelion/octopoid/internal/tracing"
)

// Config tunes engine behavior.
type Config struct {
	// LeaseWindow is how long a claim holds its lease.
	LeaseWindow time.Duration
	// RejectionBudget escalates a rejected task to failed once its
	// rejection count reaches this value. Zero disables escalation.
	RejectionBudget int
}

// Engine applies transitions against the task repository and records the
// side effects: history rows, cascade unblocks, stream events.
type Engine struct {
	tasks   task.Repository
	history task.HistoryRepository
	events  pubsub.Publisher
	tracer  trace.Tracer
	cfg     Config
}

// New creates an Engine. events and tracer may be nil.
func New(tasks task.Repository, history task.HistoryRepository, events pubsub.Publisher, tracer trace.Tracer, cfg Config) *Engine {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("statemachine")
	}
	if cfg.LeaseWindow <= 0 {
		cfg.LeaseWindow = 30 * time.Minute
	}
	return &Engine{tasks: tasks, history: history, events: events, tracer: tracer, cfg: cfg}
}

// ClaimRequest identifies who is claiming and from where.
type ClaimRequest struct {
	// Queue to claim from; empty means incoming.
	Queue string
	// Role restricts candidates when set.
	Role string
	// ClaimedBy is the agent name, OrchestratorID the scheduler identity.
	ClaimedBy      string
	OrchestratorID string
}

// Claim atomically moves the best candidate into claimed and stamps the
// lease. Returns ErrNotFound when no candidate exists. Losing a race for
// one candidate just moves on to the next.
func (e *Engine) Claim(ctx context.Context, req ClaimRequest) (*task.Task, error) {
	ctx, span := e.tracer.Start(ctx, tracing.SpanPrefixTransition+"claim", trace.WithAttributes(
		attribute.String(tracing.AttrActor, req.ClaimedBy),
		attribute.String(tracing.AttrOrchestratorID, req.OrchestratorID),
	))
	defer span.End()

	fromQueue := req.Queue
	if fromQueue == "" {
		fromQueue = task.QueueIncoming
	}

	candidates, err := e.tasks.Claimable(ctx, task.ClaimQuery{Queue: fromQueue, RoleFilter: req.Role})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	for _, cand := range candidates {
		expires := time.Now().Add(e.cfg.LeaseWindow).UTC()
		applied, newVersion, err := e.tasks.Transition(ctx, task.TransitionWrite{
			ID:             cand.ID,
			FromQueues:     []string{fromQueue},
			ExpectVersion:  cand.Version,
			ToQueue:        task.QueueClaimed,
			LeaseOp:        task.LeaseAcquire,
			ClaimedBy:      req.ClaimedBy,
			OrchestratorID: req.OrchestratorID,
			LeaseExpiresAt: expires,
			Stamp:          task.Stamp{IncAttempt: true},
		})
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if !applied {
			// Another scheduler won this candidate; try the next one.
			continue
		}

		span.SetAttributes(
			attribute.String(tracing.AttrTaskID, cand.ID),
			attribute.Int64(tracing.AttrVersion, newVersion),
		)
		e.record(ctx, cand.ID, task.HistoryClaimed, req.ClaimedBy,
			fmt.Sprintf("%s -> %s by %s", fromQueue, task.QueueClaimed, req.OrchestratorID))
		claimed, err := e.tasks.Get(ctx, cand.ID)
		if err != nil {
			return nil, err
		}
		e.publish(pubsub.TaskTransitioned(claimed, fromQueue, task.QueueClaimed, req.ClaimedBy, req.OrchestratorID))
		return claimed, nil
	}
	return nil, task.ErrNotFound
}

// SubmitMeta carries the result counters a submit stamps.
type SubmitMeta struct {
	CommitsCount *int
	TurnsUsed    *int
	Notes        *string
}

// Submit moves claimed -> provisional, releasing the lease.
func (e *Engine) Submit(ctx context.Context, id string, version int64, actor string, meta SubmitMeta) (*task.Task, error) {
	now := time.Now().UTC()
	return e.apply(ctx, "submit", task.TransitionWrite{
		ID:            id,
		FromQueues:    []string{task.QueueClaimed},
		ExpectVersion: version,
		RequireOwner:  actor,
		ToQueue:       task.QueueProvisional,
		LeaseOp:       task.LeaseRelease,
		Stamp: task.Stamp{
			CommitsCount: meta.CommitsCount,
			TurnsUsed:    meta.TurnsUsed,
			Notes:        meta.Notes,
			SubmittedAt:  &now,
		},
	}, task.HistorySubmitted, actor, "")
}

// Accept moves provisional -> done and unblocks dependents. The cascade
// runs after the conditional write so a lost race never unblocks anything.
func (e *Engine) Accept(ctx context.Context, id string, version int64, actor string) (*task.Task, error) {
	now := time.Now().UTC()
	t, err := e.apply(ctx, "accept", task.TransitionWrite{
		ID:            id,
		FromQueues:    []string{task.QueueProvisional},
		ExpectVersion: version,
		ToQueue:       task.QueueDone,
		Stamp: task.Stamp{
			AcceptedBy:  &actor,
			CompletedAt: &now,
		},
	}, task.HistoryAccepted, actor, "")
	if err != nil {
		return nil, err
	}

	unblocked, err := e.tasks.ClearBlockedBy(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("cascade unblock failed")
		return t, nil
	}
	for _, depID := range unblocked {
		e.record(ctx, depID, task.HistoryUnblocked, actor, "blocker "+id+" accepted")
		e.publish(pubsub.TaskUnblocked(depID))
	}
	return t, nil
}

// Reject moves provisional -> incoming for another attempt, or to failed
// once the rejection budget is exhausted.
func (e *Engine) Reject(ctx context.Context, id string, version int64, actor, reason string) (*task.Task, error) {
	target := task.QueueIncoming
	stamp := task.Stamp{RejectedBy: &actor, IncRejection: true}
	if reason != "" {
		stamp.Notes = &reason
	}

	if e.cfg.RejectionBudget > 0 {
		current, err := e.tasks.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.RejectionCount+1 >= e.cfg.RejectionBudget {
			target = task.QueueFailed
			why := fmt.Sprintf("rejected %d times", current.RejectionCount+1)
			now := time.Now().UTC()
			stamp.FailureReason = &why
			stamp.CompletedAt = &now
		}
	}

	return e.apply(ctx, "reject", task.TransitionWrite{
		ID:            id,
		FromQueues:    []string{task.QueueProvisional},
		ExpectVersion: version,
		ToQueue:       target,
		Stamp:         stamp,
	}, task.HistoryRejected, actor, reason)
}

// Fail moves claimed -> failed, releasing the lease.
func (e *Engine) Fail(ctx context.Context, id string, version int64, actor, reason string) (*task.Task, error) {
	now := time.Now().UTC()
	stamp := task.Stamp{CompletedAt: &now}
	if reason != "" {
		stamp.FailureReason = &reason
	}
	return e.apply(ctx, "fail", task.TransitionWrite{
		ID:            id,
		FromQueues:    []string{task.QueueClaimed},
		ExpectVersion: version,
		RequireOwner:  actor,
		ToQueue:       task.QueueFailed,
		LeaseOp:       task.LeaseRelease,
		Stamp:         stamp,
	}, task.HistoryFailed, actor, reason)
}

// Requeue moves claimed -> incoming without recording failure. Used when a
// spawn falls over after the claim or a scheduler shuts down mid-task.
func (e *Engine) Requeue(ctx context.Context, id string, version int64, actor, reason string) (*task.Task, error) {
	return e.apply(ctx, "requeue", task.TransitionWrite{
		ID:            id,
		FromQueues:    []string{task.QueueClaimed},
		ExpectVersion: version,
		RequireOwner:  actor,
		ToQueue:       task.QueueIncoming,
		LeaseOp:       task.LeaseRelease,
	}, task.HistoryRequeued, actor, reason)
}

// Expire returns an expired-lease task to incoming. The guard re-checks
// expiry inside the write, so a heartbeat-extended lease survives the
// scan that spotted it. A lost race is not an error.
func (e *Engine) Expire(ctx context.Context, t *task.Task, now time.Time) (bool, error) {
	ctx, span := e.tracer.Start(ctx, tracing.SpanPrefixTransition+"expire", trace.WithAttributes(
		attribute.String(tracing.AttrTaskID, t.ID),
		attribute.String(tracing.AttrFromQueue, t.Queue),
	))
	defer span.End()

	applied, _, err := e.tasks.Transition(ctx, task.TransitionWrite{
		ID:                        t.ID,
		FromQueues:                []string{t.Queue},
		ExpectVersion:             t.Version,
		RequireLeaseExpiredBefore: &now,
		ToQueue:                   task.QueueIncoming,
		LeaseOp:                   task.LeaseRelease,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if !applied {
		return false, nil
	}
	e.record(ctx, t.ID, task.HistoryExpired, "",
		fmt.Sprintf("lease held by %s expired", t.OrchestratorID))
	e.publish(pubsub.LeaseExpired(t.ID, t.Queue, t.OrchestratorID))
	return true, nil
}

// apply runs one guarded transition and classifies a zero-row result.
func (e *Engine) apply(ctx context.Context, name string, w task.TransitionWrite, historyKind, actor, detail string) (*task.Task, error) {
	ctx, span := e.tracer.Start(ctx, tracing.SpanPrefixTransition+name, trace.WithAttributes(
		attribute.String(tracing.AttrTaskID, w.ID),
		attribute.String(tracing.AttrToQueue, w.ToQueue),
		attribute.String(tracing.AttrActor, actor),
		attribute.Int64(tracing.AttrVersion, w.ExpectVersion),
	))
	defer span.End()

	applied, _, err := e.tasks.Transition(ctx, w)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !applied {
		err := e.classify(ctx, w)
		span.SetAttributes(attribute.String(tracing.AttrErrorKind, task.ErrorKind(err)))
		return nil, err
	}

	fromQueue := ""
	if len(w.FromQueues) == 1 {
		fromQueue = w.FromQueues[0]
	}
	d := detail
	if d == "" {
		d = fromQueue + " -> " + w.ToQueue
	}
	e.record(ctx, w.ID, historyKind, actor, d)

	t, err := e.tasks.Get(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	e.publish(pubsub.TaskTransitioned(t, fromQueue, w.ToQueue, actor, ""))
	return t, nil
}

// classify explains a zero-row transition: the task is gone, in the wrong
// queue, owned by someone else, or the caller's version is stale.
func (e *Engine) classify(ctx context.Context, w task.TransitionWrite) error {
	current, err := e.tasks.Get(ctx, w.ID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return task.ErrNotFound
		}
		return err
	}
	inFrom := len(w.FromQueues) == 0
	for _, q := range w.FromQueues {
		if current.Queue == q {
			inFrom = true
			break
		}
	}
	if !inFrom {
		return fmt.Errorf("%w: task %s is in %q", task.ErrWrongState, w.ID, current.Queue)
	}
	if w.RequireOwner != "" && current.ClaimedBy != w.RequireOwner {
		return fmt.Errorf("%w: task %s is claimed by %q", task.ErrGuardFailed, w.ID, current.ClaimedBy)
	}
	if w.ExpectVersion > 0 && current.Version != w.ExpectVersion {
		return fmt.Errorf("%w: have %d, task is at %d", task.ErrStaleVersion, w.ExpectVersion, current.Version)
	}
	return fmt.Errorf("%w: task %s", task.ErrGuardFailed, w.ID)
}

func (e *Engine) record(ctx context.Context, taskID, kind, actor, details string) {
	if e.history == nil {
		return
	}
	err := e.history.Append(ctx, &task.HistoryEvent{TaskID: taskID, Kind: kind, Actor: actor, Details: details})
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID).Str("kind", kind).Msg("history append failed")
	}
}

func (e *Engine) publish(ev pubsub.StreamEvent) {
	if e.events == nil {
		return
	}
	e.events.Publish(ev)
}
