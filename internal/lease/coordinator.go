// Package lease runs the server-side housekeeping sweeps: returning tasks
// whose lease lapsed and marking silent orchestrators offline.
package lease

import (
	"context"
	"time"

	"github.com/maxthelion/octopoid/internal/log"
	"github.com/maxthelion/octopoid/internal/pubsub"
	"github.com/maxthelion/octopoid/internal/statemachine"
	"github.com/maxthelion/octopoid/internal/task"
)

// Config tunes the coordinator.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// OfflineWindow is how long an orchestrator may go without a
	// heartbeat before it is marked offline.
	OfflineWindow time.Duration
}

// Coordinator owns the periodic sweep. Expiry itself goes through the
// state machine so it carries the same guard as every other transition.
type Coordinator struct {
	engine        *statemachine.Engine
	tasks         task.Repository
	orchestrators task.OrchestratorRepository
	flows         task.FlowRepository
	events        pubsub.Publisher
	cfg           Config
}

// New creates a Coordinator. events may be nil.
func New(engine *statemachine.Engine, tasks task.Repository, orchestrators task.OrchestratorRepository, flows task.FlowRepository, events pubsub.Publisher, cfg Config) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.OfflineWindow <= 0 {
		cfg.OfflineWindow = 5 * time.Minute
	}
	return &Coordinator{
		engine:        engine,
		tasks:         tasks,
		orchestrators: orchestrators,
		flows:         flows,
		events:        events,
		cfg:           cfg,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep runs one pass of both scans and returns how many leases were
// expired. Individual failures are logged, not fatal; the next tick
// retries.
func (c *Coordinator) Sweep(ctx context.Context) int {
	now := time.Now().UTC()
	expired := c.sweepLeases(ctx, now)
	c.sweepOrchestrators(ctx, now)
	return expired
}

func (c *Coordinator) sweepLeases(ctx context.Context, now time.Time) int {
	queues, err := c.leaseQueues(ctx)
	if err != nil {
		log.Error().Err(err).Msg("lease sweep: failed to resolve lease queues")
		return 0
	}
	candidates, err := c.tasks.ExpiredLeases(ctx, queues, now)
	if err != nil {
		log.Error().Err(err).Msg("lease sweep: failed to list expired leases")
		return 0
	}

	expired := 0
	for _, t := range candidates {
		applied, err := c.engine.Expire(ctx, t, now)
		if err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("lease sweep: expire failed")
			continue
		}
		if applied {
			expired++
			log.Warn().
				Str("task_id", t.ID).
				Str("orchestrator_id", t.OrchestratorID).
				Str("queue", t.Queue).
				Msg("lease expired, task returned to incoming")
		}
	}
	return expired
}

func (c *Coordinator) sweepOrchestrators(ctx context.Context, now time.Time) {
	cutoff := now.Add(-c.cfg.OfflineWindow)
	ids, err := c.orchestrators.MarkOffline(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("lease sweep: failed to mark orchestrators offline")
		return
	}
	for _, id := range ids {
		log.Warn().Str("orchestrator_id", id).Msg("orchestrator marked offline")
		if c.events != nil {
			c.events.Publish(pubsub.OrchestratorOffline(id))
		}
	}
}

// leaseQueues returns the built-in claimed queue plus every lease-holding
// state declared by a registered flow.
func (c *Coordinator) leaseQueues(ctx context.Context) ([]string, error) {
	queues := []string{task.QueueClaimed}
	if c.flows == nil {
		return queues, nil
	}
	records, err := c.flows.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{task.QueueClaimed: true}
	for _, rec := range records {
		for _, q := range rec.LeaseStates {
			if !seen[q] {
				seen[q] = true
				queues = append(queues, q)
			}
		}
	}
	return queues, nil
}
