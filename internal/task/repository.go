package task

import (
	"context"
	"time"
)

// LeaseOp says what a transition does to the lease fields. Leaving a
// lease-holding state must release in the same atomic write.
type LeaseOp int

const (
	// LeaseKeep leaves claimed_by/orchestrator/lease_expires_at untouched.
	LeaseKeep LeaseOp = iota
	// LeaseAcquire stamps all three lease fields.
	LeaseAcquire
	// LeaseRelease clears all three lease fields.
	LeaseRelease
)

// Stamp holds the metadata a transition writes alongside the queue move.
// Nil pointers leave columns untouched.
type Stamp struct {
	CommitsCount  *int
	TurnsUsed     *int
	Notes         *string
	AcceptedBy    *string
	RejectedBy    *string
	FailureReason *string
	SubmittedAt   *time.Time
	CompletedAt   *time.Time
	IncAttempt    bool
	IncRejection  bool
}

// TransitionWrite describes one conditional update: move the queue, bump
// the version, stamp metadata, and set or clear the lease, all guarded by
// id + version + from-queue. Zero rows affected means the guard failed.
type TransitionWrite struct {
	ID string
	// FromQueues are the acceptable current queues.
	FromQueues []string
	// ExpectVersion, when positive, enforces the optimistic version check.
	ExpectVersion int64
	// RequireOwner, when set, requires claimed_by to match.
	RequireOwner string
	// RequireLeaseExpiredBefore, when set, requires lease_expires_at to be
	// earlier than this instant (the expire transition).
	RequireLeaseExpiredBefore *time.Time

	ToQueue string

	LeaseOp        LeaseOp
	ClaimedBy      string
	OrchestratorID string
	LeaseExpiresAt time.Time

	Stamp Stamp
}

// Filter selects tasks for listing. Zero values mean "any".
type Filter struct {
	Queues     []string
	Priorities []Priority
	Roles      []string
	ClaimedBy  string
	ProjectID  string
	Limit      int
	Offset     int
}

// ClaimQuery selects claim candidates in priority order.
type ClaimQuery struct {
	// Queue defaults to incoming; reviewer blueprints claim from custom
	// states such as provisional.
	Queue string
	// RoleFilter, when set, restricts candidates to one role.
	RoleFilter string
	// Limit bounds the candidate batch fetched per attempt.
	Limit int
}

// Repository is the task table contract. Implementations must make
// Transition a single conditional statement.
type Repository interface {
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, f Filter) ([]*Task, int, error)
	Create(ctx context.Context, t *Task) error
	// UpdateMeta updates non-queue fields with an optimistic version check.
	UpdateMeta(ctx context.Context, t *Task) error
	Delete(ctx context.Context, id string) error

	// Transition performs the conditional queue move. applied=false means
	// zero rows matched; the caller classifies why.
	Transition(ctx context.Context, w TransitionWrite) (applied bool, newVersion int64, err error)

	// ClearBlockedBy unblocks every task whose blocked_by equals doneID.
	// Idempotent; returns the ids it unblocked this time.
	ClearBlockedBy(ctx context.Context, doneID string) ([]string, error)

	// Claimable returns candidates for the claim transition, ordered by
	// priority then age. Paused and blocked tasks are excluded.
	Claimable(ctx context.Context, q ClaimQuery) ([]*Task, error)

	// ExpiredLeases returns tasks in the given lease-holding queues whose
	// lease passed before now.
	ExpiredLeases(ctx context.Context, leaseQueues []string, now time.Time) ([]*Task, error)

	// CountByQueue returns queue -> task count (paused tasks included).
	CountByQueue(ctx context.Context) (map[string]int, error)
}

// OrchestratorRepository is the orchestrator presence table contract.
type OrchestratorRepository interface {
	Upsert(ctx context.Context, o *Orchestrator) error
	Get(ctx context.Context, id string) (*Orchestrator, error)
	List(ctx context.Context) ([]*Orchestrator, error)
	Heartbeat(ctx context.Context, id string, now time.Time) error
	// MarkOffline flips active/idle orchestrators with heartbeats older
	// than cutoff to offline; returns the affected ids.
	MarkOffline(ctx context.Context, cutoff time.Time) ([]string, error)
}

// ProjectRepository is the project table contract.
type ProjectRepository interface {
	Create(ctx context.Context, p *Project) error
	Get(ctx context.Context, id string) (*Project, error)
	List(ctx context.Context) ([]*Project, error)
	Update(ctx context.Context, p *Project) error
}

// FlowRecord is a stored flow definition: the raw YAML document plus the
// states it declares, denormalized for queue validation.
type FlowRecord struct {
	Name        string    `json:"name"`
	Cluster     string    `json:"cluster"`
	Document    string    `json:"document"`
	States      []string  `json:"states"`
	LeaseStates []string  `json:"lease_states,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FlowRepository is the flow registry contract.
type FlowRepository interface {
	Put(ctx context.Context, r *FlowRecord) error
	Get(ctx context.Context, name string) (*FlowRecord, error)
	List(ctx context.Context) ([]*FlowRecord, error)
}

// MessageFilter selects mailbox rows.
type MessageFilter struct {
	TaskID  string
	Type    string
	ToActor string
	Limit   int
}

// MessageRepository is the durable mailbox contract. Append-only.
type MessageRepository interface {
	Append(ctx context.Context, m *Message) error
	List(ctx context.Context, f MessageFilter) ([]*Message, error)
}

// HistoryRepository is the append-only audit log contract.
type HistoryRepository interface {
	Append(ctx context.Context, ev *HistoryEvent) error
	ListByTask(ctx context.Context, taskID string, limit int) ([]*HistoryEvent, error)
}

// RoleRepository stores orchestrator-declared roles. Role validation is
// active only once at least one role is registered.
type RoleRepository interface {
	Register(ctx context.Context, names []string, registeredBy string) error
	List(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int, error)
}
