package task

import "time"

// Orchestrator status values.
const (
	OrchestratorActive  = "active"
	OrchestratorIdle    = "idle"
	OrchestratorOffline = "offline"
)

// Orchestrator is one registered scheduler instance. Its id is
// "<cluster>-<machine_id>".
type Orchestrator struct {
	ID              string    `json:"id"`
	Cluster         string    `json:"cluster"`
	MachineID       string    `json:"machine_id"`
	RepoURL         string    `json:"repo_url,omitempty"`
	Status          string    `json:"status"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	Version         int64     `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
}

// Project status values.
const (
	ProjectActive   = "active"
	ProjectReview   = "review"
	ProjectComplete = "complete"
	ProjectArchived = "archived"
)

// Project groups tasks on a shared feature branch.
type Project struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	Branch     string    `json:"branch"`
	BaseBranch string    `json:"base_branch"`
	AutoAccept bool      `json:"auto_accept"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Message types the core itself produces or consumes. Content is opaque
// JSON; no further semantics are imposed.
const (
	MessageResult         = "result"
	MessageReviewDecision = "review_decision"
	MessageApproval       = "approval"
	MessageFeedback       = "feedback"
)

// Message is one row in the durable mailbox.
type Message struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	FromActor string    `json:"from_actor"`
	ToActor   string    `json:"to_actor"`
	Type      string    `json:"type"`
	Content   string    `json:"content"` // JSON text
	CreatedAt time.Time `json:"created_at"`
}

// History event kinds.
const (
	HistoryCreated   = "created"
	HistoryClaimed   = "claimed"
	HistorySubmitted = "submitted"
	HistoryAccepted  = "accepted"
	HistoryRejected  = "rejected"
	HistoryFailed    = "failed"
	HistoryRequeued  = "requeued"
	HistoryExpired   = "expired"
	HistoryUnblocked = "unblocked"
	HistoryUpdated   = "updated"
	HistoryFlowStep  = "flow_step"
)

// HistoryEvent is one append-only audit row for a task.
type HistoryEvent struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"`
	Actor     string    `json:"actor,omitempty"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent result outcomes.
const (
	OutcomeDone              = "done"
	OutcomeFailed            = "failed"
	OutcomeNeedsContinuation = "needs_continuation"
)

// Reviewer decisions carried in result artifacts.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// AgentResult is the single artifact an agent writes before exiting.
// The orchestrator reads it from the task runtime directory at collection
// time and never hands the file to the server as-is.
type AgentResult struct {
	Outcome      string `json:"outcome"`
	Reason       string `json:"reason,omitempty"`
	CommitsCount int    `json:"commits_count,omitempty"`
	TurnsUsed    int    `json:"turns_used,omitempty"`
	// Decision is set by reviewer roles only.
	Decision string `json:"decision,omitempty"`
	Comment  string `json:"comment,omitempty"`
}
