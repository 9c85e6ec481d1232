// Package task defines the domain entities for octopoid: tasks and their
// queues, orchestrators, projects, messages, and task history. It also
// defines the repository contracts the SQLite store implements and the
// typed errors the state machine surfaces.
package task

import (
	"fmt"
	"strings"
	"time"
)

// Built-in queue names. Custom states come from registered flows.
const (
	QueueIncoming    = "incoming"
	QueueClaimed     = "claimed"
	QueueProvisional = "provisional"
	QueueDone        = "done"
	QueueFailed      = "failed"
)

// BlockedByApproval is the sentinel blocked_by value for tasks awaiting an
// explicit human go-ahead. Claim never picks these up.
const BlockedByApproval = "awaiting-approval"

// BuiltinQueues returns the queue names every deployment accepts.
func BuiltinQueues() []string {
	return []string{QueueIncoming, QueueClaimed, QueueProvisional, QueueDone, QueueFailed}
}

// IsBuiltinQueue reports whether name is one of the built-in queues.
func IsBuiltinQueue(name string) bool {
	switch name {
	case QueueIncoming, QueueClaimed, QueueProvisional, QueueDone, QueueFailed:
		return true
	}
	return false
}

// IsLeaseHolding reports whether the built-in queue holds a lease.
// Custom lease-holding states are declared by flows.
func IsLeaseHolding(queue string) bool {
	return queue == QueueClaimed
}

// Priority orders tasks for claiming. P0 is the highest.
type Priority int

const (
	P0 Priority = iota
	P1
	P2
	P3
)

// String returns the canonical "P0".."P3" form.
func (p Priority) String() string {
	return fmt.Sprintf("P%d", int(p))
}

// ParsePriority parses "P0".."P3" (case-insensitive) or a bare digit.
func ParsePriority(s string) (Priority, error) {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "P")
	switch s {
	case "0":
		return P0, nil
	case "1":
		return P1, nil
	case "2":
		return P2, nil
	case "3":
		return P3, nil
	}
	return P2, fmt.Errorf("invalid priority %q", s)
}

// Task is the unit of work the orchestrators claim and drive to completion.
// Queue membership is owned by the server state machine; everything else is
// metadata stamped along the way.
type Task struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Role     string   `json:"role"`
	Priority Priority `json:"priority"`
	Queue    string   `json:"queue"`

	// Branch is the base branch agent work starts from. Inherited from the
	// project at create time when unset.
	Branch    string `json:"branch,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	// Flow names the state machine definition; empty means the project's
	// flow, or the installation default.
	Flow string `json:"flow,omitempty"`

	// BlockedBy holds a task id, or the awaiting-approval sentinel.
	BlockedBy string `json:"blocked_by,omitempty"`

	// Lease fields: non-empty iff Queue is lease-holding.
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	OrchestratorID string     `json:"orchestrator_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// Version increases on every write; optimistic locking token.
	Version int64 `json:"version"`

	CommitsCount   int  `json:"commits_count"`
	TurnsUsed      int  `json:"turns_used"`
	AttemptCount   int  `json:"attempt_count"`
	RejectionCount int  `json:"rejection_count"`
	Paused         bool `json:"paused"`

	Notes         string `json:"notes,omitempty"`
	AcceptedBy    string `json:"accepted_by,omitempty"`
	RejectedBy    string `json:"rejected_by,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// HasLease reports whether all three lease fields are set.
func (t *Task) HasLease() bool {
	return t.ClaimedBy != "" && t.OrchestratorID != "" && t.LeaseExpiresAt != nil
}

// LeaseExpired reports whether the task holds a lease that has passed now.
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(now)
}

// Claimable reports whether claim may pick this task up.
func (t *Task) Claimable() bool {
	return t.Queue == QueueIncoming && !t.Paused && t.BlockedBy == ""
}
