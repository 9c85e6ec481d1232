package sdk

import (
	"github.com/maxthelion/octopoid/internal/task"
)

// CreateTaskRequest is the body for POST /tasks.
type CreateTaskRequest struct {
	ID        string `json:"id,omitempty"`
	Title     string `json:"title"`
	Role      string `json:"role,omitempty"`
	Priority  string `json:"priority,omitempty"`
	Queue     string `json:"queue,omitempty"`
	Branch    string `json:"branch,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Flow      string `json:"flow,omitempty"`
	BlockedBy string `json:"blocked_by,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// UpdateTaskRequest is the body for PATCH /tasks/{id}. Version is required
// for optimistic locking; nil fields are left unchanged.
type UpdateTaskRequest struct {
	Version   int64   `json:"version"`
	Title     *string `json:"title,omitempty"`
	Role      *string `json:"role,omitempty"`
	Priority  *string `json:"priority,omitempty"`
	Branch    *string `json:"branch,omitempty"`
	Flow      *string `json:"flow,omitempty"`
	BlockedBy *string `json:"blocked_by,omitempty"`
	Paused    *bool   `json:"paused,omitempty"`
	Notes     *string `json:"notes,omitempty"`
}

// ClaimRequest is the body for POST /tasks/claim.
type ClaimRequest struct {
	Queue          string `json:"queue,omitempty"`
	Role           string `json:"role,omitempty"`
	ClaimedBy      string `json:"claimed_by"`
	OrchestratorID string `json:"orchestrator_id"`
}

// SubmitRequest is the body for POST /tasks/{id}/submit.
type SubmitRequest struct {
	Version      int64  `json:"version"`
	Actor        string `json:"actor"`
	CommitsCount *int   `json:"commits_count,omitempty"`
	TurnsUsed    *int   `json:"turns_used,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// DecisionRequest is the body for accept/reject/fail/requeue endpoints.
type DecisionRequest struct {
	Version int64  `json:"version"`
	Actor   string `json:"actor"`
	Reason  string `json:"reason,omitempty"`
}

// RegisterRequest is the body for POST /orchestrators/register.
type RegisterRequest struct {
	ID        string   `json:"id"`
	Cluster   string   `json:"cluster"`
	MachineID string   `json:"machine_id"`
	RepoURL   string   `json:"repo_url,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// PollSnapshot is the response for GET /scheduler/poll: everything a
// scheduler tick needs in one round trip.
type PollSnapshot struct {
	QueueCounts   map[string]int       `json:"queue_counts"`
	Claimed       []*task.Task         `json:"claimed"`
	Provisional   []*task.Task         `json:"provisional"`
	Orchestrators []*task.Orchestrator `json:"orchestrators"`
	ServerTime    string               `json:"server_time"`
}

// TaskList is the response for GET /tasks.
type TaskList struct {
	Tasks []*task.Task `json:"tasks"`
	Total int          `json:"total"`
}

// MessageRequest is the body for POST /tasks/{id}/messages and the global
// POST /messages. TaskID is only read by the global path.
type MessageRequest struct {
	TaskID    string `json:"task_id,omitempty"`
	FromActor string `json:"from_actor"`
	ToActor   string `json:"to_actor,omitempty"`
	Type      string `json:"type"`
	Content   string `json:"content"`
}

// Health is the response for GET /health.
type Health struct {
	Status  string `json:"status"`
	DB      string `json:"db"`
	Version string `json:"version,omitempty"`
}

// apiError is the error envelope every non-2xx response carries.
type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
