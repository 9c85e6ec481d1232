package sqlite

import (
	"time"

	"github.com/maxthelion/octopoid/internal/task"
)

// TaskModel represents the database row for the tasks table.
// Fields map directly to SQL columns with Unix timestamps for time values.
type TaskModel struct {
	ID       string
	Title    string
	Role     string
	Priority int
	Queue    string

	Branch    *string // nullable
	ProjectID *string // nullable
	Flow      *string // nullable
	BlockedBy *string // nullable

	ClaimedBy      *string // nullable
	OrchestratorID *string // nullable
	LeaseExpiresAt *int64  // Unix timestamp, nullable

	Version int64

	CommitsCount   int
	TurnsUsed      int
	AttemptCount   int
	RejectionCount int
	Paused         bool

	Notes         *string // nullable
	AcceptedBy    *string // nullable
	RejectedBy    *string // nullable
	FailureReason *string // nullable

	SubmittedAt *int64 // Unix timestamp, nullable
	CompletedAt *int64 // Unix timestamp, nullable
	CreatedAt   int64  // Unix timestamp
	UpdatedAt   int64  // Unix timestamp
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strOf(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func nullUnix(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	u := t.Unix()
	return &u
}

func timeOf(u *int64) *time.Time {
	if u == nil {
		return nil
	}
	t := time.Unix(*u, 0).UTC()
	return &t
}

// toTaskModel converts a domain Task to a database TaskModel.
func toTaskModel(t *task.Task) *TaskModel {
	return &TaskModel{
		ID:             t.ID,
		Title:          t.Title,
		Role:           t.Role,
		Priority:       int(t.Priority),
		Queue:          t.Queue,
		Branch:         nullStr(t.Branch),
		ProjectID:      nullStr(t.ProjectID),
		Flow:           nullStr(t.Flow),
		BlockedBy:      nullStr(t.BlockedBy),
		ClaimedBy:      nullStr(t.ClaimedBy),
		OrchestratorID: nullStr(t.OrchestratorID),
		LeaseExpiresAt: nullUnix(t.LeaseExpiresAt),
		Version:        t.Version,
		CommitsCount:   t.CommitsCount,
		TurnsUsed:      t.TurnsUsed,
		AttemptCount:   t.AttemptCount,
		RejectionCount: t.RejectionCount,
		Paused:         t.Paused,
		Notes:          nullStr(t.Notes),
		AcceptedBy:     nullStr(t.AcceptedBy),
		RejectedBy:     nullStr(t.RejectedBy),
		FailureReason:  nullStr(t.FailureReason),
		SubmittedAt:    nullUnix(t.SubmittedAt),
		CompletedAt:    nullUnix(t.CompletedAt),
		CreatedAt:      t.CreatedAt.Unix(),
		UpdatedAt:      t.UpdatedAt.Unix(),
	}
}

// toDomain converts a database TaskModel to a domain Task.
func (m *TaskModel) toDomain() *task.Task {
	return &task.Task{
		ID:             m.ID,
		Title:          m.Title,
		Role:           m.Role,
		Priority:       task.Priority(m.Priority),
		Queue:          m.Queue,
		Branch:         strOf(m.Branch),
		ProjectID:      strOf(m.ProjectID),
		Flow:           strOf(m.Flow),
		BlockedBy:      strOf(m.BlockedBy),
		ClaimedBy:      strOf(m.ClaimedBy),
		OrchestratorID: strOf(m.OrchestratorID),
		LeaseExpiresAt: timeOf(m.LeaseExpiresAt),
		Version:        m.Version,
		CommitsCount:   m.CommitsCount,
		TurnsUsed:      m.TurnsUsed,
		AttemptCount:   m.AttemptCount,
		RejectionCount: m.RejectionCount,
		Paused:         m.Paused,
		Notes:          strOf(m.Notes),
		AcceptedBy:     strOf(m.AcceptedBy),
		RejectedBy:     strOf(m.RejectedBy),
		FailureReason:  strOf(m.FailureReason),
		SubmittedAt:    timeOf(m.SubmittedAt),
		CompletedAt:    timeOf(m.CompletedAt),
		CreatedAt:      time.Unix(m.CreatedAt, 0).UTC(),
		UpdatedAt:      time.Unix(m.UpdatedAt, 0).UTC(),
	}
}
