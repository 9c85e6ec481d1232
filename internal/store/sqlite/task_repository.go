package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maxthelion/octopoid/internal/task"
)

// taskColumns is the list of columns to select for task queries.
const taskColumns = `id, title, role, priority, queue, branch, project_id, flow, blocked_by,
	claimed_by, orchestrator_id, lease_expires_at, version,
	commits_count, turns_used, attempt_count, rejection_count, paused,
	notes, accepted_by, rejected_by, failure_reason,
	submitted_at, completed_at, created_at, updated_at`

// taskRepository implements task.Repository using SQLite.
type taskRepository struct {
	db *sql.DB
}

func newTaskRepository(db *sql.DB) *taskRepository {
	return &taskRepository{db: db}
}

// Ensure taskRepository implements task.Repository.
var _ task.Repository = (*taskRepository)(nil)

// scanTask scans a row into a TaskModel.
func scanTask(scanner interface{ Scan(...any) error }) (*TaskModel, error) {
	var model TaskModel
	err := scanner.Scan(
		&model.ID, &model.Title, &model.Role, &model.Priority, &model.Queue,
		&model.Branch, &model.ProjectID, &model.Flow, &model.BlockedBy,
		&model.ClaimedBy, &model.OrchestratorID, &model.LeaseExpiresAt, &model.Version,
		&model.CommitsCount, &model.TurnsUsed, &model.AttemptCount, &model.RejectionCount, &model.Paused,
		&model.Notes, &model.AcceptedBy, &model.RejectedBy, &model.FailureReason,
		&model.SubmittedAt, &model.CompletedAt, &model.CreatedAt, &model.UpdatedAt,
	)
	return &model, err
}

func (r *taskRepository) Get(ctx context.Context, id string) (*task.Task, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id,
	)
	model, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return model.toDomain(), nil
}

func (r *taskRepository) List(ctx context.Context, f task.Filter) ([]*task.Task, int, error) {
	var conds []string
	var args []any

	if len(f.Queues) > 0 {
		conds = append(conds, `queue IN (`+placeholders(len(f.Queues))+`)`)
		for _, q := range f.Queues {
			args = append(args, q)
		}
	}
	if len(f.Priorities) > 0 {
		conds = append(conds, `priority IN (`+placeholders(len(f.Priorities))+`)`)
		for _, p := range f.Priorities {
			args = append(args, int(p))
		}
	}
	if len(f.Roles) > 0 {
		conds = append(conds, `role IN (`+placeholders(len(f.Roles))+`)`)
		for _, role := range f.Roles {
			args = append(args, role)
		}
	}
	if f.ClaimedBy != "" {
		conds = append(conds, `claimed_by = ?`)
		args = append(args, f.ClaimedBy)
	}
	if f.ProjectID != "" {
		conds = append(conds, `project_id = ?`)
		args = append(args, f.ProjectID)
	}

	where := ""
	if len(conds) > 0 {
		where = ` WHERE ` + strings.Join(conds, ` AND `)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY priority ASC, created_at ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*task.Task
	for rows.Next() {
		model, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, total, nil
}

func (r *taskRepository) Create(ctx context.Context, t *task.Task) error {
	model := toTaskModel(t)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tasks (
			id, title, role, priority, queue, branch, project_id, flow, blocked_by,
			claimed_by, orchestrator_id, lease_expires_at, version,
			commits_count, turns_used, attempt_count, rejection_count, paused,
			notes, accepted_by, rejected_by, failure_reason,
			submitted_at, completed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		model.ID, model.Title, model.Role, model.Priority, model.Queue,
		model.Branch, model.ProjectID, model.Flow, model.BlockedBy,
		model.ClaimedBy, model.OrchestratorID, model.LeaseExpiresAt, model.Version,
		model.CommitsCount, model.TurnsUsed, model.AttemptCount, model.RejectionCount, model.Paused,
		model.Notes, model.AcceptedBy, model.RejectedBy, model.FailureReason,
		model.SubmittedAt, model.CompletedAt, model.CreatedAt, model.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// UpdateMeta writes the mutable non-queue columns with an optimistic
// version check. The queue and lease columns are never touched here.
func (r *taskRepository) UpdateMeta(ctx context.Context, t *task.Task) error {
	model := toTaskModel(t)
	result, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET
			title = ?, role = ?, priority = ?, branch = ?, project_id = ?, flow = ?,
			blocked_by = ?, paused = ?, notes = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		model.Title, model.Role, model.Priority, model.Branch, model.ProjectID, model.Flow,
		model.BlockedBy, model.Paused, model.Notes,
		time.Now().Unix(),
		model.ID, model.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := r.Get(ctx, t.ID); err != nil {
			return err
		}
		return task.ErrStaleVersion
	}
	t.Version++
	return nil
}

func (r *taskRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return task.ErrNotFound
	}
	return nil
}

// Transition executes the single conditional update every queue move goes
// through. The WHERE clause carries the whole guard; zero rows affected
// means some part of it no longer held.
func (r *taskRepository) Transition(ctx context.Context, w task.TransitionWrite) (bool, int64, error) {
	now := time.Now()

	set := []string{`queue = ?`, `version = version + 1`, `updated_at = ?`}
	args := []any{w.ToQueue, now.Unix()}

	switch w.LeaseOp {
	case task.LeaseAcquire:
		set = append(set, `claimed_by = ?`, `orchestrator_id = ?`, `lease_expires_at = ?`)
		args = append(args, w.ClaimedBy, w.OrchestratorID, w.LeaseExpiresAt.Unix())
	case task.LeaseRelease:
		set = append(set, `claimed_by = NULL`, `orchestrator_id = NULL`, `lease_expires_at = NULL`)
	}

	s := w.Stamp
	if s.CommitsCount != nil {
		set = append(set, `commits_count = ?`)
		args = append(args, *s.CommitsCount)
	}
	if s.TurnsUsed != nil {
		set = append(set, `turns_used = ?`)
		args = append(args, *s.TurnsUsed)
	}
	if s.Notes != nil {
		set = append(set, `notes = ?`)
		args = append(args, *s.Notes)
	}
	if s.AcceptedBy != nil {
		set = append(set, `accepted_by = ?`)
		args = append(args, *s.AcceptedBy)
	}
	if s.RejectedBy != nil {
		set = append(set, `rejected_by = ?`)
		args = append(args, *s.RejectedBy)
	}
	if s.FailureReason != nil {
		set = append(set, `failure_reason = ?`)
		args = append(args, *s.FailureReason)
	}
	if s.SubmittedAt != nil {
		set = append(set, `submitted_at = ?`)
		args = append(args, s.SubmittedAt.Unix())
	}
	if s.CompletedAt != nil {
		set = append(set, `completed_at = ?`)
		args = append(args, s.CompletedAt.Unix())
	}
	if s.IncAttempt {
		set = append(set, `attempt_count = attempt_count + 1`)
	}
	if s.IncRejection {
		set = append(set, `rejection_count = rejection_count + 1`)
	}

	where := []string{`id = ?`}
	args = append(args, w.ID)
	if len(w.FromQueues) > 0 {
		where = append(where, `queue IN (`+placeholders(len(w.FromQueues))+`)`)
		for _, q := range w.FromQueues {
			args = append(args, q)
		}
	}
	if w.ExpectVersion > 0 {
		where = append(where, `version = ?`)
		args = append(args, w.ExpectVersion)
	}
	if w.RequireOwner != "" {
		where = append(where, `claimed_by = ?`)
		args = append(args, w.RequireOwner)
	}
	if w.RequireLeaseExpiredBefore != nil {
		where = append(where, `lease_expires_at IS NOT NULL`, `lease_expires_at < ?`)
		args = append(args, w.RequireLeaseExpiredBefore.Unix())
	}

	query := `UPDATE tasks SET ` + strings.Join(set, `, `) + ` WHERE ` + strings.Join(where, ` AND `)
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, 0, fmt.Errorf("failed to apply transition: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return false, 0, nil
	}

	if w.ExpectVersion > 0 {
		return true, w.ExpectVersion + 1, nil
	}
	var version int64
	if err := r.db.QueryRowContext(ctx, `SELECT version FROM tasks WHERE id = ?`, w.ID).Scan(&version); err != nil {
		return true, 0, fmt.Errorf("failed to read new version: %w", err)
	}
	return true, version, nil
}

// ClearBlockedBy unblocks dependents of doneID. Safe to call more than
// once for the same task; the second call matches nothing.
func (r *taskRepository) ClearBlockedBy(ctx context.Context, doneID string) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE blocked_by = ?`, doneID)
	if err != nil {
		return nil, fmt.Errorf("failed to find blocked tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan blocked task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating blocked task rows: %w", err)
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET blocked_by = NULL, version = version + 1, updated_at = ? WHERE blocked_by = ?`,
		time.Now().Unix(), doneID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to clear blocked_by: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit unblock: %w", err)
	}
	return ids, nil
}

// Claimable returns claim candidates ordered by priority then age.
// Paused tasks and tasks with any blocked_by value never appear.
func (r *taskRepository) Claimable(ctx context.Context, q task.ClaimQuery) ([]*task.Task, error) {
	queue := q.Queue
	if queue == "" {
		queue = task.QueueIncoming
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE queue = ? AND paused = 0 AND (blocked_by IS NULL OR blocked_by = '')`
	args := []any{queue}
	if q.RoleFilter != "" {
		query += ` AND role = ?`
		args = append(args, q.RoleFilter)
	}
	query += ` ORDER BY priority ASC, created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list claimable tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*task.Task
	for rows.Next() {
		model, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

func (r *taskRepository) ExpiredLeases(ctx context.Context, leaseQueues []string, now time.Time) ([]*task.Task, error) {
	if len(leaseQueues) == 0 {
		return nil, nil
	}
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE queue IN (` + placeholders(len(leaseQueues)) + `)
		AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`
	args := make([]any, 0, len(leaseQueues)+1)
	for _, q := range leaseQueues {
		args = append(args, q)
	}
	args = append(args, now.Unix())

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired leases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*task.Task
	for rows.Next() {
		model, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

func (r *taskRepository) CountByQueue(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT queue, COUNT(*) FROM tasks GROUP BY queue`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var queue string
		var count int
		if err := rows.Scan(&queue, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		counts[queue] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue counts: %w", err)
	}
	return counts, nil
}

// placeholders returns n comma-separated "?" marks.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
