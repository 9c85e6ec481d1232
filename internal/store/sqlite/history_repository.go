package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/maxthelion/octopoid/internal/task"
)

// historyRepository implements task.HistoryRepository using SQLite.
type historyRepository struct {
	db *sql.DB
}

func newHistoryRepository(db *sql.DB) *historyRepository {
	return &historyRepository{db: db}
}

var _ task.HistoryRepository = (*historyRepository)(nil)

func (r *historyRepository) Append(ctx context.Context, ev *task.HistoryEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO task_history (task_id, kind, actor, details, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.TaskID, ev.Kind, nullStr(ev.Actor), nullStr(ev.Details), ev.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert history event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	ev.ID = id
	return nil
}

func (r *historyRepository) ListByTask(ctx context.Context, taskID string, limit int) ([]*task.HistoryEvent, error) {
	query := `SELECT id, task_id, kind, actor, details, created_at FROM task_history
		WHERE task_id = ? ORDER BY id ASC`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*task.HistoryEvent
	for rows.Next() {
		var ev task.HistoryEvent
		var actor, details *string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.Kind, &actor, &details, &created); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		ev.Actor = strOf(actor)
		ev.Details = strOf(details)
		ev.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history rows: %w", err)
	}
	return out, nil
}
