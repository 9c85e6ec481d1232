package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/maxthelion/octopoid/internal/task"
)

// messageRepository implements task.MessageRepository using SQLite.
type messageRepository struct {
	db *sql.DB
}

func newMessageRepository(db *sql.DB) *messageRepository {
	return &messageRepository{db: db}
}

var _ task.MessageRepository = (*messageRepository)(nil)

func (r *messageRepository) Append(ctx context.Context, m *task.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (task_id, from_actor, to_actor, type, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.TaskID, m.FromActor, m.ToActor, m.Type, m.Content, m.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	m.ID = id
	return nil
}

func (r *messageRepository) List(ctx context.Context, f task.MessageFilter) ([]*task.Message, error) {
	var conds []string
	var args []any
	if f.TaskID != "" {
		conds = append(conds, `task_id = ?`)
		args = append(args, f.TaskID)
	}
	if f.Type != "" {
		conds = append(conds, `type = ?`)
		args = append(args, f.Type)
	}
	if f.ToActor != "" {
		conds = append(conds, `to_actor = ?`)
		args = append(args, f.ToActor)
	}

	query := `SELECT id, task_id, from_actor, to_actor, type, content, created_at FROM messages`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*task.Message
	for rows.Next() {
		var m task.Message
		var created int64
		if err := rows.Scan(&m.ID, &m.TaskID, &m.FromActor, &m.ToActor, &m.Type, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return out, nil
}
