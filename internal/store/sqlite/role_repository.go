package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/maxthelion/octopoid/internal/task"
)

// roleRepository implements task.RoleRepository using SQLite.
type roleRepository struct {
	db *sql.DB
}

func newRoleRepository(db *sql.DB) *roleRepository {
	return &roleRepository{db: db}
}

var _ task.RoleRepository = (*roleRepository)(nil)

func (r *roleRepository) Register(ctx context.Context, names []string, registeredBy string) error {
	if len(names) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	for _, name := range names {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO roles (name, registered_by, created_at) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET registered_by = excluded.registered_by`,
			name, nullStr(registeredBy), now,
		)
		if err != nil {
			return fmt.Errorf("failed to register role %q: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit role registration: %w", err)
	}
	return nil
}

func (r *roleRepository) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM roles ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan role row: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating role rows: %w", err)
	}
	return out, nil
}

func (r *roleRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM roles`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count roles: %w", err)
	}
	return count, nil
}
