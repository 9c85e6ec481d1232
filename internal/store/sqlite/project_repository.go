package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maxthelion/octopoid/internal/task"
)

const projectColumns = `id, title, status, branch, base_branch, auto_accept, created_at, updated_at`

// projectRepository implements task.ProjectRepository using SQLite.
type projectRepository struct {
	db *sql.DB
}

func newProjectRepository(db *sql.DB) *projectRepository {
	return &projectRepository{db: db}
}

var _ task.ProjectRepository = (*projectRepository)(nil)

func scanProject(scanner interface{ Scan(...any) error }) (*task.Project, error) {
	var p task.Project
	var branch, baseBranch *string
	var created, updated int64
	err := scanner.Scan(&p.ID, &p.Title, &p.Status, &branch, &baseBranch, &p.AutoAccept, &created, &updated)
	if err != nil {
		return nil, err
	}
	p.Branch = strOf(branch)
	p.BaseBranch = strOf(baseBranch)
	p.CreatedAt = time.Unix(created, 0).UTC()
	p.UpdatedAt = time.Unix(updated, 0).UTC()
	return &p, nil
}

func (r *projectRepository) Create(ctx context.Context, p *task.Project) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO projects (id, title, status, branch, base_branch, auto_accept, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.Status, nullStr(p.Branch), nullStr(p.BaseBranch), p.AutoAccept,
		p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

func (r *projectRepository) Get(ctx context.Context, id string) (*task.Project, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id,
	)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

func (r *projectRepository) List(ctx context.Context) ([]*task.Project, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*task.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating project rows: %w", err)
	}
	return out, nil
}

func (r *projectRepository) Update(ctx context.Context, p *task.Project) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE projects SET title = ?, status = ?, branch = ?, base_branch = ?, auto_accept = ?, updated_at = ?
		 WHERE id = ?`,
		p.Title, p.Status, nullStr(p.Branch), nullStr(p.BaseBranch), p.AutoAccept,
		time.Now().Unix(), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
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
