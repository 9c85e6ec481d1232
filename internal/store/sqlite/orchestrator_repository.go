package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maxthelion/octopoid/internal/task"
)

const orchestratorColumns = `id, cluster, machine_id, repo_url, status, last_heartbeat_at, version, created_at`

// orchestratorRepository implements task.OrchestratorRepository using SQLite.
type orchestratorRepository struct {
	db *sql.DB
}

func newOrchestratorRepository(db *sql.DB) *orchestratorRepository {
	return &orchestratorRepository{db: db}
}

var _ task.OrchestratorRepository = (*orchestratorRepository)(nil)

func scanOrchestrator(scanner interface{ Scan(...any) error }) (*task.Orchestrator, error) {
	var o task.Orchestrator
	var repoURL *string
	var heartbeat, created int64
	err := scanner.Scan(&o.ID, &o.Cluster, &o.MachineID, &repoURL, &o.Status, &heartbeat, &o.Version, &created)
	if err != nil {
		return nil, err
	}
	o.RepoURL = strOf(repoURL)
	o.LastHeartbeatAt = time.Unix(heartbeat, 0).UTC()
	o.CreatedAt = time.Unix(created, 0).UTC()
	return &o, nil
}

// Upsert registers an orchestrator, refreshing status and heartbeat when
// the id already exists. Re-registration after a crash is the common case.
func (r *orchestratorRepository) Upsert(ctx context.Context, o *task.Orchestrator) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO orchestrators (id, cluster, machine_id, repo_url, status, last_heartbeat_at, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT(id) DO UPDATE SET
			cluster = excluded.cluster,
			machine_id = excluded.machine_id,
			repo_url = excluded.repo_url,
			status = excluded.status,
			last_heartbeat_at = excluded.last_heartbeat_at,
			version = orchestrators.version + 1`,
		o.ID, o.Cluster, o.MachineID, nullStr(o.RepoURL), o.Status,
		o.LastHeartbeatAt.Unix(), o.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert orchestrator: %w", err)
	}
	return nil
}

func (r *orchestratorRepository) Get(ctx context.Context, id string) (*task.Orchestrator, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+orchestratorColumns+` FROM orchestrators WHERE id = ?`, id,
	)
	o, err := scanOrchestrator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get orchestrator: %w", err)
	}
	return o, nil
}

func (r *orchestratorRepository) List(ctx context.Context) ([]*task.Orchestrator, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orchestratorColumns+` FROM orchestrators ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list orchestrators: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*task.Orchestrator
	for rows.Next() {
		o, err := scanOrchestrator(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan orchestrator row: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orchestrator rows: %w", err)
	}
	return out, nil
}

// Heartbeat refreshes the heartbeat timestamp and flips offline
// orchestrators back to active.
func (r *orchestratorRepository) Heartbeat(ctx context.Context, id string, now time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE orchestrators SET last_heartbeat_at = ?, status = ?, version = version + 1 WHERE id = ?`,
		now.Unix(), task.OrchestratorActive, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
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

func (r *orchestratorRepository) MarkOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM orchestrators WHERE status != ? AND last_heartbeat_at < ?`,
		task.OrchestratorOffline, cutoff.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale orchestrators: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan orchestrator id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating orchestrator ids: %w", err)
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE orchestrators SET status = ?, version = version + 1 WHERE status != ? AND last_heartbeat_at < ?`,
		task.OrchestratorOffline, task.OrchestratorOffline, cutoff.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark orchestrators offline: %w", err)
	}
	return ids, nil
}
