package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maxthelion/octopoid/internal/task"
)

// flowRepository implements task.FlowRepository using SQLite. The states
// columns hold JSON arrays so queue validation never has to re-parse YAML.
type flowRepository struct {
	db *sql.DB
}

func newFlowRepository(db *sql.DB) *flowRepository {
	return &flowRepository{db: db}
}

var _ task.FlowRepository = (*flowRepository)(nil)

func scanFlow(scanner interface{ Scan(...any) error }) (*task.FlowRecord, error) {
	var rec task.FlowRecord
	var states, leaseStates string
	var updated int64
	err := scanner.Scan(&rec.Name, &rec.Cluster, &rec.Document, &states, &leaseStates, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(states), &rec.States); err != nil {
		return nil, fmt.Errorf("failed to decode flow states: %w", err)
	}
	if err := json.Unmarshal([]byte(leaseStates), &rec.LeaseStates); err != nil {
		return nil, fmt.Errorf("failed to decode flow lease states: %w", err)
	}
	rec.UpdatedAt = time.Unix(updated, 0).UTC()
	return &rec, nil
}

// Put inserts or replaces a flow definition by name.
func (r *flowRepository) Put(ctx context.Context, rec *task.FlowRecord) error {
	states, err := json.Marshal(rec.States)
	if err != nil {
		return fmt.Errorf("failed to encode flow states: %w", err)
	}
	leaseStates, err := json.Marshal(rec.LeaseStates)
	if err != nil {
		return fmt.Errorf("failed to encode flow lease states: %w", err)
	}
	if rec.LeaseStates == nil {
		leaseStates = []byte(`[]`)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO flows (name, cluster, document, states, lease_states, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			cluster = excluded.cluster,
			document = excluded.document,
			states = excluded.states,
			lease_states = excluded.lease_states,
			updated_at = excluded.updated_at`,
		rec.Name, rec.Cluster, rec.Document, string(states), string(leaseStates),
		rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to put flow: %w", err)
	}
	return nil
}

func (r *flowRepository) Get(ctx context.Context, name string) (*task.FlowRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT name, cluster, document, states, lease_states, updated_at FROM flows WHERE name = ?`,
		name,
	)
	rec, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	return rec, nil
}

func (r *flowRepository) List(ctx context.Context) ([]*task.FlowRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, cluster, document, states, lease_states, updated_at FROM flows ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*task.FlowRecord
	for rows.Next() {
		rec, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flow rows: %w", err)
	}
	return out, nil
}
