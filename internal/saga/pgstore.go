package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/provisio-io/provisio/internal/platform/db"
)

// PostgresStore persists instances and history in PostgreSQL. Advance
// serialisation uses session-scoped advisory locks keyed by instance id, so
// two workers never replay the same instance concurrently.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore backed by the provided pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// CreateInstance inserts a new instance row.
func (s *PostgresStore) CreateInstance(ctx context.Context, inst Instance) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO saga_instances (id, workflow, input, status, custom_status, result, last_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		inst.ID, inst.Workflow, inst.Input, string(inst.Status), inst.CustomStatus, inst.Result, inst.Error, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saga: create instance: %w", err)
	}
	return nil
}

// Instance loads one instance row.
func (s *PostgresStore) Instance(ctx context.Context, id string) (Instance, error) {
	var inst Instance
	var status string
	err := s.pool.QueryRow(ctx, `SELECT id, workflow, input, status, custom_status, result, last_error, created_at, updated_at
FROM saga_instances WHERE id = $1`, id).Scan(
		&inst.ID, &inst.Workflow, &inst.Input, &status, &inst.CustomStatus, &inst.Result, &inst.Error, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Instance{}, ErrNotFound
		}
		return Instance{}, fmt.Errorf("saga: load instance: %w", err)
	}
	inst.Status = InstanceStatus(status)
	return inst, nil
}

// UpdateInstance persists status, custom status, result and error fields.
func (s *PostgresStore) UpdateInstance(ctx context.Context, inst Instance) error {
	tag, err := s.pool.Exec(ctx, `UPDATE saga_instances
SET status = $2, custom_status = $3, result = $4, last_error = $5, updated_at = $6
WHERE id = $1`,
		inst.ID, string(inst.Status), inst.CustomStatus, inst.Result, inst.Error, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saga: update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEvents appends events inside one transaction, continuing the
// per-instance sequence.
func (s *PostgresStore) AppendEvents(ctx context.Context, id string, events []HistoryEvent) ([]HistoryEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	appended := make([]HistoryEvent, 0, len(events))
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var next int
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM saga_history WHERE instance_id = $1`, id).Scan(&next); err != nil {
			return fmt.Errorf("saga: next seq: %w", err)
		}
		for _, ev := range events {
			ev.Seq = next
			next++
			if _, err := tx.Exec(ctx, `INSERT INTO saga_history (instance_id, seq, kind, step, name, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				id, ev.Seq, string(ev.Kind), ev.Step, ev.Name, ev.Payload, ev.OccurredAt); err != nil {
				return fmt.Errorf("saga: append event: %w", err)
			}
			appended = append(appended, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appended, nil
}

// History returns the instance log in sequence order.
func (s *PostgresStore) History(ctx context.Context, id string) ([]HistoryEvent, error) {
	rows, err := s.pool.Query(ctx, `SELECT seq, kind, step, name, payload, occurred_at
FROM saga_history WHERE instance_id = $1 ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("saga: load history: %w", err)
	}
	defer rows.Close()
	var events []HistoryEvent
	for rows.Next() {
		var ev HistoryEvent
		var kind string
		if err := rows.Scan(&ev.Seq, &kind, &ev.Step, &ev.Name, &ev.Payload, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("saga: scan history: %w", err)
		}
		ev.Kind = EventKind(kind)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// ListRunning returns ids of instances that have not terminated, oldest first.
func (s *PostgresStore) ListRunning(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM saga_instances WHERE status = $1 ORDER BY created_at ASC`, string(InstanceRunning))
	if err != nil {
		return nil, fmt.Errorf("saga: list running: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Lock takes an advisory lock for the instance on a dedicated connection.
// The returned function releases both the lock and the connection.
func (s *PostgresStore) Lock(ctx context.Context, id string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("saga: acquire lock conn: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, id); err != nil {
		conn.Release()
		return nil, fmt.Errorf("saga: advisory lock: %w", err)
	}
	unlock := func() {
		// Unlock on a background context so cancellation cannot leak the lock.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, id)
		conn.Release()
	}
	return unlock, nil
}
