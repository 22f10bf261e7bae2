// Package approvals keeps the audit trail of provisioning decisions: the
// submission, and any human approval or rejection that resolved an
// escalation.
package approvals

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Action enumerates approval log actions.
type Action string

const (
	// ActionSubmit marks a request submission.
	ActionSubmit Action = "SUBMIT"
	// ActionApprove marks a human approval of an escalated request.
	ActionApprove Action = "APPROVE"
	// ActionReject marks a human rejection of an escalated request.
	ActionReject Action = "REJECT"
)

// Entry is a single approval record.
type Entry struct {
	ID         int64     `json:"id"`
	InstanceID string    `json:"instance_id"`
	Actor      string    `json:"actor"`
	Action     Action    `json:"action"`
	Note       string    `json:"note,omitempty"`
	At         time.Time `json:"at"`
}

// RecorderPort persists approval history.
type RecorderPort interface {
	Record(ctx context.Context, entry Entry) error
	List(ctx context.Context, instanceID string) ([]Entry, error)
}

// Recorder persists approval history in PostgreSQL.
type Recorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRecorder constructs Recorder.
func NewRecorder(pool *pgxpool.Pool, logger *slog.Logger) *Recorder {
	return &Recorder{pool: pool, logger: logger}
}

func validate(entry Entry) error {
	if entry.InstanceID == "" {
		return errors.New("approval instance id required")
	}
	if entry.Actor == "" {
		return errors.New("approval actor required")
	}
	if entry.Action == "" {
		return errors.New("approval action required")
	}
	return nil
}

// Record writes an approval entry to the database.
func (r *Recorder) Record(ctx context.Context, entry Entry) error {
	if r == nil {
		return errors.New("approval recorder not initialised")
	}
	if err := validate(entry); err != nil {
		return err
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO approvals (instance_id, actor, action, note, at)
VALUES ($1, $2, $3, $4, $5)`,
		entry.InstanceID, entry.Actor, string(entry.Action), entry.Note, entry.At)
	if err != nil {
		r.logger.Error("record approval", slog.Any("error", err))
		return err
	}
	return nil
}

// List returns the approval trail for the instance, oldest first.
func (r *Recorder) List(ctx context.Context, instanceID string) ([]Entry, error) {
	if r == nil {
		return nil, errors.New("approval recorder not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id, instance_id, actor, action, note, at
FROM approvals WHERE instance_id=$1 ORDER BY at ASC, id ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.Actor, &e.Action, &e.Note, &e.At); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
