package saga

import (
	"context"
	"errors"
	"time"
)

// InstanceStatus is the runtime-level lifecycle of a saga instance, distinct
// from any domain status the workflow computes in its result payload.
type InstanceStatus string

const (
	// InstanceRunning means the workflow has not reached a terminal state.
	InstanceRunning InstanceStatus = "running"
	// InstanceCompleted means the workflow returned a result.
	InstanceCompleted InstanceStatus = "completed"
	// InstanceFailed means the workflow function itself returned an error.
	InstanceFailed InstanceStatus = "failed"
)

var (
	// ErrNotFound indicates an unknown instance id.
	ErrNotFound = errors.New("saga: instance not found")
	// ErrInstanceCompleted indicates a delivery attempt to a terminal instance.
	ErrInstanceCompleted = errors.New("saga: instance already completed")
)

// Instance is the persisted envelope of one saga execution.
type Instance struct {
	ID           string
	Workflow     string
	Input        []byte
	Status       InstanceStatus
	CustomStatus string
	Result       []byte
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Terminal reports whether the instance reached a terminal runtime status.
func (i Instance) Terminal() bool {
	return i.Status == InstanceCompleted || i.Status == InstanceFailed
}

// Store persists instances and their history. AppendEvents assigns sequence
// numbers; Lock serialises advances so at most one logical execution of an
// instance's workflow function is active at a time.
type Store interface {
	CreateInstance(ctx context.Context, inst Instance) error
	Instance(ctx context.Context, id string) (Instance, error)
	UpdateInstance(ctx context.Context, inst Instance) error
	AppendEvents(ctx context.Context, id string, events []HistoryEvent) ([]HistoryEvent, error)
	History(ctx context.Context, id string) ([]HistoryEvent, error)
	ListRunning(ctx context.Context) ([]string, error)
	Lock(ctx context.Context, id string) (func(), error)
}
