package approvals

import (
	"context"
	"sync"
	"time"
)

// MemoryRecorder keeps approval entries in memory for tests and the runtime
// test mode.
type MemoryRecorder struct {
	mu      sync.Mutex
	nextID  int64
	entries map[string][]Entry
}

// NewMemoryRecorder constructs an empty MemoryRecorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{nextID: 1, entries: make(map[string][]Entry)}
}

// Record appends the entry to the instance trail.
func (r *MemoryRecorder) Record(ctx context.Context, entry Entry) error {
	if err := validate(entry); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.ID = r.nextID
	r.nextID++
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	r.entries[entry.InstanceID] = append(r.entries[entry.InstanceID], entry)
	return nil
}

// List returns the approval trail for the instance, oldest first.
func (r *MemoryRecorder) List(ctx context.Context, instanceID string) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	trail := r.entries[instanceID]
	out := make([]Entry, len(trail))
	copy(out, trail)
	return out, nil
}
