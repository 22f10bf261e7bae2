package shared

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyPort binds client supplied idempotency keys to saga instance
// ids so a resubmitted request attaches to the running instance instead of
// starting a second one.
type IdempotencyPort interface {
	// Claim binds key to instanceID if the key is unseen and returns the
	// bound id, which is the previously stored one on a duplicate.
	Claim(ctx context.Context, key, instanceID string) (string, error)
	Delete(ctx context.Context, key string) error
}

// IdempotencyStore persists key bindings in PostgreSQL.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// Claim binds the key to the instance id, returning the winning binding.
func (s *IdempotencyStore) Claim(ctx context.Context, key, instanceID string) (string, error) {
	if s == nil {
		return "", errors.New("idempotency store not initialised")
	}
	if key == "" {
		return "", errors.New("idempotency key required")
	}
	if instanceID == "" {
		return "", errors.New("idempotency instance id required")
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (key, instance_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING`, key, instanceID, time.Now())
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 1 {
		return instanceID, nil
	}
	var existing string
	if err := s.pool.QueryRow(ctx, `SELECT instance_id FROM idempotency_keys WHERE key=$1`, key).Scan(&existing); err != nil {
		return "", err
	}
	return existing, nil
}

// Delete removes a key, typically used to roll back failed submission.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if s == nil {
		return nil
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key=$1`, key)
	return err
}

// Cleanup removes entries older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if s == nil {
		return nil
	}
	cutoff := time.Now().Add(-olderThan)
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	return err
}

// MemoryIdempotencyStore keeps key bindings in memory for tests.
type MemoryIdempotencyStore struct {
	mu   sync.Mutex
	keys map[string]string
}

// NewMemoryIdempotencyStore constructs an empty MemoryIdempotencyStore.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{keys: make(map[string]string)}
}

// Claim binds the key to the instance id, returning the winning binding.
func (s *MemoryIdempotencyStore) Claim(ctx context.Context, key, instanceID string) (string, error) {
	if key == "" {
		return "", errors.New("idempotency key required")
	}
	if instanceID == "" {
		return "", errors.New("idempotency instance id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.keys[key]; ok {
		return existing, nil
	}
	s.keys[key] = instanceID
	return instanceID, nil
}

// Delete removes a key.
func (s *MemoryIdempotencyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}
