package saga

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used by tests and single-node setups
// that do not need durability across restarts.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]Instance
	history   map[string][]HistoryEvent
	locks     map[string]*sync.Mutex
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]Instance),
		history:   make(map[string][]HistoryEvent),
		locks:     make(map[string]*sync.Mutex),
	}
}

// CreateInstance registers a new instance.
func (s *MemoryStore) CreateInstance(ctx context.Context, inst Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst
	return nil
}

// Instance returns the instance by id.
func (s *MemoryStore) Instance(ctx context.Context, id string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return inst, nil
}

// UpdateInstance overwrites the stored instance envelope.
func (s *MemoryStore) UpdateInstance(ctx context.Context, inst Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return ErrNotFound
	}
	s.instances[inst.ID] = inst
	return nil
}

// AppendEvents appends events to the instance log, assigning sequence numbers.
func (s *MemoryStore) AppendEvents(ctx context.Context, id string, events []HistoryEvent) ([]HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return nil, ErrNotFound
	}
	log := s.history[id]
	next := len(log) + 1
	appended := make([]HistoryEvent, 0, len(events))
	for _, ev := range events {
		ev.Seq = next
		next++
		log = append(log, ev)
		appended = append(appended, ev)
	}
	s.history[id] = log
	return appended, nil
}

// History returns a copy of the instance log in sequence order.
func (s *MemoryStore) History(ctx context.Context, id string) ([]HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return nil, ErrNotFound
	}
	log := s.history[id]
	out := make([]HistoryEvent, len(log))
	copy(out, log)
	return out, nil
}

// ListRunning returns ids of instances that have not terminated.
func (s *MemoryStore) ListRunning(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, inst := range s.instances {
		if !inst.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Lock acquires the per-instance advance lock.
func (s *MemoryStore) Lock(ctx context.Context, id string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock, nil
}
