package authz

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var errStoreUnavailable = errors.New("authz store unavailable")

// MemoryStore keeps tuples in memory. Used in tests and by the runtime test
// mode; behaviour matches PostgresStore including idempotent writes.
type MemoryStore struct {
	mu     sync.RWMutex
	tuples map[Tuple]struct{}

	failWrites  bool
	failDeletes bool
	failReads   bool
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tuples: make(map[Tuple]struct{})}
}

// FailWrites toggles simulated write outages.
func (s *MemoryStore) FailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = fail
}

// FailDeletes toggles simulated delete outages.
func (s *MemoryStore) FailDeletes(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDeletes = fail
}

// FailReads toggles simulated read outages, covering lookups and checks.
func (s *MemoryStore) FailReads(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReads = fail
}

// Write stores the tuple.
func (s *MemoryStore) Write(ctx context.Context, tuple Tuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errStoreUnavailable
	}
	s.tuples[tuple] = struct{}{}
	return nil
}

// Delete removes the tuple.
func (s *MemoryStore) Delete(ctx context.Context, tuple Tuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDeletes {
		return errStoreUnavailable
	}
	delete(s.tuples, tuple)
	return nil
}

// Exists reports whether the tuple is stored.
func (s *MemoryStore) Exists(ctx context.Context, tuple Tuple) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failReads {
		return false, errStoreUnavailable
	}
	_, ok := s.tuples[tuple]
	return ok, nil
}

// SubjectRelations returns the relations the subject holds directly on the object.
func (s *MemoryStore) SubjectRelations(ctx context.Context, subject, object string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failReads {
		return nil, errStoreUnavailable
	}
	var relations []string
	for t := range s.tuples {
		if t.Subject == subject && t.Object == object {
			relations = append(relations, t.Relation)
		}
	}
	sort.Strings(relations)
	return relations, nil
}

// ObjectsForSubject returns objects with the given prefix the subject has any
// direct relation on.
func (s *MemoryStore) ObjectsForSubject(ctx context.Context, subject, objectPrefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for t := range s.tuples {
		if t.Subject == subject && strings.HasPrefix(t.Object, objectPrefix) {
			seen[t.Object] = struct{}{}
		}
	}
	objects := make([]string, 0, len(seen))
	for o := range seen {
		objects = append(objects, o)
	}
	sort.Strings(objects)
	return objects, nil
}

// RelatedObjects returns objects linked to the subject via the relation.
func (s *MemoryStore) RelatedObjects(ctx context.Context, relation, subject string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var objects []string
	for t := range s.tuples {
		if t.Relation == relation && t.Subject == subject {
			objects = append(objects, t.Object)
		}
	}
	sort.Strings(objects)
	return objects, nil
}

// Subjects returns subjects holding the relation on the object.
func (s *MemoryStore) Subjects(ctx context.Context, relation, object string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failReads {
		return nil, errStoreUnavailable
	}
	var subjects []string
	for t := range s.tuples {
		if t.Relation == relation && t.Object == object {
			subjects = append(subjects, t.Subject)
		}
	}
	sort.Strings(subjects)
	return subjects, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
