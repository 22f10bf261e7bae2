package directory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var errRepoUnavailable = errors.New("directory store unavailable")

// MemoryRepository keeps members and resources in memory for tests and the
// runtime test mode. Upsert semantics match the PostgreSQL repository.
type MemoryRepository struct {
	mu        sync.RWMutex
	members   map[string]TeamMember
	resources map[string]Resource

	failUpserts int
	failDeletes bool
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		members:   make(map[string]TeamMember),
		resources: make(map[string]Resource),
	}
}

// FailNextUpserts makes the next n upsert calls fail.
func (r *MemoryRepository) FailNextUpserts(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failUpserts = n
}

// FailDeletes toggles simulated delete outages.
func (r *MemoryRepository) FailDeletes(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failDeletes = fail
}

func (r *MemoryRepository) takeUpsertFailure() bool {
	if r.failUpserts > 0 {
		r.failUpserts--
		return true
	}
	return false
}

// UpsertMember inserts or refreshes the member.
func (r *MemoryRepository) UpsertMember(ctx context.Context, member TeamMember) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.takeUpsertFailure() {
		return false, errRepoUnavailable
	}
	now := time.Now()
	existing, ok := r.members[member.ID]
	if ok {
		member.CreatedAt = existing.CreatedAt
	} else {
		member.CreatedAt = now
	}
	member.UpdatedAt = now
	r.members[member.ID] = member
	return !ok, nil
}

// GetMember returns the member by id.
func (r *MemoryRepository) GetMember(ctx context.Context, id string) (TeamMember, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[id]
	if !ok {
		return TeamMember{}, ErrNotFound
	}
	return m, nil
}

// DeleteMember removes the member.
func (r *MemoryRepository) DeleteMember(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failDeletes {
		return errRepoUnavailable
	}
	delete(r.members, id)
	return nil
}

// ListMembers returns members of the organization.
func (r *MemoryRepository) ListMembers(ctx context.Context, orgID string) ([]TeamMember, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var members []TeamMember
	for _, m := range r.members {
		if m.OrganizationID == orgID {
			members = append(members, m)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].CreatedAt.Before(members[j].CreatedAt) })
	return members, nil
}

// UpsertResource inserts or refreshes the resource.
func (r *MemoryRepository) UpsertResource(ctx context.Context, resource Resource) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.takeUpsertFailure() {
		return false, errRepoUnavailable
	}
	now := time.Now()
	existing, ok := r.resources[resource.ID]
	if ok {
		resource.CreatedAt = existing.CreatedAt
	} else {
		resource.CreatedAt = now
	}
	resource.UpdatedAt = now
	r.resources[resource.ID] = resource
	return !ok, nil
}

// GetResource returns the resource by id.
func (r *MemoryRepository) GetResource(ctx context.Context, id string) (Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[id]
	if !ok {
		return Resource{}, ErrNotFound
	}
	return res, nil
}

// DeleteResource removes the resource.
func (r *MemoryRepository) DeleteResource(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failDeletes {
		return errRepoUnavailable
	}
	delete(r.resources, id)
	return nil
}

// ListResources returns resources of the organization.
func (r *MemoryRepository) ListResources(ctx context.Context, orgID string) ([]Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var resources []Resource
	for _, res := range r.resources {
		if res.OrganizationID == orgID {
			resources = append(resources, res)
		}
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].CreatedAt.Before(resources[j].CreatedAt) })
	return resources, nil
}

// Ping always succeeds.
func (r *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}
