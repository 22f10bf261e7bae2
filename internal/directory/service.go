package directory

import "context"

// Service handles directory read access. Mutations go through the
// provisioning saga, never through this service.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Member returns the member by id.
func (s *Service) Member(ctx context.Context, id string) (TeamMember, error) {
	return s.repo.GetMember(ctx, id)
}

// Members returns members of the organization.
func (s *Service) Members(ctx context.Context, orgID string) ([]TeamMember, error) {
	return s.repo.ListMembers(ctx, orgID)
}

// Resource returns the resource by id.
func (s *Service) Resource(ctx context.Context, id string) (Resource, error) {
	return s.repo.GetResource(ctx, id)
}

// Resources returns resources of the organization.
func (s *Service) Resources(ctx context.Context, orgID string) ([]Resource, error) {
	return s.repo.ListResources(ctx, orgID)
}

// Health verifies the backing store is reachable.
func (s *Service) Health(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
