package authz

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Service evaluates permission checks over stored tuples. Role tuples expand
// into permissions: organization admins can add members and resources, and
// both admins and members of an organization can view resources linked to it.
type Service struct {
	store  StorePort
	logger *slog.Logger
}

// NewService builds Service instance.
func NewService(store StorePort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// AssignUserToOrganization writes the role tuple for the user on the
// organization. Repeating an assignment is a no-op.
func (s *Service) AssignUserToOrganization(ctx context.Context, userID, role, orgID string) error {
	if role != RoleAdmin && role != RoleMember {
		return fmt.Errorf("unknown role %q", role)
	}
	return s.store.Write(ctx, Tuple{Subject: UserRef(userID), Relation: role, Object: OrgRef(orgID)})
}

// RemoveUserFromOrganization deletes the role tuple. Removing an absent
// assignment is a no-op.
func (s *Service) RemoveUserFromOrganization(ctx context.Context, userID, role, orgID string) error {
	return s.store.Delete(ctx, Tuple{Subject: UserRef(userID), Relation: role, Object: OrgRef(orgID)})
}

// HasAssignment reports whether the exact role tuple is stored.
func (s *Service) HasAssignment(ctx context.Context, userID, role, orgID string) (bool, error) {
	return s.store.Exists(ctx, Tuple{Subject: UserRef(userID), Relation: role, Object: OrgRef(orgID)})
}

// AssignResourceToOrganization links a resource to its owning organization.
func (s *Service) AssignResourceToOrganization(ctx context.Context, orgID, resourceID string) error {
	return s.store.Write(ctx, Tuple{Subject: OrgRef(orgID), Relation: RelationOrganization, Object: ResourceRef(resourceID)})
}

// ResourceLinked reports whether the resource is linked to the organization.
func (s *Service) ResourceLinked(ctx context.Context, orgID, resourceID string) (bool, error) {
	return s.store.Exists(ctx, Tuple{Subject: OrgRef(orgID), Relation: RelationOrganization, Object: ResourceRef(resourceID)})
}

// RemoveResourceFromOrganization unlinks a resource from its organization.
func (s *Service) RemoveResourceFromOrganization(ctx context.Context, orgID, resourceID string) error {
	return s.store.Delete(ctx, Tuple{Subject: OrgRef(orgID), Relation: RelationOrganization, Object: ResourceRef(resourceID)})
}

// CheckPermissionOnOrg reports whether the user holds the relation on the
// organization, directly or through role expansion.
func (s *Service) CheckPermissionOnOrg(ctx context.Context, userID, relation, orgID string) (bool, error) {
	relations, err := s.store.SubjectRelations(ctx, UserRef(userID), OrgRef(orgID))
	if err != nil {
		return false, err
	}
	for _, held := range relations {
		if held == relation {
			return true, nil
		}
		if held == RoleAdmin && (relation == RelationCanAddMember || relation == RelationCanAddResource) {
			return true, nil
		}
	}
	return false, nil
}

// CheckPermissionOnResource reports whether the user may exercise the
// relation on the resource. Membership in the owning organization grants
// can_view_resource.
func (s *Service) CheckPermissionOnResource(ctx context.Context, userID, relation, resourceID string) (bool, error) {
	direct, err := s.store.Exists(ctx, Tuple{Subject: UserRef(userID), Relation: relation, Object: ResourceRef(resourceID)})
	if err != nil {
		return false, err
	}
	if direct {
		return true, nil
	}
	if relation != RelationCanViewResource {
		return false, nil
	}
	owners, err := s.store.Subjects(ctx, RelationOrganization, ResourceRef(resourceID))
	if err != nil {
		return false, err
	}
	for _, org := range owners {
		relations, err := s.store.SubjectRelations(ctx, UserRef(userID), org)
		if err != nil {
			return false, err
		}
		for _, held := range relations {
			if held == RoleAdmin || held == RoleMember {
				return true, nil
			}
		}
	}
	return false, nil
}

// UserOrganizations returns ids of organizations the user has any role on.
func (s *Service) UserOrganizations(ctx context.Context, userID string) ([]string, error) {
	objects, err := s.store.ObjectsForSubject(ctx, UserRef(userID), "organization:")
	if err != nil {
		return nil, err
	}
	orgs := make([]string, 0, len(objects))
	for _, o := range objects {
		orgs = append(orgs, strings.TrimPrefix(o, "organization:"))
	}
	return orgs, nil
}

// UserResources returns ids of resources the user can view through any of
// their organizations.
func (s *Service) UserResources(ctx context.Context, userID string) ([]string, error) {
	orgObjects, err := s.store.ObjectsForSubject(ctx, UserRef(userID), "organization:")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var resources []string
	for _, org := range orgObjects {
		linked, err := s.store.RelatedObjects(ctx, RelationOrganization, org)
		if err != nil {
			return nil, err
		}
		for _, obj := range linked {
			id := strings.TrimPrefix(obj, "resource:")
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			resources = append(resources, id)
		}
	}
	return resources, nil
}

// Health verifies the tuple store is reachable.
func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}
