package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssignAndCheckOrgPermissions(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil)

	require.NoError(t, svc.AssignUserToOrganization(ctx, "u-1", RoleAdmin, "org-1"))
	require.NoError(t, svc.AssignUserToOrganization(ctx, "u-2", RoleMember, "org-1"))

	allowed, err := svc.CheckPermissionOnOrg(ctx, "u-1", RelationCanAddMember, "org-1")
	require.NoError(t, err)
	require.True(t, allowed, "admin can add members")

	allowed, err = svc.CheckPermissionOnOrg(ctx, "u-2", RelationCanAddMember, "org-1")
	require.NoError(t, err)
	require.False(t, allowed, "member cannot add members")

	allowed, err = svc.CheckPermissionOnOrg(ctx, "u-1", RelationCanAddResource, "org-1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = svc.CheckPermissionOnOrg(ctx, "u-1", RelationCanAddMember, "org-2")
	require.NoError(t, err)
	require.False(t, allowed, "permission is scoped to the organization")
}

func TestAssignRejectsUnknownRole(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	err := svc.AssignUserToOrganization(context.Background(), "u-1", "owner", "org-1")
	require.Error(t, err)
}

func TestAssignIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil)

	require.NoError(t, svc.AssignUserToOrganization(ctx, "u-1", RoleMember, "org-1"))
	require.NoError(t, svc.AssignUserToOrganization(ctx, "u-1", RoleMember, "org-1"))

	orgs, err := svc.UserOrganizations(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, []string{"org-1"}, orgs)
}

func TestRemoveAssignment(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil)

	require.NoError(t, svc.AssignUserToOrganization(ctx, "u-1", RoleMember, "org-1"))
	require.NoError(t, svc.RemoveUserFromOrganization(ctx, "u-1", RoleMember, "org-1"))

	has, err := svc.HasAssignment(ctx, "u-1", RoleMember, "org-1")
	require.NoError(t, err)
	require.False(t, has)

	// Removing again stays a no-op.
	require.NoError(t, svc.RemoveUserFromOrganization(ctx, "u-1", RoleMember, "org-1"))
}

func TestResourceViewThroughOrganization(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil)

	require.NoError(t, svc.AssignUserToOrganization(ctx, "u-1", RoleMember, "org-1"))
	require.NoError(t, svc.AssignResourceToOrganization(ctx, "org-1", "res-1"))

	allowed, err := svc.CheckPermissionOnResource(ctx, "u-1", RelationCanViewResource, "res-1")
	require.NoError(t, err)
	require.True(t, allowed, "org member sees org resources")

	allowed, err = svc.CheckPermissionOnResource(ctx, "u-2", RelationCanViewResource, "res-1")
	require.NoError(t, err)
	require.False(t, allowed, "outsider sees nothing")

	resources, err := svc.UserResources(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, []string{"res-1"}, resources)
}
