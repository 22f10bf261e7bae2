package provisioning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/provisio-io/provisio/internal/authz"
	"github.com/provisio-io/provisio/internal/directory"
	"github.com/provisio-io/provisio/internal/saga"
)

// Activity names recorded in saga history.
const (
	ActivityCheckPermission = "check_permission"
	ActivityNotifyApprover  = "notify_approver"
	ActivityCreateMember    = "create_team_member"
	ActivityDeleteMember    = "delete_team_member"
	ActivityGrantRole       = "grant_member_role"
	ActivityRevokeRole      = "revoke_member_role"
	ActivityCreateResource  = "create_resource"
	ActivityDeleteResource  = "delete_resource"
	ActivityLinkResource    = "link_resource"
	ActivityUnlinkResource  = "unlink_resource"
)

// ApprovalRequest is handed to the approver notifier when a request
// escalates.
type ApprovalRequest struct {
	InstanceID string  `json:"instance_id"`
	Request    Request `json:"request"`
}

// ApproverNotifier delivers escalation notices to a human approver.
type ApproverNotifier interface {
	NotifyApprovalRequested(ctx context.Context, req ApprovalRequest) error
}

// CheckPermissionInput asks whether the user holds the relation on the org.
type CheckPermissionInput struct {
	UserID         string `json:"user_id"`
	Relation       string `json:"relation"`
	OrganizationID string `json:"organization_id"`
}

// CheckPermissionOutput is the gate verdict.
type CheckPermissionOutput struct {
	Allowed bool `json:"allowed"`
}

// CreateMemberInput provisions one team member row.
type CreateMemberInput struct {
	MemberID       string `json:"member_id"`
	OrganizationID string `json:"organization_id"`
	Email          string `json:"email"`
	DisplayName    string `json:"display_name"`
	Role           string `json:"role"`
}

// CreateOutput reports whether the entity write created a new row. Updates
// of pre-existing rows are not rolled back by compensation.
type CreateOutput struct {
	Created bool `json:"created"`
}

// DeleteInput removes one entity row during compensation.
type DeleteInput struct {
	ID string `json:"id"`
}

// GrantRoleInput writes a role tuple for the member on the organization.
type GrantRoleInput struct {
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
	OrganizationID string `json:"organization_id"`
}

// GrantOutput reports whether the tuple was newly written. Pre-existing
// grants are not revoked by compensation.
type GrantOutput struct {
	Granted bool `json:"granted"`
}

// CreateResourceInput provisions one resource row.
type CreateResourceInput struct {
	ResourceID     string `json:"resource_id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
}

// LinkResourceInput writes the organization tuple for a resource.
type LinkResourceInput struct {
	OrganizationID string `json:"organization_id"`
	ResourceID     string `json:"resource_id"`
}

// Activities implements the side-effecting steps of the provisioning
// workflows. Every step is idempotent so at-least-once execution converges.
type Activities struct {
	authz     *authz.Service
	directory directory.RepositoryPort
	notifier  ApproverNotifier
	logger    *slog.Logger
}

// NewActivities builds Activities instance.
func NewActivities(authzService *authz.Service, repo directory.RepositoryPort, notifier ApproverNotifier, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{authz: authzService, directory: repo, notifier: notifier, logger: logger}
}

// Register wires every activity into the runtime.
func (a *Activities) Register(rt *saga.Runtime) {
	rt.RegisterActivity(ActivityCheckPermission, step(a.checkPermission))
	rt.RegisterActivity(ActivityNotifyApprover, step(a.notifyApprover))
	rt.RegisterActivity(ActivityCreateMember, step(a.createMember))
	rt.RegisterActivity(ActivityDeleteMember, step(a.deleteMember))
	rt.RegisterActivity(ActivityGrantRole, step(a.grantRole))
	rt.RegisterActivity(ActivityRevokeRole, step(a.revokeRole))
	rt.RegisterActivity(ActivityCreateResource, step(a.createResource))
	rt.RegisterActivity(ActivityDeleteResource, step(a.deleteResource))
	rt.RegisterActivity(ActivityLinkResource, step(a.linkResource))
	rt.RegisterActivity(ActivityUnlinkResource, step(a.unlinkResource))
}

// step adapts a typed activity to the runtime's byte-level contract.
func step[I, O any](fn func(ctx context.Context, in I) (O, error)) saga.ActivityFunc {
	return func(ctx context.Context, input []byte) ([]byte, error) {
		var in I
		if len(input) > 0 {
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("decode activity input: %w", err)
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
}

func (a *Activities) checkPermission(ctx context.Context, in CheckPermissionInput) (CheckPermissionOutput, error) {
	allowed, err := a.authz.CheckPermissionOnOrg(ctx, in.UserID, in.Relation, in.OrganizationID)
	if err != nil {
		return CheckPermissionOutput{}, err
	}
	return CheckPermissionOutput{Allowed: allowed}, nil
}

func (a *Activities) notifyApprover(ctx context.Context, in ApprovalRequest) (struct{}, error) {
	return struct{}{}, a.notifier.NotifyApprovalRequested(ctx, in)
}

func (a *Activities) createMember(ctx context.Context, in CreateMemberInput) (CreateOutput, error) {
	created, err := a.directory.UpsertMember(ctx, directory.TeamMember{
		ID:             in.MemberID,
		OrganizationID: in.OrganizationID,
		Email:          in.Email,
		DisplayName:    in.DisplayName,
		Role:           in.Role,
	})
	if err != nil {
		return CreateOutput{}, err
	}
	return CreateOutput{Created: created}, nil
}

func (a *Activities) deleteMember(ctx context.Context, in DeleteInput) (struct{}, error) {
	return struct{}{}, a.directory.DeleteMember(ctx, in.ID)
}

func (a *Activities) grantRole(ctx context.Context, in GrantRoleInput) (GrantOutput, error) {
	has, err := a.authz.HasAssignment(ctx, in.UserID, in.Role, in.OrganizationID)
	if err != nil {
		return GrantOutput{}, err
	}
	if has {
		return GrantOutput{Granted: false}, nil
	}
	if err := a.authz.AssignUserToOrganization(ctx, in.UserID, in.Role, in.OrganizationID); err != nil {
		return GrantOutput{}, err
	}
	return GrantOutput{Granted: true}, nil
}

func (a *Activities) revokeRole(ctx context.Context, in GrantRoleInput) (struct{}, error) {
	return struct{}{}, a.authz.RemoveUserFromOrganization(ctx, in.UserID, in.Role, in.OrganizationID)
}

func (a *Activities) createResource(ctx context.Context, in CreateResourceInput) (CreateOutput, error) {
	created, err := a.directory.UpsertResource(ctx, directory.Resource{
		ID:             in.ResourceID,
		OrganizationID: in.OrganizationID,
		Name:           in.Name,
	})
	if err != nil {
		return CreateOutput{}, err
	}
	return CreateOutput{Created: created}, nil
}

func (a *Activities) deleteResource(ctx context.Context, in DeleteInput) (struct{}, error) {
	return struct{}{}, a.directory.DeleteResource(ctx, in.ID)
}

func (a *Activities) linkResource(ctx context.Context, in LinkResourceInput) (GrantOutput, error) {
	exists, err := a.authz.ResourceLinked(ctx, in.OrganizationID, in.ResourceID)
	if err != nil {
		return GrantOutput{}, err
	}
	if exists {
		return GrantOutput{Granted: false}, nil
	}
	if err := a.authz.AssignResourceToOrganization(ctx, in.OrganizationID, in.ResourceID); err != nil {
		return GrantOutput{}, err
	}
	return GrantOutput{Granted: true}, nil
}

func (a *Activities) unlinkResource(ctx context.Context, in LinkResourceInput) (struct{}, error) {
	return struct{}{}, a.authz.RemoveResourceFromOrganization(ctx, in.OrganizationID, in.ResourceID)
}
