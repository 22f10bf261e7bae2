package provisioning

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/provisio-io/provisio/internal/authz"
	"github.com/provisio-io/provisio/internal/saga"
)

// Workflow and event names recorded in saga history.
const (
	WorkflowProvisionMember   = "provision_member"
	WorkflowProvisionResource = "provision_resource"

	// EventApprovalDecision resolves an escalation. Exactly one delivery is
	// consumed per escalation; anything after the race is decided is lost.
	EventApprovalDecision = "approval_decision"
)

// Policies bundles the retry and escalation settings of the workflows.
type Policies struct {
	Step            saga.RetryPolicy
	ApprovalTimeout time.Duration
}

// DefaultPolicies returns production settings.
func DefaultPolicies() Policies {
	return Policies{
		Step:            saga.DefaultRetryPolicy(),
		ApprovalTimeout: 24 * time.Hour,
	}
}

// Workflows holds the deterministic orchestrator bodies.
type Workflows struct {
	policies Policies
}

// NewWorkflows builds Workflows instance.
func NewWorkflows(policies Policies) *Workflows {
	return &Workflows{policies: policies}
}

// Register wires both workflows into the runtime.
func (w *Workflows) Register(rt *saga.Runtime) {
	rt.RegisterWorkflow(WorkflowProvisionMember, w.ProvisionMember)
	rt.RegisterWorkflow(WorkflowProvisionResource, w.ProvisionResource)
}

// progress tracks which steps completed, so compensation only undoes work
// this saga actually did.
type progress struct {
	entityCreated bool
	tupleGranted  bool
}

// rollback names the compensating activities of one workflow kind.
type rollback struct {
	revokeActivity string
	revokeInput    any
	deleteActivity string
	deleteInput    any
}

// ProvisionMember gates, optionally escalates, writes the member row and
// grants the role tuple. On permanent failure it compensates in reverse
// completion order.
func (w *Workflows) ProvisionMember(ctx *saga.Context, input []byte) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	approved, err := w.authorize(ctx, req, authz.RelationCanAddMember)
	if err != nil {
		return failResult(Result{Status: StatusFailed, LastError: err.Error()})
	}
	if !approved {
		return complete(Result{Status: StatusDenied})
	}

	ctx.SetStatus("provisioning")
	rb := rollback{
		revokeActivity: ActivityRevokeRole,
		revokeInput:    GrantRoleInput{UserID: req.MemberID, Role: req.Role, OrganizationID: req.OrganizationID},
		deleteActivity: ActivityDeleteMember,
		deleteInput:    DeleteInput{ID: req.MemberID},
	}
	var p progress

	var created CreateOutput
	if err := ctx.ExecuteActivity(ActivityCreateMember, CreateMemberInput{
		MemberID:       req.MemberID,
		OrganizationID: req.OrganizationID,
		Email:          req.Email,
		DisplayName:    req.DisplayName,
		Role:           req.Role,
	}, &created, w.policies.Step); err != nil {
		return w.compensate(ctx, rb, p, err)
	}
	p.entityCreated = created.Created

	var grant GrantOutput
	if err := ctx.ExecuteActivity(ActivityGrantRole, GrantRoleInput{
		UserID:         req.MemberID,
		Role:           req.Role,
		OrganizationID: req.OrganizationID,
	}, &grant, w.policies.Step); err != nil {
		return w.compensate(ctx, rb, p, err)
	}
	p.tupleGranted = grant.Granted

	return complete(Result{Status: StatusCompleted, Granted: true})
}

// ProvisionResource gates, optionally escalates, writes the resource row and
// links it to the organization.
func (w *Workflows) ProvisionResource(ctx *saga.Context, input []byte) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	approved, err := w.authorize(ctx, req, authz.RelationCanAddResource)
	if err != nil {
		return failResult(Result{Status: StatusFailed, LastError: err.Error()})
	}
	if !approved {
		return complete(Result{Status: StatusDenied})
	}

	ctx.SetStatus("provisioning")
	rb := rollback{
		revokeActivity: ActivityUnlinkResource,
		revokeInput:    LinkResourceInput{OrganizationID: req.OrganizationID, ResourceID: req.ResourceID},
		deleteActivity: ActivityDeleteResource,
		deleteInput:    DeleteInput{ID: req.ResourceID},
	}
	var p progress

	var created CreateOutput
	if err := ctx.ExecuteActivity(ActivityCreateResource, CreateResourceInput{
		ResourceID:     req.ResourceID,
		OrganizationID: req.OrganizationID,
		Name:           req.ResourceName,
	}, &created, w.policies.Step); err != nil {
		return w.compensate(ctx, rb, p, err)
	}
	p.entityCreated = created.Created

	var grant GrantOutput
	if err := ctx.ExecuteActivity(ActivityLinkResource, LinkResourceInput{
		OrganizationID: req.OrganizationID,
		ResourceID:     req.ResourceID,
	}, &grant, w.policies.Step); err != nil {
		return w.compensate(ctx, rb, p, err)
	}
	p.tupleGranted = grant.Granted

	return complete(Result{Status: StatusCompleted, Granted: true})
}

// authorize runs the permission gate and, when it denies, escalates to a
// human: the approval event races the escalation timer and exactly one wins.
func (w *Workflows) authorize(ctx *saga.Context, req Request, relation string) (bool, error) {
	var gate CheckPermissionOutput
	if err := ctx.ExecuteActivity(ActivityCheckPermission, CheckPermissionInput{
		UserID:         req.RequesterID,
		Relation:       relation,
		OrganizationID: req.OrganizationID,
	}, &gate, w.policies.Step); err != nil {
		return false, err
	}
	if gate.Allowed {
		return true, nil
	}

	ctx.SetStatus(string(StatusAwaitingApproval))
	// Fire and forget. An unreachable approver mailbox must not settle the
	// request; the timer still bounds the wait.
	if err := ctx.ExecuteActivity(ActivityNotifyApprover, ApprovalRequest{
		InstanceID: ctx.InstanceID(),
		Request:    req,
	}, nil, w.policies.Step); err != nil {
		ctx.Logger().Warn("approver notification failed", slog.Any("error", err))
	}

	approval := ctx.WaitForEvent(EventApprovalDecision)
	timeout := ctx.CreateTimer(w.policies.ApprovalTimeout)
	winner, err := ctx.Race(approval, timeout)
	if err != nil {
		return false, err
	}
	if winner == timeout {
		return false, nil
	}
	var decision ApprovalDecision
	if err := winner.Result(&decision); err != nil {
		return false, err
	}
	return decision.Approved, nil
}

// compensate undoes completed steps in reverse completion order. A failing
// compensation marks the result for manual reconciliation; the remaining
// compensations still run.
func (w *Workflows) compensate(ctx *saga.Context, rb rollback, p progress, cause error) ([]byte, error) {
	ctx.SetStatus("compensating")
	res := Result{Status: StatusFailed, LastError: cause.Error()}
	// Compensation is best effort: a single attempt each, surfaced rather
	// than retried.
	if p.tupleGranted {
		if err := ctx.ExecuteActivity(rb.revokeActivity, rb.revokeInput, nil, saga.NoRetryPolicy()); err != nil {
			res.ReconcileRequired = true
			res.LastError += "; " + rb.revokeActivity + ": " + err.Error()
		}
	}
	if p.entityCreated {
		if err := ctx.ExecuteActivity(rb.deleteActivity, rb.deleteInput, nil, saga.NoRetryPolicy()); err != nil {
			res.ReconcileRequired = true
			res.LastError += "; " + rb.deleteActivity + ": " + err.Error()
		}
	}
	return failResult(res)
}

func complete(res Result) ([]byte, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func failResult(res Result) ([]byte, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	return payload, fmt.Errorf("provisioning failed: %s", res.LastError)
}
