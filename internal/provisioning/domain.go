// Package provisioning orchestrates member and resource provisioning as
// sagas: a permission gate, optional human escalation, an entity write and a
// relationship grant, with compensation when a later step fails for good.
package provisioning

// Request kinds routed to their workflows.
const (
	KindMember   = "member"
	KindResource = "resource"
)

// Request carries everything a provisioning workflow needs. Member and
// resource submissions share the envelope; kind selects which subject fields
// are required.
type Request struct {
	Kind           string `json:"kind"`
	RequesterID    string `json:"requester_id" validate:"required"`
	OrganizationID string `json:"organization_id" validate:"required"`

	MemberID    string `json:"member_id,omitempty"`
	Email       string `json:"email,omitempty" validate:"omitempty,email"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty" validate:"omitempty,oneof=admin member"`

	ResourceID   string `json:"resource_id,omitempty"`
	ResourceName string `json:"resource_name,omitempty"`
}

// Status is the externally visible state of a provisioning request.
type Status string

const (
	// StatusPending covers every non-terminal state except escalation.
	StatusPending Status = "pending"
	// StatusAwaitingApproval means the request escalated to a human.
	StatusAwaitingApproval Status = "awaiting_approval"
	// StatusCompleted means the entity exists and the relationship is granted.
	StatusCompleted Status = "completed"
	// StatusDenied means the gate refused and no approval arrived in time.
	// Nothing was provisioned.
	StatusDenied Status = "denied"
	// StatusFailed means a step failed permanently. Completed steps were
	// rolled back unless ReconcileRequired is set on the result.
	StatusFailed Status = "failed"
)

// Result is the terminal outcome of a provisioning workflow.
type Result struct {
	Status  Status `json:"status"`
	Granted bool   `json:"granted"`
	// LastError describes the activity failure that aborted the saga.
	LastError string `json:"last_error,omitempty"`
	// ReconcileRequired is set when compensation itself failed and a human
	// has to restore consistency between the two stores.
	ReconcileRequired bool `json:"reconcile_required,omitempty"`
}

// ApprovalDecision is the payload of the external approval event.
type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	Approver string `json:"approver"`
	Note     string `json:"note,omitempty"`
}

// RequestView is the status representation returned by the API.
type RequestView struct {
	ID     string  `json:"id"`
	Status Status  `json:"status"`
	Error  string  `json:"error,omitempty"`
	Result *Result `json:"result,omitempty"`
}
