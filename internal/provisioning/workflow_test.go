package provisioning

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/provisio-io/provisio/internal/authz"
	"github.com/provisio-io/provisio/internal/directory"
	"github.com/provisio-io/provisio/internal/saga"
)

type fakeNotifier struct {
	mu       sync.Mutex
	requests []ApprovalRequest
}

func (f *fakeNotifier) NotifyApprovalRequested(ctx context.Context, req ApprovalRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type harness struct {
	runtime   *saga.Runtime
	worker    *saga.InlineWorker
	authz     *authz.MemoryStore
	authzSvc  *authz.Service
	directory *directory.MemoryRepository
	notifier  *fakeNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tuples := authz.NewMemoryStore()
	authzSvc := authz.NewService(tuples, logger)
	repo := directory.NewMemoryRepository()
	notifier := &fakeNotifier{}

	worker := saga.NewInlineWorker()
	rt := saga.NewRuntime(saga.NewMemoryStore(), worker, saga.WithLogger(logger))
	worker.Bind(rt)

	policies := Policies{
		Step: saga.RetryPolicy{
			FirstInterval:      time.Millisecond,
			MaxAttempts:        3,
			BackoffCoefficient: 2,
			MaxInterval:        10 * time.Millisecond,
			Timeout:            time.Second,
		},
		ApprovalTimeout: time.Hour,
	}
	NewWorkflows(policies).Register(rt)
	NewActivities(authzSvc, repo, notifier, logger).Register(rt)

	return &harness{
		runtime:   rt,
		worker:    worker,
		authz:     tuples,
		authzSvc:  authzSvc,
		directory: repo,
		notifier:  notifier,
	}
}

func (h *harness) memberRequest() Request {
	return Request{
		Kind:           KindMember,
		RequesterID:    "admin-1",
		OrganizationID: "org-1",
		MemberID:       "new-user",
		Email:          "new@example.com",
		DisplayName:    "New User",
		Role:           authz.RoleMember,
	}
}

func (h *harness) grantAdmin(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, h.authzSvc.AssignUserToOrganization(context.Background(), userID, authz.RoleAdmin, "org-1"))
}

func (h *harness) start(t *testing.T, req Request) string {
	t.Helper()
	id, err := h.runtime.Start(context.Background(), workflowName(req.Kind), req)
	require.NoError(t, err)
	require.NoError(t, h.worker.Drain(context.Background()))
	return id
}

func (h *harness) view(t *testing.T, id string) RequestView {
	t.Helper()
	inst, err := h.runtime.Instance(context.Background(), id)
	require.NoError(t, err)
	return viewOf(inst)
}

func TestProvisionMemberAllowedRequester(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.grantAdmin(t, "admin-1")

	id := h.start(t, h.memberRequest())

	view := h.view(t, id)
	require.Equal(t, StatusCompleted, view.Status)
	require.NotNil(t, view.Result)
	require.True(t, view.Result.Granted)
	require.Zero(t, h.notifier.count(), "no escalation for an allowed requester")

	member, err := h.directory.GetMember(ctx, "new-user")
	require.NoError(t, err)
	require.Equal(t, "org-1", member.OrganizationID)

	has, err := h.authzSvc.HasAssignment(ctx, "new-user", authz.RoleMember, "org-1")
	require.NoError(t, err)
	require.True(t, has)
}

func TestProvisionMemberEscalatesAndApproves(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	// Requester holds no role, so the gate denies and the request escalates.
	req := h.memberRequest()
	req.RequesterID = "outsider"

	id := h.start(t, req)

	view := h.view(t, id)
	require.Equal(t, StatusAwaitingApproval, view.Status)
	require.Equal(t, 1, h.notifier.count())
	require.Len(t, h.worker.PendingTimers(), 1, "escalation timer is durable, not a local clock")

	err := h.runtime.DeliverEvent(ctx, id, EventApprovalDecision, ApprovalDecision{Approved: true, Approver: "boss@example.com"})
	require.NoError(t, err)
	require.NoError(t, h.worker.Drain(ctx))

	view = h.view(t, id)
	require.Equal(t, StatusCompleted, view.Status)

	_, err = h.directory.GetMember(ctx, "new-user")
	require.NoError(t, err)
}

func TestProvisionMemberEscalationRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	req := h.memberRequest()
	req.RequesterID = "outsider"

	id := h.start(t, req)

	err := h.runtime.DeliverEvent(ctx, id, EventApprovalDecision, ApprovalDecision{Approved: false, Approver: "boss@example.com"})
	require.NoError(t, err)
	require.NoError(t, h.worker.Drain(ctx))

	view := h.view(t, id)
	require.Equal(t, StatusDenied, view.Status)

	_, err = h.directory.GetMember(ctx, "new-user")
	require.ErrorIs(t, err, directory.ErrNotFound, "denied requests provision nothing")
}

func TestProvisionMemberEscalationTimesOut(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	req := h.memberRequest()
	req.RequesterID = "outsider"

	id := h.start(t, req)

	require.NoError(t, h.worker.FireTimer(ctx, id))
	require.NoError(t, h.worker.Drain(ctx))

	view := h.view(t, id)
	require.Equal(t, StatusDenied, view.Status)

	// A decision after the deadline cannot change the outcome.
	err := h.runtime.DeliverEvent(ctx, id, EventApprovalDecision, ApprovalDecision{Approved: true, Approver: "boss@example.com"})
	require.ErrorIs(t, err, saga.ErrInstanceCompleted)

	view = h.view(t, id)
	require.Equal(t, StatusDenied, view.Status)
	_, err = h.directory.GetMember(ctx, "new-user")
	require.ErrorIs(t, err, directory.ErrNotFound)
}

func TestProvisionMemberApprovalBeatsLateTimer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	req := h.memberRequest()
	req.RequesterID = "outsider"

	id := h.start(t, req)

	require.NoError(t, h.runtime.DeliverEvent(ctx, id, EventApprovalDecision, ApprovalDecision{Approved: true, Approver: "boss@example.com"}))
	require.NoError(t, h.worker.Drain(ctx))
	require.Equal(t, StatusCompleted, h.view(t, id).Status)

	// The still-queued timer fires afterwards and must change nothing.
	require.NoError(t, h.worker.FireTimer(ctx, id))
	require.Equal(t, StatusCompleted, h.view(t, id).Status)
}

func TestGateStoreOutageFailsDistinctFromDenial(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.grantAdmin(t, "admin-1")
	// The tuple store is down; the gate cannot decide either way.
	h.authz.FailReads(true)

	id := h.start(t, h.memberRequest())

	view := h.view(t, id)
	require.Equal(t, StatusFailed, view.Status, "a store outage is not a denial")
	require.NotNil(t, view.Result)
	require.NotEmpty(t, view.Result.LastError)

	require.Zero(t, h.notifier.count(), "no escalation without a gate verdict")
	_, err := h.directory.GetMember(ctx, "new-user")
	require.ErrorIs(t, err, directory.ErrNotFound, "no provisioning activity ran")
}

func TestProvisionMemberGrantFailureCompensatesEntity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.grantAdmin(t, "admin-1")
	h.authz.FailWrites(true)

	id := h.start(t, h.memberRequest())

	view := h.view(t, id)
	require.Equal(t, StatusFailed, view.Status)
	require.NotNil(t, view.Result)
	require.False(t, view.Result.ReconcileRequired)
	require.NotEmpty(t, view.Result.LastError)

	_, err := h.directory.GetMember(ctx, "new-user")
	require.ErrorIs(t, err, directory.ErrNotFound, "created row is rolled back")
}

func TestProvisionMemberCompensationFailureFlagsReconcile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.grantAdmin(t, "admin-1")
	h.authz.FailWrites(true)
	h.directory.FailDeletes(true)

	id := h.start(t, h.memberRequest())

	view := h.view(t, id)
	require.Equal(t, StatusFailed, view.Status)
	require.NotNil(t, view.Result)
	require.True(t, view.Result.ReconcileRequired, "failed rollback needs manual reconciliation")

	_, err := h.directory.GetMember(ctx, "new-user")
	require.NoError(t, err, "the orphaned row is left for reconciliation")
}

func TestProvisionMemberCreateFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.grantAdmin(t, "admin-1")
	// Exhaust the 3-attempt budget of the create step.
	h.directory.FailNextUpserts(3)

	id := h.start(t, h.memberRequest())

	view := h.view(t, id)
	require.Equal(t, StatusFailed, view.Status)

	_, err := h.directory.GetMember(ctx, "new-user")
	require.ErrorIs(t, err, directory.ErrNotFound)
	has, err := h.authzSvc.HasAssignment(ctx, "new-user", authz.RoleMember, "org-1")
	require.NoError(t, err)
	require.False(t, has)
}

func TestProvisionMemberTransientFailureRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.grantAdmin(t, "admin-1")
	// Two failures stay inside the 3-attempt budget.
	h.directory.FailNextUpserts(2)

	id := h.start(t, h.memberRequest())

	require.Equal(t, StatusCompleted, h.view(t, id).Status)
	_, err := h.directory.GetMember(ctx, "new-user")
	require.NoError(t, err)
}

func TestProvisionResourceHappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.grantAdmin(t, "admin-1")

	id := h.start(t, Request{
		Kind:           KindResource,
		RequesterID:    "admin-1",
		OrganizationID: "org-1",
		ResourceID:     "res-1",
		ResourceName:   "reports",
	})

	require.Equal(t, StatusCompleted, h.view(t, id).Status)

	res, err := h.directory.GetResource(ctx, "res-1")
	require.NoError(t, err)
	require.Equal(t, "reports", res.Name)

	linked, err := h.authzSvc.ResourceLinked(ctx, "org-1", "res-1")
	require.NoError(t, err)
	require.True(t, linked)
}

func TestProvisionResourceLinkFailureCompensates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.grantAdmin(t, "admin-1")
	h.authz.FailWrites(true)

	id := h.start(t, Request{
		Kind:           KindResource,
		RequesterID:    "admin-1",
		OrganizationID: "org-1",
		ResourceID:     "res-1",
		ResourceName:   "reports",
	})

	require.Equal(t, StatusFailed, h.view(t, id).Status)
	_, err := h.directory.GetResource(ctx, "res-1")
	require.ErrorIs(t, err, directory.ErrNotFound)
}

func TestReplayIsDeterministicAfterResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	req := h.memberRequest()
	req.RequesterID = "outsider"

	id := h.start(t, req)

	before, err := h.runtime.History(ctx, id)
	require.NoError(t, err)

	// A crash recovery replays the instance; the suspended state must not
	// produce duplicate decisions.
	require.NoError(t, h.runtime.Resume(ctx, id))
	require.NoError(t, h.worker.Drain(ctx))

	after, err := h.runtime.History(ctx, id)
	require.NoError(t, err)
	require.Equal(t, len(before), len(after), "replay appends nothing new")
	require.Equal(t, StatusAwaitingApproval, h.view(t, id).Status)

	// The instance still finishes normally after recovery.
	require.NoError(t, h.runtime.DeliverEvent(ctx, id, EventApprovalDecision, ApprovalDecision{Approved: true, Approver: "boss@example.com"}))
	require.NoError(t, h.worker.Drain(ctx))
	require.Equal(t, StatusCompleted, h.view(t, id).Status)
}

func TestUpdateOfExistingMemberIsNotRolledBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.grantAdmin(t, "admin-1")

	// The member row pre-exists; the saga's write is an update.
	_, err := h.directory.UpsertMember(ctx, directory.TeamMember{ID: "new-user", OrganizationID: "org-1", Email: "old@example.com"})
	require.NoError(t, err)
	h.authz.FailWrites(true)

	id := h.start(t, h.memberRequest())

	require.Equal(t, StatusFailed, h.view(t, id).Status)
	member, err := h.directory.GetMember(ctx, "new-user")
	require.NoError(t, err, "pre-existing rows survive compensation")
	require.Equal(t, "new@example.com", member.Email)
}
