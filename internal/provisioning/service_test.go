package provisioning

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/provisio-io/provisio/internal/approvals"
	"github.com/provisio-io/provisio/internal/authz"
	"github.com/provisio-io/provisio/internal/platform/httpx"
	"github.com/provisio-io/provisio/internal/shared"
)

func newService(t *testing.T) (*Service, *harness, *approvals.MemoryRecorder) {
	t.Helper()
	h := newHarness(t)
	rec := approvals.NewMemoryRecorder()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(h.runtime, shared.NewMemoryIdempotencyStore(), rec, logger)
	return svc, h, rec
}

func TestSubmitValidatesRequest(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	_, err := svc.Submit(ctx, Request{Kind: KindMember}, "")
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.Submit(ctx, Request{
		Kind:           KindMember,
		RequesterID:    "admin-1",
		OrganizationID: "org-1",
	}, "")
	require.ErrorIs(t, err, httpx.ErrValidation, "member fields are required")

	_, err = svc.Submit(ctx, Request{
		Kind:           "group",
		RequesterID:    "admin-1",
		OrganizationID: "org-1",
	}, "")
	require.ErrorIs(t, err, httpx.ErrValidation, "unknown kind")
}

func TestSubmitIdempotencyKeyBindsToFirstInstance(t *testing.T) {
	ctx := context.Background()
	svc, h, _ := newService(t)
	h.grantAdmin(t, "admin-1")

	req := h.memberRequest()
	first, err := svc.Submit(ctx, req, "key-1")
	require.NoError(t, err)
	require.False(t, first.Existing)

	second, err := svc.Submit(ctx, req, "key-1")
	require.NoError(t, err)
	require.True(t, second.Existing)
	require.Equal(t, first.ID, second.ID, "resubmission attaches to the running instance")
}

func TestSubmitRecordsTrailAndDecideSettles(t *testing.T) {
	ctx := context.Background()
	svc, h, rec := newService(t)

	req := h.memberRequest()
	req.RequesterID = "outsider"
	res, err := svc.Submit(ctx, req, "")
	require.NoError(t, err)
	require.NoError(t, h.worker.Drain(ctx))

	view, err := svc.Status(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, view.Status)

	require.NoError(t, svc.Decide(ctx, res.ID, ApprovalDecision{Approved: true, Approver: "boss@example.com"}))
	require.NoError(t, h.worker.Drain(ctx))

	view, err = svc.Status(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, view.Status)

	trail, err := rec.List(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	require.Equal(t, approvals.ActionSubmit, trail[0].Action)
	require.Equal(t, approvals.ActionApprove, trail[1].Action)

	// Deciding a settled request conflicts.
	err = svc.Decide(ctx, res.ID, ApprovalDecision{Approved: false, Approver: "boss@example.com"})
	require.ErrorIs(t, err, httpx.ErrConflict)
}

func TestDecideRequiresApprover(t *testing.T) {
	svc, _, _ := newService(t)
	err := svc.Decide(context.Background(), "wf-1", ApprovalDecision{Approved: true})
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestStatusUnknownInstance(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Status(context.Background(), "missing")
	require.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestSubmitAllowsMembersAcrossRoles(t *testing.T) {
	ctx := context.Background()
	svc, h, _ := newService(t)
	h.grantAdmin(t, "admin-1")

	req := h.memberRequest()
	req.Role = authz.RoleAdmin
	res, err := svc.Submit(ctx, req, "")
	require.NoError(t, err)
	require.NoError(t, h.worker.Drain(ctx))

	view, err := svc.Status(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, view.Status)

	has, err := h.authzSvc.HasAssignment(ctx, "new-user", authz.RoleAdmin, "org-1")
	require.NoError(t, err)
	require.True(t, has)
}
