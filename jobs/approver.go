package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/provisio-io/provisio/internal/provisioning"
)

// ApproverNotifier queues escalation mail for the configured approver. It
// implements provisioning.ApproverNotifier over the job queue so the
// notify activity stays fast and the delivery gets its own retries.
type ApproverNotifier struct {
	client   *Client
	approver string
	baseURL  string
	logger   *slog.Logger
}

// NewApproverNotifier constructs an ApproverNotifier.
func NewApproverNotifier(client *Client, approver, baseURL string, logger *slog.Logger) *ApproverNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApproverNotifier{client: client, approver: approver, baseURL: baseURL, logger: logger}
}

// NotifyApprovalRequested enqueues the escalation notice.
func (n *ApproverNotifier) NotifyApprovalRequested(ctx context.Context, req provisioning.ApprovalRequest) error {
	subject := fmt.Sprintf("Approval needed: %s provisioning in %s", req.Request.Kind, req.Request.OrganizationID)
	body := fmt.Sprintf(
		"Requester %s asked to provision a %s in organization %s.\n\n"+
			"Review and decide:\n%s/api/v1/provisioning/requests/%s/approval\n\n"+
			"Without a decision the request is denied when the approval window closes.",
		req.Request.RequesterID, req.Request.Kind, req.Request.OrganizationID,
		n.baseURL, req.InstanceID,
	)
	if _, err := n.client.EnqueueSendEmail(ctx, SendEmailPayload{
		To:      n.approver,
		Subject: subject,
		Body:    body,
	}); err != nil {
		return fmt.Errorf("enqueue approval mail: %w", err)
	}
	n.logger.Info("approval requested",
		slog.String("instance_id", req.InstanceID),
		slog.String("approver", n.approver))
	return nil
}
