package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/provisio-io/provisio/internal/approvals"
	"github.com/provisio-io/provisio/internal/platform/httpx"
	"github.com/provisio-io/provisio/internal/saga"
	"github.com/provisio-io/provisio/internal/shared"
)

// SubmitResult reports the accepted instance. Existing is set when an
// idempotency key resolved to a previously started request.
type SubmitResult struct {
	ID       string `json:"id"`
	Existing bool   `json:"existing"`
}

// Service accepts provisioning requests and exposes their progress.
type Service struct {
	runtime     *saga.Runtime
	idempotency shared.IdempotencyPort
	recorder    approvals.RecorderPort
	validate    *validator.Validate
	logger      *slog.Logger
}

// NewService builds Service instance.
func NewService(runtime *saga.Runtime, idempotency shared.IdempotencyPort, recorder approvals.RecorderPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runtime:     runtime,
		idempotency: idempotency,
		recorder:    recorder,
		validate:    validator.New(),
		logger:      logger,
	}
}

func (s *Service) validateRequest(req Request) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	switch req.Kind {
	case KindMember:
		if req.MemberID == "" || req.Email == "" || req.Role == "" {
			return fmt.Errorf("%w: member requests need member_id, email and role", httpx.ErrValidation)
		}
	case KindResource:
		if req.ResourceID == "" || req.ResourceName == "" {
			return fmt.Errorf("%w: resource requests need resource_id and resource_name", httpx.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", httpx.ErrValidation, req.Kind)
	}
	return nil
}

func workflowName(kind string) string {
	if kind == KindResource {
		return WorkflowProvisionResource
	}
	return WorkflowProvisionMember
}

// Submit validates the request and starts its workflow. With an idempotency
// key a resubmission attaches to the original instance instead of starting a
// second saga.
func (s *Service) Submit(ctx context.Context, req Request, idempotencyKey string) (SubmitResult, error) {
	if err := s.validateRequest(req); err != nil {
		return SubmitResult{}, err
	}

	id := uuid.NewString()
	if idempotencyKey != "" {
		bound, err := s.idempotency.Claim(ctx, idempotencyKey, id)
		if err != nil {
			return SubmitResult{}, err
		}
		if bound != id {
			return SubmitResult{ID: bound, Existing: true}, nil
		}
	}

	if err := s.recorder.Record(ctx, approvals.Entry{
		InstanceID: id,
		Actor:      req.RequesterID,
		Action:     approvals.ActionSubmit,
	}); err != nil {
		s.logger.Error("record submission", slog.Any("error", err))
	}

	if _, err := s.runtime.StartWithID(ctx, id, workflowName(req.Kind), req); err != nil {
		if idempotencyKey != "" {
			if derr := s.idempotency.Delete(ctx, idempotencyKey); derr != nil {
				s.logger.Error("release idempotency key", slog.Any("error", derr))
			}
		}
		return SubmitResult{}, err
	}
	return SubmitResult{ID: id}, nil
}

// Status returns the current view of the request.
func (s *Service) Status(ctx context.Context, id string) (RequestView, error) {
	inst, err := s.runtime.Instance(ctx, id)
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			return RequestView{}, httpx.ErrNotFound
		}
		return RequestView{}, err
	}
	return viewOf(inst), nil
}

// Wait blocks until the request terminates or ctx expires, then returns the
// final view.
func (s *Service) Wait(ctx context.Context, id string) (RequestView, error) {
	inst, err := s.runtime.WaitForResult(ctx, id)
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			return RequestView{}, httpx.ErrNotFound
		}
		return RequestView{}, err
	}
	return viewOf(inst), nil
}

// Decide delivers a human approval decision to an escalated request. A
// decision for a settled request is rejected; it can no longer change the
// outcome.
func (s *Service) Decide(ctx context.Context, id string, decision ApprovalDecision) error {
	if decision.Approver == "" {
		return fmt.Errorf("%w: approver required", httpx.ErrValidation)
	}
	if err := s.runtime.DeliverEvent(ctx, id, EventApprovalDecision, decision); err != nil {
		if errors.Is(err, saga.ErrInstanceCompleted) {
			return fmt.Errorf("%w: request already settled", httpx.ErrConflict)
		}
		if errors.Is(err, saga.ErrNotFound) {
			return httpx.ErrNotFound
		}
		return err
	}

	action := approvals.ActionReject
	if decision.Approved {
		action = approvals.ActionApprove
	}
	if err := s.recorder.Record(ctx, approvals.Entry{
		InstanceID: id,
		Actor:      decision.Approver,
		Action:     action,
		Note:       decision.Note,
	}); err != nil {
		s.logger.Error("record approval decision", slog.Any("error", err))
	}
	return nil
}

// Approvals returns the audit trail for the request.
func (s *Service) Approvals(ctx context.Context, id string) ([]approvals.Entry, error) {
	return s.recorder.List(ctx, id)
}

func viewOf(inst saga.Instance) RequestView {
	view := RequestView{ID: inst.ID, Status: StatusPending}
	if inst.CustomStatus == string(StatusAwaitingApproval) && !inst.Terminal() {
		view.Status = StatusAwaitingApproval
	}
	if !inst.Terminal() {
		return view
	}

	view.Error = inst.Error
	if len(inst.Result) > 0 {
		var res Result
		if err := json.Unmarshal(inst.Result, &res); err == nil {
			view.Result = &res
			view.Status = res.Status
			return view
		}
	}
	if inst.Status == saga.InstanceFailed {
		view.Status = StatusFailed
	} else {
		view.Status = StatusCompleted
	}
	return view
}
