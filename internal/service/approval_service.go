package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/session-reg-api/internal/models"
	appErrors "github.com/noah-isme/session-reg-api/pkg/errors"
)

type approvalStore interface {
	FindByID(ctx context.Context, id string) (*models.ApprovalRequest, error)
	ListPendingByManager(ctx context.Context, managerID string) ([]models.ApprovalRequestDetail, error)
	Decide(ctx context.Context, id string, decision models.ApprovalDecision, decidedAt time.Time) (bool, error)
}

type registrationFinisher interface {
	ApproveRegistration(ctx context.Context, registrationID string) (*models.RegisterResult, error)
	DeclineRegistration(ctx context.Context, registrationID string) error
}

// DecideItem is one entry of a bulk approval decision.
type DecideItem struct {
	RequestID string `json:"request_id" validate:"required"`
	Approve   bool   `json:"approve"`
}

// BulkDecideOutcome reports one item of a bulk decision. Items are
// independent; one failure never rolls back the others.
type BulkDecideOutcome struct {
	RequestID string               `json:"request_id"`
	Result    *models.DecideResult `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// ApprovalService runs the manager approval workflow.
type ApprovalService struct {
	repo          approvalStore
	registrations registrationFinisher
	validator     *validator.Validate
	logger        *zap.Logger
}

// NewApprovalService constructs ApprovalService.
func NewApprovalService(repo approvalStore, registrations registrationFinisher, validate *validator.Validate, logger *zap.Logger) *ApprovalService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalService{repo: repo, registrations: registrations, validator: validate, logger: logger}
}

// ListPending returns a manager's open requests, oldest first.
func (s *ApprovalService) ListPending(ctx context.Context, managerID string) ([]models.ApprovalRequestDetail, error) {
	requests, err := s.repo.ListPendingByManager(ctx, managerID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list pending approvals")
	}
	return requests, nil
}

// Decide finalizes an approval request. Repeating a decision is a no-op
// reported through AlreadyFinal, whatever the repeated verdict says.
func (s *ApprovalService) Decide(ctx context.Context, requestID string, approve bool, actor *models.JWTClaims) (*models.DecideResult, error) {
	request, err := s.repo.FindByID(ctx, requestID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "approval request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approval request")
	}
	if actor != nil && request.ManagerID != actor.UserID && actor.Role != models.RoleAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not the assigned manager")
	}

	decision := models.ApprovalDeclined
	if approve {
		decision = models.ApprovalApproved
	}
	first, err := s.repo.Decide(ctx, requestID, decision, time.Now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decide approval request")
	}
	if !first {
		final, err := s.repo.FindByID(ctx, requestID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload approval request")
		}
		result := &models.DecideResult{RequestID: requestID, Decision: final.Decision, AlreadyFinal: true}
		// The decision row commits before placement runs, so a failure in
		// between leaves a final request with a still-pending registration.
		// Re-run the placement step; it is a no-op once the registration
		// has moved on.
		switch final.Decision {
		case models.ApprovalApproved:
			placed, err := s.registrations.ApproveRegistration(ctx, request.RegistrationID)
			if err != nil {
				return nil, err
			}
			if placed.Outcome != models.OutcomeAlreadyRegistered {
				result.Outcome = placed.Outcome
			}
		case models.ApprovalDeclined:
			if err := s.registrations.DeclineRegistration(ctx, request.RegistrationID); err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	result := &models.DecideResult{RequestID: requestID, Decision: decision}
	if approve {
		placed, err := s.registrations.ApproveRegistration(ctx, request.RegistrationID)
		if err != nil {
			return nil, err
		}
		result.Outcome = placed.Outcome
	} else {
		if err := s.registrations.DeclineRegistration(ctx, request.RegistrationID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// BulkDecide applies decisions independently and reports per-item results.
func (s *ApprovalService) BulkDecide(ctx context.Context, items []DecideItem, actor *models.JWTClaims) ([]BulkDecideOutcome, error) {
	if len(items) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "no decisions provided")
	}
	outcomes := make([]BulkDecideOutcome, 0, len(items))
	for _, item := range items {
		if err := s.validator.Struct(item); err != nil {
			outcomes = append(outcomes, BulkDecideOutcome{RequestID: item.RequestID, Error: "invalid decision payload"})
			continue
		}
		result, err := s.Decide(ctx, item.RequestID, item.Approve, actor)
		if err != nil {
			s.logger.Warn("bulk decision item failed", zap.String("request_id", item.RequestID), zap.Error(err))
			outcomes = append(outcomes, BulkDecideOutcome{RequestID: item.RequestID, Error: appErrors.FromError(err).Message})
			continue
		}
		outcomes = append(outcomes, BulkDecideOutcome{RequestID: item.RequestID, Result: result})
	}
	return outcomes, nil
}
