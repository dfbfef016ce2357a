package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/session-reg-api/internal/models"
)

const approvalColumns = `id, registration_id, session_id, candidate_id, manager_id, decision, decided_at, created_at`

// ApprovalRepository handles persistence of manager approval requests.
type ApprovalRepository struct {
	db *sqlx.DB
}

// NewApprovalRepository constructs the repository.
func NewApprovalRepository(db *sqlx.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// Create persists a new approval request.
func (r *ApprovalRepository) Create(ctx context.Context, request *models.ApprovalRequest) error {
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	if request.Decision == "" {
		request.Decision = models.ApprovalPending
	}
	if request.CreatedAt.IsZero() {
		request.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO approval_requests (id, registration_id, session_id, candidate_id, manager_id, decision, decided_at, created_at)
        VALUES (:id, :registration_id, :session_id, :candidate_id, :manager_id, :decision, :decided_at, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, request); err != nil {
		return fmt.Errorf("create approval request: %w", err)
	}
	return nil
}

// FindByID returns an approval request by its ID.
func (r *ApprovalRepository) FindByID(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM approval_requests WHERE id = $1`, approvalColumns)
	var request models.ApprovalRequest
	if err := r.db.GetContext(ctx, &request, query, id); err != nil {
		return nil, err
	}
	return &request, nil
}

// FindPendingByRegistration returns the open request for a registration.
func (r *ApprovalRepository) FindPendingByRegistration(ctx context.Context, registrationID string) (*models.ApprovalRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM approval_requests WHERE registration_id = $1 AND decision = $2 LIMIT 1`, approvalColumns)
	var request models.ApprovalRequest
	if err := r.db.GetContext(ctx, &request, query, registrationID, models.ApprovalPending); err != nil {
		return nil, err
	}
	return &request, nil
}

// ListPendingByManager returns a manager's open requests ordered by request
// time, oldest first.
func (r *ApprovalRepository) ListPendingByManager(ctx context.Context, managerID string) ([]models.ApprovalRequestDetail, error) {
	const query = `SELECT a.id, a.registration_id, a.session_id, a.candidate_id, a.manager_id, a.decision, a.decided_at, a.created_at,
        u.email AS candidate_email, u.full_name AS candidate_name, s.name AS session_name
        FROM approval_requests a
        JOIN users u ON u.id = a.candidate_id
        JOIN sessions s ON s.id = a.session_id
        WHERE a.manager_id = $1 AND a.decision = $2
        ORDER BY a.created_at ASC`
	var requests []models.ApprovalRequestDetail
	if err := r.db.SelectContext(ctx, &requests, query, managerID, models.ApprovalPending); err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return requests, nil
}

// HasApproved reports whether the candidate holds an approved decision for
// the session, whichever registration carried it.
func (r *ApprovalRepository) HasApproved(ctx context.Context, sessionID, candidateID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM approval_requests WHERE session_id = $1 AND candidate_id = $2 AND decision = $3)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, sessionID, candidateID, models.ApprovalApproved); err != nil {
		return false, fmt.Errorf("check approval history: %w", err)
	}
	return exists, nil
}

// Decide finalizes a pending request. It returns false when the request was
// already decided, making repeat decisions no-ops.
func (r *ApprovalRepository) Decide(ctx context.Context, id string, decision models.ApprovalDecision, decidedAt time.Time) (bool, error) {
	const query = `UPDATE approval_requests SET decision = $2, decided_at = $3 WHERE id = $1 AND decision = $4`
	result, err := r.db.ExecContext(ctx, query, id, decision, decidedAt, models.ApprovalPending)
	if err != nil {
		return false, fmt.Errorf("decide approval request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decide approval request: %w", err)
	}
	return affected > 0, nil
}

// CancelBySession withdraws every pending request of a session. Used by the
// session deletion cascade.
func (r *ApprovalRepository) CancelBySession(ctx context.Context, sessionID string, decidedAt time.Time) error {
	const query = `UPDATE approval_requests SET decision = $2, decided_at = $3 WHERE session_id = $1 AND decision = $4`
	if _, err := r.db.ExecContext(ctx, query, sessionID, models.ApprovalDeclined, decidedAt, models.ApprovalPending); err != nil {
		return fmt.Errorf("cancel session approvals: %w", err)
	}
	return nil
}

// CancelByRegistration withdraws any pending request for a registration,
// used when the candidate unregisters before the manager decides.
func (r *ApprovalRepository) CancelByRegistration(ctx context.Context, registrationID string, decidedAt time.Time) error {
	const query = `UPDATE approval_requests SET decision = $2, decided_at = $3 WHERE registration_id = $1 AND decision = $4`
	if _, err := r.db.ExecContext(ctx, query, registrationID, models.ApprovalDeclined, decidedAt, models.ApprovalPending); err != nil {
		return fmt.Errorf("cancel approval request: %w", err)
	}
	return nil
}
