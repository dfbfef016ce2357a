package models

import "time"

// ApprovalDecision is the state of a manager approval request.
type ApprovalDecision string

const (
	ApprovalPending  ApprovalDecision = "PENDING"
	ApprovalApproved ApprovalDecision = "APPROVED"
	ApprovalDeclined ApprovalDecision = "DECLINED"
)

// ApprovalRequest gates a registration on a manager's decision.
// At most one PENDING request exists per registration.
type ApprovalRequest struct {
	ID             string           `db:"id" json:"id"`
	RegistrationID string           `db:"registration_id" json:"registration_id"`
	SessionID      string           `db:"session_id" json:"session_id"`
	CandidateID    string           `db:"candidate_id" json:"candidate_id"`
	ManagerID      string           `db:"manager_id" json:"manager_id"`
	Decision       ApprovalDecision `db:"decision" json:"decision"`
	DecidedAt      *time.Time       `db:"decided_at" json:"decided_at,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
}

// ApprovalRequestDetail enriches ApprovalRequest with candidate and
// session info for manager dashboards.
type ApprovalRequestDetail struct {
	ApprovalRequest
	CandidateEmail string `db:"candidate_email" json:"candidate_email"`
	CandidateName  string `db:"candidate_name" json:"candidate_name"`
	SessionName    string `db:"session_name" json:"session_name"`
}

// DecideResult reports the result of a single approval decision.
type DecideResult struct {
	RequestID    string              `json:"request_id"`
	Decision     ApprovalDecision    `json:"decision"`
	AlreadyFinal bool                `json:"already_final"`
	Outcome      RegistrationOutcome `json:"outcome,omitempty"`
}
