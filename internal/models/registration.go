package models

import "time"

// RegistrationStatus represents the lifecycle of a registration.
type RegistrationStatus string

// Possible registration statuses.
const (
	RegistrationEnrolled        RegistrationStatus = "ENROLLED"
	RegistrationWaitlisted      RegistrationStatus = "WAITLISTED"
	RegistrationPendingApproval RegistrationStatus = "PENDING_APPROVAL"
	RegistrationUnregistered    RegistrationStatus = "UNREGISTERED"
)

// AttendanceMark records post-session attendance.
type AttendanceMark string

const (
	AttendanceNone     AttendanceMark = "NONE"
	AttendanceAttended AttendanceMark = "ATTENDED"
	AttendanceNoShow   AttendanceMark = "NO_SHOW"
)

// validTransitions enumerates the allowed status moves. The empty key
// stands for "no prior active registration".
var validTransitions = map[RegistrationStatus][]RegistrationStatus{
	"":                          {RegistrationEnrolled, RegistrationWaitlisted, RegistrationPendingApproval},
	RegistrationEnrolled:        {RegistrationUnregistered, RegistrationEnrolled},
	RegistrationWaitlisted:      {RegistrationEnrolled, RegistrationUnregistered, RegistrationWaitlisted},
	RegistrationPendingApproval: {RegistrationEnrolled, RegistrationWaitlisted, RegistrationUnregistered, RegistrationPendingApproval},
	RegistrationUnregistered:    {RegistrationEnrolled, RegistrationWaitlisted, RegistrationPendingApproval, RegistrationUnregistered},
}

// CanTransition reports whether a status change is allowed.
func CanTransition(from, to RegistrationStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Registration is the authoritative record binding a user to a session.
// At most one non-UNREGISTERED row exists per (session, user).
type Registration struct {
	ID           string             `db:"id" json:"id"`
	SessionID    string             `db:"session_id" json:"session_id"`
	UserID       string             `db:"user_id" json:"user_id"`
	Status       RegistrationStatus `db:"status" json:"status"`
	WaitlistRank *int64             `db:"waitlist_rank" json:"waitlist_rank,omitempty"`
	Forced       bool               `db:"forced" json:"forced"`
	Attendance   AttendanceMark     `db:"attendance" json:"attendance"`
	Notify       bool               `db:"notify" json:"notify"`
	CreatedAt    time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time          `db:"updated_at" json:"updated_at"`
}

// RegistrationDetail enriches Registration with user info for rosters.
type RegistrationDetail struct {
	Registration
	UserEmail    string       `db:"user_email" json:"user_email"`
	UserFullName string       `db:"user_full_name" json:"user_full_name"`
	UserCategory UserCategory `db:"user_category" json:"user_category"`
}

// RegistrationOutcome is the result of a register attempt.
type RegistrationOutcome string

const (
	OutcomeEnrolled          RegistrationOutcome = "ENROLLED"
	OutcomeWaitlisted        RegistrationOutcome = "WAITLISTED"
	OutcomePendingApproval   RegistrationOutcome = "PENDING_APPROVAL"
	OutcomeRestricted        RegistrationOutcome = "RESTRICTED"
	OutcomeAlreadyRegistered RegistrationOutcome = "ALREADY_REGISTERED"
	OutcomeFailed            RegistrationOutcome = "FAILED"
)

// RegisterResult reports what happened to a single register attempt.
type RegisterResult struct {
	Outcome      RegistrationOutcome `json:"outcome"`
	Registration *Registration       `json:"registration,omitempty"`
	WaitlistRank *int64              `json:"waitlist_rank,omitempty"`
	Reasons      []string            `json:"reasons,omitempty"`
}

// UnregisterOutcome is the result of an unregister attempt.
type UnregisterOutcome string

const (
	UnregisterOK            UnregisterOutcome = "OK"
	UnregisterNotRegistered UnregisterOutcome = "NOT_REGISTERED"
	UnregisterTooLate       UnregisterOutcome = "TOO_LATE"
)

// UnregisterResult reports the unregister outcome plus any promotion that
// the freed seat triggered.
type UnregisterResult struct {
	Outcome  UnregisterOutcome `json:"outcome"`
	Promoted *Registration     `json:"promoted,omitempty"`
}
