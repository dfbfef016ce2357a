package models

import (
	"time"

	"github.com/lib/pq"
)

// SessionAvailability labels the derived registration state of a session.
type SessionAvailability string

const (
	AvailabilityOpen       SessionAvailability = "OPEN"
	AvailabilityFull       SessionAvailability = "FULL"
	AvailabilityRestricted SessionAvailability = "RESTRICTED"
)

// Session is a time-boxed group event members register for.
// Capacity 0 means unlimited seats.
type Session struct {
	ID                string         `db:"id" json:"id"`
	Name              string         `db:"name" json:"name"`
	Description       string         `db:"description" json:"description"`
	OwnerID           string         `db:"owner_id" json:"owner_id"`
	Instructors       pq.StringArray `db:"instructors" json:"instructors"`
	Capacity          int            `db:"capacity" json:"capacity"`
	StartsAt          time.Time      `db:"starts_at" json:"starts_at"`
	EndsAt            time.Time      `db:"ends_at" json:"ends_at"`
	Deadline          *time.Time     `db:"deadline" json:"deadline,omitempty"`
	ApprovalRequired  bool           `db:"approval_required" json:"approval_required"`
	AllowedCategories pq.StringArray `db:"allowed_categories" json:"allowed_categories"`
	Visible           bool           `db:"visible" json:"visible"`
	Deleted           bool           `db:"deleted" json:"deleted"`
	LastWaitlistRank  int64          `db:"last_waitlist_rank" json:"-"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// Unlimited reports whether the session has no seat cap.
func (s *Session) Unlimited() bool {
	return s.Capacity <= 0
}

// AllowsCategory reports whether the category may register.
// An empty allow-list admits every category.
func (s *Session) AllowsCategory(category UserCategory) bool {
	if len(s.AllowedCategories) == 0 {
		return true
	}
	for _, allowed := range s.AllowedCategories {
		if UserCategory(allowed) == category {
			return true
		}
	}
	return false
}

// SessionAvailabilityView is the cached read-model served to clients.
type SessionAvailabilityView struct {
	SessionID      string              `json:"session_id"`
	Availability   SessionAvailability `json:"availability"`
	Capacity       int                 `json:"capacity"`
	EnrolledCount  int                 `json:"enrolled_count"`
	SeatsRemaining *int                `json:"seats_remaining,omitempty"`
	WaitlistLength int                 `json:"waitlist_length"`
	GeneratedAt    time.Time           `json:"generated_at"`
}

// SessionFilter provides filters for listing sessions.
type SessionFilter struct {
	OwnerID     string
	VisibleOnly bool
	Upcoming    bool
	Search      string
	Page        int
	PageSize    int
	SortBy      string
	SortOrder   string
}
