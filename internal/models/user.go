package models

import "time"

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleAdmin     UserRole = "ADMIN"
	RoleOrganizer UserRole = "ORGANIZER"
	RoleMember    UserRole = "MEMBER"
)

// UserCategory classifies directory users for session restrictions.
type UserCategory string

const (
	CategoryEmployee   UserCategory = "EMPLOYEE"
	CategoryIntern     UserCategory = "INTERN"
	CategoryContractor UserCategory = "CONTRACTOR"
	CategoryVendor     UserCategory = "VENDOR"
	CategoryOther      UserCategory = "OTHER"
)

// User represents an application user stored in the users table.
type User struct {
	ID           string       `db:"id" json:"id"`
	Email        string       `db:"email" json:"email"`
	PasswordHash string       `db:"password_hash" json:"-"`
	FullName     string       `db:"full_name" json:"full_name"`
	Role         UserRole     `db:"role" json:"role"`
	Category     UserCategory `db:"category" json:"category"`
	ManagerID    *string      `db:"manager_id" json:"manager_id,omitempty"`
	Active       bool         `db:"active" json:"active"`
	LastLogin    *time.Time   `db:"last_login" json:"last_login,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updated_at"`
}

// UserFilter captures filtering criteria for listing users.
type UserFilter struct {
	Role      *UserRole
	Category  *UserCategory
	Active    *bool
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
