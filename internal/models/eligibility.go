package models

// EligibilityState is the verdict of evaluating a user against a session.
type EligibilityState string

const (
	Eligible      EligibilityState = "ELIGIBLE"
	NeedsApproval EligibilityState = "NEEDS_APPROVAL"
	Restricted    EligibilityState = "RESTRICTED"
)

// EligibilityResult carries the verdict plus human-readable reasons when
// the user is restricted.
type EligibilityResult struct {
	State   EligibilityState `json:"state"`
	Reasons []string         `json:"reasons,omitempty"`
}

// IsRestricted reports whether registration must be refused.
func (r EligibilityResult) IsRestricted() bool {
	return r.State == Restricted
}
