package service

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/session-reg-api/internal/models"
)

// EligibilityRule is a pluggable predicate consulted during registration.
// A non-empty return lists the reasons the user is restricted.
type EligibilityRule interface {
	Name() string
	Check(user *models.User, session *models.Session, at time.Time) []string
}

// EvaluateOptions selects which gates apply for a single evaluation.
type EvaluateOptions struct {
	// At is the evaluation instant. Zero means now.
	At time.Time
	// SkipClosedGate bypasses visibility and deadline checks. Waitlist
	// promotion uses it because promoted users already passed those
	// gates when they joined the waitlist.
	SkipClosedGate bool
	// SkipBusinessGates bypasses the account, category and pluggable
	// rule checks. The operator force path uses it; the closed gate
	// still applies.
	SkipBusinessGates bool
	// SkipApprovalGate bypasses the manager approval requirement.
	SkipApprovalGate bool
}

// EligibilityService decides whether a user may register for a session.
// Evaluation is pure and never touches storage.
type EligibilityService struct {
	rules  []EligibilityRule
	logger *zap.Logger
}

// NewEligibilityService constructs EligibilityService.
func NewEligibilityService(rules []EligibilityRule, logger *zap.Logger) *EligibilityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EligibilityService{rules: rules, logger: logger}
}

// Evaluate runs the gates in order and short-circuits on the first failing
// group: session open, account active, category allow-list, custom rules,
// approval requirement.
func (s *EligibilityService) Evaluate(user *models.User, session *models.Session, opts EvaluateOptions) models.EligibilityResult {
	at := opts.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if !opts.SkipClosedGate {
		if reasons := closedReasons(session, at); len(reasons) > 0 {
			return models.EligibilityResult{State: models.Restricted, Reasons: reasons}
		}
	}

	if !opts.SkipBusinessGates {
		if !user.Active {
			return models.EligibilityResult{State: models.Restricted, Reasons: []string{"account is inactive"}}
		}

		if !session.AllowsCategory(user.Category) {
			reason := fmt.Sprintf("category %s is not allowed for this session", user.Category)
			return models.EligibilityResult{State: models.Restricted, Reasons: []string{reason}}
		}

		for _, rule := range s.rules {
			if reasons := rule.Check(user, session, at); len(reasons) > 0 {
				s.logger.Debug("eligibility rule restricted user",
					zap.String("rule", rule.Name()),
					zap.String("user_id", user.ID),
					zap.String("session_id", session.ID))
				return models.EligibilityResult{State: models.Restricted, Reasons: reasons}
			}
		}
	}

	if session.ApprovalRequired && !opts.SkipApprovalGate {
		return models.EligibilityResult{State: models.NeedsApproval}
	}

	return models.EligibilityResult{State: models.Eligible}
}

func closedReasons(session *models.Session, at time.Time) []string {
	var reasons []string
	if session.Deleted {
		reasons = append(reasons, "session no longer exists")
	}
	if !session.Visible {
		reasons = append(reasons, "session is not open for registration")
	}
	if session.Deadline != nil && at.After(*session.Deadline) {
		reasons = append(reasons, "registration deadline has passed")
	}
	if !at.Before(session.StartsAt) {
		reasons = append(reasons, "session has already started")
	}
	return reasons
}
