package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/session-reg-api/internal/models"
	"github.com/noah-isme/session-reg-api/pkg/config"
	appErrors "github.com/noah-isme/session-reg-api/pkg/errors"
)

type registrationStore interface {
	FindByID(ctx context.Context, id string) (*models.Registration, error)
	FindActive(ctx context.Context, sessionID, userID string) (*models.Registration, error)
	Create(ctx context.Context, registration *models.Registration) error
	UpdateStatus(ctx context.Context, id string, status models.RegistrationStatus, waitlistRank *int64, forced bool) error
	SetAttendance(ctx context.Context, id string, mark models.AttendanceMark) error
	ListWaitlisted(ctx context.Context, sessionID string) ([]models.Registration, error)
	ListBySession(ctx context.Context, sessionID string) ([]models.RegistrationDetail, error)
	ListActiveByUser(ctx context.Context, userID string) ([]models.Registration, error)
	UnregisterAllBySession(ctx context.Context, sessionID string) (int64, error)
}

type sessionReader interface {
	FindByID(ctx context.Context, id string) (*models.Session, error)
}

type memberReader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type approvalRecords interface {
	Create(ctx context.Context, request *models.ApprovalRequest) error
	CancelByRegistration(ctx context.Context, registrationID string, decidedAt time.Time) error
	CancelBySession(ctx context.Context, sessionID string, decidedAt time.Time) error
	HasApproved(ctx context.Context, sessionID, candidateID string) (bool, error)
}

type seatLedger interface {
	WithSession(sessionID string, fn func() error) error
	SeatAvailable(ctx context.Context, session *models.Session) (bool, error)
	NextRank(ctx context.Context, sessionID string) (int64, error)
}

type eligibilityChecker interface {
	Evaluate(user *models.User, session *models.Session, opts EvaluateOptions) models.EligibilityResult
}

type registrationMetrics interface {
	ObserveRegistration(outcome models.RegistrationOutcome)
	ObservePromotion()
}

type availabilityInvalidator interface {
	InvalidateAvailability(ctx context.Context, sessionID string)
}

// RegisterRequest describes a single registration attempt.
type RegisterRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	UserID    string `json:"user_id" validate:"required"`
	Notify    bool   `json:"notify"`
	// Force is the operator path: it may overbook capacity by one seat
	// and skips the approval, category and rule gates, but never the
	// visibility or deadline checks.
	Force bool `json:"force"`
}

// ForceStatusRequest sets a registration status directly, bypassing
// eligibility. Operator capability.
type ForceStatusRequest struct {
	SessionID string                    `json:"session_id" validate:"required"`
	UserID    string                    `json:"user_id" validate:"required"`
	Status    models.RegistrationStatus `json:"status" validate:"required,oneof=ENROLLED WAITLISTED PENDING_APPROVAL UNREGISTERED"`
	Notify    bool                      `json:"notify"`
}

// AttendanceUpdate marks one roster entry after the session ended.
type AttendanceUpdate struct {
	UserID string                `json:"user_id" validate:"required"`
	Mark   models.AttendanceMark `json:"mark" validate:"required,oneof=NONE ATTENDED NO_SHOW"`
}

// AttendanceResult reports the outcome of a single attendance update.
type AttendanceResult struct {
	UserID string `json:"user_id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// RegistrationService runs the registration state machine. All mutations of
// a session's roster execute inside that session's ledger lock.
type RegistrationService struct {
	repo         registrationStore
	sessions     sessionReader
	users        memberReader
	approvals    approvalRecords
	ledger       seatLedger
	eligibility  eligibilityChecker
	notifier     Notifier
	calendar     CalendarSync
	metrics      registrationMetrics
	availability availabilityInvalidator
	cfg          config.RegistrationConfig
	validator    *validator.Validate
	logger       *zap.Logger
}

// NewRegistrationService constructs RegistrationService. notifier, calendar
// and metrics may be nil.
func NewRegistrationService(
	repo registrationStore,
	sessions sessionReader,
	users memberReader,
	approvals approvalRecords,
	ledger seatLedger,
	eligibility eligibilityChecker,
	notifier Notifier,
	calendar CalendarSync,
	metrics registrationMetrics,
	cfg config.RegistrationConfig,
	validate *validator.Validate,
	logger *zap.Logger,
) *RegistrationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	return &RegistrationService{
		repo:        repo,
		sessions:    sessions,
		users:       users,
		approvals:   approvals,
		ledger:      ledger,
		eligibility: eligibility,
		notifier:    notifier,
		calendar:    calendar,
		metrics:     metrics,
		cfg:         cfg,
		validator:   validate,
		logger:      logger,
	}
}

// SetAvailabilityInvalidator wires the cached availability projection. The
// session service depends on this service, so the hook cannot be a
// constructor argument.
func (s *RegistrationService) SetAvailabilityInvalidator(inv availabilityInvalidator) {
	s.availability = inv
}

// Register attempts to place a user into a session. Repeat calls while a
// registration is active return ALREADY_REGISTERED without side effects.
func (s *RegistrationService) Register(ctx context.Context, req RegisterRequest) (*models.RegisterResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}
	session, err := s.loadSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	user, err := s.users.FindByID(ctx, req.UserID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		s.logger.Warn("directory lookup failed", zap.String("user_id", req.UserID), zap.Error(err))
		result := &models.RegisterResult{Outcome: models.OutcomeRestricted, Reasons: []string{"directory unavailable"}}
		s.observe(result.Outcome)
		return result, nil
	}

	var result *models.RegisterResult
	err = s.ledger.WithSession(session.ID, func() error {
		existing, err := s.repo.FindActive(ctx, session.ID, user.ID)
		if err != nil && err != sql.ErrNoRows {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
		}
		if existing != nil {
			result = &models.RegisterResult{Outcome: models.OutcomeAlreadyRegistered, Registration: existing, WaitlistRank: existing.WaitlistRank}
			return nil
		}

		opts := EvaluateOptions{SkipBusinessGates: req.Force, SkipApprovalGate: req.Force}
		if session.ApprovalRequired && !opts.SkipApprovalGate {
			usable, err := s.approvals.HasApproved(ctx, session.ID, user.ID)
			if err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check approval history")
			}
			// An earlier approved decision stays usable: a user who was
			// approved, enrolled and left is not sent back to the manager.
			opts.SkipApprovalGate = usable
		}
		verdict := s.eligibility.Evaluate(user, session, opts)
		if verdict.IsRestricted() {
			result = &models.RegisterResult{Outcome: models.OutcomeRestricted, Reasons: verdict.Reasons}
			return nil
		}

		if verdict.State == models.NeedsApproval {
			if user.ManagerID == nil {
				result = &models.RegisterResult{Outcome: models.OutcomeRestricted, Reasons: []string{"no manager on record"}}
				return nil
			}
			registration := &models.Registration{
				SessionID: session.ID,
				UserID:    user.ID,
				Status:    models.RegistrationPendingApproval,
				Notify:    req.Notify,
			}
			if err := s.repo.Create(ctx, registration); err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create registration")
			}
			request := &models.ApprovalRequest{
				RegistrationID: registration.ID,
				SessionID:      session.ID,
				CandidateID:    user.ID,
				ManagerID:      *user.ManagerID,
			}
			if err := s.approvals.Create(ctx, request); err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create approval request")
			}
			result = &models.RegisterResult{Outcome: models.OutcomePendingApproval, Registration: registration}
			return nil
		}

		status, rank, forced, err := s.placementLocked(ctx, session, req.Force)
		if err != nil {
			return err
		}
		registration := &models.Registration{
			SessionID:    session.ID,
			UserID:       user.ID,
			Status:       status,
			WaitlistRank: rank,
			Forced:       forced,
			Notify:       req.Notify,
		}
		if err := s.repo.Create(ctx, registration); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create registration")
		}
		outcome := models.OutcomeEnrolled
		if status == models.RegistrationWaitlisted {
			outcome = models.OutcomeWaitlisted
		}
		result = &models.RegisterResult{Outcome: outcome, Registration: registration, WaitlistRank: rank}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Outcome == models.OutcomeEnrolled || result.Outcome == models.OutcomeWaitlisted {
		s.dropAvailability(ctx, session.ID)
	}
	s.observe(result.Outcome)
	s.dispatchRegisterResult(result, session)
	return result, nil
}

// Unregister releases a user's registration. Freed seats promote the head
// of the waitlist inside the same critical section.
func (s *RegistrationService) Unregister(ctx context.Context, sessionID, userID string) (*models.UnregisterResult, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var result *models.UnregisterResult
	var released *models.Registration
	err = s.ledger.WithSession(session.ID, func() error {
		registration, err := s.repo.FindActive(ctx, session.ID, userID)
		if err != nil {
			if err == sql.ErrNoRows {
				result = &models.UnregisterResult{Outcome: models.UnregisterNotRegistered}
				return nil
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
		}

		now := time.Now().UTC()
		if registration.Status == models.RegistrationEnrolled {
			cutoff := session.StartsAt.Add(-s.cfg.UnregisterCutoff)
			if !now.Before(cutoff) {
				result = &models.UnregisterResult{Outcome: models.UnregisterTooLate}
				return nil
			}
		}

		wasEnrolled := registration.Status == models.RegistrationEnrolled
		if registration.Status == models.RegistrationPendingApproval {
			if err := s.approvals.CancelByRegistration(ctx, registration.ID, now); err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel approval request")
			}
		}
		if err := s.repo.UpdateStatus(ctx, registration.ID, models.RegistrationUnregistered, nil, false); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to release registration")
		}
		released = registration
		result = &models.UnregisterResult{Outcome: models.UnregisterOK}

		if wasEnrolled {
			promoted, err := s.promoteLocked(ctx, session)
			if err != nil {
				return err
			}
			result.Promoted = promoted
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Outcome == models.UnregisterOK {
		s.dropAvailability(ctx, session.ID)
	}
	if result.Outcome == models.UnregisterOK && released != nil {
		s.notify(NotifyUnregistered, released, session)
		s.syncCalendar(released.UserID, session, false)
	}
	if result.Promoted != nil {
		s.notify(NotifyPromoted, result.Promoted, session)
		s.syncCalendar(result.Promoted.UserID, session, true)
	}
	return result, nil
}

// ForceSetStatus moves a registration to an explicit status, skipping
// eligibility entirely. The transition table still applies.
func (s *RegistrationService) ForceSetStatus(ctx context.Context, req ForceStatusRequest) (*models.Registration, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid force status payload")
	}
	session, err := s.loadSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	user, err := s.users.FindByID(ctx, req.UserID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrDirectoryDown.Code, appErrors.ErrDirectoryDown.Status, "directory unavailable")
	}

	var updated *models.Registration
	var promoted *models.Registration
	err = s.ledger.WithSession(session.ID, func() error {
		current, err := s.repo.FindActive(ctx, session.ID, user.ID)
		if err != nil && err != sql.ErrNoRows {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
		}

		from := models.RegistrationStatus("")
		if current != nil {
			from = current.Status
		}
		if !models.CanTransition(from, req.Status) {
			return appErrors.Clone(appErrors.ErrPreconditionFailed, "invalid status transition")
		}

		now := time.Now().UTC()
		var rank *int64
		forced := false
		switch req.Status {
		case models.RegistrationEnrolled:
			available, err := s.ledger.SeatAvailable(ctx, session)
			if err != nil {
				return err
			}
			if !available {
				if !s.cfg.ForceOverbook {
					return appErrors.Clone(appErrors.ErrConflict, "session is full")
				}
				forced = true
			}
		case models.RegistrationWaitlisted:
			next, err := s.ledger.NextRank(ctx, session.ID)
			if err != nil {
				return err
			}
			rank = &next
		case models.RegistrationPendingApproval:
			if user.ManagerID == nil {
				return appErrors.Clone(appErrors.ErrPreconditionFailed, "no manager on record")
			}
		case models.RegistrationUnregistered:
			if current == nil {
				return appErrors.Clone(appErrors.ErrPreconditionFailed, "no active registration")
			}
		}

		if current == nil {
			registration := &models.Registration{
				SessionID:    session.ID,
				UserID:       user.ID,
				Status:       req.Status,
				WaitlistRank: rank,
				Forced:       forced,
				Notify:       req.Notify,
			}
			if err := s.repo.Create(ctx, registration); err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create registration")
			}
			updated = registration
		} else {
			if current.Status == models.RegistrationPendingApproval && req.Status != models.RegistrationPendingApproval {
				if err := s.approvals.CancelByRegistration(ctx, current.ID, now); err != nil {
					return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel approval request")
				}
			}
			if err := s.repo.UpdateStatus(ctx, current.ID, req.Status, rank, forced); err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update registration")
			}
			current.Status = req.Status
			current.WaitlistRank = rank
			current.Forced = forced
			current.UpdatedAt = now
			updated = current
		}

		if req.Status == models.RegistrationPendingApproval {
			request := &models.ApprovalRequest{
				RegistrationID: updated.ID,
				SessionID:      session.ID,
				CandidateID:    user.ID,
				ManagerID:      *user.ManagerID,
			}
			if err := s.approvals.Create(ctx, request); err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create approval request")
			}
		}

		if req.Status == models.RegistrationUnregistered && from == models.RegistrationEnrolled {
			p, err := s.promoteLocked(ctx, session)
			if err != nil {
				return err
			}
			promoted = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.dropAvailability(ctx, session.ID)
	switch updated.Status {
	case models.RegistrationEnrolled:
		s.notify(NotifyEnrolled, updated, session)
		s.syncCalendar(updated.UserID, session, true)
	case models.RegistrationWaitlisted:
		s.notify(NotifyWaitlisted, updated, session)
	case models.RegistrationUnregistered:
		s.notify(NotifyUnregistered, updated, session)
		s.syncCalendar(updated.UserID, session, false)
	}
	if promoted != nil {
		s.notify(NotifyPromoted, promoted, session)
		s.syncCalendar(promoted.UserID, session, true)
	}
	return updated, nil
}

// ApproveRegistration completes the seat step for an approved registration.
// Called by the approval workflow after the request is finalized.
func (s *RegistrationService) ApproveRegistration(ctx context.Context, registrationID string) (*models.RegisterResult, error) {
	registration, err := s.repo.FindByID(ctx, registrationID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "registration not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
	}
	session, err := s.loadSession(ctx, registration.SessionID)
	if err != nil {
		return nil, err
	}

	var result *models.RegisterResult
	err = s.ledger.WithSession(session.ID, func() error {
		if registration.Status != models.RegistrationPendingApproval {
			result = &models.RegisterResult{Outcome: models.OutcomeAlreadyRegistered, Registration: registration}
			return nil
		}
		status, rank, forced, err := s.placementLocked(ctx, session, false)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateStatus(ctx, registration.ID, status, rank, forced); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update registration")
		}
		registration.Status = status
		registration.WaitlistRank = rank
		outcome := models.OutcomeEnrolled
		if status == models.RegistrationWaitlisted {
			outcome = models.OutcomeWaitlisted
		}
		result = &models.RegisterResult{Outcome: outcome, Registration: registration, WaitlistRank: rank}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Outcome == models.OutcomeEnrolled || result.Outcome == models.OutcomeWaitlisted {
		s.dropAvailability(ctx, session.ID)
	}
	s.observe(result.Outcome)
	s.dispatchRegisterResult(result, session)
	return result, nil
}

// DeclineRegistration releases a pending registration after a manager
// declined it.
func (s *RegistrationService) DeclineRegistration(ctx context.Context, registrationID string) error {
	registration, err := s.repo.FindByID(ctx, registrationID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "registration not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
	}
	session, err := s.loadSession(ctx, registration.SessionID)
	if err != nil {
		return err
	}

	err = s.ledger.WithSession(session.ID, func() error {
		if registration.Status != models.RegistrationPendingApproval {
			return nil
		}
		if err := s.repo.UpdateStatus(ctx, registration.ID, models.RegistrationUnregistered, nil, false); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to release registration")
		}
		registration.Status = models.RegistrationUnregistered
		return nil
	})
	if err != nil {
		return err
	}

	s.notify(NotifyDeclined, registration, session)
	return nil
}

// FillOpenSeats promotes waitlisted users while seats remain. Called after
// a capacity increase.
func (s *RegistrationService) FillOpenSeats(ctx context.Context, sessionID string) ([]models.Registration, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var promoted []models.Registration
	err = s.ledger.WithSession(session.ID, func() error {
		for {
			registration, err := s.promoteLocked(ctx, session)
			if err != nil {
				return err
			}
			if registration == nil {
				return nil
			}
			promoted = append(promoted, *registration)
		}
	})
	if err != nil {
		return nil, err
	}

	if len(promoted) > 0 {
		s.dropAvailability(ctx, session.ID)
	}
	for i := range promoted {
		s.notify(NotifyPromoted, &promoted[i], session)
		s.syncCalendar(promoted[i].UserID, session, true)
	}
	return promoted, nil
}

// MarkAttendance records attendance after the session ended. Items are
// processed independently.
func (s *RegistrationService) MarkAttendance(ctx context.Context, sessionID string, updates []AttendanceUpdate) ([]AttendanceResult, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if time.Now().UTC().Before(session.EndsAt) {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "session has not ended yet")
	}

	results := make([]AttendanceResult, 0, len(updates))
	for _, update := range updates {
		if err := s.validator.Struct(update); err != nil {
			results = append(results, AttendanceResult{UserID: update.UserID, Error: "invalid attendance payload"})
			continue
		}
		registration, err := s.repo.FindActive(ctx, session.ID, update.UserID)
		if err != nil {
			if err == sql.ErrNoRows {
				results = append(results, AttendanceResult{UserID: update.UserID, Error: "not registered"})
				continue
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
		}
		if registration.Status != models.RegistrationEnrolled {
			results = append(results, AttendanceResult{UserID: update.UserID, Error: "not enrolled"})
			continue
		}
		if err := s.repo.SetAttendance(ctx, registration.ID, update.Mark); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record attendance")
		}
		results = append(results, AttendanceResult{UserID: update.UserID, OK: true})
	}
	return results, nil
}

// Roster returns the active roster of a session, enrolled first.
func (s *RegistrationService) Roster(ctx context.Context, sessionID string) ([]models.RegistrationDetail, error) {
	if _, err := s.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	roster, err := s.repo.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}
	return roster, nil
}

// ListForUser returns a user's active registrations.
func (s *RegistrationService) ListForUser(ctx context.Context, userID string) ([]models.Registration, error) {
	registrations, err := s.repo.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list registrations")
	}
	return registrations, nil
}

// CascadeRelease unregisters everyone and withdraws pending approvals when
// a session is deleted. Runs inside the session lock; no promotions fire.
func (s *RegistrationService) CascadeRelease(ctx context.Context, sessionID string) (int64, error) {
	var released int64
	err := s.ledger.WithSession(sessionID, func() error {
		now := time.Now().UTC()
		if err := s.approvals.CancelBySession(ctx, sessionID, now); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel approvals")
		}
		affected, err := s.repo.UnregisterAllBySession(ctx, sessionID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to release registrations")
		}
		released = affected
		return nil
	})
	if err == nil && released > 0 {
		s.dropAvailability(ctx, sessionID)
	}
	return released, err
}

// placementLocked decides where a new enrollment lands: a free seat, a
// forced overbook seat, or the waitlist. Callers hold the session lock.
func (s *RegistrationService) placementLocked(ctx context.Context, session *models.Session, force bool) (models.RegistrationStatus, *int64, bool, error) {
	available, err := s.ledger.SeatAvailable(ctx, session)
	if err != nil {
		return "", nil, false, err
	}
	if available {
		return models.RegistrationEnrolled, nil, false, nil
	}
	if force && s.cfg.ForceOverbook {
		return models.RegistrationEnrolled, nil, true, nil
	}
	rank, err := s.ledger.NextRank(ctx, session.ID)
	if err != nil {
		return "", nil, false, err
	}
	return models.RegistrationWaitlisted, &rank, false, nil
}

// promoteLocked fills one open seat from the waitlist head. Entries whose
// eligibility lapsed are dropped without consuming the seat. Returns nil
// when no seat is open or the waitlist is exhausted.
func (s *RegistrationService) promoteLocked(ctx context.Context, session *models.Session) (*models.Registration, error) {
	available, err := s.ledger.SeatAvailable(ctx, session)
	if err != nil {
		return nil, err
	}
	if !available {
		return nil, nil
	}
	waitlist, err := s.repo.ListWaitlisted(ctx, session.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load waitlist")
	}
	for i := range waitlist {
		candidate := waitlist[i]
		user, err := s.users.FindByID(ctx, candidate.UserID)
		if err != nil {
			if err == sql.ErrNoRows {
				if err := s.repo.UpdateStatus(ctx, candidate.ID, models.RegistrationUnregistered, nil, false); err != nil {
					return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to drop waitlist entry")
				}
				continue
			}
			// Directory outage: leave the waitlist untouched, the seat
			// stays open for the next promotion attempt.
			return nil, appErrors.Wrap(err, appErrors.ErrDirectoryDown.Code, appErrors.ErrDirectoryDown.Status, "directory unavailable")
		}
		verdict := s.eligibility.Evaluate(user, session, EvaluateOptions{SkipClosedGate: true, SkipApprovalGate: true})
		if verdict.IsRestricted() {
			s.logger.Info("dropping ineligible waitlist entry",
				zap.String("registration_id", candidate.ID),
				zap.Strings("reasons", verdict.Reasons))
			if err := s.repo.UpdateStatus(ctx, candidate.ID, models.RegistrationUnregistered, nil, false); err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to drop waitlist entry")
			}
			continue
		}
		if err := s.repo.UpdateStatus(ctx, candidate.ID, models.RegistrationEnrolled, nil, false); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to promote waitlist entry")
		}
		candidate.Status = models.RegistrationEnrolled
		candidate.WaitlistRank = nil
		if s.metrics != nil {
			s.metrics.ObservePromotion()
		}
		return &candidate, nil
	}
	return nil, nil
}

func (s *RegistrationService) loadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	if session.Deleted {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
	}
	return session, nil
}

func (s *RegistrationService) dispatchRegisterResult(result *models.RegisterResult, session *models.Session) {
	if result.Registration == nil {
		return
	}
	switch result.Outcome {
	case models.OutcomeEnrolled:
		s.notify(NotifyEnrolled, result.Registration, session)
		s.syncCalendar(result.Registration.UserID, session, true)
	case models.OutcomeWaitlisted:
		s.notify(NotifyWaitlisted, result.Registration, session)
	case models.OutcomePendingApproval:
		s.notify(NotifyPendingApproval, result.Registration, session)
	}
}

func (s *RegistrationService) notify(kind NotificationKind, registration *models.Registration, session *models.Session) {
	if s.notifier == nil || registration == nil || !registration.Notify {
		return
	}
	notification := Notification{
		Kind:           kind,
		UserID:         registration.UserID,
		SessionID:      session.ID,
		SessionName:    session.Name,
		RegistrationID: registration.ID,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()
		if err := s.notifier.Send(ctx, notification); err != nil {
			s.logger.Warn("notification delivery failed",
				zap.String("kind", string(kind)),
				zap.String("registration_id", notification.RegistrationID),
				zap.Error(err))
		}
	}()
}

func (s *RegistrationService) syncCalendar(userID string, session *models.Session, upsert bool) {
	if s.calendar == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()
		var err error
		if upsert {
			err = s.calendar.Upsert(ctx, userID, session)
		} else {
			err = s.calendar.Remove(ctx, userID, session)
		}
		if err != nil {
			s.logger.Warn("calendar sync failed",
				zap.String("user_id", userID),
				zap.String("session_id", session.ID),
				zap.Error(err))
		}
	}()
}

func (s *RegistrationService) observe(outcome models.RegistrationOutcome) {
	if s.metrics != nil {
		s.metrics.ObserveRegistration(outcome)
	}
}

func (s *RegistrationService) dropAvailability(ctx context.Context, sessionID string) {
	if s.availability != nil {
		s.availability.InvalidateAvailability(ctx, sessionID)
	}
}
