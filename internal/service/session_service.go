package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/noah-isme/session-reg-api/internal/models"
	"github.com/noah-isme/session-reg-api/internal/repository"
	"github.com/noah-isme/session-reg-api/pkg/config"
	appErrors "github.com/noah-isme/session-reg-api/pkg/errors"
)

type sessionStore interface {
	List(ctx context.Context, filter models.SessionFilter) ([]models.Session, int, error)
	FindByID(ctx context.Context, id string) (*models.Session, error)
	Create(ctx context.Context, session *models.Session) error
	Update(ctx context.Context, id string, params repository.UpdateSessionParams) error
	SoftDelete(ctx context.Context, id string) error
}

type rosterCounts interface {
	CountEnrolled(ctx context.Context, sessionID string) (int, error)
	CountWaitlisted(ctx context.Context, sessionID string) (int, error)
}

type rosterManager interface {
	FillOpenSeats(ctx context.Context, sessionID string) ([]models.Registration, error)
	CascadeRelease(ctx context.Context, sessionID string) (int64, error)
}

type sessionAuditor interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// CreateSessionRequest describes session creation payload.
type CreateSessionRequest struct {
	Name              string     `json:"name" validate:"required"`
	Description       string     `json:"description"`
	Instructors       []string   `json:"instructors"`
	Capacity          int        `json:"capacity" validate:"min=0"`
	StartsAt          time.Time  `json:"starts_at" validate:"required"`
	EndsAt            time.Time  `json:"ends_at" validate:"required"`
	Deadline          *time.Time `json:"deadline"`
	ApprovalRequired  bool       `json:"approval_required"`
	AllowedCategories []string   `json:"allowed_categories"`
	Visible           bool       `json:"visible"`
}

// UpdateSessionRequest describes a partial session update.
type UpdateSessionRequest struct {
	Name              *string    `json:"name"`
	Description       *string    `json:"description"`
	Capacity          *int       `json:"capacity"`
	StartsAt          *time.Time `json:"starts_at"`
	EndsAt            *time.Time `json:"ends_at"`
	Deadline          *time.Time `json:"deadline"`
	ClearDeadline     bool       `json:"clear_deadline"`
	ApprovalRequired  *bool      `json:"approval_required"`
	AllowedCategories []string   `json:"allowed_categories"`
	Visible           *bool      `json:"visible"`
}

// SessionService manages the session catalog and the availability
// projection.
type SessionService struct {
	repo          sessionStore
	counts        rosterCounts
	registrations rosterManager
	audits        sessionAuditor
	cache         *CacheService
	cfg           config.AvailabilityConfig
	validator     *validator.Validate
	logger        *zap.Logger
}

// NewSessionService constructs SessionService. cache and audits may be nil.
func NewSessionService(
	repo sessionStore,
	counts rosterCounts,
	registrations rosterManager,
	audits sessionAuditor,
	cache *CacheService,
	cfg config.AvailabilityConfig,
	validate *validator.Validate,
	logger *zap.Logger,
) *SessionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	return &SessionService{
		repo:          repo,
		counts:        counts,
		registrations: registrations,
		audits:        audits,
		cache:         cache,
		cfg:           cfg,
		validator:     validate,
		logger:        logger,
	}
}

// List returns sessions with pagination metadata.
func (s *SessionService) List(ctx context.Context, filter models.SessionFilter) ([]models.Session, *models.Pagination, error) {
	sessions, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sessions")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return sessions, pagination, nil
}

// Get returns a session by ID.
func (s *SessionService) Get(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	if session.Deleted {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
	}
	return session, nil
}

// Create adds a new session owned by the actor.
func (s *SessionService) Create(ctx context.Context, req CreateSessionRequest, actorID string) (*models.Session, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid session payload")
	}
	if err := validateSchedule(req.StartsAt, req.EndsAt, req.Deadline); err != nil {
		return nil, err
	}

	session := &models.Session{
		Name:              req.Name,
		Description:       req.Description,
		OwnerID:           actorID,
		Instructors:       pq.StringArray(req.Instructors),
		Capacity:          req.Capacity,
		StartsAt:          req.StartsAt.UTC(),
		EndsAt:            req.EndsAt.UTC(),
		Deadline:          req.Deadline,
		ApprovalRequired:  req.ApprovalRequired,
		AllowedCategories: pq.StringArray(req.AllowedCategories),
		Visible:           req.Visible,
	}
	if err := s.repo.Create(ctx, session); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create session")
	}
	return session, nil
}

// Update modifies a session. Raising capacity immediately fills the freed
// seats from the waitlist.
func (s *SessionService) Update(ctx context.Context, id string, req UpdateSessionRequest, actor *models.JWTClaims) (*models.Session, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireManage(session, actor); err != nil {
		return nil, err
	}

	startsAt := session.StartsAt
	if req.StartsAt != nil {
		startsAt = req.StartsAt.UTC()
	}
	endsAt := session.EndsAt
	if req.EndsAt != nil {
		endsAt = req.EndsAt.UTC()
	}
	deadline := session.Deadline
	if req.ClearDeadline {
		deadline = nil
	} else if req.Deadline != nil {
		deadline = req.Deadline
	}
	if err := validateSchedule(startsAt, endsAt, deadline); err != nil {
		return nil, err
	}
	if req.Capacity != nil && *req.Capacity < 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "capacity cannot be negative")
	}

	params := repository.UpdateSessionParams{
		Name:              req.Name,
		Description:       req.Description,
		Capacity:          req.Capacity,
		StartsAt:          req.StartsAt,
		EndsAt:            req.EndsAt,
		Deadline:          req.Deadline,
		ClearDeadline:     req.ClearDeadline,
		ApprovalRequired:  req.ApprovalRequired,
		AllowedCategories: req.AllowedCategories,
		Visible:           req.Visible,
	}
	if err := s.repo.Update(ctx, id, params); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update session")
	}

	capacityRaised := req.Capacity != nil && (*req.Capacity <= 0 || *req.Capacity > session.Capacity) && !(session.Capacity <= 0)
	if capacityRaised {
		promoted, err := s.registrations.FillOpenSeats(ctx, id)
		if err != nil {
			s.logger.Warn("failed to fill seats after capacity raise", zap.String("session_id", id), zap.Error(err))
		} else if len(promoted) > 0 {
			s.logger.Info("capacity raise promoted waitlist entries",
				zap.String("session_id", id),
				zap.Int("promoted", len(promoted)))
		}
	}

	s.invalidateAvailability(ctx, id)
	return s.Get(ctx, id)
}

// Delete soft deletes a session and releases its entire roster. Deletion
// never triggers promotions.
func (s *SessionService) Delete(ctx context.Context, id string, actor *models.JWTClaims, meta models.LoginRequest) error {
	session, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.requireManage(session, actor); err != nil {
		return err
	}

	if err := s.repo.SoftDelete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete session")
	}
	released, err := s.registrations.CascadeRelease(ctx, id)
	if err != nil {
		return err
	}
	s.invalidateAvailability(ctx, id)

	if s.audits != nil && actor != nil {
		payload, _ := json.Marshal(map[string]interface{}{"name": session.Name, "released": released})
		if err := s.audits.CreateAuditLog(ctx, &models.AuditLog{
			UserID:     &actor.UserID,
			Action:     models.AuditActionSessionDelete,
			Resource:   "sessions",
			ResourceID: &session.ID,
			OldValues:  payload,
			IPAddress:  meta.IP,
			UserAgent:  meta.UserAgent,
		}); err != nil {
			s.logger.Warn("failed to record session delete audit log", zap.Error(err))
		}
	}
	return nil
}

// Availability returns the derived availability projection, serving a
// cached copy when fresh. The second return reports a cache hit.
func (s *SessionService) Availability(ctx context.Context, id string) (*models.SessionAvailabilityView, bool, error) {
	key := availabilityCacheKey(id)
	if s.cache.Enabled() {
		var cached models.SessionAvailabilityView
		if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
			return &cached, true, nil
		}
	}

	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	enrolled, err := s.counts.CountEnrolled(ctx, id)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count enrollments")
	}
	waitlisted, err := s.counts.CountWaitlisted(ctx, id)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count waitlist")
	}

	view := &models.SessionAvailabilityView{
		SessionID:      session.ID,
		Availability:   deriveAvailability(session, enrolled, time.Now().UTC()),
		Capacity:       session.Capacity,
		EnrolledCount:  enrolled,
		WaitlistLength: waitlisted,
		GeneratedAt:    time.Now().UTC(),
	}
	if !session.Unlimited() {
		remaining := session.Capacity - enrolled
		if remaining < 0 {
			remaining = 0
		}
		view.SeatsRemaining = &remaining
	}

	if s.cache.Enabled() {
		if err := s.cache.Set(ctx, key, view, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("failed to cache availability", zap.String("session_id", id), zap.Error(err))
		}
	}
	return view, false, nil
}

// InvalidateAvailability drops the cached projection after roster changes.
func (s *SessionService) InvalidateAvailability(ctx context.Context, sessionID string) {
	s.invalidateAvailability(ctx, sessionID)
}

func (s *SessionService) invalidateAvailability(ctx context.Context, sessionID string) {
	if !s.cache.Enabled() {
		return
	}
	if err := s.cache.Invalidate(ctx, availabilityCacheKey(sessionID)); err != nil {
		s.logger.Warn("failed to invalidate availability cache", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *SessionService) requireManage(session *models.Session, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if actor.Role == models.RoleAdmin {
		return nil
	}
	if actor.Role == models.RoleOrganizer && session.OwnerID == actor.UserID {
		return nil
	}
	return appErrors.Clone(appErrors.ErrForbidden, "not the session owner")
}

func deriveAvailability(session *models.Session, enrolled int, at time.Time) models.SessionAvailability {
	if len(closedReasons(session, at)) > 0 {
		return models.AvailabilityRestricted
	}
	if !session.Unlimited() && enrolled >= session.Capacity {
		return models.AvailabilityFull
	}
	return models.AvailabilityOpen
}

func validateSchedule(startsAt, endsAt time.Time, deadline *time.Time) error {
	if !endsAt.After(startsAt) {
		return appErrors.Clone(appErrors.ErrValidation, "session must end after it starts")
	}
	if deadline != nil && deadline.After(startsAt) {
		return appErrors.Clone(appErrors.ErrValidation, "registration deadline must not be after session start")
	}
	return nil
}

func availabilityCacheKey(sessionID string) string {
	return fmt.Sprintf("availability:%s", sessionID)
}
