package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/session-reg-api/internal/models"
)

const registrationColumns = `id, session_id, user_id, status, waitlist_rank, forced, attendance, notify, created_at, updated_at`

// RegistrationRepository handles persistence of registrations.
type RegistrationRepository struct {
	db *sqlx.DB
}

// NewRegistrationRepository constructs the repository.
func NewRegistrationRepository(db *sqlx.DB) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

// FindByID returns a registration by its ID.
func (r *RegistrationRepository) FindByID(ctx context.Context, id string) (*models.Registration, error) {
	query := fmt.Sprintf(`SELECT %s FROM registrations WHERE id = $1`, registrationColumns)
	var registration models.Registration
	if err := r.db.GetContext(ctx, &registration, query, id); err != nil {
		return nil, err
	}
	return &registration, nil
}

// FindActive returns the single non-UNREGISTERED registration for the pair,
// or sql.ErrNoRows when none exists.
func (r *RegistrationRepository) FindActive(ctx context.Context, sessionID, userID string) (*models.Registration, error) {
	query := fmt.Sprintf(`SELECT %s FROM registrations WHERE session_id = $1 AND user_id = $2 AND status <> $3 LIMIT 1`, registrationColumns)
	var registration models.Registration
	if err := r.db.GetContext(ctx, &registration, query, sessionID, userID, models.RegistrationUnregistered); err != nil {
		return nil, err
	}
	return &registration, nil
}

// CountEnrolled returns the number of enrolled registrations for a session.
func (r *RegistrationRepository) CountEnrolled(ctx context.Context, sessionID string) (int, error) {
	const query = `SELECT COUNT(*) FROM registrations WHERE session_id = $1 AND status = $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, sessionID, models.RegistrationEnrolled); err != nil {
		return 0, fmt.Errorf("count enrolled: %w", err)
	}
	return count, nil
}

// CountWaitlisted returns the current waitlist length for a session.
func (r *RegistrationRepository) CountWaitlisted(ctx context.Context, sessionID string) (int, error) {
	const query = `SELECT COUNT(*) FROM registrations WHERE session_id = $1 AND status = $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, sessionID, models.RegistrationWaitlisted); err != nil {
		return 0, fmt.Errorf("count waitlisted: %w", err)
	}
	return count, nil
}

// CountForcedEnrolled returns how many enrolled registrations were force
// overbooked. The ledger uses it to tell tolerated excess from corruption.
func (r *RegistrationRepository) CountForcedEnrolled(ctx context.Context, sessionID string) (int, error) {
	const query = `SELECT COUNT(*) FROM registrations WHERE session_id = $1 AND status = $2 AND forced = TRUE`
	var count int
	if err := r.db.GetContext(ctx, &count, query, sessionID, models.RegistrationEnrolled); err != nil {
		return 0, fmt.Errorf("count forced enrollments: %w", err)
	}
	return count, nil
}

// ListWaitlisted returns waitlisted registrations ordered by rank ascending.
func (r *RegistrationRepository) ListWaitlisted(ctx context.Context, sessionID string) ([]models.Registration, error) {
	query := fmt.Sprintf(`SELECT %s FROM registrations WHERE session_id = $1 AND status = $2 ORDER BY waitlist_rank ASC`, registrationColumns)
	var registrations []models.Registration
	if err := r.db.SelectContext(ctx, &registrations, query, sessionID, models.RegistrationWaitlisted); err != nil {
		return nil, fmt.Errorf("list waitlisted: %w", err)
	}
	return registrations, nil
}

// ListBySession returns the active roster with user info, enrolled first,
// then waitlisted by rank.
func (r *RegistrationRepository) ListBySession(ctx context.Context, sessionID string) ([]models.RegistrationDetail, error) {
	const query = `SELECT r.id, r.session_id, r.user_id, r.status, r.waitlist_rank, r.forced, r.attendance, r.notify, r.created_at, r.updated_at,
        u.email AS user_email, u.full_name AS user_full_name, u.category AS user_category
        FROM registrations r
        JOIN users u ON u.id = r.user_id
        WHERE r.session_id = $1 AND r.status <> $2
        ORDER BY CASE r.status WHEN 'ENROLLED' THEN 0 WHEN 'PENDING_APPROVAL' THEN 1 ELSE 2 END, r.waitlist_rank ASC NULLS FIRST, r.created_at ASC`
	var roster []models.RegistrationDetail
	if err := r.db.SelectContext(ctx, &roster, query, sessionID, models.RegistrationUnregistered); err != nil {
		return nil, fmt.Errorf("list session roster: %w", err)
	}
	return roster, nil
}

// ListActiveByUser returns a user's active registrations.
func (r *RegistrationRepository) ListActiveByUser(ctx context.Context, userID string) ([]models.Registration, error) {
	query := fmt.Sprintf(`SELECT %s FROM registrations WHERE user_id = $1 AND status <> $2 ORDER BY created_at DESC`, registrationColumns)
	var registrations []models.Registration
	if err := r.db.SelectContext(ctx, &registrations, query, userID, models.RegistrationUnregistered); err != nil {
		return nil, fmt.Errorf("list user registrations: %w", err)
	}
	return registrations, nil
}

// Create persists a new registration record.
func (r *RegistrationRepository) Create(ctx context.Context, registration *models.Registration) error {
	if registration.ID == "" {
		registration.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if registration.CreatedAt.IsZero() {
		registration.CreatedAt = now
	}
	registration.UpdatedAt = now
	if registration.Attendance == "" {
		registration.Attendance = models.AttendanceNone
	}
	const query = `INSERT INTO registrations (id, session_id, user_id, status, waitlist_rank, forced, attendance, notify, created_at, updated_at)
        VALUES (:id, :session_id, :user_id, :status, :waitlist_rank, :forced, :attendance, :notify, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, registration); err != nil {
		return fmt.Errorf("create registration: %w", err)
	}
	return nil
}

// UpdateStatus moves a registration to a new status, replacing its waitlist
// rank and forced flag.
func (r *RegistrationRepository) UpdateStatus(ctx context.Context, id string, status models.RegistrationStatus, waitlistRank *int64, forced bool) error {
	const query = `UPDATE registrations SET status = $2, waitlist_rank = $3, forced = $4, updated_at = $5 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status, waitlistRank, forced, time.Now().UTC()); err != nil {
		return fmt.Errorf("update registration status: %w", err)
	}
	return nil
}

// SetAttendance records attendance for a registration.
func (r *RegistrationRepository) SetAttendance(ctx context.Context, id string, mark models.AttendanceMark) error {
	const query = `UPDATE registrations SET attendance = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, mark, time.Now().UTC()); err != nil {
		return fmt.Errorf("set attendance: %w", err)
	}
	return nil
}

// UnregisterAllBySession releases every active registration of a session.
// Used by the session deletion cascade.
func (r *RegistrationRepository) UnregisterAllBySession(ctx context.Context, sessionID string) (int64, error) {
	const query = `UPDATE registrations SET status = $2, waitlist_rank = NULL, updated_at = $3 WHERE session_id = $1 AND status <> $2`
	result, err := r.db.ExecContext(ctx, query, sessionID, models.RegistrationUnregistered, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cascade unregister: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}
