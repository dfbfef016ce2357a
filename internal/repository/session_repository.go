package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/session-reg-api/internal/models"
)

const sessionColumns = `id, name, description, owner_id, instructors, capacity, starts_at, ends_at, deadline, approval_required, allowed_categories, visible, deleted, last_waitlist_rank, created_at, updated_at`

// SessionRepository handles persistence of sessions.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository constructs the repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// List returns sessions filtered by the provided criteria.
func (r *SessionRepository) List(ctx context.Context, filter models.SessionFilter) ([]models.Session, int, error) {
	base := `FROM sessions WHERE deleted = FALSE`
	var conditions []string
	var args []interface{}

	if filter.OwnerID != "" {
		conditions = append(conditions, fmt.Sprintf("owner_id = $%d", len(args)+1))
		args = append(args, filter.OwnerID)
	}
	if filter.VisibleOnly {
		conditions = append(conditions, "visible = TRUE")
	}
	if filter.Upcoming {
		conditions = append(conditions, fmt.Sprintf("starts_at > $%d", len(args)+1))
		args = append(args, time.Now().UTC())
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("LOWER(name) LIKE $%d", len(args)+1))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " AND " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"starts_at":  "starts_at",
		"name":       "name",
		"created_at": "created_at",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "starts_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d", sessionColumns, base+clause, orderBy, order, size, offset)

	var sessions []models.Session
	if err := r.db.SelectContext(ctx, &sessions, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}
	return sessions, total, nil
}

// FindByID returns a session by its ID, deleted ones included.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE id = $1`, sessionColumns)
	var session models.Session
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		return nil, err
	}
	return &session, nil
}

// Create persists a new session record.
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	const query = `INSERT INTO sessions (id, name, description, owner_id, instructors, capacity, starts_at, ends_at, deadline, approval_required, allowed_categories, visible, deleted, last_waitlist_rank, created_at, updated_at)
        VALUES (:id, :name, :description, :owner_id, :instructors, :capacity, :starts_at, :ends_at, :deadline, :approval_required, :allowed_categories, :visible, :deleted, :last_waitlist_rank, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// UpdateSessionParams defines the mutable session fields.
type UpdateSessionParams struct {
	Name              *string
	Description       *string
	Capacity          *int
	StartsAt          *time.Time
	EndsAt            *time.Time
	Deadline          *time.Time
	ClearDeadline     bool
	ApprovalRequired  *bool
	AllowedCategories []string
	Visible           *bool
}

// Update persists the provided changes for a session row.
func (r *SessionRepository) Update(ctx context.Context, id string, params UpdateSessionParams) error {
	set := make([]string, 0, 9)
	args := make([]interface{}, 0, 10)
	argPos := 1

	if params.Name != nil {
		set = append(set, fmt.Sprintf("name = $%d", argPos))
		args = append(args, *params.Name)
		argPos++
	}
	if params.Description != nil {
		set = append(set, fmt.Sprintf("description = $%d", argPos))
		args = append(args, *params.Description)
		argPos++
	}
	if params.Capacity != nil {
		set = append(set, fmt.Sprintf("capacity = $%d", argPos))
		args = append(args, *params.Capacity)
		argPos++
	}
	if params.StartsAt != nil {
		set = append(set, fmt.Sprintf("starts_at = $%d", argPos))
		args = append(args, *params.StartsAt)
		argPos++
	}
	if params.EndsAt != nil {
		set = append(set, fmt.Sprintf("ends_at = $%d", argPos))
		args = append(args, *params.EndsAt)
		argPos++
	}
	if params.ClearDeadline {
		set = append(set, "deadline = NULL")
	} else if params.Deadline != nil {
		set = append(set, fmt.Sprintf("deadline = $%d", argPos))
		args = append(args, *params.Deadline)
		argPos++
	}
	if params.ApprovalRequired != nil {
		set = append(set, fmt.Sprintf("approval_required = $%d", argPos))
		args = append(args, *params.ApprovalRequired)
		argPos++
	}
	if params.AllowedCategories != nil {
		set = append(set, fmt.Sprintf("allowed_categories = $%d", argPos))
		args = append(args, pq.StringArray(params.AllowedCategories))
		argPos++
	}
	if params.Visible != nil {
		set = append(set, fmt.Sprintf("visible = $%d", argPos))
		args = append(args, *params.Visible)
		argPos++
	}

	if len(set) == 0 {
		return nil
	}

	set = append(set, fmt.Sprintf("updated_at = $%d", argPos))
	args = append(args, time.Now().UTC())
	argPos++

	query := fmt.Sprintf("UPDATE sessions SET %s WHERE id = $%d", strings.Join(set, ", "), argPos)
	args = append(args, id)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// SoftDelete marks a session deleted. Deletion is terminal.
func (r *SessionRepository) SoftDelete(ctx context.Context, id string) error {
	const query = `UPDATE sessions SET deleted = TRUE, visible = FALSE, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// NextWaitlistRank atomically increments and returns the session's waitlist
// rank counter. Ranks are strictly increasing and never reused.
func (r *SessionRepository) NextWaitlistRank(ctx context.Context, id string) (int64, error) {
	const query = `UPDATE sessions SET last_waitlist_rank = last_waitlist_rank + 1 WHERE id = $1 RETURNING last_waitlist_rank`
	var rank int64
	if err := r.db.GetContext(ctx, &rank, query, id); err != nil {
		return 0, fmt.Errorf("next waitlist rank: %w", err)
	}
	return rank, nil
}
