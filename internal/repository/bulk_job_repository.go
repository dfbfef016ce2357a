package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/session-reg-api/internal/models"
)

const bulkJobColumns = `id, session_id, created_by, status, identities, batch_size, force, notify, total_count, processed_count, outcomes, error_message, created_at, finished_at`

// BulkJobRepository persists bulk enrollment job metadata.
type BulkJobRepository struct {
	db *sqlx.DB
}

// NewBulkJobRepository constructs the repository.
func NewBulkJobRepository(db *sqlx.DB) *BulkJobRepository {
	return &BulkJobRepository{db: db}
}

// Create inserts a new bulk job row with generated defaults.
func (r *BulkJobRepository) Create(ctx context.Context, job *models.BulkJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.BulkJobQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Outcomes == nil {
		job.Outcomes = models.BulkJobOutcomes{}
	}
	const query = `INSERT INTO bulk_jobs (id, session_id, created_by, status, identities, batch_size, force, notify, total_count, processed_count, outcomes, error_message, created_at, finished_at)
        VALUES (:id, :session_id, :created_by, :status, :identities, :batch_size, :force, :notify, :total_count, :processed_count, :outcomes, :error_message, :created_at, :finished_at)`
	if _, err := r.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("create bulk job: %w", err)
	}
	return nil
}

// GetByID returns a job row by its identifier.
func (r *BulkJobRepository) GetByID(ctx context.Context, id string) (*models.BulkJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM bulk_jobs WHERE id = $1`, bulkJobColumns)
	var job models.BulkJob
	if err := r.db.GetContext(ctx, &job, query, id); err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateBulkJobParams defines the mutable fields.
type UpdateBulkJobParams struct {
	Status         *models.BulkJobStatus
	ProcessedCount *int
	Outcomes       models.BulkJobOutcomes
	ErrorMessage   *string
	FinishedAt     *time.Time
}

// Update persists the provided changes for a job row.
func (r *BulkJobRepository) Update(ctx context.Context, id string, params UpdateBulkJobParams) error {
	set := make([]string, 0, 5)
	args := make([]interface{}, 0, 6)
	argPos := 1

	if params.Status != nil {
		set = append(set, fmt.Sprintf("status = $%d", argPos))
		args = append(args, *params.Status)
		argPos++
	}
	if params.ProcessedCount != nil {
		set = append(set, fmt.Sprintf("processed_count = $%d", argPos))
		args = append(args, *params.ProcessedCount)
		argPos++
	}
	if params.Outcomes != nil {
		set = append(set, fmt.Sprintf("outcomes = $%d", argPos))
		args = append(args, params.Outcomes)
		argPos++
	}
	if params.ErrorMessage != nil {
		set = append(set, fmt.Sprintf("error_message = $%d", argPos))
		args = append(args, *params.ErrorMessage)
		argPos++
	}
	if params.FinishedAt != nil {
		set = append(set, fmt.Sprintf("finished_at = $%d", argPos))
		args = append(args, *params.FinishedAt)
		argPos++
	}

	if len(set) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE bulk_jobs SET %s WHERE id = $%d", strings.Join(set, ", "), argPos)
	args = append(args, id)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update bulk job: %w", err)
	}
	return nil
}

// GetStatus fetches only the job status, used at batch boundaries to honor
// cancellation cheaply.
func (r *BulkJobRepository) GetStatus(ctx context.Context, id string) (models.BulkJobStatus, error) {
	const query = `SELECT status FROM bulk_jobs WHERE id = $1`
	var status models.BulkJobStatus
	if err := r.db.GetContext(ctx, &status, query, id); err != nil {
		return "", fmt.Errorf("get bulk job status: %w", err)
	}
	return status, nil
}

// RequestCancel marks a queued or running job cancelled. Returns false when
// the job already reached a terminal state.
func (r *BulkJobRepository) RequestCancel(ctx context.Context, id string) (bool, error) {
	const query = `UPDATE bulk_jobs SET status = $2 WHERE id = $1 AND status IN ($3, $4)`
	result, err := r.db.ExecContext(ctx, query, id, models.BulkJobCancelled, models.BulkJobQueued, models.BulkJobRunning)
	if err != nil {
		return false, fmt.Errorf("cancel bulk job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel bulk job: %w", err)
	}
	return affected > 0, nil
}

// ListQueued fetches queued jobs (used for cold start recovery).
func (r *BulkJobRepository) ListQueued(ctx context.Context, limit int) ([]models.BulkJob, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT %s FROM bulk_jobs WHERE status = 'QUEUED' ORDER BY created_at ASC LIMIT $1`, bulkJobColumns)
	var jobs []models.BulkJob
	if err := r.db.SelectContext(ctx, &jobs, query, limit); err != nil {
		return nil, fmt.Errorf("list queued bulk jobs: %w", err)
	}
	return jobs, nil
}
