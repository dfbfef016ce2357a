package dto

import (
	"time"

	"github.com/noah-isme/session-reg-api/internal/models"
)

// BulkJobResponse is returned after submitting a bulk enrollment.
type BulkJobResponse struct {
	ID         string               `json:"id"`
	SessionID  string               `json:"session_id"`
	Status     models.BulkJobStatus `json:"status"`
	TotalCount int                  `json:"total_count"`
	BatchSize  int                  `json:"batch_size"`
	CreatedAt  time.Time            `json:"created_at"`
}

// BulkStatusResponse exposes job progress and per-identity outcomes.
type BulkStatusResponse struct {
	ID             string                         `json:"id"`
	SessionID      string                         `json:"session_id"`
	Status         models.BulkJobStatus           `json:"status"`
	TotalCount     int                            `json:"total_count"`
	ProcessedCount int                            `json:"processed_count"`
	Tally          map[models.RegistrationOutcome]int `json:"tally"`
	Outcomes       models.BulkJobOutcomes         `json:"outcomes"`
	Error          *string                        `json:"error,omitempty"`
	FinishedAt     *time.Time                     `json:"finished_at,omitempty"`
}
