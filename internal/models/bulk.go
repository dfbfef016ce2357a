package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// BulkJobStatus captures bulk enrollment job lifecycle states.
type BulkJobStatus string

const (
	BulkJobQueued    BulkJobStatus = "QUEUED"
	BulkJobRunning   BulkJobStatus = "RUNNING"
	BulkJobCompleted BulkJobStatus = "COMPLETED"
	BulkJobCancelled BulkJobStatus = "CANCELLED"
	BulkJobFailed    BulkJobStatus = "FAILED"
)

// BulkIdentityOutcome is the per-identity result of a bulk enrollment run.
// Order matches the deduplicated input order.
type BulkIdentityOutcome struct {
	Identity string              `json:"identity"`
	UserID   string              `json:"userId,omitempty"`
	Outcome  RegistrationOutcome `json:"outcome"`
	Reasons  []string            `json:"reasons,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// BulkJobOutcomes is the JSONB column holding ordered per-identity results.
type BulkJobOutcomes []BulkIdentityOutcome

// Value marshals outcomes to JSON for persistence.
func (o BulkJobOutcomes) Value() (driver.Value, error) {
	if o == nil {
		o = BulkJobOutcomes{}
	}
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("marshal bulk job outcomes: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the outcomes slice.
func (o *BulkJobOutcomes) Scan(value interface{}) error {
	if value == nil {
		*o = BulkJobOutcomes{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for BulkJobOutcomes", value)
	}
	if len(data) == 0 {
		*o = BulkJobOutcomes{}
		return nil
	}
	if err := json.Unmarshal(data, o); err != nil {
		return fmt.Errorf("unmarshal bulk job outcomes: %w", err)
	}
	return nil
}

// BulkJob persists a bulk enrollment run and its progressive results.
// Identities holds the deduplicated input in submission order so a queued
// job survives a restart.
type BulkJob struct {
	ID             string          `db:"id" json:"id"`
	SessionID      string          `db:"session_id" json:"session_id"`
	CreatedBy      string          `db:"created_by" json:"created_by"`
	Status         BulkJobStatus   `db:"status" json:"status"`
	Identities     pq.StringArray  `db:"identities" json:"identities"`
	BatchSize      int             `db:"batch_size" json:"batch_size"`
	Force          bool            `db:"force" json:"force"`
	Notify         bool            `db:"notify" json:"notify"`
	TotalCount     int             `db:"total_count" json:"total_count"`
	ProcessedCount int             `db:"processed_count" json:"processed_count"`
	Outcomes       BulkJobOutcomes `db:"outcomes" json:"outcomes"`
	ErrorMessage   *string         `db:"error_message" json:"error_message,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	FinishedAt     *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
}

// Tally aggregates outcome counts for status responses.
func (j *BulkJob) Tally() map[RegistrationOutcome]int {
	tally := make(map[RegistrationOutcome]int)
	for _, outcome := range j.Outcomes {
		tally[outcome.Outcome]++
	}
	return tally
}
