package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/session-reg-api/internal/models"
)

func TestApprovalRepositoryDecideFirstTime(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewApprovalRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE approval_requests SET decision = $2, decided_at = $3 WHERE id = $1 AND decision = $4")).
		WithArgs("req-1", models.ApprovalApproved, sqlmock.AnyArg(), models.ApprovalPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	decided, err := repo.Decide(context.Background(), "req-1", models.ApprovalApproved, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, decided)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalRepositoryDecideRepeatIsNoop(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewApprovalRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE approval_requests SET decision = $2, decided_at = $3 WHERE id = $1 AND decision = $4")).
		WithArgs("req-1", models.ApprovalDeclined, sqlmock.AnyArg(), models.ApprovalPending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	decided, err := repo.Decide(context.Background(), "req-1", models.ApprovalDeclined, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, decided)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalRepositoryHasApproved(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewApprovalRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM approval_requests WHERE session_id = $1 AND candidate_id = $2 AND decision = $3)")).
		WithArgs("sess-1", "user-1", models.ApprovalApproved).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	usable, err := repo.HasApproved(context.Background(), "sess-1", "user-1")
	require.NoError(t, err)
	require.True(t, usable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalRepositoryListPendingByManager(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewApprovalRepository(db)

	rows := sqlmock.NewRows([]string{"id", "registration_id", "session_id", "candidate_id", "manager_id", "decision", "decided_at", "created_at", "candidate_email", "candidate_name", "session_name"}).
		AddRow("req-1", "reg-1", "sess-1", "user-1", "mgr-1", models.ApprovalPending, nil, time.Now(), "a@example.com", "A", "Go Workshop")
	mock.ExpectQuery(regexp.QuoteMeta("WHERE a.manager_id = $1 AND a.decision = $2")).
		WithArgs("mgr-1", models.ApprovalPending).
		WillReturnRows(rows)

	pending, err := repo.ListPendingByManager(context.Background(), "mgr-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "Go Workshop", pending[0].SessionName)
	require.NoError(t, mock.ExpectationsWereMet())
}
