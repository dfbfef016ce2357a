package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/session-reg-api/internal/models"
	appErrors "github.com/noah-isme/session-reg-api/pkg/errors"
)

type mockApprovalStore struct {
	requests map[string]models.ApprovalRequest
}

func (m *mockApprovalStore) FindByID(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	if r, ok := m.requests[id]; ok {
		req := r
		return &req, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockApprovalStore) ListPendingByManager(ctx context.Context, managerID string) ([]models.ApprovalRequestDetail, error) {
	var list []models.ApprovalRequestDetail
	for _, r := range m.requests {
		if r.ManagerID == managerID && r.Decision == models.ApprovalPending {
			list = append(list, models.ApprovalRequestDetail{ApprovalRequest: r})
		}
	}
	return list, nil
}

func (m *mockApprovalStore) Decide(ctx context.Context, id string, decision models.ApprovalDecision, decidedAt time.Time) (bool, error) {
	r, ok := m.requests[id]
	if !ok {
		return false, sql.ErrNoRows
	}
	if r.Decision != models.ApprovalPending {
		return false, nil
	}
	r.Decision = decision
	r.DecidedAt = &decidedAt
	m.requests[id] = r
	return true, nil
}

// mockRegistrationFinisher mirrors the real placement step: it only moves
// registrations that are still pending and reports repeats as already
// registered.
type mockRegistrationFinisher struct {
	pending  map[string]bool
	approved []string
	declined []string
	outcome  models.RegistrationOutcome
	err      error
}

func newMockRegistrationFinisher(pendingIDs ...string) *mockRegistrationFinisher {
	pending := make(map[string]bool, len(pendingIDs))
	for _, id := range pendingIDs {
		pending[id] = true
	}
	return &mockRegistrationFinisher{pending: pending}
}

func (m *mockRegistrationFinisher) ApproveRegistration(ctx context.Context, registrationID string) (*models.RegisterResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	if !m.pending[registrationID] {
		return &models.RegisterResult{Outcome: models.OutcomeAlreadyRegistered}, nil
	}
	delete(m.pending, registrationID)
	m.approved = append(m.approved, registrationID)
	outcome := m.outcome
	if outcome == "" {
		outcome = models.OutcomeEnrolled
	}
	return &models.RegisterResult{Outcome: outcome}, nil
}

func (m *mockRegistrationFinisher) DeclineRegistration(ctx context.Context, registrationID string) error {
	if m.err != nil {
		return m.err
	}
	if !m.pending[registrationID] {
		return nil
	}
	delete(m.pending, registrationID)
	m.declined = append(m.declined, registrationID)
	return nil
}

func pendingApprovalFixture() *mockApprovalStore {
	return &mockApprovalStore{requests: map[string]models.ApprovalRequest{
		"req-1": {
			ID:             "req-1",
			RegistrationID: "reg-1",
			SessionID:      "sess-1",
			CandidateID:    "u1",
			ManagerID:      "mgr-1",
			Decision:       models.ApprovalPending,
		},
	}}
}

func TestApprovalDecideApprove(t *testing.T) {
	store := pendingApprovalFixture()
	finisher := newMockRegistrationFinisher("reg-1")
	svc := NewApprovalService(store, finisher, validator.New(), zap.NewNop())
	actor := &models.JWTClaims{UserID: "mgr-1", Role: models.RoleOrganizer}

	result, err := svc.Decide(context.Background(), "req-1", true, actor)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, result.Decision)
	assert.Equal(t, models.OutcomeEnrolled, result.Outcome)
	assert.False(t, result.AlreadyFinal)
	assert.Contains(t, finisher.approved, "reg-1")
}

func TestApprovalDecideDecline(t *testing.T) {
	store := pendingApprovalFixture()
	finisher := newMockRegistrationFinisher("reg-1")
	svc := NewApprovalService(store, finisher, validator.New(), zap.NewNop())
	actor := &models.JWTClaims{UserID: "mgr-1", Role: models.RoleOrganizer}

	result, err := svc.Decide(context.Background(), "req-1", false, actor)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalDeclined, result.Decision)
	assert.Contains(t, finisher.declined, "reg-1")
}

func TestApprovalDecideIdempotent(t *testing.T) {
	store := pendingApprovalFixture()
	finisher := newMockRegistrationFinisher("reg-1")
	svc := NewApprovalService(store, finisher, validator.New(), zap.NewNop())
	actor := &models.JWTClaims{UserID: "mgr-1", Role: models.RoleOrganizer}

	_, err := svc.Decide(context.Background(), "req-1", true, actor)
	require.NoError(t, err)

	// A repeated decision, even a contradictory one, reports the stored
	// verdict without touching the registration again.
	repeat, err := svc.Decide(context.Background(), "req-1", false, actor)
	require.NoError(t, err)
	assert.True(t, repeat.AlreadyFinal)
	assert.Equal(t, models.ApprovalApproved, repeat.Decision)
	assert.Len(t, finisher.approved, 1)
	assert.Empty(t, finisher.declined)
}

func TestApprovalDecideRecoversFromPlacementFailure(t *testing.T) {
	store := pendingApprovalFixture()
	finisher := newMockRegistrationFinisher("reg-1")
	svc := NewApprovalService(store, finisher, validator.New(), zap.NewNop())
	actor := &models.JWTClaims{UserID: "mgr-1", Role: models.RoleOrganizer}

	// The decision commits, then the placement step fails.
	finisher.err = fmt.Errorf("connection reset")
	_, err := svc.Decide(context.Background(), "req-1", true, actor)
	require.Error(t, err)
	assert.Equal(t, models.ApprovalApproved, store.requests["req-1"].Decision)
	assert.Empty(t, finisher.approved)

	// The retry sees a final request and still places the registration.
	finisher.err = nil
	result, err := svc.Decide(context.Background(), "req-1", true, actor)
	require.NoError(t, err)
	assert.True(t, result.AlreadyFinal)
	assert.Equal(t, models.ApprovalApproved, result.Decision)
	assert.Equal(t, models.OutcomeEnrolled, result.Outcome)
	assert.Contains(t, finisher.approved, "reg-1")
}

func TestApprovalDecideOwnership(t *testing.T) {
	store := pendingApprovalFixture()
	finisher := newMockRegistrationFinisher("reg-1")
	svc := NewApprovalService(store, finisher, validator.New(), zap.NewNop())

	t.Run("foreign manager rejected", func(t *testing.T) {
		actor := &models.JWTClaims{UserID: "mgr-2", Role: models.RoleOrganizer}
		_, err := svc.Decide(context.Background(), "req-1", true, actor)
		require.Error(t, err)
		assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
	})

	t.Run("admin may decide any request", func(t *testing.T) {
		actor := &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin}
		result, err := svc.Decide(context.Background(), "req-1", true, actor)
		require.NoError(t, err)
		assert.Equal(t, models.ApprovalApproved, result.Decision)
	})
}

func TestApprovalDecideNotFound(t *testing.T) {
	svc := NewApprovalService(&mockApprovalStore{requests: map[string]models.ApprovalRequest{}}, &mockRegistrationFinisher{}, validator.New(), zap.NewNop())

	_, err := svc.Decide(context.Background(), "missing", true, nil)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestApprovalBulkDecide(t *testing.T) {
	store := pendingApprovalFixture()
	store.requests["req-2"] = models.ApprovalRequest{
		ID:             "req-2",
		RegistrationID: "reg-2",
		SessionID:      "sess-1",
		CandidateID:    "u2",
		ManagerID:      "mgr-1",
		Decision:       models.ApprovalPending,
	}
	finisher := newMockRegistrationFinisher("reg-1", "reg-2")
	svc := NewApprovalService(store, finisher, validator.New(), zap.NewNop())
	actor := &models.JWTClaims{UserID: "mgr-1", Role: models.RoleOrganizer}

	outcomes, err := svc.BulkDecide(context.Background(), []DecideItem{
		{RequestID: "req-1", Approve: true},
		{RequestID: "req-2", Approve: false},
		{RequestID: "missing", Approve: true},
	}, actor)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Equal(t, models.ApprovalApproved, outcomes[0].Result.Decision)
	assert.Equal(t, models.ApprovalDeclined, outcomes[1].Result.Decision)
	assert.NotEmpty(t, outcomes[2].Error)
}

func TestApprovalListPending(t *testing.T) {
	store := pendingApprovalFixture()
	svc := NewApprovalService(store, &mockRegistrationFinisher{}, validator.New(), zap.NewNop())

	pending, err := svc.ListPending(context.Background(), "mgr-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "req-1", pending[0].ID)

	pending, err = svc.ListPending(context.Background(), "mgr-2")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
