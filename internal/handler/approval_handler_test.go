package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/session-reg-api/internal/middleware"
	"github.com/noah-isme/session-reg-api/internal/models"
	"github.com/noah-isme/session-reg-api/internal/service"
)

type approvalServiceMock struct {
	pending      []models.ApprovalRequestDetail
	decideID     string
	decideValue  bool
	decideResult *models.DecideResult
	decideErr    error
	bulkOutcomes []service.BulkDecideOutcome
}

func (m *approvalServiceMock) ListPending(ctx context.Context, managerID string) ([]models.ApprovalRequestDetail, error) {
	return m.pending, nil
}

func (m *approvalServiceMock) Decide(ctx context.Context, requestID string, approve bool, actor *models.JWTClaims) (*models.DecideResult, error) {
	m.decideID = requestID
	m.decideValue = approve
	return m.decideResult, m.decideErr
}

func (m *approvalServiceMock) BulkDecide(ctx context.Context, items []service.DecideItem, actor *models.JWTClaims) ([]service.BulkDecideOutcome, error) {
	return m.bulkOutcomes, nil
}

func TestApprovalHandlerListPending(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &approvalServiceMock{
		pending: []models.ApprovalRequestDetail{{CandidateEmail: "u1@example.com"}},
	}
	handler := NewApprovalHandler(mockSvc)

	c, w := newGinContext(http.MethodGet, "/approvals", nil)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "mgr-1", Role: models.RoleOrganizer})

	handler.ListPending(c)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestApprovalHandlerDecide(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &approvalServiceMock{
		decideResult: &models.DecideResult{RequestID: "req-1", Decision: models.ApprovalApproved},
	}
	handler := NewApprovalHandler(mockSvc)

	payload, _ := json.Marshal(decidePayload{Approve: true})
	c, w := newGinContext(http.MethodPost, "/approvals/req-1/decide", payload)
	c.Params = gin.Params{{Key: "id", Value: "req-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "mgr-1", Role: models.RoleOrganizer})

	handler.Decide(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-1", mockSvc.decideID)
	assert.True(t, mockSvc.decideValue)
}

func TestApprovalHandlerBulkDecideRequiresItems(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewApprovalHandler(&approvalServiceMock{})

	payload, _ := json.Marshal(bulkDecidePayload{})
	c, w := newGinContext(http.MethodPost, "/approvals/decide", payload)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "mgr-1", Role: models.RoleOrganizer})

	handler.BulkDecide(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApprovalHandlerBulkDecide(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &approvalServiceMock{
		bulkOutcomes: []service.BulkDecideOutcome{
			{RequestID: "req-1", Result: &models.DecideResult{RequestID: "req-1", Decision: models.ApprovalApproved}},
			{RequestID: "req-2", Error: "approval request not found"},
		},
	}
	handler := NewApprovalHandler(mockSvc)

	payload, _ := json.Marshal(bulkDecidePayload{Items: []service.DecideItem{
		{RequestID: "req-1", Approve: true},
		{RequestID: "req-2", Approve: false},
	}})
	c, w := newGinContext(http.MethodPost, "/approvals/decide", payload)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "mgr-1", Role: models.RoleOrganizer})

	handler.BulkDecide(c)
	require.Equal(t, http.StatusOK, w.Code)
}
