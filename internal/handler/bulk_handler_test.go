package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/session-reg-api/internal/dto"
	"github.com/noah-isme/session-reg-api/internal/middleware"
	"github.com/noah-isme/session-reg-api/internal/models"
	"github.com/noah-isme/session-reg-api/internal/service"
)

type bulkServiceMock struct {
	createReq *service.BulkEnrollRequest
	job       *models.BulkJob
	createErr error
	statusID  string
	cancelID  string
}

func (m *bulkServiceMock) CreateJob(ctx context.Context, req service.BulkEnrollRequest, actorID string) (*models.BulkJob, error) {
	m.createReq = &req
	return m.job, m.createErr
}

func (m *bulkServiceMock) Status(ctx context.Context, id string, actor *models.JWTClaims) (*models.BulkJob, error) {
	m.statusID = id
	return m.job, nil
}

func (m *bulkServiceMock) Cancel(ctx context.Context, id string, actor *models.JWTClaims) (*models.BulkJob, error) {
	m.cancelID = id
	return m.job, nil
}

func bulkJobFixture() *models.BulkJob {
	return &models.BulkJob{
		ID:             "job-1",
		SessionID:      "sess-1",
		Status:         models.BulkJobRunning,
		TotalCount:     12,
		ProcessedCount: 5,
		BatchSize:      5,
		Outcomes: models.BulkJobOutcomes{
			{Identity: "a@example.com", UserID: "u1", Outcome: models.OutcomeEnrolled},
			{Identity: "b@example.com", UserID: "u2", Outcome: models.OutcomeWaitlisted},
		},
		CreatedAt: time.Now(),
	}
}

func TestBulkHandlerCreateJob(t *testing.T) {
	gin.SetMode(gin.TestMode)
	job := bulkJobFixture()
	job.Status = models.BulkJobQueued
	mockSvc := &bulkServiceMock{job: job}
	handler := NewBulkHandler(mockSvc)

	payload, _ := json.Marshal(service.BulkEnrollRequest{
		SessionID:  "sess-1",
		Identities: []string{"a@example.com", "b@example.com"},
	})
	c, w := newGinContext(http.MethodPost, "/bulk/enroll", payload)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin", Role: models.RoleAdmin})

	handler.CreateJob(c)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.NotNil(t, mockSvc.createReq)
	assert.Equal(t, "sess-1", mockSvc.createReq.SessionID)
}

func TestBulkHandlerCreateJobUnauthenticated(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewBulkHandler(&bulkServiceMock{})

	c, w := newGinContext(http.MethodPost, "/bulk/enroll", []byte(`{}`))

	handler.CreateJob(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBulkHandlerStatusIncludesTally(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &bulkServiceMock{job: bulkJobFixture()}
	handler := NewBulkHandler(mockSvc)

	c, w := newGinContext(http.MethodGet, "/bulk/enroll/job-1", nil)
	c.Params = gin.Params{{Key: "id", Value: "job-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin", Role: models.RoleAdmin})

	handler.Status(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "job-1", mockSvc.statusID)

	var envelope struct {
		Data dto.BulkStatusResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, 1, envelope.Data.Tally[models.OutcomeEnrolled])
	assert.Equal(t, 1, envelope.Data.Tally[models.OutcomeWaitlisted])
	assert.Equal(t, 5, envelope.Data.ProcessedCount)
}

func TestBulkHandlerCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	job := bulkJobFixture()
	job.Status = models.BulkJobCancelled
	mockSvc := &bulkServiceMock{job: job}
	handler := NewBulkHandler(mockSvc)

	c, w := newGinContext(http.MethodPost, "/bulk/enroll/job-1/cancel", nil)
	c.Params = gin.Params{{Key: "id", Value: "job-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin", Role: models.RoleAdmin})

	handler.Cancel(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "job-1", mockSvc.cancelID)
}
