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

type registrationServiceMock struct {
	registerReq    *service.RegisterRequest
	registerResult *models.RegisterResult
	registerErr    error

	unregisterSession string
	unregisterUser    string
	unregisterResult  *models.UnregisterResult

	forceReq    *service.ForceStatusRequest
	forceResult *models.Registration

	attendanceResults []service.AttendanceResult
	registrations     []models.Registration
}

func (m *registrationServiceMock) Register(ctx context.Context, req service.RegisterRequest) (*models.RegisterResult, error) {
	m.registerReq = &req
	return m.registerResult, m.registerErr
}

func (m *registrationServiceMock) Unregister(ctx context.Context, sessionID, userID string) (*models.UnregisterResult, error) {
	m.unregisterSession = sessionID
	m.unregisterUser = userID
	return m.unregisterResult, nil
}

func (m *registrationServiceMock) ForceSetStatus(ctx context.Context, req service.ForceStatusRequest) (*models.Registration, error) {
	m.forceReq = &req
	return m.forceResult, nil
}

func (m *registrationServiceMock) MarkAttendance(ctx context.Context, sessionID string, updates []service.AttendanceUpdate) ([]service.AttendanceResult, error) {
	return m.attendanceResults, nil
}

func (m *registrationServiceMock) ListForUser(ctx context.Context, userID string) ([]models.Registration, error) {
	return m.registrations, nil
}

func TestRegistrationHandlerRegisterSelf(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &registrationServiceMock{
		registerResult: &models.RegisterResult{Outcome: models.OutcomeEnrolled},
	}
	handler := NewRegistrationHandler(mockSvc)

	c, w := newGinContext(http.MethodPost, "/sessions/sess-1/register", nil)
	c.Params = gin.Params{{Key: "id", Value: "sess-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "u1", Role: models.RoleMember})

	handler.Register(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, mockSvc.registerReq)
	assert.Equal(t, "sess-1", mockSvc.registerReq.SessionID)
	assert.Equal(t, "u1", mockSvc.registerReq.UserID)
	assert.False(t, mockSvc.registerReq.Force)
}

func TestRegistrationHandlerRegisterOtherForbiddenForMember(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewRegistrationHandler(&registrationServiceMock{})

	payload, _ := json.Marshal(registerPayload{UserID: "u2"})
	c, w := newGinContext(http.MethodPost, "/sessions/sess-1/register", payload)
	c.Params = gin.Params{{Key: "id", Value: "sess-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "u1", Role: models.RoleMember})

	handler.Register(c)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestRegistrationHandlerForceRegisterAsAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &registrationServiceMock{
		registerResult: &models.RegisterResult{Outcome: models.OutcomeEnrolled},
	}
	handler := NewRegistrationHandler(mockSvc)

	payload, _ := json.Marshal(registerPayload{UserID: "u2", Force: true})
	c, w := newGinContext(http.MethodPost, "/sessions/sess-1/register", payload)
	c.Params = gin.Params{{Key: "id", Value: "sess-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin", Role: models.RoleAdmin})

	handler.Register(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, mockSvc.registerReq)
	assert.Equal(t, "u2", mockSvc.registerReq.UserID)
	assert.True(t, mockSvc.registerReq.Force)
}

func TestRegistrationHandlerUnregisterDefaultsToCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &registrationServiceMock{
		unregisterResult: &models.UnregisterResult{Outcome: models.UnregisterOK},
	}
	handler := NewRegistrationHandler(mockSvc)

	c, w := newGinContext(http.MethodPost, "/sessions/sess-1/unregister", nil)
	c.Params = gin.Params{{Key: "id", Value: "sess-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "u1", Role: models.RoleMember})

	handler.Unregister(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sess-1", mockSvc.unregisterSession)
	assert.Equal(t, "u1", mockSvc.unregisterUser)
}

func TestRegistrationHandlerForceStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &registrationServiceMock{
		forceResult: &models.Registration{ID: "reg-1", Status: models.RegistrationEnrolled},
	}
	handler := NewRegistrationHandler(mockSvc)

	payload, _ := json.Marshal(service.ForceStatusRequest{UserID: "u1", Status: models.RegistrationEnrolled})
	c, w := newGinContext(http.MethodPost, "/sessions/sess-1/force-status", payload)
	c.Params = gin.Params{{Key: "id", Value: "sess-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin", Role: models.RoleAdmin})

	handler.ForceStatus(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, mockSvc.forceReq)
	// The path, not the body, names the session.
	assert.Equal(t, "sess-1", mockSvc.forceReq.SessionID)
}

func TestRegistrationHandlerAttendanceRequiresUpdates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewRegistrationHandler(&registrationServiceMock{})

	payload, _ := json.Marshal(attendancePayload{})
	c, w := newGinContext(http.MethodPost, "/sessions/sess-1/attendance", payload)
	c.Params = gin.Params{{Key: "id", Value: "sess-1"}}

	handler.Attendance(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegistrationHandlerMyRegistrations(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &registrationServiceMock{
		registrations: []models.Registration{{ID: "reg-1", SessionID: "sess-1", UserID: "u1"}},
	}
	handler := NewRegistrationHandler(mockSvc)

	c, w := newGinContext(http.MethodGet, "/registrations/me", nil)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "u1", Role: models.RoleMember})

	handler.MyRegistrations(c)
	require.Equal(t, http.StatusOK, w.Code)
}
