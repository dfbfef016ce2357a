package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/session-reg-api/internal/models"
	"github.com/noah-isme/session-reg-api/internal/service"
	appErrors "github.com/noah-isme/session-reg-api/pkg/errors"
	"github.com/noah-isme/session-reg-api/pkg/response"
)

type registrationService interface {
	Register(ctx context.Context, req service.RegisterRequest) (*models.RegisterResult, error)
	Unregister(ctx context.Context, sessionID, userID string) (*models.UnregisterResult, error)
	ForceSetStatus(ctx context.Context, req service.ForceStatusRequest) (*models.Registration, error)
	MarkAttendance(ctx context.Context, sessionID string, updates []service.AttendanceUpdate) ([]service.AttendanceResult, error)
	ListForUser(ctx context.Context, userID string) ([]models.Registration, error)
}

// RegistrationHandler exposes registration state machine endpoints.
type RegistrationHandler struct {
	service registrationService
}

// NewRegistrationHandler constructs the handler.
func NewRegistrationHandler(svc registrationService) *RegistrationHandler {
	return &RegistrationHandler{service: svc}
}

type registerPayload struct {
	UserID string `json:"user_id"`
	Notify bool   `json:"notify"`
	Force  bool   `json:"force"`
}

type unregisterPayload struct {
	UserID string `json:"user_id"`
}

type attendancePayload struct {
	Updates []service.AttendanceUpdate `json:"updates"`
}

// Register godoc
// @Summary Register for a session
// @Tags Registrations
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body registerPayload false "Registration payload"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/register [post]
func (h *RegistrationHandler) Register(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var payload registerPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
			return
		}
	}
	userID := payload.UserID
	if userID == "" {
		userID = claims.UserID
	}
	// Members register themselves; acting on another user or forcing a
	// seat is an operator capability.
	if claims.Role == models.RoleMember && (userID != claims.UserID || payload.Force) {
		response.Error(c, appErrors.ErrForbidden)
		return
	}
	result, err := h.service.Register(c.Request.Context(), service.RegisterRequest{
		SessionID: c.Param("id"),
		UserID:    userID,
		Notify:    payload.Notify,
		Force:     payload.Force,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Unregister godoc
// @Summary Leave a session and trigger waitlist promotion
// @Tags Registrations
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body unregisterPayload false "Unregister payload"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/unregister [post]
func (h *RegistrationHandler) Unregister(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var payload unregisterPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
			return
		}
	}
	userID := payload.UserID
	if userID == "" {
		userID = claims.UserID
	}
	if claims.Role == models.RoleMember && userID != claims.UserID {
		response.Error(c, appErrors.ErrForbidden)
		return
	}
	result, err := h.service.Unregister(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// ForceStatus godoc
// @Summary Force a registration status, bypassing eligibility
// @Tags Registrations
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body service.ForceStatusRequest true "Status payload"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/force-status [post]
func (h *RegistrationHandler) ForceStatus(c *gin.Context) {
	var req service.ForceStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	req.SessionID = c.Param("id")
	registration, err := h.service.ForceSetStatus(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, registration, nil)
}

// Attendance godoc
// @Summary Mark attendance after a session ended
// @Tags Registrations
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body attendancePayload true "Attendance updates"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/attendance [post]
func (h *RegistrationHandler) Attendance(c *gin.Context) {
	var payload attendancePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if len(payload.Updates) == 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "updates are required"))
		return
	}
	results, err := h.service.MarkAttendance(c.Request.Context(), c.Param("id"), payload.Updates)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, results, nil)
}

// MyRegistrations godoc
// @Summary List the caller's registrations
// @Tags Registrations
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /registrations/me [get]
func (h *RegistrationHandler) MyRegistrations(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	registrations, err := h.service.ListForUser(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, registrations, nil)
}
