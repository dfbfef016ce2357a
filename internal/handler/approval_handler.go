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

type approvalService interface {
	ListPending(ctx context.Context, managerID string) ([]models.ApprovalRequestDetail, error)
	Decide(ctx context.Context, requestID string, approve bool, actor *models.JWTClaims) (*models.DecideResult, error)
	BulkDecide(ctx context.Context, items []service.DecideItem, actor *models.JWTClaims) ([]service.BulkDecideOutcome, error)
}

// ApprovalHandler exposes the manager approval workflow.
type ApprovalHandler struct {
	service approvalService
}

// NewApprovalHandler constructs the handler.
func NewApprovalHandler(svc approvalService) *ApprovalHandler {
	return &ApprovalHandler{service: svc}
}

type decidePayload struct {
	Approve bool `json:"approve"`
}

type bulkDecidePayload struct {
	Items []service.DecideItem `json:"items"`
}

// ListPending godoc
// @Summary List approval requests pending for the caller
// @Tags Approvals
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /approvals [get]
func (h *ApprovalHandler) ListPending(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	requests, err := h.service.ListPending(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, nil)
}

// Decide godoc
// @Summary Approve or decline a pending registration
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Approval request ID"
// @Param payload body decidePayload true "Decision payload"
// @Success 200 {object} response.Envelope
// @Router /approvals/{id}/decide [post]
func (h *ApprovalHandler) Decide(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var payload decidePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.service.Decide(c.Request.Context(), c.Param("id"), payload.Approve, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// BulkDecide godoc
// @Summary Decide several approval requests in one call
// @Tags Approvals
// @Accept json
// @Produce json
// @Param payload body bulkDecidePayload true "Decision items"
// @Success 200 {object} response.Envelope
// @Router /approvals/decide [post]
func (h *ApprovalHandler) BulkDecide(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var payload bulkDecidePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if len(payload.Items) == 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "items are required"))
		return
	}
	outcomes, err := h.service.BulkDecide(c.Request.Context(), payload.Items, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, outcomes, nil)
}
