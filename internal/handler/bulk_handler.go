package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/session-reg-api/internal/dto"
	"github.com/noah-isme/session-reg-api/internal/models"
	"github.com/noah-isme/session-reg-api/internal/service"
	appErrors "github.com/noah-isme/session-reg-api/pkg/errors"
	"github.com/noah-isme/session-reg-api/pkg/response"
)

type bulkService interface {
	CreateJob(ctx context.Context, req service.BulkEnrollRequest, actorID string) (*models.BulkJob, error)
	Status(ctx context.Context, id string, actor *models.JWTClaims) (*models.BulkJob, error)
	Cancel(ctx context.Context, id string, actor *models.JWTClaims) (*models.BulkJob, error)
}

// BulkHandler exposes asynchronous bulk enrollment endpoints.
type BulkHandler struct {
	service bulkService
}

// NewBulkHandler constructs the handler.
func NewBulkHandler(svc bulkService) *BulkHandler {
	return &BulkHandler{service: svc}
}

// CreateJob godoc
// @Summary Submit a bulk enrollment job
// @Tags Bulk
// @Accept json
// @Produce json
// @Param payload body service.BulkEnrollRequest true "Bulk enrollment payload"
// @Success 202 {object} response.Envelope
// @Router /bulk/enroll [post]
func (h *BulkHandler) CreateJob(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "bulk service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req service.BulkEnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	job, err := h.service.CreateJob(c.Request.Context(), req, claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, dto.BulkJobResponse{
		ID:         job.ID,
		SessionID:  job.SessionID,
		Status:     job.Status,
		TotalCount: job.TotalCount,
		BatchSize:  job.BatchSize,
		CreatedAt:  job.CreatedAt,
	}, nil)
}

// Status godoc
// @Summary Poll bulk job progress and outcomes
// @Tags Bulk
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} response.Envelope
// @Router /bulk/enroll/{id} [get]
func (h *BulkHandler) Status(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "bulk service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	job, err := h.service.Status(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, bulkStatusResponse(job), nil)
}

// Cancel godoc
// @Summary Cancel a queued or running bulk job
// @Tags Bulk
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} response.Envelope
// @Router /bulk/enroll/{id}/cancel [post]
func (h *BulkHandler) Cancel(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "bulk service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	job, err := h.service.Cancel(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, bulkStatusResponse(job), nil)
}

func bulkStatusResponse(job *models.BulkJob) dto.BulkStatusResponse {
	return dto.BulkStatusResponse{
		ID:             job.ID,
		SessionID:      job.SessionID,
		Status:         job.Status,
		TotalCount:     job.TotalCount,
		ProcessedCount: job.ProcessedCount,
		Tally:          job.Tally(),
		Outcomes:       job.Outcomes,
		Error:          job.ErrorMessage,
		FinishedAt:     job.FinishedAt,
	}
}
