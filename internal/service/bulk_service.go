package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/session-reg-api/internal/models"
	"github.com/noah-isme/session-reg-api/internal/repository"
	"github.com/noah-isme/session-reg-api/pkg/config"
	appErrors "github.com/noah-isme/session-reg-api/pkg/errors"
	"github.com/noah-isme/session-reg-api/pkg/jobs"
)

type bulkJobStore interface {
	Create(ctx context.Context, job *models.BulkJob) error
	GetByID(ctx context.Context, id string) (*models.BulkJob, error)
	Update(ctx context.Context, id string, params repository.UpdateBulkJobParams) error
	GetStatus(ctx context.Context, id string) (models.BulkJobStatus, error)
	RequestCancel(ctx context.Context, id string) (bool, error)
	ListQueued(ctx context.Context, limit int) ([]models.BulkJob, error)
}

type identityResolver interface {
	Resolve(ctx context.Context, identities []string, createMissing bool) (*ResolveResult, error)
}

type bulkRegistrar interface {
	Register(ctx context.Context, req RegisterRequest) (*models.RegisterResult, error)
}

type bulkDispatcher interface {
	Enqueue(job jobs.Job) error
}

type bulkMetrics interface {
	ObserveBulkBatch()
}

// BulkEnrollRequest submits a list of email identities for enrollment.
type BulkEnrollRequest struct {
	SessionID  string   `json:"session_id" validate:"required"`
	Identities []string `json:"identities" validate:"required,min=1"`
	Force      bool     `json:"force"`
	Notify     bool     `json:"notify"`
}

// BulkService runs asynchronous bulk enrollment jobs. Identities are
// processed in fixed-size batches; progress persists after every batch so a
// status poll always reflects completed work.
type BulkService struct {
	repo          bulkJobStore
	sessions      sessionReader
	users         identityResolver
	registrations bulkRegistrar
	queue         bulkDispatcher
	metrics       bulkMetrics
	cfg           config.BulkConfig
	validator     *validator.Validate
	logger        *zap.Logger
}

// NewBulkService constructs BulkService. queue may be set later via
// SetDispatcher to break the service/worker construction cycle.
func NewBulkService(
	repo bulkJobStore,
	sessions sessionReader,
	users identityResolver,
	registrations bulkRegistrar,
	metrics bulkMetrics,
	cfg config.BulkConfig,
	validate *validator.Validate,
	logger *zap.Logger,
) *BulkService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxIdentities <= 0 {
		cfg.MaxIdentities = 1000
	}
	return &BulkService{
		repo:          repo,
		sessions:      sessions,
		users:         users,
		registrations: registrations,
		cfg:           cfg,
		validator:     validate,
		logger:        logger,
		metrics:       metrics,
	}
}

// SetDispatcher wires the job queue after construction.
func (s *BulkService) SetDispatcher(queue bulkDispatcher) {
	s.queue = queue
}

// CreateJob validates the request, persists the job, and enqueues it.
// Identities are normalized and deduplicated preserving first occurrence.
func (s *BulkService) CreateJob(ctx context.Context, req BulkEnrollRequest, actorID string) (*models.BulkJob, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid bulk enrollment payload")
	}
	session, err := s.sessions.FindByID(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	if session.Deleted {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
	}

	identities := dedupeIdentities(req.Identities)
	if len(identities) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "no usable identities")
	}
	if len(identities) > s.cfg.MaxIdentities {
		msg := fmt.Sprintf("too many identities, maximum is %d", s.cfg.MaxIdentities)
		return nil, appErrors.Clone(appErrors.ErrValidation, msg)
	}

	job := &models.BulkJob{
		SessionID:  session.ID,
		CreatedBy:  actorID,
		Status:     models.BulkJobQueued,
		Identities: identities,
		BatchSize:  s.cfg.BatchSize,
		Force:      req.Force,
		Notify:     req.Notify,
		TotalCount: len(identities),
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create bulk job")
	}

	if s.queue == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "bulk queue not configured")
	}
	if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: "bulk_enroll"}); err != nil {
		failed := models.BulkJobFailed
		msg := "failed to enqueue job"
		now := time.Now().UTC()
		_ = s.repo.Update(ctx, job.ID, repository.UpdateBulkJobParams{
			Status:       &failed,
			ErrorMessage: &msg,
			FinishedAt:   &now,
		})
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue bulk job")
	}
	return job, nil
}

// Status returns a job with its progressive outcomes.
func (s *BulkService) Status(ctx context.Context, id string, actor *models.JWTClaims) (*models.BulkJob, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "bulk job not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load bulk job")
	}
	if actor != nil && actor.Role != models.RoleAdmin && job.CreatedBy != actor.UserID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not the job owner")
	}
	return job, nil
}

// Cancel requests cancellation. The worker honors it at the next batch
// boundary; already processed batches stand.
func (s *BulkService) Cancel(ctx context.Context, id string, actor *models.JWTClaims) (*models.BulkJob, error) {
	job, err := s.Status(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	cancelled, err := s.repo.RequestCancel(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel bulk job")
	}
	if !cancelled {
		return nil, appErrors.Clone(appErrors.ErrConflict, "job already finished")
	}
	job.Status = models.BulkJobCancelled
	return job, nil
}

// RecoverPendingJobs replays queued jobs after a process restart.
func (s *BulkService) RecoverPendingJobs(ctx context.Context) {
	if s.queue == nil {
		return
	}
	pending, err := s.repo.ListQueued(ctx, 50)
	if err != nil {
		s.logger.Sugar().Warnw("failed to recover queued bulk jobs", "error", err)
		return
	}
	for _, job := range pending {
		if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: "bulk_enroll"}); err != nil {
			s.logger.Sugar().Warnw("failed to requeue bulk job", "job_id", job.ID, "error", err)
		}
	}
}

// process runs one bulk job to completion, cancellation, or failure.
func (s *BulkService) process(ctx context.Context, jobID string) error {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load bulk job: %w", err)
	}
	switch job.Status {
	case models.BulkJobQueued, models.BulkJobRunning:
	default:
		return nil
	}

	running := models.BulkJobRunning
	if err := s.repo.Update(ctx, job.ID, repository.UpdateBulkJobParams{Status: &running}); err != nil {
		return fmt.Errorf("mark bulk job running: %w", err)
	}

	// Resume from persisted progress so a requeued job never reprocesses
	// a finished batch.
	outcomes := job.Outcomes
	identities := []string(job.Identities)
	for start := len(outcomes); start < len(identities); {
		status, err := s.repo.GetStatus(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("check bulk job status: %w", err)
		}
		if status == models.BulkJobCancelled {
			now := time.Now().UTC()
			if err := s.repo.Update(ctx, job.ID, repository.UpdateBulkJobParams{FinishedAt: &now}); err != nil {
				s.logger.Sugar().Warnw("failed to stamp cancelled bulk job", "job_id", job.ID, "error", err)
			}
			s.logger.Sugar().Infow("bulk job cancelled", "job_id", job.ID, "processed", len(outcomes))
			return nil
		}

		end := start + job.BatchSize
		if end > len(identities) {
			end = len(identities)
		}
		batch := identities[start:end]

		batchOutcomes, err := s.runBatch(ctx, job, batch)
		if err != nil {
			// One retry for a batch-level transport failure, then the
			// whole batch fails and processing moves on.
			s.logger.Sugar().Warnw("bulk batch failed, retrying once", "job_id", job.ID, "batch_start", start, "error", err)
			batchOutcomes, err = s.runBatch(ctx, job, batch)
			if err != nil {
				batchOutcomes = failedBatchOutcomes(batch, err)
			}
		}
		outcomes = append(outcomes, batchOutcomes...)
		processed := len(outcomes)
		if err := s.repo.Update(ctx, job.ID, repository.UpdateBulkJobParams{
			ProcessedCount: &processed,
			Outcomes:       outcomes,
		}); err != nil {
			return fmt.Errorf("persist bulk job progress: %w", err)
		}
		if s.metrics != nil {
			s.metrics.ObserveBulkBatch()
		}
		start = end
	}

	completed := models.BulkJobCompleted
	now := time.Now().UTC()
	if err := s.repo.Update(ctx, job.ID, repository.UpdateBulkJobParams{
		Status:     &completed,
		FinishedAt: &now,
	}); err != nil {
		return fmt.Errorf("mark bulk job completed: %w", err)
	}
	s.logger.Sugar().Infow("bulk job completed", "job_id", job.ID, "total", len(outcomes))
	return nil
}

// runBatch resolves one batch of identities and registers each resolved
// user. A resolution error is a transport failure and aborts the batch.
func (s *BulkService) runBatch(ctx context.Context, job *models.BulkJob, batch []string) ([]models.BulkIdentityOutcome, error) {
	resolved, err := s.users.Resolve(ctx, batch, true)
	if err != nil {
		return nil, err
	}
	byEmail := make(map[string]models.User, len(resolved.Users))
	for _, user := range resolved.Users {
		byEmail[strings.ToLower(user.Email)] = user
	}

	outcomes := make([]models.BulkIdentityOutcome, 0, len(batch))
	for _, identity := range batch {
		user, ok := byEmail[identity]
		if !ok {
			outcomes = append(outcomes, models.BulkIdentityOutcome{
				Identity: identity,
				Outcome:  models.OutcomeFailed,
				Error:    "identity could not be resolved",
			})
			continue
		}
		result, err := s.registrations.Register(ctx, RegisterRequest{
			SessionID: job.SessionID,
			UserID:    user.ID,
			Notify:    job.Notify,
			Force:     job.Force,
		})
		if err != nil {
			outcomes = append(outcomes, models.BulkIdentityOutcome{
				Identity: identity,
				UserID:   user.ID,
				Outcome:  models.OutcomeFailed,
				Error:    appErrors.FromError(err).Message,
			})
			continue
		}
		outcomes = append(outcomes, models.BulkIdentityOutcome{
			Identity: identity,
			UserID:   user.ID,
			Outcome:  result.Outcome,
			Reasons:  result.Reasons,
		})
	}
	return outcomes, nil
}

func failedBatchOutcomes(batch []string, err error) []models.BulkIdentityOutcome {
	msg := appErrors.FromError(err).Message
	outcomes := make([]models.BulkIdentityOutcome, 0, len(batch))
	for _, identity := range batch {
		outcomes = append(outcomes, models.BulkIdentityOutcome{
			Identity: identity,
			Outcome:  models.OutcomeFailed,
			Error:    msg,
		})
	}
	return outcomes
}

func dedupeIdentities(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	identities := make([]string, 0, len(raw))
	for _, identity := range raw {
		email := strings.ToLower(strings.TrimSpace(identity))
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		identities = append(identities, email)
	}
	return identities
}

// BulkWorker bridges queue jobs to BulkService.
type BulkWorker struct {
	service    *BulkService
	logger     *zap.Logger
	maxRetries int
}

// NewBulkWorker constructs a worker.
func NewBulkWorker(service *BulkService, maxRetries int, logger *zap.Logger) *BulkWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &BulkWorker{service: service, logger: logger, maxRetries: maxRetries}
}

// Handle processes a queue job. After the final attempt the job is marked
// failed so status polls terminate.
func (w *BulkWorker) Handle(ctx context.Context, job jobs.Job) error {
	err := w.service.process(ctx, job.ID)
	if err == nil {
		return nil
	}
	if job.Attempt >= w.maxRetries {
		failed := models.BulkJobFailed
		msg := err.Error()
		now := time.Now().UTC()
		if updateErr := w.service.repo.Update(ctx, job.ID, repository.UpdateBulkJobParams{
			Status:       &failed,
			ErrorMessage: &msg,
			FinishedAt:   &now,
		}); updateErr != nil {
			w.logger.Sugar().Warnw("failed to mark bulk job failed", "job_id", job.ID, "error", updateErr)
		}
		return nil
	}
	return err
}
