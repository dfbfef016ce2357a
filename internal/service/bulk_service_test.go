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
	"github.com/noah-isme/session-reg-api/internal/repository"
	"github.com/noah-isme/session-reg-api/pkg/config"
	"github.com/noah-isme/session-reg-api/pkg/jobs"
)

type memBulkJobStore struct {
	seq          int
	jobs         map[string]models.BulkJob
	cancelAfter  int
	statusChecks int
}

func newMemBulkJobStore() *memBulkJobStore {
	return &memBulkJobStore{jobs: make(map[string]models.BulkJob), cancelAfter: -1}
}

func (m *memBulkJobStore) Create(ctx context.Context, job *models.BulkJob) error {
	m.seq++
	job.ID = fmt.Sprintf("bulk-%d", m.seq)
	job.CreatedAt = time.Now().UTC()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memBulkJobStore) GetByID(ctx context.Context, id string) (*models.BulkJob, error) {
	if j, ok := m.jobs[id]; ok {
		job := j
		return &job, nil
	}
	return nil, sql.ErrNoRows
}

func (m *memBulkJobStore) Update(ctx context.Context, id string, params repository.UpdateBulkJobParams) error {
	j, ok := m.jobs[id]
	if !ok {
		return sql.ErrNoRows
	}
	if params.Status != nil {
		j.Status = *params.Status
	}
	if params.ProcessedCount != nil {
		j.ProcessedCount = *params.ProcessedCount
	}
	if params.Outcomes != nil {
		j.Outcomes = append(models.BulkJobOutcomes{}, params.Outcomes...)
	}
	if params.ErrorMessage != nil {
		j.ErrorMessage = params.ErrorMessage
	}
	if params.FinishedAt != nil {
		j.FinishedAt = params.FinishedAt
	}
	m.jobs[id] = j
	return nil
}

func (m *memBulkJobStore) GetStatus(ctx context.Context, id string) (models.BulkJobStatus, error) {
	j, ok := m.jobs[id]
	if !ok {
		return "", sql.ErrNoRows
	}
	// cancelAfter simulates an operator cancelling after N status checks.
	if m.cancelAfter >= 0 && m.statusChecks >= m.cancelAfter {
		j.Status = models.BulkJobCancelled
		m.jobs[id] = j
	}
	m.statusChecks++
	return j.Status, nil
}

func (m *memBulkJobStore) RequestCancel(ctx context.Context, id string) (bool, error) {
	j, ok := m.jobs[id]
	if !ok {
		return false, sql.ErrNoRows
	}
	if j.Status != models.BulkJobQueued && j.Status != models.BulkJobRunning {
		return false, nil
	}
	j.Status = models.BulkJobCancelled
	m.jobs[id] = j
	return true, nil
}

func (m *memBulkJobStore) ListQueued(ctx context.Context, limit int) ([]models.BulkJob, error) {
	var list []models.BulkJob
	for _, j := range m.jobs {
		if j.Status == models.BulkJobQueued {
			list = append(list, j)
		}
	}
	return list, nil
}

type mockIdentityResolver struct {
	failures int
	calls    int
	missing  map[string]bool
}

func (m *mockIdentityResolver) Resolve(ctx context.Context, identities []string, createMissing bool) (*ResolveResult, error) {
	m.calls++
	if m.failures > 0 {
		m.failures--
		return nil, fmt.Errorf("directory timeout")
	}
	result := &ResolveResult{}
	for i, identity := range identities {
		if m.missing[identity] {
			continue
		}
		result.Users = append(result.Users, models.User{
			ID:       fmt.Sprintf("user-%s-%d", identity, i),
			Email:    identity,
			Role:     models.RoleMember,
			Category: models.CategoryEmployee,
			Active:   true,
		})
	}
	return result, nil
}

type mockBulkRegistrar struct {
	capacity int
	enrolled int
	rank     int64
}

func (m *mockBulkRegistrar) Register(ctx context.Context, req RegisterRequest) (*models.RegisterResult, error) {
	if m.capacity > 0 && m.enrolled >= m.capacity {
		m.rank++
		rank := m.rank
		return &models.RegisterResult{Outcome: models.OutcomeWaitlisted, WaitlistRank: &rank}, nil
	}
	m.enrolled++
	return &models.RegisterResult{Outcome: models.OutcomeEnrolled}, nil
}

type mockBulkDispatcher struct {
	enqueued []jobs.Job
	err      error
}

func (m *mockBulkDispatcher) Enqueue(job jobs.Job) error {
	if m.err != nil {
		return m.err
	}
	m.enqueued = append(m.enqueued, job)
	return nil
}

func bulkSessionStore() *mockSessionStore {
	start := time.Now().Add(24 * time.Hour)
	return &mockSessionStore{sessions: map[string]*models.Session{
		"sess-1": {ID: "sess-1", Name: "All Hands", Capacity: 10, StartsAt: start, EndsAt: start.Add(time.Hour), Visible: true},
	}}
}

func identityList(n int) []string {
	list := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		list = append(list, fmt.Sprintf("person%d@example.com", i))
	}
	return list
}

func TestBulkCreateJob(t *testing.T) {
	store := newMemBulkJobStore()
	dispatcher := &mockBulkDispatcher{}
	svc := NewBulkService(store, bulkSessionStore(), &mockIdentityResolver{}, &mockBulkRegistrar{}, nil, config.BulkConfig{BatchSize: 5}, validator.New(), zap.NewNop())
	svc.SetDispatcher(dispatcher)

	job, err := svc.CreateJob(context.Background(), BulkEnrollRequest{
		SessionID:  "sess-1",
		Identities: []string{"A@Example.com", "b@example.com", " a@example.com ", ""},
	}, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.BulkJobQueued, job.Status)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, []string(job.Identities))
	assert.Equal(t, 2, job.TotalCount)
	require.Len(t, dispatcher.enqueued, 1)
	assert.Equal(t, "bulk_enroll", dispatcher.enqueued[0].Type)
}

func TestBulkCreateJobTooManyIdentities(t *testing.T) {
	svc := NewBulkService(newMemBulkJobStore(), bulkSessionStore(), &mockIdentityResolver{}, &mockBulkRegistrar{}, nil, config.BulkConfig{BatchSize: 5, MaxIdentities: 3}, validator.New(), zap.NewNop())
	svc.SetDispatcher(&mockBulkDispatcher{})

	_, err := svc.CreateJob(context.Background(), BulkEnrollRequest{SessionID: "sess-1", Identities: identityList(4)}, "admin-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many identities, maximum is 3")
}

func TestBulkCreateJobEnqueueFailure(t *testing.T) {
	store := newMemBulkJobStore()
	svc := NewBulkService(store, bulkSessionStore(), &mockIdentityResolver{}, &mockBulkRegistrar{}, nil, config.BulkConfig{}, validator.New(), zap.NewNop())
	svc.SetDispatcher(&mockBulkDispatcher{err: fmt.Errorf("queue closed")})

	_, err := svc.CreateJob(context.Background(), BulkEnrollRequest{SessionID: "sess-1", Identities: identityList(2)}, "admin-1")
	require.Error(t, err)
	stored := store.jobs["bulk-1"]
	assert.Equal(t, models.BulkJobFailed, stored.Status)
}

func TestBulkProcessBatches(t *testing.T) {
	store := newMemBulkJobStore()
	registrar := &mockBulkRegistrar{capacity: 10}
	svc := NewBulkService(store, bulkSessionStore(), &mockIdentityResolver{}, registrar, nil, config.BulkConfig{BatchSize: 5}, validator.New(), zap.NewNop())
	svc.SetDispatcher(&mockBulkDispatcher{})
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, BulkEnrollRequest{SessionID: "sess-1", Identities: identityList(12)}, "admin-1")
	require.NoError(t, err)

	require.NoError(t, svc.process(ctx, job.ID))

	stored := store.jobs[job.ID]
	assert.Equal(t, models.BulkJobCompleted, stored.Status)
	assert.Equal(t, 12, stored.ProcessedCount)
	require.Len(t, stored.Outcomes, 12)
	require.NotNil(t, stored.FinishedAt)

	tally := stored.Tally()
	assert.Equal(t, 10, tally[models.OutcomeEnrolled])
	assert.Equal(t, 2, tally[models.OutcomeWaitlisted])
}

func TestBulkProcessRetriesBatchOnce(t *testing.T) {
	store := newMemBulkJobStore()
	resolver := &mockIdentityResolver{failures: 1}
	svc := NewBulkService(store, bulkSessionStore(), resolver, &mockBulkRegistrar{}, nil, config.BulkConfig{BatchSize: 5}, validator.New(), zap.NewNop())
	svc.SetDispatcher(&mockBulkDispatcher{})
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, BulkEnrollRequest{SessionID: "sess-1", Identities: identityList(5)}, "admin-1")
	require.NoError(t, err)

	require.NoError(t, svc.process(ctx, job.ID))

	// The first attempt fails, the retry succeeds within the same batch.
	assert.Equal(t, 2, resolver.calls)
	stored := store.jobs[job.ID]
	assert.Equal(t, models.BulkJobCompleted, stored.Status)
	assert.Equal(t, 5, stored.Tally()[models.OutcomeEnrolled])
}

func TestBulkProcessFailsBatchAfterRetry(t *testing.T) {
	store := newMemBulkJobStore()
	resolver := &mockIdentityResolver{failures: 2}
	svc := NewBulkService(store, bulkSessionStore(), resolver, &mockBulkRegistrar{}, nil, config.BulkConfig{BatchSize: 5}, validator.New(), zap.NewNop())
	svc.SetDispatcher(&mockBulkDispatcher{})
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, BulkEnrollRequest{SessionID: "sess-1", Identities: identityList(10)}, "admin-1")
	require.NoError(t, err)

	require.NoError(t, svc.process(ctx, job.ID))

	stored := store.jobs[job.ID]
	assert.Equal(t, models.BulkJobCompleted, stored.Status)
	require.Len(t, stored.Outcomes, 10)

	tally := stored.Tally()
	assert.Equal(t, 5, tally[models.OutcomeFailed])
	assert.Equal(t, 5, tally[models.OutcomeEnrolled])
}

func TestBulkProcessUnresolvedIdentity(t *testing.T) {
	store := newMemBulkJobStore()
	resolver := &mockIdentityResolver{missing: map[string]bool{"person2@example.com": true}}
	svc := NewBulkService(store, bulkSessionStore(), resolver, &mockBulkRegistrar{}, nil, config.BulkConfig{BatchSize: 5}, validator.New(), zap.NewNop())
	svc.SetDispatcher(&mockBulkDispatcher{})
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, BulkEnrollRequest{SessionID: "sess-1", Identities: identityList(3)}, "admin-1")
	require.NoError(t, err)
	require.NoError(t, svc.process(ctx, job.ID))

	stored := store.jobs[job.ID]
	require.Len(t, stored.Outcomes, 3)
	assert.Equal(t, models.OutcomeFailed, stored.Outcomes[1].Outcome)
	assert.Equal(t, "identity could not be resolved", stored.Outcomes[1].Error)
}

func TestBulkProcessHonorsCancellationAtBatchBoundary(t *testing.T) {
	store := newMemBulkJobStore()
	store.cancelAfter = 1
	svc := NewBulkService(store, bulkSessionStore(), &mockIdentityResolver{}, &mockBulkRegistrar{}, nil, config.BulkConfig{BatchSize: 5}, validator.New(), zap.NewNop())
	svc.SetDispatcher(&mockBulkDispatcher{})
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, BulkEnrollRequest{SessionID: "sess-1", Identities: identityList(15)}, "admin-1")
	require.NoError(t, err)
	require.NoError(t, svc.process(ctx, job.ID))

	stored := store.jobs[job.ID]
	assert.Equal(t, models.BulkJobCancelled, stored.Status)
	// The first batch completed before the cancellation was seen.
	assert.Equal(t, 5, stored.ProcessedCount)
	require.NotNil(t, stored.FinishedAt)
}

func TestBulkProcessResumesFromPersistedProgress(t *testing.T) {
	store := newMemBulkJobStore()
	registrar := &mockBulkRegistrar{}
	svc := NewBulkService(store, bulkSessionStore(), &mockIdentityResolver{}, registrar, nil, config.BulkConfig{BatchSize: 5}, validator.New(), zap.NewNop())
	svc.SetDispatcher(&mockBulkDispatcher{})
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, BulkEnrollRequest{SessionID: "sess-1", Identities: identityList(10)}, "admin-1")
	require.NoError(t, err)

	// Simulate a crash after the first batch was persisted.
	outcomes := make(models.BulkJobOutcomes, 5)
	for i := range outcomes {
		outcomes[i] = models.BulkIdentityOutcome{Identity: fmt.Sprintf("person%d@example.com", i+1), Outcome: models.OutcomeEnrolled}
	}
	processed := 5
	running := models.BulkJobRunning
	require.NoError(t, store.Update(ctx, job.ID, repository.UpdateBulkJobParams{Status: &running, ProcessedCount: &processed, Outcomes: outcomes}))

	require.NoError(t, svc.process(ctx, job.ID))

	stored := store.jobs[job.ID]
	assert.Equal(t, models.BulkJobCompleted, stored.Status)
	require.Len(t, stored.Outcomes, 10)
	// Only the second batch went through the registrar.
	assert.Equal(t, 5, registrar.enrolled)
}

func TestBulkStatusOwnership(t *testing.T) {
	store := newMemBulkJobStore()
	svc := NewBulkService(store, bulkSessionStore(), &mockIdentityResolver{}, &mockBulkRegistrar{}, nil, config.BulkConfig{}, validator.New(), zap.NewNop())
	svc.SetDispatcher(&mockBulkDispatcher{})
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, BulkEnrollRequest{SessionID: "sess-1", Identities: identityList(2)}, "org-1")
	require.NoError(t, err)

	_, err = svc.Status(ctx, job.ID, &models.JWTClaims{UserID: "org-2", Role: models.RoleOrganizer})
	require.Error(t, err)

	got, err := svc.Status(ctx, job.ID, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestBulkCancelFinishedJob(t *testing.T) {
	store := newMemBulkJobStore()
	svc := NewBulkService(store, bulkSessionStore(), &mockIdentityResolver{}, &mockBulkRegistrar{}, nil, config.BulkConfig{BatchSize: 5}, validator.New(), zap.NewNop())
	svc.SetDispatcher(&mockBulkDispatcher{})
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, BulkEnrollRequest{SessionID: "sess-1", Identities: identityList(2)}, "org-1")
	require.NoError(t, err)
	require.NoError(t, svc.process(ctx, job.ID))

	_, err = svc.Cancel(ctx, job.ID, &models.JWTClaims{UserID: "org-1", Role: models.RoleOrganizer})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job already finished")
}

func TestBulkWorkerMarksFailedAfterFinalAttempt(t *testing.T) {
	store := newMemBulkJobStore()
	svc := NewBulkService(store, bulkSessionStore(), &mockIdentityResolver{}, &mockBulkRegistrar{}, nil, config.BulkConfig{}, validator.New(), zap.NewNop())
	svc.SetDispatcher(&mockBulkDispatcher{})
	worker := NewBulkWorker(svc, 1, zap.NewNop())

	// The job does not exist, so process fails every attempt.
	err := worker.Handle(context.Background(), jobs.Job{ID: "bulk-missing", Type: "bulk_enroll", Attempt: 0})
	require.Error(t, err)

	err = worker.Handle(context.Background(), jobs.Job{ID: "bulk-missing", Type: "bulk_enroll", Attempt: 1})
	assert.NoError(t, err)
}

func TestBulkRecoverPendingJobs(t *testing.T) {
	store := newMemBulkJobStore()
	dispatcher := &mockBulkDispatcher{}
	svc := NewBulkService(store, bulkSessionStore(), &mockIdentityResolver{}, &mockBulkRegistrar{}, nil, config.BulkConfig{}, validator.New(), zap.NewNop())
	svc.SetDispatcher(dispatcher)
	ctx := context.Background()

	_, err := svc.CreateJob(ctx, BulkEnrollRequest{SessionID: "sess-1", Identities: identityList(2)}, "org-1")
	require.NoError(t, err)
	dispatcher.enqueued = nil

	svc.RecoverPendingJobs(ctx)
	assert.Len(t, dispatcher.enqueued, 1)
}
