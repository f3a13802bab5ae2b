// Package batch implements the batch prediction engine: orchestration of
// batch lifecycle and bounded-concurrency dispatch of items to the prediction
// backend.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/predictq/internal/cache"
	"github.com/kiranshivaraju/predictq/internal/store"
	"github.com/kiranshivaraju/predictq/pkg/models"
)

// CreateParams holds validated input for batch creation.
type CreateParams struct {
	TenantID       uuid.UUID
	ItemType       string
	PredictionType models.PredictionType
	ItemIDs        []string
	Config         models.BatchConfig
}

// BatchStatus is a batch together with its aggregate result counts.
type BatchStatus struct {
	Job    *models.BatchJob    `json:"batch"`
	Counts models.ResultCounts `json:"counts"`
}

// Service owns the batch lifecycle: create, start, cancel, and status. Result
// rows are mutated only by the scheduler's workers; the batch row is mutated
// only here and by the finalizer.
type Service struct {
	store store.Store
	cache cache.Cache
	sched *Scheduler
}

// NewService creates a batch Service dispatching through sched.
func NewService(st store.Store, ca cache.Cache, sched *Scheduler) *Service {
	return &Service{store: st, cache: ca, sched: sched}
}

// CreateBatch validates the request and creates the batch row plus one
// pending result row per item in a single transaction. Duplicate item ids in
// the request are rejected rather than silently collapsed: the caller's list
// is assumed to be a set.
func (s *Service) CreateBatch(ctx context.Context, params CreateParams) (*models.BatchJob, error) {
	if len(params.ItemIDs) == 0 {
		return nil, ErrNoItems
	}
	if err := params.PredictionType.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPredictionType, err)
	}

	seen := make(map[string]bool, len(params.ItemIDs))
	for _, id := range params.ItemIDs {
		if id == "" {
			return nil, fmt.Errorf("%w: empty item id", ErrNoItems)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateItem, id)
		}
		seen[id] = true
	}

	itemType := params.ItemType
	if itemType == "" {
		itemType = "client"
	}

	now := time.Now().UTC()
	job := &models.BatchJob{
		ID:             uuid.New(),
		TenantID:       params.TenantID,
		ItemType:       itemType,
		PredictionType: params.PredictionType,
		Status:         models.BatchStatusPending,
		TotalItems:     len(params.ItemIDs),
		Config:         params.Config,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	results := make([]*models.BatchJobResult, 0, len(params.ItemIDs))
	for i, itemID := range params.ItemIDs {
		results = append(results, &models.BatchJobResult{
			ID:         uuid.New(),
			BatchJobID: job.ID,
			ItemID:     itemID,
			ItemType:   itemType,
			Position:   i,
			Status:     models.ResultStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	if err := s.store.CreateBatchJob(ctx, job, results); err != nil {
		return nil, fmt.Errorf("creating batch: %w", err)
	}

	_ = s.cache.SetBatchStatus(ctx, job.ID, job.Status, statusCacheTTL)

	return job, nil
}

// StartBatch moves a pending batch to running and hands it to the scheduler.
func (s *Service) StartBatch(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.BatchJob, error) {
	job, err := s.store.GetBatchJob(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.BatchStatusPending {
		return nil, fmt.Errorf("%w: batch is %s", ErrInvalidState, job.Status)
	}

	now := time.Now().UTC()
	if err := s.store.UpdateBatchJobStatus(ctx, id, models.BatchStatusRunning, store.WithStartedAt(now)); err != nil {
		return nil, fmt.Errorf("starting batch: %w", err)
	}
	job.Status = models.BatchStatusRunning
	job.StartedAt = &now

	_ = s.cache.SetBatchStatus(ctx, id, job.Status, statusCacheTTL)

	s.sched.Dispatch(id)

	return job, nil
}

// CancelBatch requests cooperative cancellation: no new items are claimed,
// in-flight items finish on their own. Idempotent; cancelling a terminal
// batch is a no-op.
func (s *Service) CancelBatch(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.BatchJob, error) {
	job, err := s.store.GetBatchJob(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		return job, nil
	}

	if err := s.store.RequestBatchCancel(ctx, id); err != nil {
		return nil, fmt.Errorf("cancelling batch: %w", err)
	}
	job.CancelRequested = true

	// If nothing is in flight the batch settles immediately; otherwise the
	// last in-flight worker's finalize call will observe the flag.
	finalizeBatch(ctx, s.store, s.cache, id)

	return s.store.GetBatchJob(ctx, id, tenantID)
}

// GetBatchStatus returns the batch plus aggregate counts derived from its
// result rows.
func (s *Service) GetBatchStatus(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*BatchStatus, error) {
	job, err := s.store.GetBatchJob(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountResultsByStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("counting results: %w", err)
	}
	return &BatchStatus{Job: job, Counts: counts}, nil
}

// ListBatches returns a page of the tenant's batches, newest first.
func (s *Service) ListBatches(ctx context.Context, filter store.BatchFilter) ([]*models.BatchJob, int, error) {
	return s.store.ListBatchJobs(ctx, filter)
}
